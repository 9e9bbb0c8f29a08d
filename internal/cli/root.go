package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/replicant/internal/config"
	"github.com/roach88/replicant/internal/store"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose   bool
	Format    string // "json" | "text"
	LogFormat string // "json" | "text"
	Config    string

	// Getenv replaces os.Getenv for config overrides (for testing).
	Getenv func(string) string
}

// ValidFormats defines the allowed output and log formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the replicant CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replicant",
		Short: "replicant - primary to secondary replication",
		Long: `Replicate repositories, attached files and container images from a
primary node to secondaries, driven by the primary's event log.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			if !isValidFormat(opts.LogFormat) {
				return fmt.Errorf("invalid log format %q: must be one of %v", opts.LogFormat, ValidFormats)
			}
			setupLogging(cmd.ErrOrStderr(), opts)
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "text", "log format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", "", "path to YAML config file")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewAppendCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewResyncCommand(opts))
	cmd.AddCommand(NewEventsCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}

// setupLogging installs the process logger. Debug level with --verbose.
func setupLogging(w io.Writer, opts *RootOptions) {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if opts.LogFormat == "json" {
		handler = slog.NewJSONHandler(w, hopts)
	} else {
		handler = slog.NewTextHandler(w, hopts)
	}
	slog.SetDefault(slog.New(handler))
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

func (o *RootOptions) loadConfig() (config.Config, error) {
	getenv := o.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	return config.Load(o.Config, getenv)
}

// openStore loads the config and opens its database. The caller closes the
// store.
func (o *RootOptions) openStore(out *OutputFormatter) (config.Config, *store.Store, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return config.Config{}, nil, out.Fail(ExitCommandError, ErrCodeConfig, "failed to load config", err)
	}
	out.VerboseLog("opening database %s", cfg.Database.Path)
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return config.Config{}, nil, out.Fail(ExitCommandError, ErrCodeDatabase, "failed to open database", err)
	}
	return cfg, st, nil
}

func closeStore(st *store.Store) {
	if err := st.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}
