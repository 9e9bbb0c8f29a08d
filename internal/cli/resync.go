package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/replicant/internal/registry"
	"github.com/roach88/replicant/internal/scheduler"
	"github.com/roach88/replicant/internal/store"
)

// NewResyncCommand creates the resync command.
func NewResyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resync <type> <id>",
		Short: "Re-prime one replicable",
		Long: `Mark a replicable dirty and make it due at once, clearing a hard
failure. A running engine picks it up on its next pass.

Types: repository, wiki, container_repository, upload, lfs_object, job_artifact

Example:
  replicant resync repository 42
  replicant resync lfs_object 7 --format json`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResync(rootOpts, cmd, args[0], args[1])
		},
	}
}

type resyncResult struct {
	Key     string `json:"key"`
	Created bool   `json:"created"`
}

func (r resyncResult) WriteText(w io.Writer) error {
	verb := "re-primed"
	if r.Created {
		verb = "registered and primed"
	}
	_, err := fmt.Fprintf(w, "%s %s\n", verb, r.Key)
	return err
}

func runResync(opts *RootOptions, cmd *cobra.Command, typeArg, idArg string) error {
	out := opts.formatter(cmd)

	key, err := parseKey(typeArg, idArg)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeBadKey, "invalid replicable", err)
	}

	cfg, st, err := opts.openStore(out)
	if err != nil {
		return err
	}
	defer closeStore(st)

	sched := scheduler.New(st, scheduler.NewCapacity(cfg.Capacity.MaxInFlight), cfg.Backoff.Params())
	created, err := resync(cmd.Context(), st, sched, key)
	if err != nil {
		return out.Fail(ExitFailure, ErrCodeDatabase, "failed to resync", err)
	}
	return out.Success(resyncResult{Key: key.String(), Created: created})
}

func parseKey(typeArg, idArg string) (registry.Key, error) {
	t := registry.Type(typeArg)
	if !t.Valid() {
		return registry.Key{}, fmt.Errorf("unknown type %q", typeArg)
	}
	id, err := strconv.ParseInt(idArg, 10, 64)
	if err != nil || id <= 0 {
		return registry.Key{}, fmt.Errorf("id must be a positive integer, got %q", idArg)
	}
	return registry.Key{Type: t, ID: id}, nil
}

// resync marks key's registry dirty, creating it when absent, then makes its
// schedule due now.
func resync(ctx context.Context, st *store.Store, sched *scheduler.Scheduler, key registry.Key) (bool, error) {
	_, created, err := st.EnsureRegistry(ctx, key, registry.Registry.MarkDirty)
	if err != nil {
		return false, err
	}
	return created, sched.RunNow(ctx, key)
}
