package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/replicant/internal/registry"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show replication status of this node",
		Long: `Show registry counts by type and status, how far the node has read
the event log, and which replicables are hard failed.

Example:
  replicant status -c replicant.yaml
  replicant status -c replicant.yaml --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(rootOpts, cmd)
		},
	}
}

type statusResult struct {
	Node        string                                    `json:"node"`
	Cursor      int64                                     `json:"cursor"`
	LastEventID int64                                     `json:"last_event_id"`
	Registries  map[registry.Type]map[registry.Status]int `json:"registries"`
	HardFailed  []string                                  `json:"hard_failed"`
}

func (r statusResult) WriteText(w io.Writer) error {
	fmt.Fprintf(w, "node:   %s\n", r.Node)
	fmt.Fprintf(w, "events: %d of %d applied\n\n", r.Cursor, r.LastEventID)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tSYNCED\tFAILED\tNEVER")
	for _, t := range registry.Types {
		c := r.Registries[t]
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n", t, c[registry.StatusSynced], c[registry.StatusFailed], c[registry.StatusNever])
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(r.HardFailed) > 0 {
		fmt.Fprintln(w, "\nhard failed:")
		for _, k := range r.HardFailed {
			fmt.Fprintf(w, "  %s\n", k)
		}
	}
	return nil
}

func runStatus(opts *RootOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	cfg, st, err := opts.openStore(out)
	if err != nil {
		return err
	}
	defer closeStore(st)

	ctx := cmd.Context()
	res := statusResult{Node: cfg.Node.Name, HardFailed: []string{}}

	if res.Registries, err = st.StatusCounts(ctx); err != nil {
		return out.Fail(ExitFailure, ErrCodeDatabase, "failed to count registries", err)
	}
	if res.Cursor, err = st.Cursor(ctx, cfg.Node.Name); err != nil {
		return out.Fail(ExitFailure, ErrCodeDatabase, "failed to read cursor", err)
	}
	if res.LastEventID, err = st.LastEventID(ctx); err != nil {
		return out.Fail(ExitFailure, ErrCodeDatabase, "failed to read event log", err)
	}
	failed, err := st.HardFailedSchedules(ctx)
	if err != nil {
		return out.Fail(ExitFailure, ErrCodeDatabase, "failed to list schedules", err)
	}
	for _, s := range failed {
		res.HardFailed = append(res.HardFailed, s.Key.String())
	}

	return out.Success(res)
}
