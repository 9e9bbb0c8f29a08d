package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/replicant/internal/event"
)

// EventsOptions holds flags for the events command.
type EventsOptions struct {
	*RootOptions
	After int64
	Limit int
}

// NewEventsCommand creates the events command.
func NewEventsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EventsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List event log entries",
		Long: `List entries of the event log in id order.

Example:
  replicant events --after 1200 --limit 20
  replicant events --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvents(opts, cmd)
		},
	}

	cmd.Flags().Int64Var(&opts.After, "after", 0, "list entries with id greater than this")
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 50, "maximum number of entries")

	return cmd
}

type eventView struct {
	ID            int64           `json:"id"`
	Kind          event.Kind      `json:"kind"`
	CorrelationID string          `json:"correlation_id"`
	CreatedAt     time.Time       `json:"created_at"`
	Payload       json.RawMessage `json:"payload"`
}

type eventsResult struct {
	Events []eventView `json:"events"`
}

func (r eventsResult) WriteText(w io.Writer) error {
	if len(r.Events) == 0 {
		_, err := fmt.Fprintln(w, "no events")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tCREATED\tPAYLOAD")
	for _, e := range r.Events {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", e.ID, e.Kind, e.CreatedAt.Format(time.RFC3339), e.Payload)
	}
	return tw.Flush()
}

func runEvents(opts *EventsOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	if opts.Limit <= 0 {
		return out.Fail(ExitCommandError, ErrCodeGeneric, "invalid limit", fmt.Errorf("--limit must be positive, got %d", opts.Limit))
	}

	_, st, err := opts.openStore(out)
	if err != nil {
		return err
	}
	defer closeStore(st)

	entries, err := st.Entries(cmd.Context(), opts.After, opts.Limit)
	if err != nil {
		return out.Fail(ExitFailure, ErrCodeDatabase, "failed to read event log", err)
	}

	res := eventsResult{Events: make([]eventView, 0, len(entries))}
	for _, e := range entries {
		kind, payload, err := event.Encode(e.Event.Payload)
		if err != nil {
			return out.Fail(ExitFailure, ErrCodeBadEvent, "failed to encode event", err)
		}
		res.Events = append(res.Events, eventView{
			ID:            e.ID,
			Kind:          kind,
			CorrelationID: e.CorrelationID,
			CreatedAt:     e.Event.CreatedAt,
			Payload:       payload,
		})
	}
	return out.Success(res)
}
