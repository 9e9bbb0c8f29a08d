package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/replicant/internal/event"
)

// NewAppendCommand creates the append command.
func NewAppendCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "append <kind> <payload-json|->",
		Short: "Append an event to the log",
		Long: `Append one event to the event log, as the primary does when
something replicable changes. The payload is JSON; "-" reads it from stdin.

Example:
  replicant append repository_updated '{"project_id": 42, "source": "repository"}'
  replicant append cache_invalidation - < payload.json`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAppend(rootOpts, cmd, args[0], args[1])
		},
	}
}

type appendResult struct {
	ID            int64      `json:"id"`
	Kind          event.Kind `json:"kind"`
	CorrelationID string     `json:"correlation_id"`
}

func (r appendResult) WriteText(w io.Writer) error {
	_, err := fmt.Fprintf(w, "appended event %d (%s, correlation %s)\n", r.ID, r.Kind, r.CorrelationID)
	return err
}

func runAppend(opts *RootOptions, cmd *cobra.Command, kindArg, payloadArg string) error {
	out := opts.formatter(cmd)

	kind := event.Kind(kindArg)
	if !kind.Valid() {
		return out.Fail(ExitCommandError, ErrCodeBadEvent, "unknown event kind",
			fmt.Errorf("%q", kindArg))
	}

	data := []byte(payloadArg)
	if payloadArg == "-" {
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return out.Fail(ExitCommandError, ErrCodeBadEvent, "failed to read payload", err)
		}
		data = b
	}

	payload, err := event.Decode(kind, data)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeBadEvent, "invalid payload", err)
	}

	_, st, err := opts.openStore(out)
	if err != nil {
		return err
	}
	defer closeStore(st)

	entry, err := st.Append(cmd.Context(), event.Event{Payload: payload})
	if err != nil {
		return out.Fail(ExitFailure, ErrCodeDatabase, "failed to append event", err)
	}
	return out.Success(appendResult{
		ID:            entry.ID,
		Kind:          entry.Event.Kind(),
		CorrelationID: entry.CorrelationID,
	})
}
