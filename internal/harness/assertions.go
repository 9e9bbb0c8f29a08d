package harness

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/replicant/internal/registry"
	"github.com/roach88/replicant/internal/store"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Key      string       // Replicable the assertion is about
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s %s\n", e.Type, e.Key)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for _, ev := range e.Trace {
		fmt.Fprintf(&buf, "  [%d] pass %d %s %s\n", ev.Seq, ev.Pass, ev.Key, ev.Outcome)
	}

	return buf.String()
}

// EvaluateAssertions checks every assertion and returns the failure messages.
func EvaluateAssertions(ctx context.Context, result *Result, assertions []Assertion, st *store.Store) []string {
	var failures []string
	for _, a := range assertions {
		var err error
		switch a.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, a)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, a)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, a)
		case AssertFinalState:
			err = assertFinalState(ctx, st, result.Trace, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			failures = append(failures, err.Error())
		}
	}
	return failures
}

// outcomesOf returns the outcomes of key's attempts in trace order.
func outcomesOf(trace []TraceEvent, key string) []string {
	var out []string
	for _, ev := range trace {
		if ev.Key == key {
			out = append(out, ev.Outcome)
		}
	}
	return out
}

// assertTraceContains checks that key had an attempt with the outcome.
func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, o := range outcomesOf(trace, a.Key) {
		if o == a.Outcome {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Key:      a.Key,
		Expected: fmt.Sprintf("an attempt with outcome %s", a.Outcome),
		Actual:   fmt.Sprintf("outcomes %v", outcomesOf(trace, a.Key)),
		Trace:    trace,
	}
}

// assertTraceOrder checks that key's outcomes contain a.Outcomes as a
// subsequence. Other attempts may come in between.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	got := outcomesOf(trace, a.Key)
	i := 0
	for _, o := range got {
		if i < len(a.Outcomes) && o == a.Outcomes[i] {
			i++
		}
	}
	if i == len(a.Outcomes) {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceOrder,
		Key:      a.Key,
		Expected: fmt.Sprintf("outcomes in order: %v", a.Outcomes),
		Actual:   fmt.Sprintf("outcomes %v (missing %s)", got, a.Outcomes[i]),
		Trace:    trace,
	}
}

// assertTraceCount checks the number of key's attempts, of one outcome when
// a.Outcome is set.
func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, o := range outcomesOf(trace, a.Key) {
		if a.Outcome == "" || o == a.Outcome {
			count++
		}
	}
	if count == a.Count {
		return nil
	}
	what := "attempts"
	if a.Outcome != "" {
		what = a.Outcome + " attempts"
	}
	return &AssertionError{
		Type:     AssertTraceCount,
		Key:      a.Key,
		Expected: fmt.Sprintf("%d %s", a.Count, what),
		Actual:   fmt.Sprintf("%d %s", count, what),
		Trace:    trace,
	}
}

// assertFinalState compares a.Expect with the observed fields of the key's
// registry and schedule.
func assertFinalState(ctx context.Context, st *store.Store, trace []TraceEvent, a Assertion) error {
	key, err := registry.ParseKey(a.Key)
	if err != nil {
		return err
	}
	observed, err := Observe(ctx, st, key)
	if err != nil {
		return err
	}

	fields := make([]string, 0, len(a.Expect))
	for f := range a.Expect {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	var mismatches []string
	for _, f := range fields {
		want := a.Expect[f]
		got, ok := observed[f]
		if !ok {
			mismatches = append(mismatches, fmt.Sprintf("%s: not observed", f))
			continue
		}
		if !matchValue(want, got) {
			mismatches = append(mismatches, fmt.Sprintf("%s: want %v, got %v", f, want, got))
		}
	}
	if len(mismatches) == 0 {
		return nil
	}
	return &AssertionError{
		Type:     AssertFinalState,
		Key:      a.Key,
		Expected: fmt.Sprintf("%v", a.Expect),
		Actual:   strings.Join(mismatches, "; "),
		Trace:    trace,
	}
}

// Observe reads the final_state fields of key. Registry fields are present
// only when the registry exists, schedule fields only when the schedule
// does; "exists" is always present.
func Observe(ctx context.Context, st *store.Store, key registry.Key) (map[string]any, error) {
	observed := map[string]any{"exists": false}

	reg, err := st.GetRegistry(ctx, key)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		observed["exists"] = true
		observed["status"] = string(reg.Status())
		observed["resync"] = reg.Resync
		observed["force_redownload"] = reg.ForceRedownload
		observed["missing_on_primary"] = reg.MissingOnPrimary
		observed["registry_retries"] = reg.Retries()
		observed["last_sync_failure"] = reg.LastSyncFailure
		if reg.Checksum != nil {
			observed["checksum"] = *reg.Checksum
		} else {
			observed["checksum"] = nil
		}
	}

	sch, err := st.GetSchedule(ctx, key)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		observed["state"] = string(sch.State)
		observed["pending"] = sch.Pending
		observed["hard_failed"] = sch.HardFailed
		observed["retry_count"] = sch.RetryCount
	}
	return observed, nil
}

// matchValue compares a YAML-decoded value with an observed one. Numbers and
// strings compare by their printed form.
func matchValue(want, got any) bool {
	if want == nil || got == nil {
		return want == nil && got == nil
	}
	return fmt.Sprint(want) == fmt.Sprint(got)
}
