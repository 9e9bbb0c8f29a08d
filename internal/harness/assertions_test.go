package harness

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/replicant/internal/registry"
	"github.com/roach88/replicant/internal/store"
)

func sampleTrace() []TraceEvent {
	return []TraceEvent{
		{Seq: 1, Pass: 1, Key: "repository:1", Outcome: OutcomeTransient},
		{Seq: 2, Pass: 1, Key: "wiki:1", Outcome: OutcomeSynced},
		{Seq: 3, Pass: 2, Key: "repository:1", Outcome: OutcomeSynced},
	}
}

func TestAssertTraceContains(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceContains(trace, Assertion{Key: "repository:1", Outcome: OutcomeSynced}))

	err := assertTraceContains(trace, Assertion{Type: AssertTraceContains, Key: "wiki:1", Outcome: OutcomeTransient})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outcomes [synced]")
	assert.Contains(t, err.Error(), "Full trace:")
}

func TestAssertTraceOrder(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceOrder(trace, Assertion{Key: "repository:1", Outcomes: []string{OutcomeTransient, OutcomeSynced}}))
	assert.NoError(t, assertTraceOrder(trace, Assertion{Key: "repository:1", Outcomes: []string{OutcomeSynced}}))

	err := assertTraceOrder(trace, Assertion{Key: "repository:1", Outcomes: []string{OutcomeSynced, OutcomeTransient}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing transient")
}

func TestAssertTraceCount(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceCount(trace, Assertion{Key: "repository:1", Count: 2}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Key: "repository:1", Outcome: OutcomeSynced, Count: 1}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Key: "upload:1", Count: 0}))

	err := assertTraceCount(trace, Assertion{Key: "wiki:1", Outcome: OutcomeSynced, Count: 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Expected: 2 synced attempts")
	assert.Contains(t, err.Error(), "Actual: 1 synced attempts")
}

func TestObserve(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(filepath.Join(t.TempDir(), "observe.db"))
	require.NoError(t, err)
	defer st.Close()

	key := registry.Key{Type: registry.TypeLfsObject, ID: 9}

	observed, err := Observe(ctx, st, key)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"exists": false}, observed)

	_, _, err = st.EnsureRegistry(ctx, key, registry.Registry.MarkDirty)
	require.NoError(t, err)

	observed, err = Observe(ctx, st, key)
	require.NoError(t, err)
	assert.Equal(t, true, observed["exists"])
	assert.Equal(t, "never", observed["status"])
	assert.Nil(t, observed["checksum"])
	assert.NotContains(t, observed, "state")
}

func TestMatchValue(t *testing.T) {
	assert.True(t, matchValue(nil, nil))
	assert.True(t, matchValue(2, 2))
	assert.True(t, matchValue(false, false))
	assert.True(t, matchValue("synced", "synced"))
	assert.False(t, matchValue(nil, "abc"))
	assert.False(t, matchValue("abc", nil))
	assert.False(t, matchValue(1, 2))
}

func TestEvaluateAssertions_CollectsFailures(t *testing.T) {
	result := NewResult()
	result.Trace = sampleTrace()

	failures := EvaluateAssertions(context.Background(), result, []Assertion{
		{Type: AssertTraceCount, Key: "wiki:1", Count: 1},
		{Type: AssertTraceCount, Key: "wiki:1", Count: 3},
		{Type: "bogus", Key: "wiki:1"},
	}, nil)

	require.Len(t, failures, 2)
	assert.Contains(t, failures[0], "trace_count wiki:1")
	assert.Contains(t, failures[1], `unknown assertion type "bogus"`)
}
