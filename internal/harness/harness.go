package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/roach88/replicant/internal/cache"
	"github.com/roach88/replicant/internal/consumer"
	"github.com/roach88/replicant/internal/engine"
	"github.com/roach88/replicant/internal/event"
	"github.com/roach88/replicant/internal/lease"
	"github.com/roach88/replicant/internal/objstore"
	"github.com/roach88/replicant/internal/registry"
	"github.com/roach88/replicant/internal/removal"
	"github.com/roach88/replicant/internal/reposync"
	"github.com/roach88/replicant/internal/scheduler"
	"github.com/roach88/replicant/internal/store"
	"github.com/roach88/replicant/internal/testutil"
)

// Node is the consumer name scenarios run as.
const Node = "harness"

// Epoch is the clock reading at the start of every scenario.
var Epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// Scenario defaults.
const (
	DefaultMaxRetries = 3
	DefaultCapacity   = 10
)

// Harness holds one scenario's node.
type Harness struct {
	store  *store.Store
	engine *engine.Engine
	clock  *testutil.ManualClock
	syncer *scriptedSyncer
	passes int
}

// Run executes scenario in a fresh database under dir and evaluates its
// assertions. dir must exist; the caller owns its cleanup.
func Run(scenario *Scenario, dir string) (*Result, error) {
	ctx := context.Background()

	h, err := newHarness(scenario, dir)
	if err != nil {
		return nil, err
	}
	defer h.store.Close()

	for i, step := range scenario.Steps {
		if err := h.execute(ctx, step); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}

	result := NewResult()
	result.Trace = h.syncer.trace()
	if result.Cursor, err = h.store.Cursor(ctx, Node); err != nil {
		return nil, err
	}

	for _, msg := range EvaluateAssertions(ctx, result, scenario.Assertions, h.store) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(scenario *Scenario, dir string) (*Harness, error) {
	clock := testutil.NewManualClock(Epoch)
	st, err := store.Open(filepath.Join(dir, scenario.Name+".db"), store.WithClock(clock.Now))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	maxRetries := scenario.MaxRetries
	if maxRetries == 0 {
		maxRetries = DefaultMaxRetries
	}
	capacity := scenario.Capacity
	if capacity == 0 {
		capacity = DefaultCapacity
	}

	params := scheduler.Params{
		Fixed:      scheduler.DefaultFixedBackoff,
		Min:        time.Minute,
		Max:        time.Hour,
		MaxRetries: maxRetries,
	}
	sched := scheduler.New(st, scheduler.NewCapacity(capacity), params, scheduler.WithClock(clock.Now))

	paths := objstore.PathResolver{
		RepositoriesRoot: filepath.Join(dir, "repositories"),
		FilesRoot:        filepath.Join(dir, "files"),
	}
	layout := objstore.Layout{PathResolver: paths, Disk: st}
	guard := lease.NewGuard(st.Leases(), time.Hour)
	syncer := newScriptedSyncer(st, clock.Now)

	cons := consumer.New(consumer.Deps{
		Name:    Node,
		Store:   st,
		Pending: sched,
		Remover: removal.New(st, guard, layout, objstore.NewStorage(nil)),
		Paths:   paths,
		Cache:   cache.New(time.Minute, clock.Now),
	})

	syncers := make(map[registry.Type]engine.Syncer, len(registry.Types))
	for _, t := range registry.Types {
		syncers[t] = syncer
	}

	eng := engine.New(engine.Config{Node: Node, BatchSize: 100}, engine.Deps{
		Consumer:  cons,
		Scheduler: sched,
		Syncers:   syncers,
		Status:    st,
		Now:       clock.Now,
	})

	return &Harness{store: st, engine: eng, clock: clock, syncer: syncer}, nil
}

func (h *Harness) execute(ctx context.Context, step Step) error {
	switch {
	case step.Append != "":
		data, err := json.Marshal(step.Payload)
		if err != nil {
			return err
		}
		if step.Payload == nil {
			data = []byte("{}")
		}
		payload, err := event.Decode(event.Kind(step.Append), data)
		if err != nil {
			return err
		}
		_, err = h.store.Append(ctx, event.Event{Payload: payload})
		return err

	case step.Script != "":
		key, err := registry.ParseKey(step.Script)
		if err != nil {
			return err
		}
		h.syncer.script(key, step.Outcomes)
		return nil

	case step.Pass > 0:
		for i := 0; i < step.Pass; i++ {
			h.passes++
			h.syncer.setPass(h.passes)
			if err := h.engine.Pass(ctx); err != nil {
				return fmt.Errorf("pass %d: %w", h.passes, err)
			}
			h.engine.Wait()
		}
		return nil

	case step.Advance != "":
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return err
		}
		h.clock.Advance(d)
		return nil

	case step.Resync != "":
		key, err := registry.ParseKey(step.Resync)
		if err != nil {
			return err
		}
		h.engine.Resync(key)
		return nil
	}
	return errors.New("empty step")
}

// scriptedSyncer stands in for the primary: each attempt consumes the next
// scripted outcome for its key and records it on the registry the way the
// real sync services do.
type scriptedSyncer struct {
	store *store.Store
	now   func() time.Time

	mu     sync.Mutex
	pass   int
	queued map[registry.Key][]string
	events []TraceEvent
}

func newScriptedSyncer(st *store.Store, now func() time.Time) *scriptedSyncer {
	return &scriptedSyncer{store: st, now: now, queued: make(map[registry.Key][]string)}
}

func (s *scriptedSyncer) script(key registry.Key, outcomes []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued[key] = append(s.queued[key], outcomes...)
}

func (s *scriptedSyncer) setPass(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pass = n
}

func (s *scriptedSyncer) next(key registry.Key) (string, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	outcome := OutcomeSynced
	if q := s.queued[key]; len(q) > 0 {
		outcome, s.queued[key] = q[0], q[1:]
	}
	return outcome, s.pass
}

func (s *scriptedSyncer) record(key registry.Key, pass int, outcome string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, TraceEvent{Pass: pass, Key: key.String(), Outcome: outcome})
}

// trace returns the attempts ordered by pass, then key, numbered from 1.
func (s *scriptedSyncer) trace() []TraceEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]TraceEvent{}, s.events...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Pass != out[j].Pass {
			return out[i].Pass < out[j].Pass
		}
		return out[i].Key < out[j].Key
	})
	for i := range out {
		out[i].Seq = i + 1
	}
	return out
}

func (s *scriptedSyncer) Sync(ctx context.Context, key registry.Key) (reposync.Result, error) {
	outcome, pass := s.next(key)
	s.record(key, pass, outcome)

	if outcome == OutcomeSkipped {
		return reposync.Result{Outcome: reposync.OutcomeSkipped}, nil
	}

	now := s.now()
	_, err := s.store.UpdateRegistry(ctx, key, func(r registry.Registry) (registry.Registry, error) {
		return r.Started(now), nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return reposync.Result{Outcome: reposync.OutcomeGone}, nil
	}
	if err != nil {
		return reposync.Result{Outcome: reposync.OutcomeFailed}, err
	}

	var (
		update func(registry.Registry) registry.Registry
		res    = reposync.Result{Outcome: reposync.OutcomeFailed}
		cause  error
	)
	switch outcome {
	case OutcomeSynced, OutcomeMissing:
		missing := outcome == OutcomeMissing
		res = reposync.Result{Outcome: reposync.OutcomeSynced, MissingOnPrimary: missing}
		update = func(r registry.Registry) registry.Registry { return r.Succeeded(now, missing) }
	case OutcomeCorrupted:
		cause = reposync.NewTransportError(reposync.CodeCorrupted, errors.New("scripted corruption"))
		update = func(r registry.Registry) registry.Registry { return r.Failed(now, cause.Error(), true) }
	case OutcomeUnauthorized:
		cause = reposync.NewTransportError(reposync.CodeUnauthorized, errors.New("scripted rejection"))
		update = func(r registry.Registry) registry.Registry { return r.Failed(now, cause.Error(), false) }
	default:
		cause = reposync.NewTransportError(reposync.CodeTransient, errors.New("scripted timeout"))
		update = func(r registry.Registry) registry.Registry { return r.Failed(now, cause.Error(), false) }
	}

	if _, err := s.store.UpdateRegistry(ctx, key, func(r registry.Registry) (registry.Registry, error) {
		return update(r), nil
	}); err != nil {
		return reposync.Result{Outcome: reposync.OutcomeFailed}, err
	}
	return res, cause
}
