package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/roach88/replicant/internal/registry"
)

// Store persists schedules.
type Store interface {
	// UpdateSchedule atomically loads the schedule for key, or NewSchedule
	// when none exists, applies fn, and persists the result. Nothing is
	// written when fn returns an error.
	UpdateSchedule(ctx context.Context, key registry.Key, fn func(Schedule) (Schedule, error)) (Schedule, error)

	// DueSchedules returns pending, non-hard-failed schedules that are idle
	// and whose next execution is at or before now, oldest first.
	DueSchedules(ctx context.Context, now time.Time, limit int) ([]Schedule, error)

	// SchedulesInState lists schedules currently in any of states.
	SchedulesInState(ctx context.Context, states ...State) ([]Schedule, error)
}

// Notifier is told once when a schedule exhausts its retries.
type Notifier interface {
	HardFailed(ctx context.Context, s Schedule)
}

// LogNotifier reports hard failures through slog.
type LogNotifier struct{}

func (LogNotifier) HardFailed(_ context.Context, s Schedule) {
	slog.Error("replication hard failed, excluded until re-primed",
		"key", s.Key.String(),
		"retry_count", s.RetryCount,
		"last_error", s.LastError,
	)
}

// Scheduler applies Transition against persisted schedules and executes the
// resulting commands.
//
// Thread-safety: Scheduler is safe for concurrent use. Per-key atomicity
// comes from Store.UpdateSchedule.
type Scheduler struct {
	store    Store
	capacity *Capacity
	params   Params
	notifier Notifier
	now      func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithNotifier replaces the default LogNotifier.
func WithNotifier(n Notifier) Option {
	return func(s *Scheduler) {
		s.notifier = n
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// New creates a Scheduler.
func New(store Store, capacity *Capacity, params Params, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    store,
		capacity: capacity,
		params:   params,
		notifier: LogNotifier{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Capacity returns the gate shared by all attempts.
func (s *Scheduler) Capacity() *Capacity {
	return s.capacity
}

// MarkPending records new work for key, creating its schedule if needed.
func (s *Scheduler) MarkPending(ctx context.Context, key registry.Key) error {
	_, _, err := s.apply(ctx, key, Trigger{Type: TriggerMarkPending})
	return err
}

// RunNow re-primes key: clears hard failure and retries, and makes it due
// immediately.
func (s *Scheduler) RunNow(ctx context.Context, key registry.Key) error {
	next, cmds, err := s.apply(ctx, key, Trigger{Type: TriggerRunNow})
	if err != nil {
		return err
	}
	s.execute(ctx, next, cmds, nil)
	return nil
}

// Recover returns schedules left scheduled or started by a previous process
// to the pool. Call it before the first Next, while nothing is in flight.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	stuck, err := s.store.SchedulesInState(ctx, StateScheduled, StateStarted)
	if err != nil {
		return 0, fmt.Errorf("recover: %w", err)
	}
	for _, sch := range stuck {
		if _, _, err := s.apply(ctx, sch.Key, Trigger{Type: TriggerRecover}); err != nil {
			return 0, err
		}
		slog.Warn("recovered orphaned attempt", "key", sch.Key.String(), "state", sch.State)
	}
	return len(stuck), nil
}

// Next starts up to limit due attempts, bounded by free capacity. Each
// returned Attempt holds one capacity slot until it ends.
//
// On error, the attempts already started are returned alongside it and must
// still be run to completion.
func (s *Scheduler) Next(ctx context.Context, limit int) ([]*Attempt, error) {
	free := int(s.capacity.Available())
	if free <= 0 {
		return nil, nil
	}
	if limit <= 0 || limit > free {
		limit = free
	}

	due, err := s.store.DueSchedules(ctx, s.now(), limit)
	if err != nil {
		return nil, fmt.Errorf("due schedules: %w", err)
	}

	attempts := make([]*Attempt, 0, len(due))
	for _, sch := range due {
		if !s.capacity.TryEnter() {
			slog.Debug("capacity exhausted", "key", sch.Key.String(), "in_flight", s.capacity.InFlight())
			break
		}
		now := s.now()
		_, err := s.store.UpdateSchedule(ctx, sch.Key, func(cur Schedule) (Schedule, error) {
			cur, _, err := Transition(cur, Trigger{Type: TriggerSchedule}, now, s.params)
			if err != nil {
				return cur, err
			}
			cur, _, err = Transition(cur, Trigger{Type: TriggerStart}, now, s.params)
			return cur, err
		})
		if err != nil {
			s.capacity.Leave()
			var te *TransitionError
			if errors.As(err, &te) {
				// Another caller moved it since DueSchedules read it
				slog.Debug("schedule no longer due", "key", sch.Key.String(), "error", err)
				continue
			}
			return attempts, fmt.Errorf("start %s: %w", sch.Key, err)
		}
		attempts = append(attempts, &Attempt{sched: s, key: sch.Key, startedAt: now})
	}
	return attempts, nil
}

// Attempt is one started sync of a replicable. Exactly one of Complete, Fail,
// Abort or Skip should be called; the capacity slot is returned on the first call
// regardless of its outcome.
type Attempt struct {
	sched     *Scheduler
	key       registry.Key
	startedAt time.Time
	released  atomic.Bool
}

// Key returns the replicable the attempt is for.
func (a *Attempt) Key() registry.Key {
	return a.key
}

// Complete records a successful attempt.
func (a *Attempt) Complete(ctx context.Context) error {
	return a.end(ctx, Trigger{Type: TriggerFinish})
}

// Fail records a failed attempt and backs off.
func (a *Attempt) Fail(ctx context.Context, reason string) error {
	return a.end(ctx, Trigger{Type: TriggerFail, Reason: reason})
}

// Abort records a failure that retrying cannot fix, such as rejected
// credentials. The schedule is hard failed until re-primed with RunNow.
func (a *Attempt) Abort(ctx context.Context, reason string) error {
	return a.end(ctx, Trigger{Type: TriggerFail, Reason: reason, Fatal: true})
}

// Skip records an attempt that found the lease already held.
func (a *Attempt) Skip(ctx context.Context) error {
	return a.end(ctx, Trigger{Type: TriggerSkip})
}

func (a *Attempt) end(ctx context.Context, tr Trigger) error {
	defer a.release()

	tr.Elapsed = a.sched.now().Sub(a.startedAt)
	next, cmds, err := a.sched.apply(ctx, a.key, tr)
	if err != nil {
		return err
	}
	a.sched.execute(ctx, next, cmds, a.release)
	return nil
}

func (a *Attempt) release() {
	if a.released.CompareAndSwap(false, true) {
		a.sched.capacity.Leave()
	}
}

func (s *Scheduler) apply(ctx context.Context, key registry.Key, tr Trigger) (Schedule, []Command, error) {
	var cmds []Command
	next, err := s.store.UpdateSchedule(ctx, key, func(cur Schedule) (Schedule, error) {
		var (
			n   Schedule
			err error
		)
		n, cmds, err = Transition(cur, tr, s.now(), s.params)
		return n, err
	})
	if err != nil {
		return next, nil, fmt.Errorf("%s %s: %w", tr.Type, key, err)
	}
	return next, cmds, nil
}

func (s *Scheduler) execute(ctx context.Context, next Schedule, cmds []Command, release func()) {
	for _, cmd := range cmds {
		switch cmd.Type {
		case CommandReleaseCapacity:
			if release != nil {
				release()
			}
		case CommandNotifyHardFailed:
			s.notifier.HardFailed(ctx, next)
		case CommandReschedule:
			slog.Debug("rescheduled", "key", next.Key.String(), "at", cmd.At, "retry_count", next.RetryCount)
		}
	}
}
