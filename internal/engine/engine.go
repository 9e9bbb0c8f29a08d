package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/replicant/internal/metrics"
	"github.com/roach88/replicant/internal/primary"
	"github.com/roach88/replicant/internal/registry"
	"github.com/roach88/replicant/internal/reposync"
	"github.com/roach88/replicant/internal/scheduler"
)

// Defaults for Config fields left zero.
const (
	DefaultPollInterval   = 5 * time.Second
	DefaultBatchSize      = 100
	DefaultStatusInterval = time.Minute
)

// Syncer runs one sync attempt for a replicable.
type Syncer interface {
	Sync(ctx context.Context, key registry.Key) (reposync.Result, error)
}

// Consumer applies event log entries.
type Consumer interface {
	Drain(ctx context.Context, max int) (int, error)
}

// StatusSource supplies the numbers of a status report.
type StatusSource interface {
	StatusCounts(ctx context.Context) (map[registry.Type]map[registry.Status]int, error)
	Cursor(ctx context.Context, consumer string) (int64, error)
	LastEventID(ctx context.Context) (int64, error)
}

// Reporter delivers status reports to the primary.
type Reporter interface {
	PushStatus(ctx context.Context, s primary.Status) error
}

// Waiter is background work the engine drains before Run returns.
type Waiter interface {
	Wait()
}

// Config tunes the run loop.
type Config struct {
	// Node names this secondary in status reports and the event cursor.
	Node string

	// PollInterval is how often the loop runs when nothing wakes it.
	PollInterval time.Duration

	// BatchSize caps events applied and attempts started per pass.
	BatchSize int

	// StatusInterval is how often status is pushed. Zero means the default.
	StatusInterval time.Duration
}

// Deps groups the collaborators of an Engine.
type Deps struct {
	Consumer  Consumer
	Scheduler *scheduler.Scheduler

	// Syncers maps each replicable type to the service that syncs it.
	Syncers map[registry.Type]Syncer

	Status   StatusSource
	Reporter Reporter

	// Background is waited on during shutdown, e.g. the housekeeper.
	Background []Waiter

	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Engine is the secondary's run loop. Each pass applies new events, then
// starts due attempts up to the capacity cap, one goroutine per attempt.
//
// Thread-safety model:
//   - Resync() and Wake(): safe from any goroutine
//   - Run(): must be called from exactly one goroutine
type Engine struct {
	cfg        Config
	consumer   Consumer
	scheduler  *scheduler.Scheduler
	syncers    map[registry.Type]Syncer
	status     StatusSource
	reporter   Reporter
	background []Waiter
	metrics    *metrics.Metrics
	now        func() time.Time

	requests *requestQueue
	inflight sync.WaitGroup
}

// New creates an Engine.
func New(cfg Config, d Deps) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = DefaultStatusInterval
	}
	now := d.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		cfg:        cfg,
		consumer:   d.Consumer,
		scheduler:  d.Scheduler,
		syncers:    d.Syncers,
		status:     d.Status,
		reporter:   d.Reporter,
		background: d.Background,
		metrics:    d.Metrics,
		now:        now,
		requests:   newRequestQueue(),
	}
}

// Resync re-primes key on the next pass, clearing any hard failure.
func (e *Engine) Resync(key registry.Key) bool {
	return e.requests.Enqueue(key)
}

// Wake runs a pass without waiting for the poll interval.
func (e *Engine) Wake() {
	e.requests.Poke()
}

// Run recovers orphaned attempts, then loops until ctx is cancelled.
// Attempts in flight at cancellation run to completion before Run returns.
func (e *Engine) Run(ctx context.Context) error {
	n, err := e.scheduler.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	if n > 0 {
		slog.Info("recovered attempts from previous run", "count", n)
	}

	slog.Info("engine started",
		"node", e.cfg.Node,
		"poll_interval", e.cfg.PollInterval,
		"batch_size", e.cfg.BatchSize,
	)

	poll := time.NewTicker(e.cfg.PollInterval)
	defer poll.Stop()
	report := time.NewTicker(e.cfg.StatusInterval)
	defer report.Stop()

	for {
		if err := e.Pass(ctx); err != nil && ctx.Err() == nil {
			slog.Error("pass failed", "error", err)
		}

		select {
		case <-ctx.Done():
			slog.Info("engine stopping: context cancelled")
			e.requests.Close()
			e.Wait()
			return nil
		case <-poll.C:
		case <-e.requests.Wait():
		case <-report.C:
			if err := e.ReportStatus(ctx); err != nil {
				slog.Warn("status push failed", "error", err)
			}
		}
	}
}

// Pass runs one iteration of the loop: manual re-primes, events, then due
// attempts. Attempts run in the background; see Wait.
func (e *Engine) Pass(ctx context.Context) error {
	var errs []error

	for _, key := range e.requests.TakeAll() {
		if err := e.scheduler.RunNow(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("run now %s: %w", key, err))
		}
	}

	if _, err := e.consumer.Drain(ctx, e.cfg.BatchSize); err != nil {
		errs = append(errs, fmt.Errorf("apply events: %w", err))
	}

	attempts, err := e.scheduler.Next(ctx, e.cfg.BatchSize)
	if err != nil {
		errs = append(errs, err)
	}
	for _, a := range attempts {
		e.inflight.Add(1)
		go func(a *scheduler.Attempt) {
			defer e.inflight.Done()
			// Attempts are never cancelled midway
			e.runAttempt(context.WithoutCancel(ctx), a)
		}(a)
	}
	e.metrics.SetInFlight(e.scheduler.Capacity().InFlight())

	return errors.Join(errs...)
}

// Wait blocks until every started attempt and background task has finished.
func (e *Engine) Wait() {
	e.inflight.Wait()
	for _, w := range e.background {
		w.Wait()
	}
}

func (e *Engine) runAttempt(ctx context.Context, a *scheduler.Attempt) {
	key := a.Key()
	defer func() {
		e.metrics.SetInFlight(e.scheduler.Capacity().InFlight())
	}()

	syncer, ok := e.syncers[key.Type]
	if !ok {
		slog.Error("no syncer for type", "key", key.String())
		e.record(key, "unsupported", a.Abort(ctx, fmt.Sprintf("no syncer for %s", key.Type)))
		return
	}

	res, err := syncer.Sync(ctx, key)
	switch {
	case err != nil && reposync.IsUnauthorized(err):
		e.record(key, "unauthorized", a.Abort(ctx, err.Error()))
	case err != nil:
		e.record(key, "failed", a.Fail(ctx, err.Error()))
	case res.Outcome == reposync.OutcomeSkipped:
		e.record(key, res.Outcome.String(), a.Skip(ctx))
	default:
		e.record(key, res.Outcome.String(), a.Complete(ctx))
	}
}

func (e *Engine) record(key registry.Key, result string, endErr error) {
	e.metrics.Sync(key.Type, result)
	if endErr != nil {
		slog.Error("failed to record attempt outcome", "key", key.String(), "result", result, "error", endErr)
	}
}

// ReportStatus pushes registry counts, the cursor and metric totals to the
// primary.
func (e *Engine) ReportStatus(ctx context.Context) error {
	if e.reporter == nil {
		return nil
	}
	counts, err := e.status.StatusCounts(ctx)
	if err != nil {
		return err
	}
	cursor, err := e.status.Cursor(ctx, e.cfg.Node)
	if err != nil {
		return err
	}
	last, err := e.status.LastEventID(ctx)
	if err != nil {
		return err
	}
	totals, err := e.metrics.Totals()
	if err != nil {
		return err
	}
	return e.reporter.PushStatus(ctx, primary.Status{
		Node:        e.cfg.Node,
		Cursor:      cursor,
		LastEventID: last,
		Registries:  counts,
		Totals:      totals,
		ReportedAt:  e.now().UTC(),
	})
}
