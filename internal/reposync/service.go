// Package reposync reconciles a secondary's copy of a git repository with
// the primary.
//
// One call to Service.Sync is one attempt. It runs under the lease
// "sync:<type>:<id>" and records its outcome on the registry; retry pacing
// belongs to the caller.
package reposync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/replicant/internal/lease"
	"github.com/roach88/replicant/internal/registry"
	"github.com/roach88/replicant/internal/store"
)

// Repo locates one repository on both sides.
type Repo struct {
	Key registry.Key

	// URL is the clone URL on the primary.
	URL string

	// Path is the local bare repository directory.
	Path string

	// Username and Password authenticate against the primary.
	Username string
	Password string

	// ForceRedownload discards the local copy before fetching.
	ForceRedownload bool
}

// Fetcher is the git transport.
type Fetcher interface {
	// Fetch brings the local copy up to date with the primary, cloning it
	// when absent. Failures should be classified with TransportError.
	Fetch(ctx context.Context, repo Repo) error

	// SetDefaultBranch points the local HEAD at branch.
	SetDefaultBranch(ctx context.Context, repo Repo, branch string) error
}

// Primary answers questions about the primary's copy.
type Primary interface {
	RepositoryExists(ctx context.Context, key registry.Key) (bool, error)
	DefaultBranch(ctx context.Context, key registry.Key) (string, error)
}

// Locator resolves the URL, path and credentials of a repository.
type Locator interface {
	Locate(ctx context.Context, key registry.Key) (Repo, error)
}

// Housekeeper schedules garbage collection of a local repository. Trigger
// must not block on the collection itself.
type Housekeeper interface {
	Trigger(ctx context.Context, repo Repo)
}

// CacheInvalidator drops cached data derived from a repository.
type CacheInvalidator interface {
	Expire(ctx context.Context, key registry.Key)
}

// Store is the registry persistence Service needs.
type Store interface {
	UpdateRegistry(ctx context.Context, key registry.Key, fn func(registry.Registry) (registry.Registry, error)) (registry.Registry, error)
}

// Outcome classifies a finished attempt.
type Outcome int

const (
	// OutcomeSynced means the local copy matches the primary, or the primary
	// no longer has the repository.
	OutcomeSynced Outcome = iota + 1

	// OutcomeFailed means the attempt failed and the registry says so.
	OutcomeFailed

	// OutcomeSkipped means another worker holds the lease.
	OutcomeSkipped

	// OutcomeGone means the registry was removed before the attempt began.
	OutcomeGone
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSynced:
		return "synced"
	case OutcomeFailed:
		return "failed"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeGone:
		return "gone"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result describes one attempt.
type Result struct {
	Outcome          Outcome
	MissingOnPrimary bool
}

// Service runs repository sync attempts.
//
// Thread-safety: Service is safe for concurrent use; per-key exclusion comes
// from the lease guard.
type Service struct {
	store       Store
	guard       *lease.Guard
	locator     Locator
	fetcher     Fetcher
	primary     Primary
	housekeeper Housekeeper
	caches      CacheInvalidator
	now         func() time.Time
}

// Deps groups the collaborators of a Service.
type Deps struct {
	Store       Store
	Guard       *lease.Guard
	Locator     Locator
	Fetcher     Fetcher
	Primary     Primary
	Housekeeper Housekeeper
	Caches      CacheInvalidator

	// Now defaults to time.Now.
	Now func() time.Time
}

// New creates a Service.
func New(d Deps) *Service {
	now := d.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:       d.Store,
		guard:       d.Guard,
		locator:     d.Locator,
		fetcher:     d.Fetcher,
		primary:     d.Primary,
		housekeeper: d.Housekeeper,
		caches:      d.Caches,
		now:         now,
	}
}

// Sync runs one attempt for key. A non-nil error accompanies OutcomeFailed
// and carries the classified cause; lease contention is OutcomeSkipped with
// a nil error.
func (s *Service) Sync(ctx context.Context, key registry.Key) (Result, error) {
	if !key.Type.IsRepository() {
		return Result{}, fmt.Errorf("sync %s: not a git repository type", key)
	}

	var (
		res     Result
		syncErr error
	)
	acquired, err := s.guard.Do(ctx, lease.Key("sync", key), func(ctx context.Context) error {
		res, syncErr = s.attempt(ctx, key)
		return syncErr
	})
	if !acquired {
		if err != nil {
			return Result{}, fmt.Errorf("sync %s: %w", key, err)
		}
		return Result{Outcome: OutcomeSkipped}, nil
	}
	return res, syncErr
}

func (s *Service) attempt(ctx context.Context, key registry.Key) (Result, error) {
	reg, err := s.store.UpdateRegistry(ctx, key, func(r registry.Registry) (registry.Registry, error) {
		return r.Started(s.now()), nil
	})
	if errors.Is(err, store.ErrNotFound) {
		slog.Debug("registry gone, nothing to sync", "key", key.String())
		return Result{Outcome: OutcomeGone}, nil
	}
	if err != nil {
		return Result{Outcome: OutcomeFailed}, fmt.Errorf("mark started: %w", err)
	}

	var repo *Repo
	defer func() {
		// A failed or partial fetch still changes what is on disk
		s.caches.Expire(ctx, key)
		if repo != nil {
			s.housekeeper.Trigger(ctx, *repo)
		}
	}()

	located, err := s.locator.Locate(ctx, key)
	if err != nil {
		return s.fail(ctx, key, fmt.Errorf("locate: %w", err), false)
	}
	located.ForceRedownload = reg.ForceRedownload
	repo = &located

	fetchErr := s.fetcher.Fetch(ctx, located)
	switch {
	case fetchErr == nil:
		branch, err := s.primary.DefaultBranch(ctx, key)
		if err == nil {
			err = s.fetcher.SetDefaultBranch(ctx, located, branch)
		}
		if err != nil {
			return s.fail(ctx, key, fmt.Errorf("update default branch: %w", err), false)
		}
		return s.succeed(ctx, key, false)

	case IsNotFound(fetchErr):
		exists, err := s.primary.RepositoryExists(ctx, key)
		if err != nil {
			return s.fail(ctx, key, fmt.Errorf("existence check after %v: %w", fetchErr, err), false)
		}
		if exists {
			return s.fail(ctx, key, fetchErr, false)
		}
		slog.Info("repository missing on primary", "key", key.String())
		return s.succeed(ctx, key, true)

	case IsCorrupted(fetchErr):
		s.caches.Expire(ctx, key)
		return s.fail(ctx, key, fetchErr, true)

	default:
		return s.fail(ctx, key, fetchErr, false)
	}
}

func (s *Service) succeed(ctx context.Context, key registry.Key, missingOnPrimary bool) (Result, error) {
	_, err := s.store.UpdateRegistry(ctx, key, func(r registry.Registry) (registry.Registry, error) {
		return r.Succeeded(s.now(), missingOnPrimary), nil
	})
	if err != nil {
		return Result{Outcome: OutcomeFailed}, fmt.Errorf("mark synced: %w", err)
	}
	slog.Debug("repository synced", "key", key.String(), "missing_on_primary", missingOnPrimary)
	return Result{Outcome: OutcomeSynced, MissingOnPrimary: missingOnPrimary}, nil
}

func (s *Service) fail(ctx context.Context, key registry.Key, cause error, forceRedownload bool) (Result, error) {
	_, err := s.store.UpdateRegistry(ctx, key, func(r registry.Registry) (registry.Registry, error) {
		return r.Failed(s.now(), cause.Error(), forceRedownload), nil
	})
	if err != nil {
		cause = errors.Join(cause, fmt.Errorf("mark failed: %w", err))
	}
	slog.Warn("repository sync failed",
		"key", key.String(),
		"code", CodeOf(cause),
		"force_redownload", forceRedownload,
		"error", cause,
	)
	return Result{Outcome: OutcomeFailed}, cause
}
