// Package removal deletes a replicable's local copy and its bookkeeping once
// the primary has destroyed it.
//
// Removal is idempotent: removing something already gone succeeds, and an
// unknown registry is treated as already clean.
package removal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/replicant/internal/lease"
	"github.com/roach88/replicant/internal/registry"
	"github.com/roach88/replicant/internal/store"
)

// Store is the persistence Service needs.
type Store interface {
	GetRegistry(ctx context.Context, key registry.Key) (registry.Registry, error)
	DeleteRegistry(ctx context.Context, key registry.Key) (bool, error)
	DeleteSchedule(ctx context.Context, key registry.Key) error
	DeleteDiskPath(ctx context.Context, key registry.Key) error
}

// Resolver locates this node's copy of a replicable.
type Resolver interface {
	Locate(ctx context.Context, key registry.Key) (string, error)
}

// Remover deletes a storage path. A path that does not exist must not be an
// error.
type Remover interface {
	Remove(ctx context.Context, path string) error
}

// Outcome classifies a removal.
type Outcome int

const (
	// OutcomeRemoved means files and registry were deleted.
	OutcomeRemoved Outcome = iota + 1

	// OutcomeAlreadyClean means no registry existed.
	OutcomeAlreadyClean

	// OutcomeSkipped means another worker holds the lease.
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRemoved:
		return "removed"
	case OutcomeAlreadyClean:
		return "already_clean"
	case OutcomeSkipped:
		return "skipped"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result describes one removal.
type Result struct {
	Outcome Outcome
	Path    string
}

// Service removes replicables under the lease "removal:<type>:<id>".
//
// Thread-safety: Service is safe for concurrent use.
type Service struct {
	store    Store
	guard    *lease.Guard
	resolver Resolver
	remover  Remover
}

// New creates a Service.
func New(st Store, guard *lease.Guard, resolver Resolver, remover Remover) *Service {
	return &Service{store: st, guard: guard, resolver: resolver, remover: remover}
}

// Remove deletes key's stored copy and registry. overridePath, when
// non-empty, names a path the primary reported for the object; it is
// removed along with the copy Locate finds, so a copy kept at a different
// path on this node is never orphaned.
//
// Filesystem errors are logged and returned; the registry is then kept so a
// retry can find it.
func (s *Service) Remove(ctx context.Context, key registry.Key, overridePath string) (Result, error) {
	var res Result
	acquired, err := s.guard.Do(ctx, lease.Key("removal", key), func(ctx context.Context) error {
		var err error
		res, err = s.remove(ctx, key, overridePath)
		return err
	})
	if !acquired {
		if err != nil {
			return Result{}, fmt.Errorf("remove %s: %w", key, err)
		}
		return Result{Outcome: OutcomeSkipped}, nil
	}
	return res, err
}

func (s *Service) remove(ctx context.Context, key registry.Key, overridePath string) (Result, error) {
	if _, err := s.store.GetRegistry(ctx, key); errors.Is(err, store.ErrNotFound) {
		slog.Info("no registry, nothing to remove", "key", key.String())
		return Result{Outcome: OutcomeAlreadyClean}, nil
	} else if err != nil {
		return Result{}, fmt.Errorf("load registry %s: %w", key, err)
	}

	path, err := s.resolver.Locate(ctx, key)
	if err != nil {
		if overridePath == "" {
			return Result{}, fmt.Errorf("locate %s: %w", key, err)
		}
		slog.Warn("cannot locate own copy, removing reported path only",
			"key", key.String(), "path", overridePath, "error", err)
		path = ""
	}

	for _, p := range removalPaths(path, overridePath) {
		if err := s.remover.Remove(ctx, p); err != nil {
			slog.Error("failed to remove stored copy", "key", key.String(), "path", p, "error", err)
			return Result{Path: p}, fmt.Errorf("remove %s: %w", key, err)
		}
	}
	if path == "" {
		path = overridePath
	}

	if _, err := s.store.DeleteRegistry(ctx, key); err != nil {
		return Result{Path: path}, fmt.Errorf("delete registry %s: %w", key, err)
	}
	if err := s.store.DeleteSchedule(ctx, key); err != nil {
		return Result{Path: path}, fmt.Errorf("delete schedule %s: %w", key, err)
	}
	if err := s.store.DeleteDiskPath(ctx, key); err != nil {
		return Result{Path: path}, fmt.Errorf("delete disk path %s: %w", key, err)
	}

	slog.Info("removed", "key", key.String(), "path", path)
	return Result{Outcome: OutcomeRemoved, Path: path}, nil
}

// removalPaths lists the distinct non-empty paths to delete.
func removalPaths(located, override string) []string {
	var paths []string
	if located != "" {
		paths = append(paths, located)
	}
	if override != "" && override != located {
		paths = append(paths, override)
	}
	return paths
}
