// Package containersync mirrors container repositories from the primary's
// registry into the secondary's.
//
// An attempt lists the primary's tags, copies every tag whose digest differs
// on the secondary and deletes secondary tags the primary no longer has.
// Container repositories carry no checksum.
package containersync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/crane"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"

	"github.com/roach88/replicant/internal/lease"
	"github.com/roach88/replicant/internal/registry"
	"github.com/roach88/replicant/internal/reposync"
	"github.com/roach88/replicant/internal/store"
)

// Paths maps a container repository id to its image path, e.g. "group/app".
type Paths interface {
	ContainerPath(ctx context.Context, id int64) (string, error)
}

// Service runs container repository sync attempts.
//
// Thread-safety: Service is safe for concurrent use.
type Service struct {
	store     reposync.Store
	guard     *lease.Guard
	paths     Paths
	primary   string
	secondary string
	options   []crane.Option
	now       func() time.Time
}

// Deps groups the collaborators of a Service.
type Deps struct {
	Store reposync.Store
	Guard *lease.Guard
	Paths Paths

	// PrimaryRegistry and SecondaryRegistry are registry hosts such as
	// "registry.primary.example:5000".
	PrimaryRegistry   string
	SecondaryRegistry string

	// Insecure allows plain HTTP registries.
	Insecure bool

	// Now defaults to time.Now.
	Now func() time.Time
}

// New creates a Service.
func New(d Deps) *Service {
	now := d.Now
	if now == nil {
		now = time.Now
	}
	opts := []crane.Option{crane.WithAuthFromKeychain(authn.DefaultKeychain)}
	if d.Insecure {
		opts = append(opts, crane.Insecure)
	}
	return &Service{
		store:     d.Store,
		guard:     d.Guard,
		paths:     d.Paths,
		primary:   d.PrimaryRegistry,
		secondary: d.SecondaryRegistry,
		options:   opts,
		now:       now,
	}
}

// Sync runs one attempt for key.
func (s *Service) Sync(ctx context.Context, key registry.Key) (reposync.Result, error) {
	if key.Type != registry.TypeContainerRepository {
		return reposync.Result{}, fmt.Errorf("sync %s: not a container repository", key)
	}

	var (
		res     reposync.Result
		syncErr error
	)
	acquired, err := s.guard.Do(ctx, lease.Key("sync", key), func(ctx context.Context) error {
		res, syncErr = s.attempt(ctx, key)
		return syncErr
	})
	if !acquired {
		if err != nil {
			return reposync.Result{}, fmt.Errorf("sync %s: %w", key, err)
		}
		return reposync.Result{Outcome: reposync.OutcomeSkipped}, nil
	}
	return res, syncErr
}

func (s *Service) attempt(ctx context.Context, key registry.Key) (reposync.Result, error) {
	_, err := s.store.UpdateRegistry(ctx, key, func(r registry.Registry) (registry.Registry, error) {
		return r.Started(s.now()), nil
	})
	if errors.Is(err, store.ErrNotFound) {
		slog.Debug("registry gone, nothing to sync", "key", key.String())
		return reposync.Result{Outcome: reposync.OutcomeGone}, nil
	}
	if err != nil {
		return reposync.Result{Outcome: reposync.OutcomeFailed}, fmt.Errorf("mark started: %w", err)
	}

	path, err := s.paths.ContainerPath(ctx, key.ID)
	if err != nil {
		return s.fail(ctx, key, fmt.Errorf("image path: %w", err))
	}

	err = s.mirror(ctx, path)
	if reposync.IsNotFound(err) {
		slog.Info("container repository missing on primary", "key", key.String(), "path", path)
		return s.succeed(ctx, key, true)
	}
	if err != nil {
		return s.fail(ctx, key, err)
	}
	return s.succeed(ctx, key, false)
}

func (s *Service) mirror(ctx context.Context, path string) error {
	src := s.primary + "/" + path
	dst := s.secondary + "/" + path
	opts := append([]crane.Option{crane.WithContext(ctx)}, s.options...)

	tags, err := crane.ListTags(src, opts...)
	if err != nil {
		return fmt.Errorf("list tags of %s: %w", src, classify(err))
	}
	have, err := crane.ListTags(dst, opts...)
	if err != nil && !reposync.IsNotFound(classify(err)) {
		return fmt.Errorf("list tags of %s: %w", dst, classify(err))
	}

	wanted := make(map[string]bool, len(tags))
	for _, tag := range tags {
		wanted[tag] = true
		want, err := crane.Digest(src+":"+tag, opts...)
		if err != nil {
			return fmt.Errorf("digest of %s:%s: %w", src, tag, classify(err))
		}
		if got, err := crane.Digest(dst+":"+tag, opts...); err == nil && got == want {
			continue
		}
		if err := crane.Copy(src+":"+tag, dst+":"+tag, opts...); err != nil {
			return fmt.Errorf("copy %s:%s: %w", src, tag, classify(err))
		}
		slog.Debug("tag copied", "repository", path, "tag", tag, "digest", want)
	}

	for _, tag := range have {
		if wanted[tag] {
			continue
		}
		if err := crane.Delete(dst+":"+tag, opts...); err != nil {
			return fmt.Errorf("delete %s:%s: %w", dst, tag, classify(err))
		}
		slog.Debug("stale tag deleted", "repository", path, "tag", tag)
	}
	return nil
}

// classify maps registry errors to transport error codes.
func classify(err error) error {
	var terr *transport.Error
	if !errors.As(err, &terr) {
		return reposync.NewTransportError(reposync.CodeTransient, err)
	}
	switch terr.StatusCode {
	case http.StatusNotFound:
		return reposync.NewTransportError(reposync.CodeNotFound, err)
	case http.StatusUnauthorized, http.StatusForbidden:
		return reposync.NewTransportError(reposync.CodeUnauthorized, err)
	}
	for _, d := range terr.Errors {
		switch d.Code {
		case transport.NameUnknownErrorCode, transport.ManifestUnknownErrorCode:
			return reposync.NewTransportError(reposync.CodeNotFound, err)
		case transport.UnauthorizedErrorCode, transport.DeniedErrorCode:
			return reposync.NewTransportError(reposync.CodeUnauthorized, err)
		}
	}
	return reposync.NewTransportError(reposync.CodeTransient, err)
}

func (s *Service) succeed(ctx context.Context, key registry.Key, missingOnPrimary bool) (reposync.Result, error) {
	_, err := s.store.UpdateRegistry(ctx, key, func(r registry.Registry) (registry.Registry, error) {
		return r.Succeeded(s.now(), missingOnPrimary), nil
	})
	if err != nil {
		return reposync.Result{Outcome: reposync.OutcomeFailed}, fmt.Errorf("mark synced: %w", err)
	}
	return reposync.Result{Outcome: reposync.OutcomeSynced, MissingOnPrimary: missingOnPrimary}, nil
}

func (s *Service) fail(ctx context.Context, key registry.Key, cause error) (reposync.Result, error) {
	_, err := s.store.UpdateRegistry(ctx, key, func(r registry.Registry) (registry.Registry, error) {
		return r.Failed(s.now(), cause.Error(), false), nil
	})
	if err != nil {
		cause = errors.Join(cause, fmt.Errorf("mark failed: %w", err))
	}
	slog.Warn("container repository sync failed", "key", key.String(), "code", reposync.CodeOf(cause), "error", cause)
	return reposync.Result{Outcome: reposync.OutcomeFailed}, cause
}
