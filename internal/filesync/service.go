// Package filesync downloads attached files (uploads, LFS objects and job
// artifacts) from the primary.
//
// An attempt streams the file into a temporary file, records its sha256 and
// then moves it into place, so a half-written download never replaces a good
// copy. Attempts share reposync's outcome vocabulary so the run loop handles
// every replicable the same way.
package filesync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/roach88/replicant/internal/lease"
	"github.com/roach88/replicant/internal/objstore"
	"github.com/roach88/replicant/internal/registry"
	"github.com/roach88/replicant/internal/reposync"
	"github.com/roach88/replicant/internal/store"
)

// Downloader streams a file from the primary.
type Downloader interface {
	DownloadFile(ctx context.Context, key registry.Key, w io.Writer) (int64, error)
}

// Placer moves a finished download to its storage path.
type Placer interface {
	Place(ctx context.Context, src, path string) error
}

// Resolver maps a file to its storage path.
type Resolver interface {
	Resolve(key registry.Key) (string, error)
}

// Service runs file sync attempts.
//
// Thread-safety: Service is safe for concurrent use.
type Service struct {
	store      reposync.Store
	guard      *lease.Guard
	resolver   Resolver
	downloader Downloader
	placer     Placer
	tempDir    string
	now        func() time.Time
}

// Deps groups the collaborators of a Service.
type Deps struct {
	Store      reposync.Store
	Guard      *lease.Guard
	Resolver   Resolver
	Downloader Downloader
	Placer     Placer

	// TempDir holds downloads bound for an object store. Defaults to
	// os.TempDir().
	TempDir string

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
		store:      d.Store,
		guard:      d.Guard,
		resolver:   d.Resolver,
		downloader: d.Downloader,
		placer:     d.Placer,
		tempDir:    d.TempDir,
		now:        now,
	}
}

// Sync runs one attempt for key.
func (s *Service) Sync(ctx context.Context, key registry.Key) (reposync.Result, error) {
	if !key.Type.IsFile() {
		return reposync.Result{}, fmt.Errorf("sync %s: not a file type", key)
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
		slog.Debug("registry gone, nothing to download", "key", key.String())
		return reposync.Result{Outcome: reposync.OutcomeGone}, nil
	}
	if err != nil {
		return reposync.Result{Outcome: reposync.OutcomeFailed}, fmt.Errorf("mark started: %w", err)
	}

	dst, err := s.resolver.Resolve(key)
	if err != nil {
		return s.fail(ctx, key, fmt.Errorf("resolve: %w", err))
	}

	tmp, sum, err := s.download(ctx, key, dst)
	if reposync.IsNotFound(err) {
		slog.Info("file missing on primary", "key", key.String())
		return s.succeed(ctx, key, true, "")
	}
	if err != nil {
		return s.fail(ctx, key, err)
	}

	if err := s.placer.Place(ctx, tmp, dst); err != nil {
		os.Remove(tmp)
		return s.fail(ctx, key, err)
	}
	return s.succeed(ctx, key, false, sum)
}

// download writes the file into a temp file next to dst, or under tempDir
// when dst is remote. The temp file is removed on failure.
func (s *Service) download(ctx context.Context, key registry.Key, dst string) (path, sum string, err error) {
	dir := s.tempDir
	if !objstore.IsRemote(dst) {
		dir = filepath.Dir(dst)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", "", fmt.Errorf("create %s: %w", dir, err)
		}
	}
	f, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return "", "", fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			os.Remove(f.Name())
		}
	}()

	h := sha256.New()
	n, err := s.downloader.DownloadFile(ctx, key, io.MultiWriter(f, h))
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("write %s: %w", f.Name(), cerr)
	}
	if err != nil {
		return "", "", err
	}
	slog.Debug("file downloaded", "key", key.String(), "bytes", n)
	return f.Name(), hex.EncodeToString(h.Sum(nil)), nil
}

func (s *Service) succeed(ctx context.Context, key registry.Key, missingOnPrimary bool, sum string) (reposync.Result, error) {
	_, err := s.store.UpdateRegistry(ctx, key, func(r registry.Registry) (registry.Registry, error) {
		r = r.Succeeded(s.now(), missingOnPrimary)
		if sum != "" {
			r.Checksum = &sum
		}
		return r, nil
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
	slog.Warn("file sync failed", "key", key.String(), "code", reposync.CodeOf(cause), "error", cause)
	return reposync.Result{Outcome: reposync.OutcomeFailed}, cause
}
