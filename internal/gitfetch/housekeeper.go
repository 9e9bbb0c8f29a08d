package gitfetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"golang.org/x/sync/singleflight"

	"github.com/roach88/replicant/internal/reposync"
)

// DefaultPruneAge protects objects a concurrent fetch may still be writing.
const DefaultPruneAge = 2 * time.Hour

// Housekeeper prunes unreachable objects and repacks a mirror in the
// background. Triggers for a path that is already being collected join the
// running pass.
//
// Thread-safety: Housekeeper is safe for concurrent use.
type Housekeeper struct {
	pruneAge time.Duration
	now      func() time.Time
	group    singleflight.Group
	wg       sync.WaitGroup
}

var _ reposync.Housekeeper = (*Housekeeper)(nil)

// NewHousekeeper creates a Housekeeper. A non-positive pruneAge means
// DefaultPruneAge.
func NewHousekeeper(pruneAge time.Duration) *Housekeeper {
	if pruneAge <= 0 {
		pruneAge = DefaultPruneAge
	}
	return &Housekeeper{pruneAge: pruneAge, now: time.Now}
}

// Trigger starts a housekeeping pass for repo and returns immediately.
func (h *Housekeeper) Trigger(ctx context.Context, repo reposync.Repo) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		_, err, shared := h.group.Do(repo.Path, func() (any, error) {
			return nil, h.Run(context.WithoutCancel(ctx), repo.Path)
		})
		if err != nil && !shared {
			slog.Warn("housekeeping failed", "key", repo.Key.String(), "path", repo.Path, "error", err)
		}
	}()
}

// Wait blocks until every triggered pass has finished.
func (h *Housekeeper) Wait() {
	h.wg.Wait()
}

// Run collects the mirror at path synchronously. A path holding no
// repository is left alone.
func (h *Housekeeper) Run(ctx context.Context, path string) error {
	r, err := git.PlainOpen(path)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		slog.Debug("no repository to collect", "path", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	cutoff := h.now().Add(-h.pruneAge)
	if err := r.Prune(git.PruneOptions{
		OnlyObjectsOlderThan: cutoff,
		Handler:              r.DeleteObject,
	}); err != nil {
		return fmt.Errorf("prune %s: %w", path, err)
	}
	if err := r.RepackObjects(&git.RepackConfig{OnlyDeletePacksOlderThan: cutoff}); err != nil {
		return fmt.Errorf("repack %s: %w", path, err)
	}
	slog.Debug("housekeeping finished", "path", path)
	return nil
}
