// Package consumer applies event log entries to a secondary's registries.
//
// Delivery is at-least-once: the cursor advances only after an entry has
// been applied, and a crash in between re-delivers it. Every apply rule is
// therefore idempotent. An entry that cannot be applied yet leaves the cursor
// where it is and is retried on the next Step.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/roach88/replicant/internal/event"
	"github.com/roach88/replicant/internal/metrics"
	"github.com/roach88/replicant/internal/objstore"
	"github.com/roach88/replicant/internal/registry"
	"github.com/roach88/replicant/internal/removal"
	"github.com/roach88/replicant/internal/store"
)

// ErrBusy is returned when an entry touches an object another worker holds.
// The entry is retried later.
var ErrBusy = errors.New("object busy")

// Store is the persistence Consumer needs.
type Store interface {
	NextUnprocessed(ctx context.Context, consumer string) (store.LogEntry, bool, error)
	AdvanceCursor(ctx context.Context, consumer string, id int64) (bool, error)
	EnsureRegistry(ctx context.Context, key registry.Key, fn func(registry.Registry) registry.Registry) (registry.Registry, bool, error)
	ListRegistries(ctx context.Context, t registry.Type) ([]registry.Registry, error)
	SaveContainerPath(ctx context.Context, id int64, path string) error
	DiskPath(ctx context.Context, key registry.Key) (string, bool, error)
	SaveDiskPath(ctx context.Context, key registry.Key, diskPath string) error
}

// Pending records that a replicable has work to do.
type Pending interface {
	MarkPending(ctx context.Context, key registry.Key) error
}

// Remover deletes a replicable and its bookkeeping.
type Remover interface {
	Remove(ctx context.Context, key registry.Key, overridePath string) (removal.Result, error)
}

// Invalidator drops cached entries under a prefix.
type Invalidator interface {
	ExpirePrefix(prefix string) int
}

// Consumer reads one node's share of the event log.
//
// Thread-safety: a Consumer must be driven by one goroutine; the cursor is
// single-consumer per node.
type Consumer struct {
	name    string
	store   Store
	pending Pending
	remover Remover
	layout  objstore.Layout
	cache   Invalidator
	move    func(from, to string) error
	metrics *metrics.Metrics
}

// Deps groups the collaborators of a Consumer.
type Deps struct {
	// Name identifies the cursor, normally the node name.
	Name    string
	Store   Store
	Pending Pending
	Remover Remover
	Paths   objstore.PathResolver
	Cache   Invalidator

	// Move relocates a local path. Defaults to objstore.Move.
	Move func(from, to string) error

	// Metrics is optional.
	Metrics *metrics.Metrics
}

// New creates a Consumer.
func New(d Deps) *Consumer {
	move := d.Move
	if move == nil {
		move = objstore.Move
	}
	return &Consumer{
		name:    d.Name,
		store:   d.Store,
		pending: d.Pending,
		remover: d.Remover,
		layout:  objstore.Layout{PathResolver: d.Paths, Disk: d.Store},
		cache:   d.Cache,
		move:    move,
		metrics: d.Metrics,
	}
}

// Step applies the next unprocessed entry and advances the cursor past it.
// It returns false when the log is exhausted.
func (c *Consumer) Step(ctx context.Context) (bool, error) {
	entry, ok, err := c.store.NextUnprocessed(ctx, c.name)
	if err != nil {
		return false, fmt.Errorf("next event: %w", err)
	}
	if !ok {
		return false, nil
	}

	if err := c.apply(ctx, entry.Event.Payload); err != nil {
		return false, fmt.Errorf("apply event %d (%s): %w", entry.ID, entry.Event.Kind(), err)
	}
	if _, err := c.store.AdvanceCursor(ctx, c.name, entry.ID); err != nil {
		return false, fmt.Errorf("advance cursor to %d: %w", entry.ID, err)
	}

	c.metrics.Event(entry.Event.Kind())
	c.metrics.SetCursor(entry.ID)
	slog.Debug("event applied",
		"id", entry.ID,
		"kind", entry.Event.Kind(),
		"correlation_id", entry.CorrelationID,
	)
	return true, nil
}

// Drain applies up to max entries. It stops early when the log is exhausted
// or an entry fails, returning how many were applied.
func (c *Consumer) Drain(ctx context.Context, max int) (int, error) {
	n := 0
	for n < max {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		more, err := c.Step(ctx)
		if err != nil {
			return n, err
		}
		if !more {
			break
		}
		n++
	}
	return n, nil
}

func (c *Consumer) apply(ctx context.Context, p event.Payload) error {
	switch p := p.(type) {
	case event.RepositoryCreated:
		if err := c.place(ctx, repository(p.ProjectID), "", p.RepoPath); err != nil {
			return err
		}
		if p.WikiPath == "" {
			return nil
		}
		return c.place(ctx, wiki(p.ProjectID), "", p.WikiPath)

	case event.RepositoryUpdated:
		key := repository(p.ProjectID)
		if p.Source == event.SourceWiki {
			key = wiki(p.ProjectID)
		}
		return c.touch(ctx, key, true)

	case event.ResetChecksum:
		for _, key := range []registry.Key{repository(p.ProjectID), wiki(p.ProjectID)} {
			if err := c.resetChecksum(ctx, key); err != nil {
				return err
			}
		}
		return nil

	case event.RepositoriesChanged:
		return c.touchAll(ctx, registry.TypeRepository, registry.TypeWiki)

	case event.RepositoryRenamed:
		if err := c.place(ctx, repository(p.ProjectID), p.OldPath, p.NewPath); err != nil {
			return err
		}
		if p.NewWikiPath == "" {
			return nil
		}
		return c.place(ctx, wiki(p.ProjectID), p.OldWikiPath, p.NewWikiPath)

	case event.HashedStorageMigrated:
		if err := c.place(ctx, repository(p.ProjectID), p.OldDiskPath, p.NewDiskPath); err != nil {
			return err
		}
		if p.NewWikiDiskPath == "" {
			return nil
		}
		return c.place(ctx, wiki(p.ProjectID), p.OldWikiDiskPath, p.NewWikiDiskPath)

	case event.HashedStorageAttachments:
		from, to := c.filePath(p.OldAttachmentsPath), c.filePath(p.NewAttachmentsPath)
		if objstore.IsRemote(from) || objstore.IsRemote(to) {
			// object store keys do not move with the project
			return nil
		}
		return c.relocate(from, to)

	case event.RepositoryDeleted:
		wikiPath := p.DeletedWikiPath
		if wikiPath == "" && p.DeletedPath != "" {
			wikiPath = p.DeletedPath + ".wiki"
		}
		if err := c.remove(ctx, repository(p.ProjectID), c.repositoryPath(p.DeletedPath)); err != nil {
			return err
		}
		return c.remove(ctx, wiki(p.ProjectID), c.repositoryPath(wikiPath))

	case event.LfsObjectDeleted:
		return c.remove(ctx, registry.Key{Type: registry.TypeLfsObject, ID: p.LfsObjectID}, c.filePath(p.FilePath))

	case event.JobArtifactDeleted:
		return c.remove(ctx, registry.Key{Type: registry.TypeJobArtifact, ID: p.JobArtifactID}, c.filePath(p.FilePath))

	case event.UploadDeleted:
		return c.remove(ctx, registry.Key{Type: registry.TypeUpload, ID: p.UploadID}, c.filePath(p.FilePath))

	case event.ContainerRepositoryUpdated:
		path := p.Path
		if path == "" {
			path = p.Name
		}
		if err := c.store.SaveContainerPath(ctx, p.ContainerRepositoryID, path); err != nil {
			return err
		}
		return c.touch(ctx, registry.Key{Type: registry.TypeContainerRepository, ID: p.ContainerRepositoryID}, false)

	case event.CacheInvalidation:
		n := c.cache.ExpirePrefix(p.Key)
		slog.Debug("cache invalidated", "prefix", p.Key, "entries", n)
		return nil

	default:
		return fmt.Errorf("no rule for %T", p)
	}
}

// touch marks key dirty, creating its registry if needed, and queues it.
func (c *Consumer) touch(ctx context.Context, key registry.Key, resetChecksum bool) error {
	_, _, err := c.store.EnsureRegistry(ctx, key, func(r registry.Registry) registry.Registry {
		r = r.MarkDirty()
		if resetChecksum {
			r = r.ResetChecksum()
		}
		return r
	})
	if err != nil {
		return err
	}
	return c.pending.MarkPending(ctx, key)
}

// resetChecksum forces re-verification without a resync. A registry created
// here has never synced, so it is queued.
func (c *Consumer) resetChecksum(ctx context.Context, key registry.Key) error {
	_, created, err := c.store.EnsureRegistry(ctx, key, registry.Registry.ResetChecksum)
	if err != nil {
		return err
	}
	if created {
		return c.pending.MarkPending(ctx, key)
	}
	return nil
}

func (c *Consumer) touchAll(ctx context.Context, types ...registry.Type) error {
	for _, t := range types {
		regs, err := c.store.ListRegistries(ctx, t)
		if err != nil {
			return err
		}
		for _, r := range regs {
			if err := c.touch(ctx, r.Key, false); err != nil {
				return err
			}
		}
		slog.Info("marked all registries dirty", "type", t, "count", len(regs))
	}
	return nil
}

// place moves key's local copy to diskPath, records diskPath as its home and
// queues it. The copy is looked for where this node keeps it and then at
// oldDiskPath. A copy found at neither is left to the next sync.
func (c *Consumer) place(ctx context.Context, key registry.Key, oldDiskPath, diskPath string) error {
	if to := c.repositoryPath(diskPath); to != "" {
		located, err := c.layout.Locate(ctx, key)
		if err != nil {
			return err
		}
		if err := c.relocateFirst(to, located, c.repositoryPath(oldDiskPath)); err != nil {
			return err
		}
		if err := c.store.SaveDiskPath(ctx, key, diskPath); err != nil {
			return err
		}
	}
	return c.touch(ctx, key, false)
}

// relocateFirst moves the first of candidates that exists to to.
func (c *Consumer) relocateFirst(to string, candidates ...string) error {
	for _, from := range candidates {
		if from == "" || from == to {
			continue
		}
		err := c.move(from, to)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		return err
	}
	slog.Info("nothing to relocate", "to", to)
	return nil
}

// relocate moves a local copy. A copy that exists at neither path is left to
// the next sync.
func (c *Consumer) relocate(from, to string) error {
	if from == "" || to == "" || from == to {
		return nil
	}
	err := c.move(from, to)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Info("nothing to relocate", "from", from, "to", to)
		return nil
	}
	return err
}

// repositoryPath resolves a repository path named by an event. A path that
// escapes the repositories root is logged and treated as absent, so the
// entry still applies without touching anything outside the root.
func (c *Consumer) repositoryPath(diskPath string) string {
	path, err := c.layout.RepositoryPath(diskPath)
	if err != nil {
		slog.Error("ignoring event path", "path", diskPath, "error", err)
		return ""
	}
	return path
}

// filePath is repositoryPath for paths under the files root.
func (c *Consumer) filePath(p string) string {
	path, err := c.layout.FilePath(p)
	if err != nil {
		slog.Error("ignoring event path", "path", p, "error", err)
		return ""
	}
	return path
}

func (c *Consumer) remove(ctx context.Context, key registry.Key, override string) error {
	res, err := c.remover.Remove(ctx, key, override)
	if err != nil {
		c.metrics.Removal(key.Type, "failed")
		return err
	}
	if res.Outcome == removal.OutcomeSkipped {
		return fmt.Errorf("remove %s: %w", key, ErrBusy)
	}
	c.metrics.Removal(key.Type, res.Outcome.String())
	return nil
}

func repository(id int64) registry.Key {
	return registry.Key{Type: registry.TypeRepository, ID: id}
}

func wiki(id int64) registry.Key {
	return registry.Key{Type: registry.TypeWiki, ID: id}
}
