package objstore

import (
	"context"
	"fmt"

	"github.com/roach88/replicant/internal/registry"
)

// DiskPaths looks up the disk path events recorded for a repository.
type DiskPaths interface {
	DiskPath(ctx context.Context, key registry.Key) (diskPath string, ok bool, err error)
}

// Layout locates the copy of a replicable on this node. A repository whose
// disk path was recorded lives under that path; everything else, and
// repositories no event has placed, use the hashed default of PathResolver.
//
// Sync and removal both go through Locate so they agree on one location.
type Layout struct {
	PathResolver

	// Disk is optional. Without it every repository uses the hashed default.
	Disk DiskPaths
}

// Locate returns where key's copy lives.
func (l Layout) Locate(ctx context.Context, key registry.Key) (string, error) {
	if l.Disk != nil && key.Type.IsRepository() {
		disk, ok, err := l.Disk.DiskPath(ctx, key)
		if err != nil {
			return "", fmt.Errorf("disk path of %s: %w", key, err)
		}
		if ok {
			return l.RepositoryPath(disk)
		}
	}
	return l.Resolve(key)
}
