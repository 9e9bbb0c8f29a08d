package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/replicant/internal/registry"
)

// SaveDiskPath records where repository or wiki key lives relative to the
// repositories root, replacing any earlier path.
func (s *Store) SaveDiskPath(ctx context.Context, key registry.Key, diskPath string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO repository_disk_paths (replicable_type, replicable_id, disk_path, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (replicable_type, replicable_id)
		DO UPDATE SET disk_path = excluded.disk_path, updated_at = excluded.updated_at
	`, string(key.Type), key.ID, diskPath, encodeTime(s.now()))
	if err != nil {
		return fmt.Errorf("save disk path %s: %w", key, err)
	}
	return nil
}

// DiskPath returns the recorded disk path of key. ok is false when no event
// has placed it.
func (s *Store) DiskPath(ctx context.Context, key registry.Key) (diskPath string, ok bool, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT disk_path FROM repository_disk_paths
		WHERE replicable_type = ? AND replicable_id = ?
	`, string(key.Type), key.ID).Scan(&diskPath)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("disk path %s: %w", key, err)
	}
	return diskPath, true, nil
}

// DeleteDiskPath forgets the disk path of key. Deleting an unknown key is a
// no-op.
func (s *Store) DeleteDiskPath(ctx context.Context, key registry.Key) error {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM repository_disk_paths WHERE replicable_type = ? AND replicable_id = ?
	`, string(key.Type), key.ID); err != nil {
		return fmt.Errorf("delete disk path %s: %w", key, err)
	}
	return nil
}
