package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SaveContainerPath records the image path of container repository id,
// replacing any earlier one.
func (s *Store) SaveContainerPath(ctx context.Context, id int64, path string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO container_repositories (id, path, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET path = excluded.path, updated_at = excluded.updated_at
	`, id, path, encodeTime(s.now()))
	if err != nil {
		return fmt.Errorf("save container path %d: %w", id, err)
	}
	return nil
}

// ContainerPath returns the image path of container repository id.
// Returns ErrNotFound if no event has named it yet.
func (s *Store) ContainerPath(ctx context.Context, id int64) (string, error) {
	var path string
	err := s.db.QueryRowContext(ctx, `SELECT path FROM container_repositories WHERE id = ?`, id).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("container path %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("container path %d: %w", id, err)
	}
	return path, nil
}
