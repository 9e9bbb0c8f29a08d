package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/replicant/internal/registry"
)

const registryColumns = `replicable_type, replicable_id, success, retry_count, resync,
	force_redownload, missing_on_primary, checksum, last_sync_failure,
	sync_started_at, last_synced_at, created_at`

// registryTable maps a replicable type to the table holding its family.
func registryTable(t registry.Type) (string, error) {
	switch {
	case t.IsRepository():
		return "project_registry", nil
	case t == registry.TypeContainerRepository:
		return "container_repository_registry", nil
	case t.IsFile():
		return "file_registry", nil
	default:
		return "", fmt.Errorf("unknown replicable type %q", t)
	}
}

// GetRegistry returns the registry for key, or ErrNotFound.
func (s *Store) GetRegistry(ctx context.Context, key registry.Key) (registry.Registry, error) {
	table, err := registryTable(key.Type)
	if err != nil {
		return registry.Registry{}, fmt.Errorf("get registry %s: %w", key, err)
	}
	r, err := getRegistry(ctx, s.db, table, key)
	if err != nil {
		return registry.Registry{}, fmt.Errorf("get registry %s: %w", key, err)
	}
	return r, nil
}

// EnsureRegistry creates the registry for key if it does not exist, then
// applies fn and persists the result, all in one transaction. created
// reports whether the row was new.
func (s *Store) EnsureRegistry(ctx context.Context, key registry.Key, fn func(registry.Registry) registry.Registry) (r registry.Registry, created bool, err error) {
	table, err := registryTable(key.Type)
	if err != nil {
		return registry.Registry{}, false, fmt.Errorf("ensure registry %s: %w", key, err)
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := getRegistry(ctx, tx, table, key)
		switch {
		case errors.Is(err, ErrNotFound):
			cur = registry.New(key, s.now().UTC())
			created = true
		case err != nil:
			return err
		}
		r = fn(cur)
		r.Key = key
		return putRegistry(ctx, tx, table, r)
	})
	if err != nil {
		return registry.Registry{}, false, fmt.Errorf("ensure registry %s: %w", key, err)
	}
	return r, created, nil
}

// UpdateRegistry loads the registry for key, applies fn and persists the
// result in one transaction. It returns ErrNotFound when no registry exists;
// nothing is written when fn fails.
func (s *Store) UpdateRegistry(ctx context.Context, key registry.Key, fn func(registry.Registry) (registry.Registry, error)) (registry.Registry, error) {
	table, err := registryTable(key.Type)
	if err != nil {
		return registry.Registry{}, fmt.Errorf("update registry %s: %w", key, err)
	}

	var r registry.Registry
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := getRegistry(ctx, tx, table, key)
		if err != nil {
			return err
		}
		r, err = fn(cur)
		if err != nil {
			return err
		}
		r.Key = key
		return putRegistry(ctx, tx, table, r)
	})
	if err != nil {
		return registry.Registry{}, fmt.Errorf("update registry %s: %w", key, err)
	}
	return r, nil
}

// DeleteRegistry removes the registry for key. deleted is false when there
// was nothing to remove.
func (s *Store) DeleteRegistry(ctx context.Context, key registry.Key) (deleted bool, err error) {
	table, err := registryTable(key.Type)
	if err != nil {
		return false, fmt.Errorf("delete registry %s: %w", key, err)
	}

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM `+table+` WHERE replicable_type = ? AND replicable_id = ?
	`, string(key.Type), key.ID)
	if err != nil {
		return false, fmt.Errorf("delete registry %s: %w", key, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete registry %s: rows affected: %w", key, err)
	}
	return n > 0, nil
}

// ListRegistries returns every registry of type t ordered by id.
func (s *Store) ListRegistries(ctx context.Context, t registry.Type) ([]registry.Registry, error) {
	table, err := registryTable(t)
	if err != nil {
		return nil, fmt.Errorf("list registries: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+registryColumns+`
		FROM `+table+`
		WHERE replicable_type = ?
		ORDER BY replicable_id ASC
	`, string(t))
	if err != nil {
		return nil, fmt.Errorf("list registries: %w", err)
	}
	defer rows.Close()

	out := []registry.Registry{}
	for rows.Next() {
		r, err := scanRegistry(rows)
		if err != nil {
			return nil, fmt.Errorf("list registries: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list registries: %w", err)
	}
	return out, nil
}

// StatusCounts tallies registries of each type by derived status.
func (s *Store) StatusCounts(ctx context.Context) (map[registry.Type]map[registry.Status]int, error) {
	counts := make(map[registry.Type]map[registry.Status]int, len(registry.Types))
	for _, t := range registry.Types {
		table, err := registryTable(t)
		if err != nil {
			return nil, err
		}

		var synced, failed, never int
		err = s.db.QueryRowContext(ctx, `
			SELECT
				COALESCE(SUM(CASE WHEN success = 1 THEN 1 ELSE 0 END), 0),
				COALESCE(SUM(CASE WHEN success = 0 AND retry_count IS NOT NULL THEN 1 ELSE 0 END), 0),
				COALESCE(SUM(CASE WHEN success = 0 AND retry_count IS NULL THEN 1 ELSE 0 END), 0)
			FROM `+table+`
			WHERE replicable_type = ?
		`, string(t)).Scan(&synced, &failed, &never)
		if err != nil {
			return nil, fmt.Errorf("status counts %s: %w", t, err)
		}
		counts[t] = map[registry.Status]int{
			registry.StatusSynced: synced,
			registry.StatusFailed: failed,
			registry.StatusNever:  never,
		}
	}
	return counts, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func getRegistry(ctx context.Context, q querier, table string, key registry.Key) (registry.Registry, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+registryColumns+`
		FROM `+table+`
		WHERE replicable_type = ? AND replicable_id = ?
	`, string(key.Type), key.ID)

	r, err := scanRegistry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return registry.Registry{}, ErrNotFound
	}
	return r, err
}

func putRegistry(ctx context.Context, q querier, table string, r registry.Registry) error {
	var retry sql.NullInt64
	if r.RetryCount != nil {
		retry = sql.NullInt64{Int64: int64(*r.RetryCount), Valid: true}
	}
	var checksum sql.NullString
	if r.Checksum != nil {
		checksum = sql.NullString{String: *r.Checksum, Valid: true}
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO `+table+` (`+registryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(replicable_type, replicable_id) DO UPDATE SET
			success = excluded.success,
			retry_count = excluded.retry_count,
			resync = excluded.resync,
			force_redownload = excluded.force_redownload,
			missing_on_primary = excluded.missing_on_primary,
			checksum = excluded.checksum,
			last_sync_failure = excluded.last_sync_failure,
			sync_started_at = excluded.sync_started_at,
			last_synced_at = excluded.last_synced_at
	`,
		string(r.Type),
		r.ID,
		boolInt(r.Success),
		retry,
		boolInt(r.Resync),
		boolInt(r.ForceRedownload),
		boolInt(r.MissingOnPrimary),
		checksum,
		r.LastSyncFailure,
		encodeOptTime(r.SyncStartedAt),
		encodeOptTime(r.LastSyncedAt),
		encodeTime(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	return nil
}

func scanRegistry(row rowScanner) (registry.Registry, error) {
	var (
		r                               registry.Registry
		typ                             string
		success, resync, force, missing int
		retry                           sql.NullInt64
		checksum                        sql.NullString
		startedAt, syncedAt             sql.NullInt64
		createdAt                       int64
	)
	err := row.Scan(
		&typ, &r.ID, &success, &retry, &resync,
		&force, &missing, &checksum, &r.LastSyncFailure,
		&startedAt, &syncedAt, &createdAt,
	)
	if err != nil {
		return registry.Registry{}, err
	}

	r.Type = registry.Type(typ)
	r.Success = success != 0
	r.Resync = resync != 0
	r.ForceRedownload = force != 0
	r.MissingOnPrimary = missing != 0
	if retry.Valid {
		n := int(retry.Int64)
		r.RetryCount = &n
	}
	if checksum.Valid {
		c := checksum.String
		r.Checksum = &c
	}
	r.SyncStartedAt = decodeOptTime(startedAt)
	r.LastSyncedAt = decodeOptTime(syncedAt)
	r.CreatedAt = decodeTime(createdAt)
	return r, nil
}
