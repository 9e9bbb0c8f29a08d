package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/replicant/internal/registry"
	"github.com/roach88/replicant/internal/scheduler"
)

const scheduleColumns = `replicable_type, replicable_id, state, pending, hard_failed,
	retry_count, last_error, last_update_scheduled_at, last_update_started_at,
	last_update_at, last_successful_update_at, next_execution_at`

var _ scheduler.Store = (*Store)(nil)

// GetSchedule returns the schedule for key, or ErrNotFound.
func (s *Store) GetSchedule(ctx context.Context, key registry.Key) (scheduler.Schedule, error) {
	sch, err := getSchedule(ctx, s.db, key)
	if err != nil {
		return scheduler.Schedule{}, fmt.Errorf("get schedule %s: %w", key, err)
	}
	return sch, nil
}

// UpdateSchedule implements scheduler.Store.
func (s *Store) UpdateSchedule(ctx context.Context, key registry.Key, fn func(scheduler.Schedule) (scheduler.Schedule, error)) (scheduler.Schedule, error) {
	var next scheduler.Schedule
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := getSchedule(ctx, tx, key)
		switch {
		case errors.Is(err, ErrNotFound):
			cur = scheduler.NewSchedule(key)
		case err != nil:
			return err
		}

		next, err = fn(cur)
		if err != nil {
			return err
		}
		next.Key = key
		return putSchedule(ctx, tx, next)
	})
	if err != nil {
		return scheduler.Schedule{}, fmt.Errorf("update schedule %s: %w", key, err)
	}
	return next, nil
}

// DeleteSchedule removes the schedule for key, if any.
func (s *Store) DeleteSchedule(ctx context.Context, key registry.Key) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM sync_schedules WHERE replicable_type = ? AND replicable_id = ?
	`, string(key.Type), key.ID)
	if err != nil {
		return fmt.Errorf("delete schedule %s: %w", key, err)
	}
	return nil
}

// DueSchedules implements scheduler.Store.
func (s *Store) DueSchedules(ctx context.Context, now time.Time, limit int) ([]scheduler.Schedule, error) {
	return s.querySchedules(ctx, `
		SELECT `+scheduleColumns+`
		FROM sync_schedules
		WHERE pending = 1
		  AND hard_failed = 0
		  AND state IN (?, ?, ?)
		  AND next_execution_at <= ?
		ORDER BY next_execution_at ASC, replicable_type ASC, replicable_id ASC
		LIMIT ?
	`,
		string(scheduler.StateNone),
		string(scheduler.StateFinished),
		string(scheduler.StateFailed),
		encodeTime(now),
		limit,
	)
}

// SchedulesInState implements scheduler.Store.
func (s *Store) SchedulesInState(ctx context.Context, states ...scheduler.State) ([]scheduler.Schedule, error) {
	if len(states) == 0 {
		return []scheduler.Schedule{}, nil
	}
	args := make([]any, len(states))
	for i, st := range states {
		args[i] = string(st)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(states)), ", ")

	return s.querySchedules(ctx, `
		SELECT `+scheduleColumns+`
		FROM sync_schedules
		WHERE state IN (`+placeholders+`)
		ORDER BY replicable_type ASC, replicable_id ASC
	`, args...)
}

// HardFailedSchedules lists schedules excluded from automatic retries.
func (s *Store) HardFailedSchedules(ctx context.Context) ([]scheduler.Schedule, error) {
	return s.querySchedules(ctx, `
		SELECT `+scheduleColumns+`
		FROM sync_schedules
		WHERE hard_failed = 1
		ORDER BY replicable_type ASC, replicable_id ASC
	`)
}

func (s *Store) querySchedules(ctx context.Context, query string, args ...any) ([]scheduler.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	out := []scheduler.Schedule{}
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, sch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schedules: %w", err)
	}
	return out, nil
}

func getSchedule(ctx context.Context, q querier, key registry.Key) (scheduler.Schedule, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+scheduleColumns+`
		FROM sync_schedules
		WHERE replicable_type = ? AND replicable_id = ?
	`, string(key.Type), key.ID)

	sch, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return scheduler.Schedule{}, ErrNotFound
	}
	return sch, err
}

func putSchedule(ctx context.Context, q querier, sch scheduler.Schedule) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO sync_schedules (`+scheduleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(replicable_type, replicable_id) DO UPDATE SET
			state = excluded.state,
			pending = excluded.pending,
			hard_failed = excluded.hard_failed,
			retry_count = excluded.retry_count,
			last_error = excluded.last_error,
			last_update_scheduled_at = excluded.last_update_scheduled_at,
			last_update_started_at = excluded.last_update_started_at,
			last_update_at = excluded.last_update_at,
			last_successful_update_at = excluded.last_successful_update_at,
			next_execution_at = excluded.next_execution_at
	`,
		string(sch.Key.Type),
		sch.Key.ID,
		string(sch.State),
		boolInt(sch.Pending),
		boolInt(sch.HardFailed),
		sch.RetryCount,
		sch.LastError,
		encodeOptTime(sch.LastUpdateScheduledAt),
		encodeOptTime(sch.LastUpdateStartedAt),
		encodeOptTime(sch.LastUpdateAt),
		encodeOptTime(sch.LastSuccessfulUpdateAt),
		encodeTime(sch.NextExecutionAt),
	)
	if err != nil {
		return fmt.Errorf("write schedule: %w", err)
	}
	return nil
}

func scanSchedule(row rowScanner) (scheduler.Schedule, error) {
	var (
		sch                    scheduler.Schedule
		typ, state             string
		pending, hardFailed    int
		scheduledAt, startedAt sql.NullInt64
		updatedAt, succeededAt sql.NullInt64
		nextExecution          int64
	)
	err := row.Scan(
		&typ, &sch.Key.ID, &state, &pending, &hardFailed,
		&sch.RetryCount, &sch.LastError, &scheduledAt, &startedAt,
		&updatedAt, &succeededAt, &nextExecution,
	)
	if err != nil {
		return scheduler.Schedule{}, err
	}

	sch.Key.Type = registry.Type(typ)
	sch.State = scheduler.State(state)
	sch.Pending = pending != 0
	sch.HardFailed = hardFailed != 0
	sch.LastUpdateScheduledAt = decodeOptTime(scheduledAt)
	sch.LastUpdateStartedAt = decodeOptTime(startedAt)
	sch.LastUpdateAt = decodeOptTime(updatedAt)
	sch.LastSuccessfulUpdateAt = decodeOptTime(succeededAt)
	sch.NextExecutionAt = decodeTime(nextExecution)
	return sch, nil
}
