package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/roach88/replicant/internal/event"
)

// LogEntry is one persisted event.
type LogEntry struct {
	ID            int64
	CorrelationID string
	Event         event.Event
}

// Append persists ev at the end of the log and returns its entry. A zero
// CreatedAt is stamped with the store clock.
func (s *Store) Append(ctx context.Context, ev event.Event) (LogEntry, error) {
	kind, payload, err := event.Encode(ev.Payload)
	if err != nil {
		return LogEntry{}, fmt.Errorf("append event: %w", err)
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now()
	}
	ev.CreatedAt = ev.CreatedAt.UTC()

	correlationID, err := uuid.NewV7()
	if err != nil {
		return LogEntry{}, fmt.Errorf("append event: correlation id: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO event_log (kind, payload, correlation_id, created_at)
		VALUES (?, ?, ?, ?)
	`, string(kind), string(payload), correlationID.String(), encodeTime(ev.CreatedAt))
	if err != nil {
		return LogEntry{}, fmt.Errorf("append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return LogEntry{}, fmt.Errorf("append event: last insert id: %w", err)
	}

	return LogEntry{ID: id, CorrelationID: correlationID.String(), Event: ev}, nil
}

// NextUnprocessed returns the oldest entry after consumer's cursor. ok is
// false when the consumer is caught up.
func (s *Store) NextUnprocessed(ctx context.Context, consumer string) (entry LogEntry, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, payload, correlation_id, created_at
		FROM event_log
		WHERE id > COALESCE((SELECT last_event_id FROM event_cursors WHERE consumer = ?), 0)
		ORDER BY id ASC
		LIMIT 1
	`, consumer)

	entry, err = scanLogEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return LogEntry{}, false, nil
	}
	if err != nil {
		return LogEntry{}, false, fmt.Errorf("next unprocessed: %w", err)
	}
	return entry, true, nil
}

// Entries returns up to limit entries with id greater than afterID, in order.
func (s *Store) Entries(ctx context.Context, afterID int64, limit int) ([]LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, payload, correlation_id, created_at
		FROM event_log
		WHERE id > ?
		ORDER BY id ASC
		LIMIT ?
	`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	entries := []LogEntry{}
	for rows.Next() {
		entry, err := scanLogEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return entries, nil
}

// LastEventID returns the id of the newest entry, or 0 for an empty log.
func (s *Store) LastEventID(ctx context.Context) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM event_log`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("last event id: %w", err)
	}
	return id, nil
}

// Cursor returns the last event id consumer has applied, or 0 if it has
// never advanced.
func (s *Store) Cursor(ctx context.Context, consumer string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_event_id FROM event_cursors WHERE consumer = ?
	`, consumer).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read cursor %s: %w", consumer, err)
	}
	return id, nil
}

// AdvanceCursor moves consumer's cursor to id. It is a compare-and-set:
// advanced is false, without error, when the cursor is already at or past id.
func (s *Store) AdvanceCursor(ctx context.Context, consumer string, id int64) (advanced bool, err error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO event_cursors (consumer, last_event_id, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(consumer) DO UPDATE SET
			last_event_id = excluded.last_event_id,
			updated_at = excluded.updated_at
		WHERE excluded.last_event_id > event_cursors.last_event_id
	`, consumer, id, encodeTime(s.now()))
	if err != nil {
		return false, fmt.Errorf("advance cursor %s: %w", consumer, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("advance cursor %s: rows affected: %w", consumer, err)
	}
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLogEntry(row rowScanner) (LogEntry, error) {
	var (
		entry     LogEntry
		kind      string
		payload   string
		createdAt int64
	)
	if err := row.Scan(&entry.ID, &kind, &payload, &entry.CorrelationID, &createdAt); err != nil {
		return LogEntry{}, err
	}

	p, err := event.Decode(event.Kind(kind), []byte(payload))
	if err != nil {
		return LogEntry{}, fmt.Errorf("entry %d: %w", entry.ID, err)
	}
	entry.Event = event.Event{Payload: p, CreatedAt: decodeTime(createdAt)}
	return entry, nil
}
