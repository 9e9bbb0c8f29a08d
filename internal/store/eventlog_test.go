package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/replicant/internal/event"
)

func updated(projectID int64) event.Event {
	return event.Event{Payload: event.RepositoryUpdated{
		ProjectID: projectID,
		Source:    event.SourceRepository,
		Ref:       "refs/heads/main",
	}}
}

func TestAppend_AssignsIncreasingIDs(t *testing.T) {
	ctx := context.Background()
	s, _ := createTestStore(t)

	first, err := s.Append(ctx, updated(1))
	require.NoError(t, err)
	second, err := s.Append(ctx, updated(2))
	require.NoError(t, err)

	assert.Greater(t, second.ID, first.ID)
	assert.NotEmpty(t, first.CorrelationID)
	assert.NotEqual(t, first.CorrelationID, second.CorrelationID)
	assert.Equal(t, epoch, first.Event.CreatedAt, "zero CreatedAt is stamped with the store clock")

	last, err := s.LastEventID(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, last)
}

func TestAppend_KeepsExplicitCreatedAt(t *testing.T) {
	ctx := context.Background()
	s, _ := createTestStore(t)

	at := time.Date(2025, 12, 24, 18, 30, 0, 0, time.UTC)
	ev := updated(1)
	ev.CreatedAt = at

	_, err := s.Append(ctx, ev)
	require.NoError(t, err)

	entries, err := s.Entries(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, at.Equal(entries[0].Event.CreatedAt))
}

func TestAppend_RejectsNilPayload(t *testing.T) {
	s, _ := createTestStore(t)
	_, err := s.Append(context.Background(), event.Event{})
	assert.Error(t, err)
}

func TestEventLog_RowsAreImmutable(t *testing.T) {
	ctx := context.Background()
	s, _ := createTestStore(t)

	entry, err := s.Append(ctx, updated(1))
	require.NoError(t, err)

	_, err = s.db.Exec(`UPDATE event_log SET kind = 'cache_invalidation' WHERE id = ?`, entry.ID)
	assert.ErrorContains(t, err, "append-only")

	_, err = s.db.Exec(`DELETE FROM event_log WHERE id = ?`, entry.ID)
	assert.ErrorContains(t, err, "append-only")
}

func TestNextUnprocessed_FollowsCursor(t *testing.T) {
	ctx := context.Background()
	s, _ := createTestStore(t)

	_, ok, err := s.NextUnprocessed(ctx, "consumer")
	require.NoError(t, err)
	assert.False(t, ok, "empty log")

	a, err := s.Append(ctx, updated(1))
	require.NoError(t, err)
	b, err := s.Append(ctx, event.Event{Payload: event.CacheInvalidation{Key: "k"}})
	require.NoError(t, err)

	next, ok, err := s.NextUnprocessed(ctx, "consumer")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, a.ID, next.ID)
	assert.Equal(t, updated(1).Payload, next.Event.Payload)

	// Reading does not advance
	again, _, err := s.NextUnprocessed(ctx, "consumer")
	require.NoError(t, err)
	assert.Equal(t, a.ID, again.ID)

	advanced, err := s.AdvanceCursor(ctx, "consumer", a.ID)
	require.NoError(t, err)
	assert.True(t, advanced)

	next, ok, err = s.NextUnprocessed(ctx, "consumer")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, b.ID, next.ID)
	assert.Equal(t, event.KindCacheInvalidation, next.Event.Kind())

	_, err = s.AdvanceCursor(ctx, "consumer", b.ID)
	require.NoError(t, err)
	_, ok, err = s.NextUnprocessed(ctx, "consumer")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAdvanceCursor_NeverMovesBackwards(t *testing.T) {
	ctx := context.Background()
	s, _ := createTestStore(t)

	advanced, err := s.AdvanceCursor(ctx, "c", 5)
	require.NoError(t, err)
	assert.True(t, advanced)

	advanced, err = s.AdvanceCursor(ctx, "c", 5)
	require.NoError(t, err)
	assert.False(t, advanced, "same position is not an advance")

	advanced, err = s.AdvanceCursor(ctx, "c", 3)
	require.NoError(t, err)
	assert.False(t, advanced)

	pos, err := s.Cursor(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, int64(5), pos)
}

func TestAdvanceCursor_ConcurrentWritersKeepMaximum(t *testing.T) {
	ctx := context.Background()
	s, _ := createTestStore(t)

	var wg sync.WaitGroup
	for i := int64(1); i <= 20; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_, err := s.AdvanceCursor(ctx, "c", id)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	pos, err := s.Cursor(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, int64(20), pos)
}

func TestCursor_UnknownConsumerIsZero(t *testing.T) {
	s, _ := createTestStore(t)
	pos, err := s.Cursor(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, int64(0), pos)
}

func TestCursors_AreIndependentPerConsumer(t *testing.T) {
	ctx := context.Background()
	s, _ := createTestStore(t)

	a, err := s.Append(ctx, updated(1))
	require.NoError(t, err)
	_, err = s.AdvanceCursor(ctx, "one", a.ID)
	require.NoError(t, err)

	next, ok, err := s.NextUnprocessed(ctx, "two")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, a.ID, next.ID)
}

func TestEntries_PagesInOrder(t *testing.T) {
	ctx := context.Background()
	s, _ := createTestStore(t)

	for i := int64(1); i <= 5; i++ {
		_, err := s.Append(ctx, updated(i))
		require.NoError(t, err)
	}

	page, err := s.Entries(ctx, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)

	rest, err := s.Entries(ctx, page[1].ID, 10)
	require.NoError(t, err)
	require.Len(t, rest, 3)
	assert.Equal(t, int64(3), rest[0].Event.Payload.(event.RepositoryUpdated).ProjectID)

	none, err := s.Entries(ctx, rest[2].ID, 10)
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}
