package lease

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/replicant/internal/registry"
	"github.com/roach88/replicant/internal/testutil"
)

func TestKey(t *testing.T) {
	k := Key("sync", registry.Key{Type: registry.TypeRepository, ID: 42})
	assert.Equal(t, "sync:repository:42", k)
}

func TestUUIDv7Generator_Unique(t *testing.T) {
	g := UUIDv7Generator{}
	a, b := g.Generate(), g.Generate()
	assert.Len(t, a, 36)
	assert.NotEqual(t, a, b)
}

func TestMemoryProvider_ExclusiveUntilExpiry(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewManualClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	p := NewMemoryProvider(testutil.NewSequentialTokens("t"), clock.Now)

	tok, ok, err := p.Acquire(ctx, "k", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Token{Key: "k", Value: "t-1"}, tok)

	_, ok, err = p.Acquire(ctx, "k", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok, "held lease is not granted twice")

	_, ok, err = p.Acquire(ctx, "other", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok, "keys are independent")

	clock.Advance(time.Hour)
	taken, ok, err := p.Acquire(ctx, "k", time.Hour)
	require.NoError(t, err)
	require.True(t, ok, "ttl is the recovery path for a crashed holder")

	// The original holder's late release must not free the new holder's lease
	require.NoError(t, p.Release(ctx, tok))
	_, ok, err = p.Acquire(ctx, "k", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, p.Release(ctx, taken))
	_, ok, err = p.Acquire(ctx, "k", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGuard_ReleasesAfterSuccessAndFailure(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryProvider(nil, nil)
	g := NewGuard(p, time.Hour)

	ran, err := g.Do(ctx, "k", func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.True(t, ran)

	boom := errors.New("boom")
	ran, err = g.Do(ctx, "k", func(context.Context) error { return boom })
	assert.True(t, ran)
	assert.ErrorIs(t, err, boom)

	// Released both times, so a third acquisition succeeds
	ran, err = g.Do(ctx, "k", func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestGuard_ReleasesWhenContextCancelled(t *testing.T) {
	p := NewMemoryProvider(nil, nil)
	g := NewGuard(p, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	ran, err := g.Do(ctx, "k", func(context.Context) error {
		cancel()
		return context.Canceled
	})
	assert.True(t, ran)
	assert.ErrorIs(t, err, context.Canceled)

	_, ok, err := p.Acquire(context.Background(), "k", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGuard_ContentionIsSilentSkip(t *testing.T) {
	ctx := context.Background()
	g := NewGuard(NewMemoryProvider(nil, nil), time.Hour)

	inside := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = g.Do(ctx, "k", func(context.Context) error {
			close(inside)
			<-release
			return nil
		})
	}()
	<-inside

	called := false
	ran, err := g.Do(ctx, "k", func(context.Context) error {
		called = true
		return nil
	})
	close(release)

	require.NoError(t, err)
	assert.False(t, ran)
	assert.False(t, called, "second caller performs no side effects")
}

func TestGuard_MutualExclusionUnderLoad(t *testing.T) {
	ctx := context.Background()
	g := NewGuard(NewMemoryProvider(nil, nil), time.Hour)

	var active, maxActive, executed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = g.Do(ctx, "sync:repository:1", func(context.Context) error {
				n := active.Add(1)
				for {
					m := maxActive.Load()
					if n <= m || maxActive.CompareAndSwap(m, n) {
						break
					}
				}
				executed.Add(1)
				time.Sleep(time.Millisecond)
				active.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), maxActive.Load())
	assert.GreaterOrEqual(t, executed.Load(), int64(1))
}

func TestNewGuard_DefaultTTL(t *testing.T) {
	g := NewGuard(NewMemoryProvider(nil, nil), 0)
	assert.Equal(t, time.Hour, g.ttl)

	g = NewGuard(NewMemoryProvider(nil, nil), -time.Minute)
	assert.Equal(t, DefaultTTL, g.ttl)
}
