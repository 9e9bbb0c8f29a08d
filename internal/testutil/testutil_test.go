package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManualClock_Advance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewManualClock(start)

	assert.Equal(t, start, c.Now())
	c.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), c.Now())

	c.Set(start)
	assert.Equal(t, start, c.Now())
}

func TestSequentialTokens(t *testing.T) {
	g := NewSequentialTokens("lease")
	assert.Equal(t, "lease-1", g.Generate())
	assert.Equal(t, "lease-2", g.Generate())

	assert.Equal(t, "token-1", NewSequentialTokens("").Generate())
}

func TestSequentialTokens_Concurrent(t *testing.T) {
	g := NewSequentialTokens("x")
	const n = 200

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[string]bool)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok := g.Generate()
			mu.Lock()
			seen[tok] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
}
