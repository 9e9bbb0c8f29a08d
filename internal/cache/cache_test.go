package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/replicant/internal/registry"
	"github.com/roach88/replicant/internal/testutil"
)

var (
	repo1 = registry.Key{Type: registry.TypeRepository, ID: 1}
	repo2 = registry.Key{Type: registry.TypeRepository, ID: 2}
)

func TestCache_TTL(t *testing.T) {
	clock := testutil.NewManualClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := New(time.Minute, clock.Now)

	c.Set(repo1, "default_branch", "main")
	v, ok := c.Get(repo1, "default_branch")
	assert.True(t, ok)
	assert.Equal(t, "main", v)

	clock.Advance(time.Minute)
	_, ok = c.Get(repo1, "default_branch")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "expired entries are dropped on read")
}

func TestCache_ExpireIsScopedToKey(t *testing.T) {
	c := New(time.Hour, nil)
	c.Set(repo1, "default_branch", "main")
	c.Set(repo1, "exists", true)
	c.Set(repo2, "default_branch", "trunk")

	c.Expire(context.Background(), repo1)

	_, ok := c.Get(repo1, "default_branch")
	assert.False(t, ok)
	_, ok = c.Get(repo1, "exists")
	assert.False(t, ok)
	v, ok := c.Get(repo2, "default_branch")
	assert.True(t, ok)
	assert.Equal(t, "trunk", v)
}

func TestCache_ExpirePrefix(t *testing.T) {
	c := New(time.Hour, nil)
	c.Set(repo1, "a", 1)
	c.Set(repo2, "a", 2)
	c.Set(registry.Key{Type: registry.TypeWiki, ID: 1}, "a", 3)

	assert.Equal(t, 2, c.ExpirePrefix("repository:"))
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, 1, c.ExpirePrefix(""))
}
