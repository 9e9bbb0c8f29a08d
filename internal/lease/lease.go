// Package lease provides time-bounded mutual exclusion keyed by strings such
// as "sync:repository:42".
//
// A lease is held only for the duration of a guarded block and is released
// on every return path. If the holder crashes, the ttl is the only recovery:
// nothing in this package can force-release another holder's lease.
package lease

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/replicant/internal/registry"
)

// DefaultTTL bounds how long a crashed holder can block a key.
const DefaultTTL = time.Hour

// Token identifies one successful acquisition.
type Token struct {
	Key   string
	Value string
}

// Provider is a mutual-exclusion backend.
type Provider interface {
	// Acquire returns ok=false, without error, when the key is held and unexpired.
	Acquire(ctx context.Context, key string, ttl time.Duration) (tok Token, ok bool, err error)

	// Release frees the lease if tok still owns it.
	Release(ctx context.Context, tok Token) error
}

// TokenGenerator produces unique lease token values.
type TokenGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 tokens.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate panics if UUID generation fails (should never happen in practice).
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Key builds the lease key for an operation on a replicable.
func Key(operation string, key registry.Key) string {
	return fmt.Sprintf("%s:%s:%d", operation, key.Type, key.ID)
}

// Guard runs blocks under a lease.
type Guard struct {
	provider Provider
	ttl      time.Duration
}

// NewGuard creates a Guard. A non-positive ttl means DefaultTTL.
func NewGuard(p Provider, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Guard{provider: p, ttl: ttl}
}

// Do runs fn while holding key. If the key is held elsewhere, fn is not run
// and Do returns (false, nil).
//
// The lease is released after fn returns, whether or not fn failed. Release
// uses a context detached from ctx so a cancelled caller still frees the key.
func (g *Guard) Do(ctx context.Context, key string, fn func(ctx context.Context) error) (bool, error) {
	tok, ok, err := g.provider.Acquire(ctx, key, g.ttl)
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if !ok {
		slog.Debug("lease held elsewhere, skipping", "lease", key)
		return false, nil
	}

	defer func() {
		if err := g.provider.Release(context.WithoutCancel(ctx), tok); err != nil {
			slog.Error("failed to release lease", "lease", key, "error", err)
		}
	}()

	return true, fn(ctx)
}
