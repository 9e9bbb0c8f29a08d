package store

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/replicant/internal/lease"
)

// Leases is a lease.Provider backed by the leases table, so exclusion holds
// across processes sharing the database.
type Leases struct {
	store  *Store
	tokens lease.TokenGenerator
}

var _ lease.Provider = (*Leases)(nil)

// Leases returns the store's lease provider.
func (s *Store) Leases() *Leases {
	return &Leases{store: s, tokens: lease.UUIDv7Generator{}}
}

// Acquire takes key if it is free or its previous holder's lease expired.
func (l *Leases) Acquire(ctx context.Context, key string, ttl time.Duration) (lease.Token, bool, error) {
	now := l.store.now()
	tok := lease.Token{Key: key, Value: l.tokens.Generate()}

	result, err := l.store.db.ExecContext(ctx, `
		INSERT INTO leases (lease_key, token, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(lease_key) DO UPDATE SET
			token = excluded.token,
			expires_at = excluded.expires_at
		WHERE leases.expires_at <= ?
	`, key, tok.Value, encodeTime(now.Add(ttl)), encodeTime(now))
	if err != nil {
		return lease.Token{}, false, fmt.Errorf("acquire lease %s: %w", key, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return lease.Token{}, false, fmt.Errorf("acquire lease %s: rows affected: %w", key, err)
	}
	if n == 0 {
		return lease.Token{}, false, nil
	}
	return tok, true, nil
}

// Release deletes the lease only while tok still owns it.
func (l *Leases) Release(ctx context.Context, tok lease.Token) error {
	_, err := l.store.db.ExecContext(ctx, `
		DELETE FROM leases WHERE lease_key = ? AND token = ?
	`, tok.Key, tok.Value)
	if err != nil {
		return fmt.Errorf("release lease %s: %w", tok.Key, err)
	}
	return nil
}
