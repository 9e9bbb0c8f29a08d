package lease

import (
	"context"
	"sync"
	"time"
)

type memoryLease struct {
	value     string
	expiresAt time.Time
}

// MemoryProvider is a process-local Provider.
//
// Thread-safety: MemoryProvider is safe for concurrent use via internal mutex.
type MemoryProvider struct {
	mu     sync.Mutex
	leases map[string]memoryLease
	tokens TokenGenerator
	now    func() time.Time
}

// NewMemoryProvider creates a provider. Nil arguments select UUIDv7 tokens
// and time.Now.
func NewMemoryProvider(tokens TokenGenerator, now func() time.Time) *MemoryProvider {
	if tokens == nil {
		tokens = UUIDv7Generator{}
	}
	if now == nil {
		now = time.Now
	}
	return &MemoryProvider{
		leases: make(map[string]memoryLease),
		tokens: tokens,
		now:    now,
	}
}

func (m *MemoryProvider) Acquire(_ context.Context, key string, ttl time.Duration) (Token, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if held, ok := m.leases[key]; ok && now.Before(held.expiresAt) {
		return Token{}, false, nil
	}

	tok := Token{Key: key, Value: m.tokens.Generate()}
	m.leases[key] = memoryLease{value: tok.Value, expiresAt: now.Add(ttl)}
	return tok, true, nil
}

func (m *MemoryProvider) Release(_ context.Context, tok Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// A lease that expired and was taken over belongs to its new holder
	if held, ok := m.leases[tok.Key]; ok && held.value == tok.Value {
		delete(m.leases, tok.Key)
	}
	return nil
}
