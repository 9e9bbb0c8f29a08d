package testutil

import (
	"fmt"
	"sync"
)

// SequentialTokens generates "<prefix>-1", "<prefix>-2", ...
//
// It stands in for UUIDv7 lease tokens so tests can assert exact values.
//
// Thread-safety: SequentialTokens is safe for concurrent use via internal mutex.
type SequentialTokens struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialTokens creates a generator. An empty prefix defaults to "token".
func NewSequentialTokens(prefix string) *SequentialTokens {
	if prefix == "" {
		prefix = "token"
	}
	return &SequentialTokens{prefix: prefix}
}

// Generate returns the next token.
func (g *SequentialTokens) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}
