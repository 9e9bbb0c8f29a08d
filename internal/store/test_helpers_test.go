package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/replicant/internal/testutil"
)

var epoch = time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

// createTestStore opens a fresh store in a temp dir with a manual clock.
func createTestStore(t *testing.T) (*Store, *testutil.ManualClock) {
	t.Helper()
	clock := testutil.NewManualClock(epoch)
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, clock
}
