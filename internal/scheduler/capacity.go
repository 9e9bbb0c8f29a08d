package scheduler

import (
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Capacity bounds the number of attempts in the started state at once.
//
// A slot is taken on entering started and returned on leaving it. When no
// slot is free, new attempts are refused rather than queued, which keeps
// pressure off the primary.
type Capacity struct {
	sem      *semaphore.Weighted
	size     int64
	inFlight atomic.Int64
}

// NewCapacity creates a gate admitting at most size concurrent attempts.
func NewCapacity(size int) *Capacity {
	if size < 1 {
		size = 1
	}
	return &Capacity{sem: semaphore.NewWeighted(int64(size)), size: int64(size)}
}

// TryEnter takes a slot if one is free.
func (c *Capacity) TryEnter() bool {
	if !c.sem.TryAcquire(1) {
		return false
	}
	c.inFlight.Add(1)
	return true
}

// Leave returns a slot taken by TryEnter.
func (c *Capacity) Leave() {
	c.inFlight.Add(-1)
	c.sem.Release(1)
}

// InFlight returns the number of taken slots.
func (c *Capacity) InFlight() int64 {
	return c.inFlight.Load()
}

// Available returns the number of free slots.
func (c *Capacity) Available() int64 {
	return c.size - c.inFlight.Load()
}
