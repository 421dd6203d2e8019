// Package semaphore provides a bounded counting semaphore with FIFO waiters.
//
// It wraps golang.org/x/sync/semaphore.Weighted (which already grants in
// arrival order) and adds the bookkeeping needed for stats and for loud
// failure on unbalanced release.
package semaphore

import (
	"context"
	"fmt"
	"sync"

	xsem "golang.org/x/sync/semaphore"
)

// Stats is a point-in-time view of a semaphore.
type Stats struct {
	Capacity    int     `json:"capacity"`
	Available   int     `json:"available"`
	Waiting     int     `json:"waiting"`
	Utilization float64 `json:"utilization"`
}

// Semaphore limits the number of concurrently held permits.
// It is safe for concurrent use.
type Semaphore struct {
	w        *xsem.Weighted
	capacity int

	mu      sync.Mutex
	held    int
	waiting int
}

// New creates a semaphore with the given capacity. Capacity below 1 is
// treated as 1.
func New(capacity int) *Semaphore {
	if capacity < 1 {
		capacity = 1
	}
	return &Semaphore{
		w:        xsem.NewWeighted(int64(capacity)),
		capacity: capacity,
	}
}

// Acquire blocks until a permit is available or ctx is done.
// Waiters are granted in the order they started waiting.
func (s *Semaphore) Acquire(ctx context.Context) error {
	if s.TryAcquire() {
		return nil
	}

	s.mu.Lock()
	s.waiting++
	s.mu.Unlock()

	err := s.w.Acquire(ctx, 1)

	s.mu.Lock()
	s.waiting--
	if err == nil {
		s.held++
	}
	s.mu.Unlock()
	return err
}

// TryAcquire takes a permit without blocking. It fails when no permit is
// free or when other callers are already waiting.
func (s *Semaphore) TryAcquire() bool {
	if !s.w.TryAcquire(1) {
		return false
	}
	s.mu.Lock()
	s.held++
	s.mu.Unlock()
	return true
}

// Release returns a permit and wakes the longest waiter, if any.
// Releasing without a matching acquire panics.
func (s *Semaphore) Release() {
	s.mu.Lock()
	if s.held == 0 {
		s.mu.Unlock()
		panic(fmt.Sprintf("semaphore: release without matching acquire (capacity %d)", s.capacity))
	}
	s.held--
	s.mu.Unlock()
	s.w.Release(1)
}

// Capacity returns the total number of permits.
func (s *Semaphore) Capacity() int {
	return s.capacity
}

// Stats returns current usage.
func (s *Semaphore) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Capacity:    s.capacity,
		Available:   s.capacity - s.held,
		Waiting:     s.waiting,
		Utilization: float64(s.held) / float64(s.capacity),
	}
}
