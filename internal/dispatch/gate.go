package dispatch

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// RateGate bounds the number of outbound analysis calls in flight across the process.
type RateGate struct {
	sem      *semaphore.Weighted
	capacity int64
	inUse    atomic.Int64
	peak     atomic.Int64
}

// NewRateGate creates a gate with the given capacity (minimum 1).
func NewRateGate(capacity int) *RateGate {
	if capacity < 1 {
		capacity = 1
	}
	return &RateGate{sem: semaphore.NewWeighted(int64(capacity)), capacity: int64(capacity)}
}

// Acquire blocks until a slot is free or ctx is done.
func (g *RateGate) Acquire(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	n := g.inUse.Add(1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}
	return nil
}

// Release returns a slot taken by Acquire.
func (g *RateGate) Release() {
	g.inUse.Add(-1)
	g.sem.Release(1)
}

func (g *RateGate) Capacity() int { return int(g.capacity) }

// InUse is the number of slots currently held.
func (g *RateGate) InUse() int { return int(g.inUse.Load()) }

// Peak is the highest InUse observed since creation.
func (g *RateGate) Peak() int { return int(g.peak.Load()) }
