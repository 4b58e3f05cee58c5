// Package gate bounds the number of simultaneous network operations
// across the whole process.
package gate

import (
	"context"
	"sync"
)

// Gate is a counting admission gate. Every probe and transfer holds a
// slot for the duration of its network operation.
type Gate struct {
	slots     chan struct{}
	mu        sync.Mutex
	inUse     int
	highWater int
}

func New(max int) *Gate {
	if max < 1 {
		max = 1
	}
	return &Gate{slots: make(chan struct{}, max)}
}

// Acquire blocks until a slot is free or ctx is done.
func (g *Gate) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case g.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	g.mu.Lock()
	g.inUse++
	if g.inUse > g.highWater {
		g.highWater = g.inUse
	}
	g.mu.Unlock()
	return nil
}

// Release frees a slot. Callers must pair it with a successful Acquire.
func (g *Gate) Release() {
	g.mu.Lock()
	g.inUse--
	g.mu.Unlock()
	<-g.slots
}

func (g *Gate) Cap() int {
	return cap(g.slots)
}

func (g *Gate) InUse() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inUse
}

// HighWater reports the peak number of concurrently held slots.
func (g *Gate) HighWater() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.highWater
}
