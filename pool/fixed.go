package pool

import (
	"context"
	"sync"
)

// fixed is a bounded free list. Elements are created lazily by newFn until
// capacity elements exist; after that Get waits for a Put.
type fixed[T any] struct {
	available chan T
	newFn     func() T

	mu       sync.Mutex
	created  uint
	capacity uint
}

// NewFixed returns a bounded pool that owns at most capacity elements.
// With capacity 0 every Get blocks until its context is done.
func NewFixed[T any](capacity uint, newFn func() T) Pool[T] {
	return &fixed[T]{
		available: make(chan T, capacity),
		newFn:     newFn,
		capacity:  capacity,
	}
}

func (p *fixed[T]) Get(ctx context.Context) (T, error) {
	if el, ok := p.TryGet(); ok {
		return el, nil
	}

	select {
	case el := <-p.available:
		return el, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (p *fixed[T]) TryGet() (T, bool) {
	select {
	case el := <-p.available:
		return el, true
	default:
	}

	p.mu.Lock()
	if p.created < p.capacity {
		p.created++
		p.mu.Unlock()
		return p.newFn(), true
	}
	p.mu.Unlock()

	var zero T
	return zero, false
}

func (p *fixed[T]) Put(el T) {
	select {
	case p.available <- el:
	default:
		// free list already holds capacity elements; el was not ours
	}
}
