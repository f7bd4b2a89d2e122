// Package pool provides free lists of reusable elements, such as the block
// buffers a Collector borrows while reassembling a time interval.
package pool

import "context"

// Pool is a free list of reusable elements. Implementations are safe for
// concurrent use by any number of producers and consumers.
type Pool[T any] interface {
	// Get returns an element, blocking until one is available or ctx is done.
	Get(ctx context.Context) (T, error)

	// TryGet returns an element without blocking; ok is false when the pool is exhausted.
	TryGet() (el T, ok bool)

	// Put returns an element to the pool. It never blocks.
	Put(el T)
}
