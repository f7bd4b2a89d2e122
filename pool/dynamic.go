package pool

import (
	"context"
	"sync"
)

// dynamic is an unbounded pool backed by sync.Pool. Get never blocks.
type dynamic[T any] struct {
	p sync.Pool
}

// NewDynamic returns an unbounded pool creating elements with newFn on demand.
func NewDynamic[T any](newFn func() T) Pool[T] {
	d := &dynamic[T]{}
	d.p.New = func() interface{} { return newFn() }
	return d
}

func (d *dynamic[T]) Get(ctx context.Context) (T, error) {
	if err := ctx.Err(); err != nil {
		var zero T
		return zero, err
	}
	return d.p.Get().(T), nil
}

func (d *dynamic[T]) TryGet() (T, bool) { return d.p.Get().(T), true }

func (d *dynamic[T]) Put(el T) { d.p.Put(el) }
