package transpose

import (
	"context"
	"slices"

	"github.com/ygrebnov/errorc"
	"go.uber.org/multierr"
)

// Router maps file indices to their Collectors. It is built once, before any
// Receiver starts, and never changes afterwards.
type Router struct {
	collectors map[uint64]*Collector
}

// NewRouter indexes collectors by file. Two collectors for one file are a configuration error.
func NewRouter(collectors ...*Collector) (*Router, error) {
	r := &Router{collectors: make(map[uint64]*Collector, len(collectors))}
	for _, c := range collectors {
		if c == nil {
			return nil, errorc.With(ErrInvalidConfig, errorc.String("", "nil collector"))
		}
		if _, dup := r.collectors[c.FileIndex()]; dup {
			return nil, errorc.With(ErrInvalidConfig, errorc.String("duplicate file", u64(c.FileIndex())))
		}
		r.collectors[c.FileIndex()] = c
	}
	return r, nil
}

// Route returns the Collector of fileIndex.
func (r *Router) Route(fileIndex uint64) (*Collector, error) {
	c, ok := r.collectors[fileIndex]
	if !ok {
		return nil, errorc.With(ErrUnknownFile, errorc.String("file", u64(fileIndex)))
	}
	return c, nil
}

// Files lists the routed file indices in ascending order.
func (r *Router) Files() []uint64 {
	files := make([]uint64, 0, len(r.collectors))
	for f := range r.collectors {
		files = append(files, f)
	}
	slices.Sort(files)
	return files
}

// Finish finishes every Collector, in file order, and combines their errors.
func (r *Router) Finish(ctx context.Context) error {
	var err error
	for _, f := range r.Files() {
		err = multierr.Append(err, r.collectors[f].Finish(ctx))
	}
	return err
}
