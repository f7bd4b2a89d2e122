package transpose

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/ygrebnov/errorc"

	"github.com/ygrebnov/transpose/pool"
)

// Collector reassembles the fragments of one output file into blocks and
// hands them to its Sink in strictly increasing block order.
//
// Every block index moves through NOT_STARTED -> IN_PROGRESS -> EMITTED.
// A block is fetched from the pool on its first fragment, filled by any number
// of concurrent callers, and emitted when it completes, when a higher block
// completes, when it is evicted to make room (dropping only), or on Finish.
// Emitted blocks have their missing subbands zero-filled.
//
// All state, including the written bitmap of resident blocks, is guarded by mu.
// The lock is released only while waiting on the block pool.
type Collector struct {
	fileIndex uint64
	shape     Shape
	blocks    pool.Pool[*Block]
	sink      Sink

	cfg *config
	log *slog.Logger
	m   instruments

	mu sync.Mutex
	// available is broadcast whenever a fetch lands or is abandoned.
	available *sync.Cond
	resident  map[uint64]*Block
	fetching  map[uint64]struct{}
	// next is one past the last emitted block index: indices below it are EMITTED.
	next  uint64
	ended bool
}

// NewCollector returns a Collector for fileIndex. Blocks taken from blocks
// must have the given shape.
func NewCollector(fileIndex uint64, shape Shape, blocks pool.Pool[*Block], sink Sink, opts ...Option) (*Collector, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	if blocks == nil || sink == nil {
		return nil, errorc.With(ErrInvalidConfig, errorc.String("", "collector requires a block pool and a sink"))
	}
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}

	c := &Collector{
		fileIndex: fileIndex,
		shape:     shape,
		blocks:    blocks,
		sink:      sink,
		cfg:       cfg,
		log:       cfg.Logger.With("component", "collector", "file", fileIndex),
		m:         newInstruments(cfg.Metrics),
		resident:  make(map[uint64]*Block),
		fetching:  make(map[uint64]struct{}),
	}
	c.available = sync.NewCond(&c.mu)
	return c, nil
}

// FileIndex is the file this Collector assembles.
func (c *Collector) FileIndex() uint64 { return c.fileIndex }

// LastEmitted returns the highest emitted block index; ok is false before the first emission.
func (c *Collector) LastEmitted() (idx uint64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.next == 0 {
		return 0, false
	}
	return c.next - 1, true
}

// Resident is the number of blocks currently being assembled.
func (c *Collector) Resident() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.resident)
}

// AddFragment applies f to its block, fetching the block first if needed,
// and emits every block the arrival makes final.
//
// Fragments for already emitted blocks are discarded when dropping is enabled
// and are a protocol violation otherwise. ctx bounds only the wait for a
// free block from the pool.
func (c *Collector) AddFragment(ctx context.Context, f *Fragment) error {
	idx := f.ID.BlockIndex

	c.mu.Lock()
	defer c.mu.Unlock()

	c.m.received.Add(1)

	switch {
	case f.ID.FileIndex != c.fileIndex:
		return errorc.With(violation(ErrBlockMismatch), errorc.String("fragment", f.ID.String()))
	case c.cfg.TotalBlocks > 0 && idx >= c.cfg.TotalBlocks:
		return errorc.With(violation(ErrBlockOutOfRange),
			errorc.String("fragment", f.ID.String()), errorc.String("total", u64(c.cfg.TotalBlocks)))
	case c.ended:
		if c.cfg.Dropping {
			c.drop(f)
			return nil
		}
		return errorc.With(violation(ErrStreamEnded), errorc.String("fragment", f.ID.String()))
	}

	b, err := c.fetch(ctx, idx)
	if err != nil {
		return errorc.With(err, errorc.String("fragment", f.ID.String()))
	}
	if b == nil {
		c.drop(f)
		return nil
	}

	if err := b.AddFragment(f); err != nil {
		return err
	}

	if b.Complete() {
		c.emitThrough(idx)
		if c.cfg.TotalBlocks > 0 && c.next == c.cfg.TotalBlocks {
			if len(c.resident) != 0 {
				return errorc.With(violation(ErrBlockCountMismatch),
					errorc.String("resident", u64(uint64(len(c.resident)))))
			}
			c.endOfStream()
		}
	}
	return nil
}

// fetch returns the resident block idx, taking one from the pool if needed.
// It returns a nil block when the fragment must be dropped. Called with mu held.
func (c *Collector) fetch(ctx context.Context, idx uint64) (*Block, error) {
	for {
		if b, ok := c.resident[idx]; ok {
			return b, nil
		}
		if idx < c.next {
			return nil, c.late(idx)
		}
		if _, busy := c.fetching[idx]; busy {
			c.available.Wait()
			continue
		}
		if c.cfg.Dropping && uint(len(c.resident)+len(c.fetching)) >= c.cfg.MaxInFlight {
			if len(c.resident) == 0 {
				// every slot is an in-flight fetch; wait for one to land
				c.available.Wait()
				continue
			}
			c.evictOldest()
			continue
		}
		break
	}

	c.fetching[idx] = struct{}{}
	c.mu.Unlock()
	b, err := c.blocks.Get(ctx)
	c.mu.Lock()
	delete(c.fetching, idx)
	defer c.available.Broadcast()

	if err != nil {
		return nil, err
	}
	if b.Shape() != c.shape {
		c.blocks.Put(b)
		return nil, errorc.With(ErrInvalidConfig,
			errorc.String("pool block shape", b.Shape().String()), errorc.String("collector shape", c.shape.String()))
	}
	if idx < c.next {
		// overtaken while waiting for the pool
		c.blocks.Put(b)
		return nil, c.late(idx)
	}

	b.Reset(c.fileIndex, idx)
	c.resident[idx] = b
	c.m.resident.Add(1)
	return b, nil
}

// late decides the fate of a fragment whose block index was already emitted.
func (c *Collector) late(idx uint64) error {
	if c.cfg.Dropping {
		return nil
	}
	return errorc.With(violation(ErrBlockOrder),
		errorc.String("block", u64(idx)), errorc.String("last emitted", u64(c.next-1)))
}

func (c *Collector) drop(f *Fragment) {
	c.m.dropped.Add(1)
	c.log.Debug("dropping late fragment", "block", f.ID.BlockIndex, "subband", f.ID.SubbandIndex, "next", c.next)
}

func (c *Collector) evictOldest() {
	oldest := c.residentThrough(^uint64(0))[0]
	b := c.resident[oldest]
	c.m.evicted.Add(1)
	c.log.Debug("evicting incomplete block", "block", oldest, "missing", b.Remaining())
	c.emitThrough(oldest)
}

// residentThrough returns the resident block indices <= idx in ascending order.
func (c *Collector) residentThrough(idx uint64) []uint64 {
	keys := make([]uint64, 0, len(c.resident))
	for k := range c.resident {
		if k <= idx {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys
}

// emitThrough emits every resident block <= idx in ascending order.
func (c *Collector) emitThrough(idx uint64) {
	for _, k := range c.residentThrough(idx) {
		b := c.resident[k]
		delete(c.resident, k)
		c.m.resident.Add(-1)
		c.fillGap(k)
		c.emit(b)
	}
}

// fillGap accounts for the never-started indices in [next, upTo). Each is
// emitted as an all-zero block, except when dropping on a file of unknown
// length, where they are skipped.
func (c *Collector) fillGap(upTo uint64) {
	if upTo <= c.next {
		return
	}
	if c.cfg.Dropping && c.cfg.TotalBlocks == 0 {
		c.m.skipped.Add(int64(upTo - c.next))
		c.next = upTo
		return
	}
	for i := c.next; i < upTo; i++ {
		// a gap must not wait on a pool our own resident blocks may have drained
		b, ok := c.blocks.TryGet()
		if !ok {
			b = NewBlock(c.shape)
		}
		b.Reset(c.fileIndex, i)
		c.log.Debug("emitting block that received no fragments", "block", i)
		c.emit(b)
	}
}

func (c *Collector) emit(b *Block) {
	if n := b.ZeroRemainingSubbands(); n > 0 {
		c.m.zeroed.Add(int64(n))
	}
	c.sink.Append(b)
	c.next = b.BlockIndex() + 1
	c.m.emitted.Add(1)
}

func (c *Collector) endOfStream() {
	c.ended = true
	c.sink.EndOfStream()
	c.available.Broadcast()
	c.log.Info("end of stream", "blocks", c.next)
}

// Finish flushes every resident block and signals end of stream. It is
// called once upstream will send nothing more for this file; calling it
// after end of stream is a no-op.
//
// With a known total, missing indices up to the total are emitted as
// all-zero blocks and the total is verified.
func (c *Collector) Finish(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ended {
		return nil
	}
	for len(c.fetching) > 0 {
		c.available.Wait()
	}

	c.emitThrough(^uint64(0))

	if total := c.cfg.TotalBlocks; total > 0 {
		c.fillGap(total)
		if c.next != total {
			c.endOfStream()
			return errorc.With(violation(ErrBlockCountMismatch),
				errorc.String("emitted", u64(c.next)), errorc.String("total", u64(total)))
		}
	}

	c.endOfStream()
	return nil
}
