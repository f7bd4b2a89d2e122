package transpose

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ygrebnov/transpose/pool"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// value encodes where a sample belongs so tests can verify placement.
// Samples and channels stay below 16 in tests.
func value(block uint64, sb, s, ch int) float32 {
	return float32(block)*4096 + float32(sb*256+s*16+ch) + 1
}

func fragmentFor(shape Shape, file, block uint64, sb int) *Fragment {
	f := NewFragment(BlockID{FileIndex: file, BlockIndex: block, SubbandIndex: uint64(sb)}, shape.Samples, shape.Channels)
	for s := 0; s < shape.Samples; s++ {
		for ch := 0; ch < shape.Channels; ch++ {
			f.Set(s, ch, value(block, sb, s, ch))
		}
	}
	return f
}

// dirtyPool hands out blocks whose buffers are full of garbage, like reused ones.
func dirtyPool(shape Shape, capacity uint) pool.Pool[*Block] {
	return pool.NewFixed(capacity, func() *Block {
		b := NewBlock(shape)
		for i := range b.Samples() {
			b.Samples()[i] = 7
		}
		return b
	})
}

// countingPool counts Get calls and optionally holds each one until gate is closed.
type countingPool struct {
	pool.Pool[*Block]
	gets atomic.Int32
	gate chan struct{}
}

func (p *countingPool) Get(ctx context.Context) (*Block, error) {
	p.gets.Add(1)
	if p.gate != nil {
		<-p.gate
	}
	return p.Pool.Get(ctx)
}

// drain collects blocks until the sink reaches end of stream.
func drain(t *testing.T, s *ChannelSink) []*Block {
	t.Helper()
	var out []*Block
	timeout := time.After(2 * time.Second)
	for {
		select {
		case b, ok := <-s.Blocks():
			if !ok {
				return out
			}
			out = append(out, b)
		case <-timeout:
			t.Fatalf("sink did not reach end of stream; got %d blocks", len(out))
			return nil
		}
	}
}

func blockIndices(blocks []*Block) []uint64 {
	idx := make([]uint64, len(blocks))
	for i, b := range blocks {
		idx[i] = b.BlockIndex()
	}
	return idx
}

func columnZero(b *Block, sb int) bool {
	sh := b.Shape()
	for s := 0; s < sh.Samples; s++ {
		for ch := 0; ch < sh.Channels; ch++ {
			if b.Sample(s, sb, ch) != 0 {
				return false
			}
		}
	}
	return true
}

func columnFilled(b *Block, sb int) bool {
	sh := b.Shape()
	for s := 0; s < sh.Samples; s++ {
		for ch := 0; ch < sh.Channels; ch++ {
			if b.Sample(s, sb, ch) != value(b.BlockIndex(), sb, s, ch) {
				return false
			}
		}
	}
	return true
}

func requireColumnZero(t *testing.T, b *Block, sb int) {
	t.Helper()
	if !columnZero(b, sb) {
		t.Fatalf("block %d subband %d is not zero-filled", b.BlockIndex(), sb)
	}
}

func requireColumnFilled(t *testing.T, b *Block, sb int) {
	t.Helper()
	if !columnFilled(b, sb) {
		t.Fatalf("block %d subband %d does not hold its fragment", b.BlockIndex(), sb)
	}
}

// recordSink keeps every emitted block and counts end-of-stream signals.
type recordSink struct {
	mu     sync.Mutex
	blocks []*Block
	ends   int
}

func (s *recordSink) Append(b *Block) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks = append(s.blocks, b)
}

func (s *recordSink) EndOfStream() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ends++
}

func (s *recordSink) snapshot() ([]uint64, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return blockIndices(s.blocks), s.ends
}
