package transpose

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/ygrebnov/transpose/metrics"
	"github.com/ygrebnov/transpose/pool"
)

func newTestCollector(t *testing.T, shape Shape, blocks pool.Pool[*Block], sink Sink, opts ...Option) *Collector {
	t.Helper()
	c, err := NewCollector(0, shape, blocks, sink, append([]Option{WithLogger(discard)}, opts...)...)
	require.NoError(t, err)
	return c
}

func add(t *testing.T, c *Collector, shape Shape, block uint64, sb int) {
	t.Helper()
	require.NoError(t, c.AddFragment(context.Background(), fragmentFor(shape, c.FileIndex(), block, sb)))
}

func TestNewCollector_InvalidArguments(t *testing.T) {
	shape := Shape{Samples: 1, Subbands: 1, Channels: 1}
	blocks := dirtyPool(shape, 1)
	sink := NewChannelSink(1)

	_, err := NewCollector(0, Shape{}, blocks, sink)
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewCollector(0, shape, nil, sink)
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewCollector(0, shape, blocks, nil)
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewCollector(0, shape, blocks, sink, WithMaxInFlight(0))
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestCollector_ForcedEvictionZeroFillsOldest(t *testing.T) {
	shape := Shape{Samples: 2, Subbands: 2, Channels: 2}
	sink := NewChannelSink(8)
	c := newTestCollector(t, shape, dirtyPool(shape, 4), sink, WithMaxInFlight(1), WithDropping())

	add(t, c, shape, 0, 0)
	_, ok := c.LastEmitted()
	require.False(t, ok)

	add(t, c, shape, 1, 0)

	select {
	case b := <-sink.Blocks():
		require.Equal(t, uint64(0), b.BlockIndex())
		requireColumnFilled(t, b, 0)
		requireColumnZero(t, b, 1)
		require.False(t, b.Complete())
	case <-time.After(time.Second):
		t.Fatal("block 0 was not evicted before block 1 started")
	}
	last, ok := c.LastEmitted()
	require.True(t, ok)
	require.Equal(t, uint64(0), last)
	require.Equal(t, 1, c.Resident())

	require.NoError(t, c.Finish(context.Background()))
	got := drain(t, sink)
	require.Equal(t, []uint64{1}, blockIndices(got))
	requireColumnFilled(t, got[0], 0)
	requireColumnZero(t, got[0], 1)
}

func TestCollector_ConcurrentConnectionsEmitEveryBlockOnceInOrder(t *testing.T) {
	const total = 20
	shape := Shape{Samples: 2, Subbands: 4, Channels: 3}
	blocks := dirtyPool(shape, 3)
	sink := NewChannelSink(0)
	c := newTestCollector(t, shape, blocks, sink, WithTotalBlocks(total))

	type result struct {
		index    uint64
		complete bool
		intact   bool
	}
	results := make(chan []result, 1)
	go func() {
		var got []result
		for b := range sink.Blocks() {
			intact := true
			for sb := 0; sb < shape.Subbands; sb++ {
				intact = intact && columnFilled(b, sb)
			}
			got = append(got, result{index: b.BlockIndex(), complete: b.Complete(), intact: intact})
			blocks.Put(b)
		}
		results <- got
	}()

	// one connection per subband, each sending its blocks in order
	var wg sync.WaitGroup
	errs := make(chan error, shape.Subbands)
	for sb := 0; sb < shape.Subbands; sb++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for b := uint64(0); b < total; b++ {
				if err := c.AddFragment(context.Background(), fragmentFor(shape, 0, b, sb)); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.NoError(t, c.Finish(context.Background()))

	select {
	case got := <-results:
		require.Len(t, got, total)
		for i, r := range got {
			require.Equal(t, uint64(i), r.index)
			require.True(t, r.complete, "block %d incomplete", i)
			require.True(t, r.intact, "block %d holds wrong samples", i)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not see end of stream")
	}
}

func TestCollector_BlockWithoutFragmentsIsEmittedAsZeros(t *testing.T) {
	shape := Shape{Samples: 2, Subbands: 2, Channels: 2}

	complete := func(t *testing.T, c *Collector, block uint64) {
		for sb := 0; sb < shape.Subbands; sb++ {
			add(t, c, shape, block, sb)
		}
	}
	requireZeroBlock := func(t *testing.T, b *Block) {
		t.Helper()
		require.Zero(t, b.WrittenCount())
		for sb := 0; sb < shape.Subbands; sb++ {
			requireColumnZero(t, b, sb)
		}
	}

	t.Run("gap below a completed block", func(t *testing.T) {
		sink := NewChannelSink(8)
		c := newTestCollector(t, shape, dirtyPool(shape, 4), sink, WithTotalBlocks(3))

		complete(t, c, 0)
		complete(t, c, 2)

		// the last index completing ends the stream without Finish
		got := drain(t, sink)
		require.Equal(t, []uint64{0, 1, 2}, blockIndices(got))
		requireZeroBlock(t, got[1])
		require.NoError(t, c.Finish(context.Background()))
	})

	t.Run("trailing indices filled on finish", func(t *testing.T) {
		sink := NewChannelSink(8)
		// an exhausted pool must not stall gap filling
		c := newTestCollector(t, shape, dirtyPool(shape, 1), sink, WithTotalBlocks(4))

		complete(t, c, 0)
		require.NoError(t, c.Finish(context.Background()))

		got := drain(t, sink)
		require.Equal(t, []uint64{0, 1, 2, 3}, blockIndices(got))
		for _, b := range got[1:] {
			requireZeroBlock(t, b)
		}
	})

	t.Run("dropping with known total", func(t *testing.T) {
		sink := NewChannelSink(8)
		c := newTestCollector(t, shape, dirtyPool(shape, 4), sink, WithTotalBlocks(3), WithDropping())

		complete(t, c, 2)

		got := drain(t, sink)
		require.Equal(t, []uint64{0, 1, 2}, blockIndices(got))
		requireZeroBlock(t, got[0])
		requireZeroBlock(t, got[1])
	})

	t.Run("dropping with unknown total skips", func(t *testing.T) {
		sink := NewChannelSink(8)
		m := metrics.NewBasicProvider()
		c := newTestCollector(t, shape, dirtyPool(shape, 4), sink, WithDropping(), WithMetrics(m))

		complete(t, c, 0)
		complete(t, c, 3)
		require.NoError(t, c.Finish(context.Background()))

		require.Equal(t, []uint64{0, 3}, blockIndices(drain(t, sink)))
		require.Equal(t, int64(2), m.CounterValue(MetricBlocksSkipped))
	})
}

func TestCollector_DroppingBoundsResidentBlocks(t *testing.T) {
	const maxInFlight = 3
	shape := Shape{Samples: 1, Subbands: 2, Channels: 1}
	sink := NewChannelSink(16)
	m := metrics.NewBasicProvider()
	c := newTestCollector(t, shape, dirtyPool(shape, 8), sink,
		WithMaxInFlight(maxInFlight), WithDropping(), WithMetrics(m))

	for b := uint64(0); b < 8; b++ {
		add(t, c, shape, b, 0)
		require.LessOrEqual(t, c.Resident(), maxInFlight)
	}
	require.Equal(t, int64(5), m.CounterValue(MetricBlocksEvicted))
	require.Equal(t, int64(maxInFlight), m.UpDownValue(MetricBlocksResident))

	require.NoError(t, c.Finish(context.Background()))
	got := drain(t, sink)
	require.Equal(t, []uint64{0, 1, 2, 3, 4, 5, 6, 7}, blockIndices(got))
	for _, b := range got {
		requireColumnFilled(t, b, 0)
		requireColumnZero(t, b, 1)
	}
	require.Equal(t, int64(8), m.CounterValue(MetricSubbandsZeroed))
	require.Zero(t, m.UpDownValue(MetricBlocksResident))
}

func TestCollector_DroppingUnderConcurrencyKeepsOrder(t *testing.T) {
	const (
		maxInFlight = 2
		total       = 40
	)
	shape := Shape{Samples: 1, Subbands: 4, Channels: 1}
	sink := &recordSink{}
	c := newTestCollector(t, shape, pool.NewDynamic(func() *Block { return NewBlock(shape) }), sink,
		WithMaxInFlight(maxInFlight), WithDropping())

	stop := make(chan struct{})
	peak := make(chan int, 1)
	go func() {
		maxSeen := 0
		for {
			select {
			case <-stop:
				peak <- maxSeen
				return
			default:
				maxSeen = max(maxSeen, c.Resident())
			}
		}
	}()

	var wg sync.WaitGroup
	for sb := 0; sb < shape.Subbands; sb++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(int64(sb)))
			for b := uint64(0); b < total; b++ {
				if rnd.Intn(4) == 0 {
					continue
				}
				if err := c.AddFragment(context.Background(), fragmentFor(shape, 0, b, sb)); err != nil {
					t.Errorf("AddFragment: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
	close(stop)
	require.NoError(t, c.Finish(context.Background()))

	require.LessOrEqual(t, <-peak, maxInFlight)
	got, ends := sink.snapshot()
	require.Equal(t, 1, ends)
	for i := 1; i < len(got); i++ {
		require.Greater(t, got[i], got[i-1], "emission order %v", got)
	}
}

func TestCollector_LateFragments(t *testing.T) {
	shape := Shape{Samples: 1, Subbands: 2, Channels: 1}

	t.Run("dropped after eviction", func(t *testing.T) {
		sink := NewChannelSink(8)
		m := metrics.NewBasicProvider()
		c := newTestCollector(t, shape, dirtyPool(shape, 4), sink,
			WithMaxInFlight(1), WithDropping(), WithMetrics(m))

		add(t, c, shape, 0, 0)
		add(t, c, shape, 1, 0)
		add(t, c, shape, 0, 1) // block 0 is gone

		require.Equal(t, int64(1), m.CounterValue(MetricFragmentsDropped))
		require.NoError(t, c.Finish(context.Background()))
		got := drain(t, sink)
		require.Equal(t, []uint64{0, 1}, blockIndices(got))
		requireColumnZero(t, got[0], 1)
	})

	t.Run("dropped after end of stream", func(t *testing.T) {
		sink := NewChannelSink(8)
		c := newTestCollector(t, shape, dirtyPool(shape, 4), sink, WithDropping(), WithTotalBlocks(1))

		add(t, c, shape, 0, 0)
		add(t, c, shape, 0, 1)
		require.Len(t, drain(t, sink), 1)

		add(t, c, shape, 0, 0)
	})

	t.Run("violation without dropping", func(t *testing.T) {
		sink := NewChannelSink(8)
		c := newTestCollector(t, shape, dirtyPool(shape, 4), sink)

		add(t, c, shape, 1, 0)
		add(t, c, shape, 1, 1)

		err := c.AddFragment(context.Background(), fragmentFor(shape, 0, 0, 0))
		require.ErrorIs(t, err, ErrBlockOrder)
		require.ErrorIs(t, err, ErrProtocolViolation)
	})
}

func TestCollector_ProtocolViolations(t *testing.T) {
	shape := Shape{Samples: 1, Subbands: 2, Channels: 1}

	tests := []struct {
		name    string
		opts    []Option
		prepare func(t *testing.T, c *Collector)
		frag    *Fragment
		want    error
	}{
		{
			name: "fragment for another file",
			frag: fragmentFor(shape, 5, 0, 0),
			want: ErrBlockMismatch,
		},
		{
			name: "block beyond total",
			opts: []Option{WithTotalBlocks(2)},
			frag: fragmentFor(shape, 0, 2, 0),
			want: ErrBlockOutOfRange,
		},
		{
			name: "fragment after end of stream",
			opts: []Option{WithTotalBlocks(1)},
			prepare: func(t *testing.T, c *Collector) {
				add(t, c, shape, 0, 0)
				add(t, c, shape, 0, 1)
			},
			frag: fragmentFor(shape, 0, 0, 0),
			want: ErrStreamEnded,
		},
		{
			name: "duplicate subband",
			prepare: func(t *testing.T, c *Collector) {
				add(t, c, shape, 0, 0)
			},
			frag: fragmentFor(shape, 0, 0, 0),
			want: ErrDuplicateSubband,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestCollector(t, shape, dirtyPool(shape, 4), NewChannelSink(8), tt.opts...)
			if tt.prepare != nil {
				tt.prepare(t, c)
			}
			err := c.AddFragment(context.Background(), tt.frag)
			require.Error(t, err)
			require.True(t, errors.Is(err, tt.want), "got %v, want %v", err, tt.want)
			require.ErrorIs(t, err, ErrProtocolViolation)
		})
	}
}

func TestCollector_ConcurrentFirstFragmentsShareOneBlock(t *testing.T) {
	shape := Shape{Samples: 2, Subbands: 2, Channels: 2}
	blocks := &countingPool{Pool: dirtyPool(shape, 4), gate: make(chan struct{})}
	sink := NewChannelSink(4)
	c := newTestCollector(t, shape, blocks, sink)

	errs := make(chan error, 2)
	go func() { errs <- c.AddFragment(context.Background(), fragmentFor(shape, 0, 0, 0)) }()
	time.Sleep(50 * time.Millisecond) // first caller is inside the pool
	go func() { errs <- c.AddFragment(context.Background(), fragmentFor(shape, 0, 0, 1)) }()
	time.Sleep(50 * time.Millisecond) // second caller waits for the fetch
	close(blocks.gate)

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("AddFragment did not return")
		}
	}
	require.Equal(t, int32(1), blocks.gets.Load())

	require.NoError(t, c.Finish(context.Background()))
	got := drain(t, sink)
	require.Len(t, got, 1)
	require.True(t, got[0].Complete())
	requireColumnFilled(t, got[0], 0)
	requireColumnFilled(t, got[0], 1)
}

func TestCollector_PoolWaitDoesNotHoldLock(t *testing.T) {
	shape := Shape{Samples: 1, Subbands: 2, Channels: 1}
	blocks := dirtyPool(shape, 1)
	sink := NewChannelSink(4)
	c := newTestCollector(t, shape, blocks, sink)

	add(t, c, shape, 0, 0) // takes the only block

	done := make(chan error, 1)
	go func() { done <- c.AddFragment(context.Background(), fragmentFor(shape, 0, 1, 0)) }()

	select {
	case err := <-done:
		t.Fatalf("AddFragment for block 1 returned before a block was free: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	// still possible while the other caller waits on the pool
	add(t, c, shape, 0, 1)
	var b0 *Block
	select {
	case b0 = <-sink.Blocks():
	case <-time.After(time.Second):
		t.Fatal("block 0 was not emitted")
	}
	require.Equal(t, uint64(0), b0.BlockIndex())
	blocks.Put(b0)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("AddFragment for block 1 did not resume after Put")
	}

	add(t, c, shape, 1, 1)
	require.NoError(t, c.Finish(context.Background()))
	require.Equal(t, []uint64{1}, blockIndices(drain(t, sink)))
}

func TestCollector_PoolWaitHonoursContext(t *testing.T) {
	shape := Shape{Samples: 1, Subbands: 2, Channels: 1}
	sink := NewChannelSink(4)
	c := newTestCollector(t, shape, dirtyPool(shape, 1), sink)

	add(t, c, shape, 0, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.AddFragment(ctx, fragmentFor(shape, 0, 1, 0))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// the abandoned fetch must not block Finish
	finished := make(chan error, 1)
	go func() { finished <- c.Finish(context.Background()) }()
	select {
	case err := <-finished:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Finish blocked on an abandoned fetch")
	}
	require.Equal(t, []uint64{0}, blockIndices(drain(t, sink)))
}

func TestCollector_FinishIsIdempotent(t *testing.T) {
	shape := Shape{Samples: 1, Subbands: 2, Channels: 1}
	sink := &recordSink{}
	c := newTestCollector(t, shape, dirtyPool(shape, 2), sink)

	add(t, c, shape, 0, 0)
	require.NoError(t, c.Finish(context.Background()))
	require.NoError(t, c.Finish(context.Background()))

	got, ends := sink.snapshot()
	require.Equal(t, []uint64{0}, got)
	require.Equal(t, 1, ends)
	require.Zero(t, c.Resident())
}

func TestCollector_ExportsPrometheusMetrics(t *testing.T) {
	shape := Shape{Samples: 1, Subbands: 2, Channels: 1}
	reg := prometheus.NewRegistry()
	sink := NewChannelSink(4)
	c := newTestCollector(t, shape, dirtyPool(shape, 4), sink, WithMetrics(metrics.NewPrometheusProvider(reg)))

	add(t, c, shape, 0, 0)
	add(t, c, shape, 0, 1)
	add(t, c, shape, 1, 0)
	require.NoError(t, c.Finish(context.Background()))
	require.Len(t, drain(t, sink), 2)

	values := map[string]float64{}
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		m := mf.GetMetric()[0]
		switch {
		case m.GetCounter() != nil:
			values[mf.GetName()] = m.GetCounter().GetValue()
		case m.GetGauge() != nil:
			values[mf.GetName()] = m.GetGauge().GetValue()
		}
	}
	require.Equal(t, 3.0, values[MetricFragmentsReceived])
	require.Equal(t, 2.0, values[MetricBlocksEmitted])
	require.Equal(t, 1.0, values[MetricSubbandsZeroed])
	require.Equal(t, 0.0, values[MetricBlocksResident])
}
