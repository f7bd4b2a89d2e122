package transpose

import (
	"fmt"
	"math/bits"

	"github.com/ygrebnov/errorc"
)

// Shape is the fixed geometry of every Block of a run.
type Shape struct {
	Samples  int `yaml:"samples"`
	Subbands int `yaml:"subbands"`
	Channels int `yaml:"channels"`
}

// Validate reports whether every dimension is positive.
func (s Shape) Validate() error {
	if s.Samples <= 0 || s.Subbands <= 0 || s.Channels <= 0 {
		return errorc.With(ErrInvalidConfig, errorc.String("shape", s.String()))
	}
	return nil
}

// Elements is the number of samples a Block of this shape holds.
func (s Shape) Elements() int { return s.Samples * s.Subbands * s.Channels }

// Bytes is the payload size of a Block of this shape.
func (s Shape) Bytes() int { return 4 * s.Elements() }

func (s Shape) String() string {
	return fmt.Sprintf("%dx%dx%d", s.Samples, s.Subbands, s.Channels)
}

// Block is one time interval of one output file: a [Samples][Subbands][Channels]
// buffer filled one subband column at a time.
//
// A Block is not safe for concurrent use; a Collector serialises access to
// the blocks it holds.
type Block struct {
	shape      Shape
	fileIndex  uint64
	blockIndex uint64

	data      []float32
	written   []uint64 // bit per subband
	remaining int
}

// NewBlock allocates a Block. It must be Reset before use.
func NewBlock(shape Shape) *Block {
	b := &Block{
		shape:   shape,
		data:    make([]float32, shape.Elements()),
		written: make([]uint64, (shape.Subbands+63)/64),
	}
	b.Reset(0, 0)
	return b
}

// Reset gives the block a new identity and marks every subband unwritten.
// The sample buffer is left as is; columns that never arrive are zeroed by
// ZeroRemainingSubbands.
func (b *Block) Reset(fileIndex, blockIndex uint64) {
	b.fileIndex = fileIndex
	b.blockIndex = blockIndex
	clear(b.written)
	b.remaining = b.shape.Subbands
}

// AddFragment copies f into its subband column.
func (b *Block) AddFragment(f *Fragment) error {
	sb := f.ID.SubbandIndex
	switch {
	case f.ID.FileIndex != b.fileIndex || f.ID.BlockIndex != b.blockIndex:
		return errorc.With(violation(ErrBlockMismatch),
			errorc.String("fragment", f.ID.String()),
			errorc.String("block", fmt.Sprintf("file=%d block=%d", b.fileIndex, b.blockIndex)))
	case sb >= uint64(b.shape.Subbands):
		return errorc.With(violation(ErrSubbandOutOfRange), errorc.String("fragment", f.ID.String()))
	case f.Samples != b.shape.Samples || f.Channels != b.shape.Channels:
		return errorc.With(violation(ErrShapeMismatch),
			errorc.String("fragment", fmt.Sprintf("%dx%d", f.Samples, f.Channels)),
			errorc.String("block", b.shape.String()))
	case b.Written(int(sb)):
		return errorc.With(violation(ErrDuplicateSubband), errorc.String("fragment", f.ID.String()))
	}

	for s := 0; s < f.Samples; s++ {
		copy(b.column(s, int(sb)), f.Row(s))
	}
	b.written[sb/64] |= 1 << (sb % 64)
	b.remaining--
	return nil
}

// ZeroRemainingSubbands zeroes the column of every unwritten subband and
// returns how many columns it zeroed.
func (b *Block) ZeroRemainingSubbands() int {
	if b.remaining == 0 {
		return 0
	}
	n := 0
	for sb := 0; sb < b.shape.Subbands; sb++ {
		if b.Written(sb) {
			continue
		}
		for s := 0; s < b.shape.Samples; s++ {
			clear(b.column(s, sb))
		}
		n++
	}
	return n
}

// Complete reports whether every subband has been written.
func (b *Block) Complete() bool { return b.remaining == 0 }

// Remaining is the number of subbands still missing.
func (b *Block) Remaining() int { return b.remaining }

// Written reports whether subband sb has been written since the last Reset.
func (b *Block) Written(sb int) bool {
	return b.written[sb/64]&(1<<(uint(sb)%64)) != 0
}

// WrittenCount is the number of subbands written since the last Reset.
func (b *Block) WrittenCount() int {
	n := 0
	for _, w := range b.written {
		n += bits.OnesCount64(w)
	}
	return n
}

// FileIndex is the file the block was last reset for.
func (b *Block) FileIndex() uint64 { return b.fileIndex }

// BlockIndex is the position of the block within its file.
func (b *Block) BlockIndex() uint64 { return b.blockIndex }

// Shape returns the dimensions the block was allocated with.
func (b *Block) Shape() Shape { return b.shape }

// Sample returns the value at (sample, subband, channel).
func (b *Block) Sample(s, sb, ch int) float32 {
	return b.data[(s*b.shape.Subbands+sb)*b.shape.Channels+ch]
}

// Samples exposes the whole buffer, laid out [sample][subband][channel].
func (b *Block) Samples() []float32 { return b.data }

func (b *Block) column(s, sb int) []float32 {
	off := (s*b.shape.Subbands + sb) * b.shape.Channels
	return b.data[off : off+b.shape.Channels]
}
