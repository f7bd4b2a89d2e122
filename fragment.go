package transpose

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/ygrebnov/errorc"
)

// WireVersion is written at the head of every frame.
const WireVersion uint32 = 1

// MaxFragmentElements bounds dim1*dim2 of a received frame, so a corrupt
// header cannot make a reader allocate without limit.
const MaxFragmentElements = 1 << 26

// version, fileIndex, blockIndex, subbandIndex, dim1, dim2
const headerSize = 4 + 5*8

// BlockID tells where a Fragment belongs.
type BlockID struct {
	FileIndex    uint64
	BlockIndex   uint64
	SubbandIndex uint64
}

func (id BlockID) String() string {
	return fmt.Sprintf("file=%d block=%d subband=%d", id.FileIndex, id.BlockIndex, id.SubbandIndex)
}

// Fragment is one subband's samples for one block: a [Samples][Channels]
// matrix stored row-major in Data.
type Fragment struct {
	ID       BlockID
	Samples  int
	Channels int
	Data     []float32

	buf []byte
}

// NewFragment allocates a zeroed fragment of the given dimensions.
func NewFragment(id BlockID, samples, channels int) *Fragment {
	return &Fragment{
		ID:       id,
		Samples:  samples,
		Channels: channels,
		Data:     make([]float32, samples*channels),
	}
}

// Row returns the channels of sample s.
func (f *Fragment) Row(s int) []float32 {
	return f.Data[s*f.Channels : (s+1)*f.Channels]
}

// Set stores v at (sample, channel).
func (f *Fragment) Set(s, ch int, v float32) { f.Data[s*f.Channels+ch] = v }

// At returns the value at (sample, channel).
func (f *Fragment) At(s, ch int) float32 { return f.Data[s*f.Channels+ch] }

// WriteFrame writes f as one frame with a single Write call.
//
// Layout, all big-endian: version uint32, fileIndex, blockIndex, subbandIndex,
// dim1 (samples), dim2 (channels) as uint64, then dim1*dim2 float32.
func (f *Fragment) WriteFrame(w io.Writer) error {
	n := f.Samples * f.Channels
	if len(f.Data) != n {
		return errorc.With(ErrMalformedFrame, errorc.String("", fmt.Sprintf("data holds %d elements, dimensions need %d", len(f.Data), n)))
	}

	size := headerSize + 4*n
	if cap(f.buf) < size {
		f.buf = make([]byte, size)
	}
	b := f.buf[:size]

	binary.BigEndian.PutUint32(b[0:], WireVersion)
	binary.BigEndian.PutUint64(b[4:], f.ID.FileIndex)
	binary.BigEndian.PutUint64(b[12:], f.ID.BlockIndex)
	binary.BigEndian.PutUint64(b[20:], f.ID.SubbandIndex)
	binary.BigEndian.PutUint64(b[28:], uint64(f.Samples))
	binary.BigEndian.PutUint64(b[36:], uint64(f.Channels))
	for i, v := range f.Data {
		binary.BigEndian.PutUint32(b[headerSize+4*i:], math.Float32bits(v))
	}

	_, err := w.Write(b)
	return err
}

// ReadFrame replaces f with the next frame read from r, reusing f's buffers
// when they are large enough.
//
// It returns io.EOF only when r ends cleanly before a frame starts. A frame
// cut short yields io.ErrUnexpectedEOF; a bad header yields ErrMalformedFrame.
func (f *Fragment) ReadFrame(r io.Reader) error {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}

	if v := binary.BigEndian.Uint32(hdr[0:]); v != WireVersion {
		return errorc.With(ErrMalformedFrame, errorc.String("version", fmt.Sprint(v)))
	}
	id := BlockID{
		FileIndex:    binary.BigEndian.Uint64(hdr[4:]),
		BlockIndex:   binary.BigEndian.Uint64(hdr[12:]),
		SubbandIndex: binary.BigEndian.Uint64(hdr[20:]),
	}
	dim1 := binary.BigEndian.Uint64(hdr[28:])
	dim2 := binary.BigEndian.Uint64(hdr[36:])
	if dim1 == 0 || dim2 == 0 || dim1 > MaxFragmentElements || dim2 > MaxFragmentElements/dim1 {
		return errorc.With(ErrMalformedFrame, errorc.String("dimensions", fmt.Sprintf("%dx%d", dim1, dim2)))
	}
	n := int(dim1 * dim2)

	if cap(f.buf) < 4*n {
		f.buf = make([]byte, 4*n)
	}
	payload := f.buf[:4*n]
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return err
	}

	if cap(f.Data) < n {
		f.Data = make([]float32, n)
	}
	f.Data = f.Data[:n]
	for i := range f.Data {
		f.Data[i] = math.Float32frombits(binary.BigEndian.Uint32(payload[4*i:]))
	}
	f.ID = id
	f.Samples = int(dim1)
	f.Channels = int(dim2)
	return nil
}
