package transpose

import "sync"

// Sink receives the blocks a Collector emits, in strictly ascending block
// order, followed by exactly one EndOfStream. The consumer owns each Block it
// is given and returns it to the block pool when done with it.
//
// A Collector calls its Sink while holding its lock; a Sink may block to
// apply backpressure but must not call back into the Collector.
type Sink interface {
	Append(b *Block)
	EndOfStream()
}

// ChannelSink delivers blocks on a buffered channel that is closed at end of stream.
type ChannelSink struct {
	blocks chan *Block
	once   sync.Once
}

// NewChannelSink returns a ChannelSink whose channel buffers size blocks.
func NewChannelSink(size uint) *ChannelSink {
	return &ChannelSink{blocks: make(chan *Block, size)}
}

// Append sends b, blocking while the channel is full.
func (s *ChannelSink) Append(b *Block) { s.blocks <- b }

// EndOfStream closes the channel. Further calls are no-ops.
func (s *ChannelSink) EndOfStream() { s.once.Do(func() { close(s.blocks) }) }

// Blocks returns the channel to consume from.
func (s *ChannelSink) Blocks() <-chan *Block { return s.blocks }
