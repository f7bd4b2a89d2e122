// Package transpose moves sample data from the layout it is produced in to
// the layout it is stored in.
//
// Producers emit Fragments: one subband's [samples][channels] matrix for one
// block of one output file. A Distributor sends each Fragment to the host that
// stores its file. On that host an Acceptor runs one Receiver per inbound
// connection, and every Receiver routes Fragments to the Collector of their
// file. A Collector reassembles the subbands of each block into a
// [samples][subbands][channels] Block and hands finished Blocks to its Sink
// in strictly increasing block order.
//
// Collectors
//
// Each block index moves NOT_STARTED -> IN_PROGRESS -> EMITTED. A Block is
// taken from a shared bounded pool on its first Fragment and emitted when:
//   - every subband has arrived,
//   - a higher block completes (lower blocks can no longer receive data),
//   - it is the oldest resident block and room is needed (WithDropping only),
//   - Finish is called.
//
// Subbands that never arrived are zero-filled. A block index that never
// receives a Fragment is emitted as an all-zero Block, except when dropping
// on a file of unknown length.
//
// Without WithDropping, a Fragment for an already emitted block is a
// protocol violation. With it, the Fragment is discarded and at most
// WithMaxInFlight blocks are assembled at once.
//
// Errors
//
// Protocol violations match ErrProtocolViolation and mean an upstream
// invariant is broken. A Receiver passes them to the handler set with
// WithFatalHandler; the default logs and exits the process. Transport
// failures match ErrTransport and end only the connection that hit them;
// the Acceptor reports them on Errors, tagged with the connection
// (see ExtractConnID).
//
// Wire format
//
// A frame is a big-endian header (version uint32, then fileIndex,
// blockIndex, subbandIndex, samples, channels as uint64) followed by
// samples*channels big-endian float32 values. See Fragment.WriteFrame.
//
// Configuration
//
// Every component takes the same functional options. A Plan loaded from
// YAML describes a whole run and produces those options, the Router and the
// host map.
//
// Metrics
//
// Components record counters and histograms through a metrics.Provider
// (WithMetrics). The default is a no-op; metrics.NewBasicProvider keeps
// values in memory and metrics.NewPrometheusProvider registers Prometheus
// collectors.
package transpose
