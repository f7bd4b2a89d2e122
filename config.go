package transpose

import (
	"log/slog"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ygrebnov/transpose/metrics"
)

// config holds the settings shared by every component. Each constructor
// reads the fields it needs and ignores the rest, so one option list can
// configure a whole run.
type config struct {
	// MaxInFlight caps the number of partially assembled blocks a Collector
	// holds when Dropping is enabled.
	// Default: 4
	MaxInFlight uint

	// Dropping lets a Collector discard late fragments and evict the oldest
	// block when MaxInFlight is reached, trading completeness for throughput.
	// Default: false
	Dropping bool

	// TotalBlocks is the number of blocks expected per file. Zero means unknown.
	// Default: 0
	TotalBlocks uint64

	// AcceptTimeout bounds a single Accept call so the Acceptor can notice shutdown.
	// Default: 1s
	AcceptTimeout time.Duration

	// QueueSize is the per-host Distributor queue capacity.
	// Default: 64
	QueueSize uint

	// QueueDropping makes Distributor.Append discard items instead of blocking on a full queue.
	// Default: false
	QueueDropping bool

	// ErrorsBufferSize is the buffer of the Acceptor's connection errors channel.
	// Default: 64
	ErrorsBufferSize uint

	// Dialer opens Distributor connections.
	// Default: &net.Dialer{Timeout: 5 * time.Second}
	Dialer Dialer

	// DialBackOff yields the retry policy of a single host connection attempt.
	// Default: exponential, giving up after 30s
	DialBackOff func() backoff.BackOff

	// FatalHandler receives protocol violations seen by a Receiver.
	// Default: log at error level and exit the process
	FatalHandler func(error)

	Logger  *slog.Logger
	Metrics metrics.Provider
}

func newConfig(opts []Option) (*config, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	if cfg.FatalHandler == nil {
		l := cfg.Logger
		cfg.FatalHandler = func(err error) {
			l.Error("fatal protocol violation", "error", err)
			os.Exit(1)
		}
	}
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
