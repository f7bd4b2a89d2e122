package transpose

import (
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ygrebnov/errorc"

	"github.com/ygrebnov/transpose/metrics"
)

// Option configures a transpose component.
type Option func(*config) error

// WithMaxInFlight sets the in-flight cap of a Collector (must be > 0).
func WithMaxInFlight(n uint) Option {
	return func(cfg *config) error {
		if n == 0 {
			return errorc.With(ErrInvalidConfig, errorc.String("", "WithMaxInFlight requires n > 0"))
		}
		cfg.MaxInFlight = n
		return nil
	}
}

// WithDropping enables late-data dropping and forced eviction in a Collector.
func WithDropping() Option {
	return func(cfg *config) error { cfg.Dropping = true; return nil }
}

// WithTotalBlocks declares how many blocks a Collector's file has.
func WithTotalBlocks(n uint64) Option {
	return func(cfg *config) error { cfg.TotalBlocks = n; return nil }
}

// WithAcceptTimeout bounds each Accept call of an Acceptor.
func WithAcceptTimeout(d time.Duration) Option {
	return func(cfg *config) error { cfg.AcceptTimeout = d; return nil }
}

// WithQueueSize sets the per-host queue capacity of a Distributor.
func WithQueueSize(n uint) Option {
	return func(cfg *config) error { cfg.QueueSize = n; return nil }
}

// WithQueueDropping makes a Distributor discard items when a host queue is full.
func WithQueueDropping() Option {
	return func(cfg *config) error { cfg.QueueDropping = true; return nil }
}

// WithErrorsBuffer sets the buffer size of Acceptor.Errors.
func WithErrorsBuffer(n uint) Option {
	return func(cfg *config) error { cfg.ErrorsBufferSize = n; return nil }
}

// WithDialer replaces the Distributor's dialer.
func WithDialer(d Dialer) Option {
	return func(cfg *config) error { cfg.Dialer = d; return nil }
}

// WithDialBackOff sets the retry policy factory for Distributor connections.
func WithDialBackOff(fn func() backoff.BackOff) Option {
	return func(cfg *config) error { cfg.DialBackOff = fn; return nil }
}

// WithFatalHandler replaces the handler Receivers call on a protocol violation.
func WithFatalHandler(fn func(error)) Option {
	return func(cfg *config) error { cfg.FatalHandler = fn; return nil }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(cfg *config) error { cfg.Logger = l; return nil }
}

// WithMetrics sets the metrics provider.
func WithMetrics(p metrics.Provider) Option {
	return func(cfg *config) error { cfg.Metrics = p; return nil }
}
