package transpose

import (
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ygrebnov/errorc"

	"github.com/ygrebnov/transpose/metrics"
)

// defaultConfig centralizes default values for config.
func defaultConfig() config {
	return config{
		MaxInFlight:      4,
		AcceptTimeout:    time.Second,
		QueueSize:        64,
		ErrorsBufferSize: 64,
		Dialer:           defaultDialer(),
		DialBackOff:      defaultDialBackOff,
		Logger:           slog.Default(),
		Metrics:          metrics.NewNoopProvider(),
	}
}

func defaultDialBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = 30 * time.Second
	return b
}

// validateConfig checks cross-field invariants after every option is applied.
func validateConfig(cfg *config) error {
	switch {
	case cfg.MaxInFlight == 0:
		return errorc.With(ErrInvalidConfig, errorc.String("", "max in-flight blocks must be > 0"))
	case cfg.AcceptTimeout <= 0:
		return errorc.With(ErrInvalidConfig, errorc.String("", "accept timeout must be > 0"))
	case cfg.QueueSize == 0:
		return errorc.With(ErrInvalidConfig, errorc.String("", "queue size must be > 0"))
	case cfg.Dialer == nil || cfg.DialBackOff == nil:
		return errorc.With(ErrInvalidConfig, errorc.String("", "dialer and dial backoff are required"))
	case cfg.Logger == nil || cfg.Metrics == nil:
		return errorc.With(ErrInvalidConfig, errorc.String("", "logger and metrics provider are required"))
	}
	return nil
}
