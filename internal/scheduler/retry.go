package scheduler

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"execguard/internal/config"
)

// retryDelay returns the wait before retry number n (1-based). Jitter is
// disabled so retries land on predictable ticks of the timing wheel.
func retryDelay(cfg config.RetryConfig, n int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     cfg.Initial,
		RandomizationFactor: 0,
		Multiplier:          cfg.Multiplier,
		MaxInterval:         cfg.Max,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	d := cfg.Initial
	for i := 0; i < n; i++ {
		d = b.NextBackOff()
	}
	return d
}
