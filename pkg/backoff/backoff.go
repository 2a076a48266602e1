// Package backoff computes retry delays and waits them out.
package backoff

import (
	"context"
	"math/rand/v2"
	"time"
)

const (
	defaultInitial = 100 * time.Millisecond
	defaultMax     = 5 * time.Second
)

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial time.Duration // default: 100ms
	Max     time.Duration // default: 5s
	Jitter  float64       // fraction of the delay randomized away, 0..1 (default: none)
}

// Upload is the policy used for artifact uploads.
var Upload = &Config{Initial: 500 * time.Millisecond, Max: 10 * time.Second, Jitter: 0.2}

// Exponential returns the delay before retry number attempt, starting at 1.
// The delay doubles per attempt up to Max. With jitter the result lies in
// [d*(1-Jitter), d]. Attempts below 1 get the initial delay.
func Exponential(attempt int, cfg *Config) time.Duration {
	initial, ceiling, jitter := defaultInitial, defaultMax, 0.0
	if cfg != nil {
		if cfg.Initial > 0 {
			initial = cfg.Initial
		}
		if cfg.Max > 0 {
			ceiling = cfg.Max
		}
		jitter = min(max(cfg.Jitter, 0), 1)
	}

	d := initial
	for i := 1; i < attempt && d < ceiling; i++ {
		d *= 2
	}
	d = min(d, ceiling)

	if jitter > 0 {
		d -= time.Duration(float64(d) * jitter * rand.Float64())
	}
	return d
}

// Wait sleeps for the delay of attempt, or returns ctx.Err() if ctx ends first.
func Wait(ctx context.Context, attempt int, cfg *Config) error {
	timer := time.NewTimer(Exponential(attempt, cfg))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
