package session

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrPermanent marks a dial failure that retrying cannot fix.
var ErrPermanent = errors.New("session: permanent failure")

// NextBackoffDelay returns the retry delay for attempt N (1-based).
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 {
		return cfg.InitialDelay
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}

// Retry calls fn until it succeeds, returns an error wrapping ErrPermanent,
// maxAttempts is reached (0 means unbounded) or ctx ends. Waits between
// attempts follow cfg and are measured on clk.
func Retry(ctx context.Context, clk clock.Clock, cfg BackoffConfig, maxAttempts int, rng *rand.Rand, fn func(attempt int) error) error {
	if clk == nil {
		clk = clock.New()
	}
	for attempt := 1; ; attempt++ {
		err := fn(attempt)
		if err == nil || errors.Is(err, ErrPermanent) {
			return err
		}
		if maxAttempts > 0 && attempt >= maxAttempts {
			return err
		}
		timer := clk.Timer(NextBackoffDelay(cfg, attempt, rng))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
