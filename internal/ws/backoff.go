package ws

import (
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BackoffConfig tunes the reconnect delays.
type BackoffConfig struct {
	Jitter     time.Duration `koanf:"jitter"`     // upper bound of the random first delay after a success (default: 5s)
	Floor      time.Duration `koanf:"floor"`      // first exponential delay (default: 1.92s)
	Ceiling    time.Duration `koanf:"ceiling"`    // maximum delay (default: 300s)
	Multiplier float64       `koanf:"multiplier"` // growth factor between attempts (default: 1.618)
}

// DefaultBackoffConfig returns the reconnect schedule used in production.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Jitter:     5 * time.Second,
		Floor:      1920 * time.Millisecond,
		Ceiling:    300 * time.Second,
		Multiplier: 1.618,
	}
}

// Backoff yields reconnect delays. The first delay after a fresh start or a
// successful connection is a random jitter; every following delay grows
// exponentially from the floor and is capped at the ceiling.
type Backoff struct {
	cfg   BackoffConfig
	exp   *backoff.ExponentialBackOff
	fresh bool
	rand  func() float64
}

func NewBackoff(cfg BackoffConfig) *Backoff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = cfg.Floor
	exp.Multiplier = cfg.Multiplier
	exp.MaxInterval = cfg.Ceiling
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Reset()

	return &Backoff{
		cfg:   cfg,
		exp:   exp,
		fresh: true,
		rand:  rand.Float64,
	}
}

// Next returns the delay before the next connection attempt.
func (b *Backoff) Next() time.Duration {
	if b.fresh {
		b.fresh = false
		return time.Duration(b.rand() * float64(b.cfg.Jitter))
	}
	d := b.exp.NextBackOff()
	if d == backoff.Stop || d > b.cfg.Ceiling {
		return b.cfg.Ceiling
	}
	return d
}

// Reset is called after a successful connection.
func (b *Backoff) Reset() {
	b.fresh = true
	b.exp.Reset()
}
