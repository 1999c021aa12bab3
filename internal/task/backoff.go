package task

import (
	"math/rand"
	"time"
)

type BackoffConfig struct {
	BaseDelay time.Duration // e.g. 30s
	MaxDelay  time.Duration // e.g. 10m
}

func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		BaseDelay: 30 * time.Second,
		MaxDelay:  10 * time.Minute,
	}
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	def := DefaultBackoff()
	if c.BaseDelay <= 0 {
		c.BaseDelay = def.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = def.MaxDelay
	}
	return c
}

// capped returns min(MaxDelay, BaseDelay * 2^retryCount) without overflow.
func (c BackoffConfig) capped(retryCount int) time.Duration {
	c = c.withDefaults()
	d := c.BaseDelay
	for i := 0; i < retryCount && d < c.MaxDelay; i++ {
		d *= 2
	}
	if d > c.MaxDelay {
		d = c.MaxDelay
	}
	return d
}

// UpperBound is the largest delay Delay can return for retryCount.
func (c BackoffConfig) UpperBound(retryCount int) time.Duration {
	d := c.capped(retryCount)
	return d + d/2
}

// Delay is min(MaxDelay, BaseDelay * 2^retryCount) scaled by a uniform
// jitter factor in [0.5, 1.5). retryCount is the count before the failure
// being scheduled.
func (c BackoffConfig) Delay(retryCount int, rng *rand.Rand) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	d := c.capped(retryCount)
	return time.Duration(float64(d) * (0.5 + rng.Float64()))
}

// NextRetryAt computes when a failed event becomes due again.
func NextRetryAt(now time.Time, retryCount int, cfg BackoffConfig, rng *rand.Rand) time.Time {
	return now.Add(cfg.Delay(retryCount, rng)).UTC()
}
