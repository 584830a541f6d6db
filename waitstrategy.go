package cachelock

import (
	"crypto/rand"
	"encoding/binary"
	"time"
)

// WaitParams is the input to a WaitStrategy, computed fresh for each
// follower poll iteration.
type WaitParams struct {
	Attempt   int
	Elapsed   time.Duration
	Remaining time.Duration
	WaitMax   time.Duration
	WaitStep  time.Duration
}

// WaitStrategy computes the next inter-poll delay. It must return a
// non-negative, finite duration; the runtime clamps the result to
// [0, Remaining] itself, so a strategy need not clamp defensively.
type WaitStrategy func(WaitParams) (time.Duration, error)

// Fixed always waits the configured waitStep, ignoring attempt/elapsed.
// Ported from xretry.FixedBackoff, generalized to the WaitStrategy shape.
func Fixed() WaitStrategy {
	return func(p WaitParams) (time.Duration, error) {
		return p.WaitStep, nil
	}
}

// ExponentialJitterOption configures ExponentialJitter.
type ExponentialJitterOption func(*exponentialJitterConfig)

type exponentialJitterConfig struct {
	multiplier float64
	maxCap     time.Duration
	jitter     float64
}

// WithMultiplier sets the exponential growth factor (>= 1.0). Values below
// 1.0 are ignored, keeping the default of 2.0.
func WithMultiplier(m float64) ExponentialJitterOption {
	return func(c *exponentialJitterConfig) {
		if m >= 1 {
			c.multiplier = m
		}
	}
}

// WithMaxCap sets the ceiling delay before jitter is applied.
func WithMaxCap(d time.Duration) ExponentialJitterOption {
	return func(c *exponentialJitterConfig) {
		if d > 0 {
			c.maxCap = d
		}
	}
}

// WithJitterFraction sets the jitter fraction, clamped to [0, 1].
func WithJitterFraction(f float64) ExponentialJitterOption {
	return func(c *exponentialJitterConfig) {
		if f < 0 {
			f = 0
		} else if f > 1 {
			f = 1
		}
		c.jitter = f
	}
}

// ExponentialJitter grows the delay geometrically and jitters it:
// delay = min(initial * multiplier^attempt, maxCap) +
// uniform(-jitter, +jitter) * delay, clamped to [0, remaining]. Ported from
// xretry.ExponentialBackoff, with "initial" taken from WaitParams.WaitStep
// per call instead of being baked into the strategy at construction time.
func ExponentialJitter(opts ...ExponentialJitterOption) WaitStrategy {
	cfg := &exponentialJitterConfig{
		multiplier: 2.0,
		maxCap:     4 * time.Second,
		jitter:     0.2,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(p WaitParams) (time.Duration, error) {
		initial := p.WaitStep
		if initial <= 0 {
			initial = 50 * time.Millisecond
		}

		attempt := p.Attempt
		if attempt < 0 {
			attempt = 0
		}

		base := float64(initial)
		for i := 0; i < attempt; i++ {
			base *= cfg.multiplier
			if base >= float64(cfg.maxCap) {
				base = float64(cfg.maxCap)
				break
			}
		}
		if base > float64(cfg.maxCap) {
			base = float64(cfg.maxCap)
		}

		delay := base
		if cfg.jitter > 0 {
			delay += base * cfg.jitter * (2*randomFloat64() - 1)
		}
		if delay < 0 {
			delay = 0
		}

		d := time.Duration(delay)
		if d > p.Remaining {
			d = p.Remaining
		}
		if d < 0 {
			d = 0
		}
		return d, nil
	}
}

// applyTTLJitter spreads cache-set TTLs by +/- jitter/2 so that entries set
// under load don't all expire at once. A jitter <= 0 disables it, and a
// jittered result that would land at or below zero falls back to ttl
// unchanged. Ported from xcache.applyTTLJitter.
func applyTTLJitter(ttl time.Duration, jitter float64) time.Duration {
	if jitter <= 0 || ttl <= 0 {
		return ttl
	}
	jittered := float64(ttl) * (1 + jitter*(randomFloat64()-0.5))
	if jittered <= 0 {
		return ttl
	}
	return time.Duration(jittered)
}

const (
	float64MantissaBits  = 53
	float64MantissaScale = 1.0 / (1 << float64MantissaBits)
)

// randomFloat64 returns a value in [0, 1), matching the crypto/rand-backed
// helper used in xcache/loader_impl.go and xretry/backoff.go.
func randomFloat64() float64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0.5
	}
	return float64(binary.LittleEndian.Uint64(buf[:])>>11) * float64MantissaScale
}
