package jsocialflux

import (
	"math/rand"
	"time"
)

// ReconnectPolicy defines capped exponential backoff with additive jitter.
type ReconnectPolicy struct {
	// Base is the delay before the first retry.
	Base time.Duration
	// Cap bounds the exponential part of the delay.
	Cap time.Duration
	// MaxJitter is the exclusive upper bound of the random delay added on top.
	MaxJitter time.Duration
}

// DefaultReconnectPolicy returns 500ms doubling up to 8s, plus up to 250ms jitter.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		Base:      500 * time.Millisecond,
		Cap:       8 * time.Second,
		MaxJitter: 250 * time.Millisecond,
	}
}

// Delay returns min(Cap, Base*2^attempt) + r*MaxJitter for a 0-based attempt.
// r must be in [0, 1).
func (p ReconnectPolicy) Delay(attempt int, r float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	wait := p.Base
	for i := 0; i < attempt; i++ {
		if wait >= p.Cap {
			break
		}
		wait *= 2
	}
	if wait > p.Cap {
		wait = p.Cap
	}
	if r < 0 || r >= 1 {
		r = 0
	}
	return wait + time.Duration(r*float64(p.MaxJitter))
}

func (p ReconnectPolicy) isZero() bool {
	return p.Base == 0 && p.Cap == 0 && p.MaxJitter == 0
}

// reconnector tracks the retry counter of one unexpected-close episode.
// Guarded by RealtimeClient.mu.
type reconnector struct {
	policy  ReconnectPolicy
	attempt int
	rand    func() float64
}

func newReconnector(policy ReconnectPolicy, source func() float64) *reconnector {
	if source == nil {
		source = rand.Float64
	}
	return &reconnector{policy: policy, rand: source}
}

func (r *reconnector) nextDelay() time.Duration {
	delay := r.policy.Delay(r.attempt, r.rand())
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
}
