// Package ratelimit gates outbound calls per provider. A provider is limited
// either by a minimum interval between calls or by a call cap per window.
// Waiters are released in arrival order, and a Retry-After observed from a
// provider arms a one-shot backoff that overrides the normal gate.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Policy is the rate discipline for one provider. Zero value means
// unlimited (callers still queue FIFO but never wait on the clock).
type Policy struct {
	// MinInterval enforces one call per interval.
	MinInterval time.Duration

	// PerWindowN and PerWindow enforce at most N calls per window. Ignored
	// when MinInterval is set.
	PerWindowN int
	PerWindow  time.Duration
}

// Limiter is the process-wide per-provider gate. Safe for concurrent use.
type Limiter struct {
	mu    sync.Mutex
	gates map[string]*gate
}

// New creates a limiter with no registered policies.
func New() *Limiter {
	return &Limiter{gates: make(map[string]*gate)}
}

// SetPolicy registers or replaces the policy for a provider. Intended for
// startup wiring; replacing a policy does not disturb queued waiters.
func (l *Limiter) SetPolicy(provider string, p Policy) {
	g := l.gate(provider)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.policy = p
	if p.MinInterval == 0 && p.PerWindowN > 0 && p.PerWindow > 0 {
		g.bucket = rate.NewLimiter(rate.Every(p.PerWindow/time.Duration(p.PerWindowN)), p.PerWindowN)
	} else {
		g.bucket = nil
	}
}

// Acquire blocks until the provider has a free slot. There is no try-acquire:
// callers always wait. Cancelling the context releases the caller's place in
// line without granting a slot.
func (l *Limiter) Acquire(ctx context.Context, provider string) error {
	return l.gate(provider).acquire(ctx)
}

// ObserveRetryAfter arms a one-shot backoff for the provider: the next slot
// is withheld until the given duration has passed, regardless of the normal
// gate. Later observations only ever push the deadline further out.
func (l *Limiter) ObserveRetryAfter(provider string, d time.Duration) {
	g := l.gate(provider)
	g.mu.Lock()
	defer g.mu.Unlock()
	until := time.Now().Add(d)
	if until.After(g.blockedUntil) {
		g.blockedUntil = until
	}
}

func (l *Limiter) gate(provider string) *gate {
	l.mu.Lock()
	defer l.mu.Unlock()
	g, ok := l.gates[provider]
	if !ok {
		g = &gate{}
		l.gates[provider] = g
	}
	return g
}

// gate serializes callers for one provider. FIFO order comes from chaining:
// each waiter records the previous tail and proceeds only once it closes.
type gate struct {
	mu           sync.Mutex
	tail         chan struct{}
	policy       Policy
	bucket       *rate.Limiter
	nextAt       time.Time
	blockedUntil time.Time
}

func (g *gate) acquire(ctx context.Context) error {
	// Take a place in line.
	g.mu.Lock()
	prev := g.tail
	turn := make(chan struct{})
	g.tail = turn
	g.mu.Unlock()

	// Our successor may proceed once we are done, granted or not.
	defer close(turn)

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// Head of the line: honor a one-shot Retry-After first.
	for {
		g.mu.Lock()
		wait := time.Until(g.blockedUntil)
		if wait <= 0 {
			g.blockedUntil = time.Time{}
			g.mu.Unlock()
			break
		}
		g.mu.Unlock()
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}

	g.mu.Lock()
	policy := g.policy
	bucket := g.bucket
	var wait time.Duration
	if policy.MinInterval > 0 {
		now := time.Now()
		wait = g.nextAt.Sub(now)
		if wait < 0 {
			wait = 0
		}
		g.nextAt = now.Add(wait).Add(policy.MinInterval)
	}
	g.mu.Unlock()

	if policy.MinInterval > 0 {
		if err := sleep(ctx, wait); err != nil {
			// We are still the serialized head, so nobody else has touched
			// nextAt: give the unconsumed slot back.
			g.mu.Lock()
			g.nextAt = g.nextAt.Add(-policy.MinInterval)
			g.mu.Unlock()
			return err
		}
		return nil
	}
	if bucket != nil {
		return bucket.Wait(ctx)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
