// Package ratelimit provides per-key request limiting for public endpoints.
//
// MapLimiter is an in-process token bucket per key. RedisLimiter is a fixed
// window counter shared by every replica.
package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter decides whether a request keyed by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// Chain consults every limiter in order and denies on the first denial.
type Chain []Limiter

func (c Chain) Allow(ctx context.Context, key string) (Decision, error) {
	out := Decision{Allowed: true, Remaining: -1}
	for _, l := range c {
		if l == nil {
			continue
		}
		d, err := l.Allow(ctx, key)
		if err != nil {
			return Decision{}, err
		}
		if !d.Allowed {
			return d, nil
		}
		if out.Remaining < 0 || d.Remaining < out.Remaining {
			out.Remaining = d.Remaining
		}
	}
	return out, nil
}
