// Package ratelimit implements the layered concurrency and request-rate
// controls applied to SMTP probing. Counters live in a shared KV so
// limits hold across all worker processes.
package ratelimit

import (
	"context"
	"time"
)

// KV is the counter backend for semaphores and rate windows. IncrWithTTL
// atomically increments key and returns the post-increment value; an
// expired key restarts at 1. Decr never drops a counter below zero.
type KV interface {
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Decr(ctx context.Context, key string) error
}
