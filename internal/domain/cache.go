package domain

import (
	"context"
	"time"
)

// RateLimiter provides distributed rate limiting for the API surface.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// SignalBus provides cross-process pub/sub.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// BookMirror receives a copy of every accepted top-of-book snapshot so that
// other processes can read prices without their own venue connections.
type BookMirror interface {
	Store(ctx context.Context, snap TopOfBook, ttl time.Duration) error
	Load(ctx context.Context, exchange, symbol string) (TopOfBook, error)
}
