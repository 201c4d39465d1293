package exchange

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/xarb/internal/domain"
)

// TokenBucket enforces a venue's per-minute request budget. Callers wait up
// to the acquire timeout for a token; past that the request is rejected
// locally with a RateLimited VenueError instead of being sent.
type TokenBucket struct {
	venue   string
	budget  int
	timeout time.Duration
	lim     *rate.Limiter
}

// NewTokenBucket allows perMinute requests per minute with bursts up to the
// full budget. A non-positive budget disables limiting.
func NewTokenBucket(venue string, perMinute int, timeout time.Duration) *TokenBucket {
	tb := &TokenBucket{venue: venue, budget: perMinute, timeout: timeout}
	if perMinute > 0 {
		tb.lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
	}
	return tb
}

// Acquire takes one token, blocking for at most the configured timeout.
func (b *TokenBucket) Acquire(ctx context.Context, op string) error {
	if b.lim == nil {
		return nil
	}
	if b.lim.Allow() {
		return nil
	}
	if b.timeout <= 0 {
		return domain.NewVenueError(b.venue, op, domain.VenueRateLimited, errors.New("request budget exhausted"))
	}
	wctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	if err := b.lim.Wait(wctx); err != nil {
		// Wait fails fast when the next token is further away than the
		// deadline, so nothing is consumed on rejection.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return domain.NewVenueError(b.venue, op, domain.VenueRateLimited, err)
	}
	return nil
}

// Available returns the whole tokens currently in the bucket.
func (b *TokenBucket) Available() int {
	if b.lim == nil {
		return -1
	}
	return int(b.lim.Tokens())
}

// Budget returns the configured per-minute budget.
func (b *TokenBucket) Budget() int { return b.budget }
