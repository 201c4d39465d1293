// Package marketdata holds the short-lived top-of-book snapshots every other
// component reads prices from.
package marketdata

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/xarb/internal/domain"
)

// DefaultTTL is how long a snapshot stays readable after it was stored.
const DefaultTTL = 1500 * time.Millisecond

// Config configures a Cache.
type Config struct {
	TTL           time.Duration
	SweepInterval time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

type entry struct {
	snap     domain.TopOfBook
	storedAt time.Time
}

// Cache is a concurrent (exchange, symbol) → TopOfBook map. Writes are
// last-write-wins by ObservedAt; expiry is measured from the local store
// time so venue clock skew cannot keep a dead quote alive.
type Cache struct {
	ttl    time.Duration
	sweep  time.Duration
	now    func() time.Time
	logger *slog.Logger

	entries sync.Map // domain.BookKey -> *entry

	subMu   sync.RWMutex
	subs    []chan domain.TopOfBook
	dropped atomic.Uint64
}

// New creates a cache.
func New(cfg Config, logger *slog.Logger) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.TTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Cache{
		ttl:    cfg.TTL,
		sweep:  cfg.SweepInterval,
		now:    cfg.Now,
		logger: logger.With(slog.String("component", "marketdata")),
	}
}

// TTL returns the configured snapshot lifetime.
func (c *Cache) TTL() time.Duration { return c.ttl }

// Put stores snap unless a newer snapshot for the same key is already
// present. Snapshots without any positive price are refused.
func (c *Cache) Put(snap domain.TopOfBook) bool {
	if snap.Exchange == "" || snap.Symbol == "" {
		return false
	}
	if !snap.BidPrice.IsPositive() && !snap.AskPrice.IsPositive() {
		return false
	}
	next := &entry{snap: snap, storedAt: c.now()}
	key := snap.Key()
	for {
		cur, loaded := c.entries.LoadOrStore(key, next)
		if !loaded {
			break
		}
		old := cur.(*entry)
		if snap.ObservedAt.Before(old.snap.ObservedAt) {
			return false
		}
		if c.entries.CompareAndSwap(key, old, next) {
			break
		}
	}
	c.publish(snap)
	return true
}

// Get returns the live snapshot for (exchange, symbol). A missing or
// expired entry reports false.
func (c *Cache) Get(exchange, symbol string) (domain.TopOfBook, bool) {
	v, ok := c.entries.Load(domain.BookKey{Exchange: exchange, Symbol: symbol})
	if !ok {
		return domain.TopOfBook{}, false
	}
	e := v.(*entry)
	if c.expired(e) {
		return domain.TopOfBook{}, false
	}
	return e.snap, true
}

func (c *Cache) expired(e *entry) bool {
	return c.now().Sub(e.storedAt) > c.ttl
}

// Sweep evicts expired entries and returns how many were removed.
func (c *Cache) Sweep() int {
	n := 0
	c.entries.Range(func(k, v any) bool {
		e := v.(*entry)
		if c.expired(e) && c.entries.CompareAndDelete(k, e) {
			n++
		}
		return true
	})
	return n
}

// Run sweeps on an interval until ctx is cancelled.
func (c *Cache) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.closeSubs()
			return nil
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.logger.Debug("evicted expired snapshots", slog.Int("count", n))
			}
		}
	}
}

// Snapshot returns every live entry sorted by key.
func (c *Cache) Snapshot() []domain.TopOfBook {
	var out []domain.TopOfBook
	c.entries.Range(func(_, v any) bool {
		e := v.(*entry)
		if !c.expired(e) {
			out = append(out, e.snap)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key().String() < out[j].Key().String()
	})
	return out
}

// Updates returns a channel receiving every accepted snapshot. Slow readers
// lose updates rather than stalling writers; see Dropped.
func (c *Cache) Updates(buffer int) <-chan domain.TopOfBook {
	ch := make(chan domain.TopOfBook, buffer)
	c.subMu.Lock()
	c.subs = append(c.subs, ch)
	c.subMu.Unlock()
	return ch
}

// Dropped is the number of updates discarded because a reader was full.
func (c *Cache) Dropped() uint64 { return c.dropped.Load() }

func (c *Cache) publish(snap domain.TopOfBook) {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for _, ch := range c.subs {
		select {
		case ch <- snap:
		default:
			c.dropped.Add(1)
		}
	}
}

func (c *Cache) closeSubs() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		close(ch)
	}
	c.subs = nil
}
