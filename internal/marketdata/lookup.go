package marketdata

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/xarb/internal/domain"
	"github.com/alanyoungcy/xarb/internal/exchange"
)

// Venues resolves an adapter by exchange name.
type Venues interface {
	Get(name string) (exchange.Adapter, error)
}

// Lookup reads books from the cache and falls back to a REST fetch through
// the venue adapter on a miss. Fetched snapshots are written back.
type Lookup struct {
	cache   *Cache
	venues  Venues
	timeout time.Duration
}

// NewLookup creates a Lookup. timeout bounds each REST fallback.
func NewLookup(cache *Cache, venues Venues, timeout time.Duration) *Lookup {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Lookup{cache: cache, venues: venues, timeout: timeout}
}

// Cached returns the cache entry only.
func (l *Lookup) Cached(exchangeName, symbol string) (domain.TopOfBook, bool) {
	return l.cache.Get(exchangeName, strings.ToUpper(symbol))
}

// Book returns a live snapshot, fetching it over REST on a cache miss.
func (l *Lookup) Book(ctx context.Context, exchangeName, symbol string, it domain.InstrumentType) (domain.TopOfBook, error) {
	symbol = strings.ToUpper(symbol)
	if snap, ok := l.cache.Get(exchangeName, symbol); ok {
		return snap, nil
	}
	return l.Fetch(ctx, exchangeName, symbol, it)
}

// Fetch always goes to the venue.
func (l *Lookup) Fetch(ctx context.Context, exchangeName, symbol string, it domain.InstrumentType) (domain.TopOfBook, error) {
	if l.venues == nil {
		return domain.TopOfBook{}, fmt.Errorf("marketdata: %s:%s: %w", exchangeName, symbol, domain.ErrNotFound)
	}
	a, err := l.venues.Get(exchangeName)
	if err != nil {
		return domain.TopOfBook{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	snap, err := a.GetOrderBook(ctx, strings.ToUpper(symbol), it)
	if err != nil {
		return domain.TopOfBook{}, fmt.Errorf("marketdata: fetch %s:%s: %w", exchangeName, symbol, err)
	}
	l.cache.Put(snap)
	return snap, nil
}
