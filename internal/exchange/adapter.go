// Package exchange defines the venue capability surface and the shared
// machinery venue adapters are built from: token-bucket rate limiting,
// reconnect backoff and a reconnecting WebSocket stream.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/xarb/internal/domain"
)

// BookSink receives parsed top-of-book snapshots from venue streams.
type BookSink interface {
	Put(snap domain.TopOfBook) bool
}

// MarketData is the public capability every venue provides.
type MarketData interface {
	Name() string
	Connect(ctx context.Context) error
	GetOrderBook(ctx context.Context, symbol string, it domain.InstrumentType) (domain.TopOfBook, error)
	SubscribeTicker(ctx context.Context, symbols []string, it domain.InstrumentType) error
	Status() domain.VenueConnection
	Reset() bool
	Close() error
}

// Trading places and cancels orders. Public-only adapters return a
// ConfigError from every method.
type Trading interface {
	PlaceOrder(ctx context.Context, leg domain.OrderLeg) (domain.OrderLeg, error)
	CancelOrder(ctx context.Context, orderID, symbol string, it domain.InstrumentType) error
	QueryOrder(ctx context.Context, leg domain.OrderLeg) (domain.OrderLeg, error)
}

// AccountInfo exposes balances.
type AccountInfo interface {
	Balances(ctx context.Context) ([]domain.Balance, error)
}

// Adapter is the full capability set of a venue.
type Adapter interface {
	MarketData
	Trading
	AccountInfo
}

// Credentials for a venue. Empty key or secret means public-only.
type Credentials struct {
	APIKey    string
	APISecret string
}

// Public reports whether trading is unavailable.
func (c Credentials) Public() bool {
	return c.APIKey == "" || c.APISecret == ""
}

// Settings are the venue-independent adapter knobs.
type Settings struct {
	Credentials       Credentials
	RESTURL           string
	WSURL             string
	RequestsPerMinute int
	AcquireTimeout    time.Duration
	RequestTimeout    time.Duration
	Backoff           Backoff
	Heartbeat         time.Duration
	PongTimeout       time.Duration
	RecvWindow        int
	Observer          Observer
}

// Observer is told about every REST round trip, for latency and success
// tracking.
type Observer interface {
	ObserveCall(venue, op string, latency time.Duration, err error)
}

// ObserveSince reports a call that started at start. A nil observer is
// ignored.
func ObserveSince(o Observer, venue, op string, start time.Time, err error) {
	if o == nil {
		return
	}
	o.ObserveCall(venue, op, time.Since(start), err)
}

// PublicOnlyError is what trading calls return without credentials.
func PublicOnlyError(venue, op string) error {
	return &domain.ConfigError{Venue: venue, Field: "credentials", Message: op + " requires API credentials (public-only mode)"}
}

// Factory builds an adapter for one venue.
type Factory func(s Settings, sink BookSink, logger *slog.Logger) (Adapter, error)

// Registry maps venue names to factories and holds the adapters built from
// them. It is owned by the engine, not a package global.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	adapters  map[string]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		adapters:  make(map[string]Adapter),
	}
}

// RegisterFactory makes a venue buildable.
func (r *Registry) RegisterFactory(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Build constructs and stores the adapter for name.
func (r *Registry) Build(name string, s Settings, sink BookSink, logger *slog.Logger) (Adapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.factories[name]
	if !ok {
		return nil, &domain.ConfigError{Venue: name, Field: "exchange", Message: "unknown venue"}
	}
	if _, exists := r.adapters[name]; exists {
		return nil, fmt.Errorf("exchange: %s: %w", name, domain.ErrConflict)
	}
	a, err := f(s, sink, logger)
	if err != nil {
		return nil, fmt.Errorf("exchange: build %s: %w", name, err)
	}
	r.adapters[name] = a
	return a, nil
}

// Add registers an already-built adapter.
func (r *Registry) Add(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Get returns the adapter for a venue.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("exchange %q: %w", name, domain.ErrNotFound)
	}
	return a, nil
}

// All returns the adapters sorted by name.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Statuses returns every adapter's connection state.
func (r *Registry) Statuses() []domain.VenueConnection {
	adapters := r.All()
	out := make([]domain.VenueConnection, 0, len(adapters))
	for _, a := range adapters {
		out = append(out, a.Status())
	}
	return out
}

// Close shuts down every adapter.
func (r *Registry) Close() error {
	var first error
	for _, a := range r.All() {
		if err := a.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
