// Package feed keeps venue ticker streams subscribed to the symbols of the
// active monitoring pairs.
package feed

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/alanyoungcy/xarb/internal/domain"
	"github.com/alanyoungcy/xarb/internal/exchange"
)

// Venues lists the built adapters.
type Venues interface {
	All() []exchange.Adapter
}

// Pairs returns the pairs that need live books.
type Pairs interface {
	Active(ctx context.Context) ([]domain.MonitoringPair, error)
}

type streamKey struct {
	venue string
	it    domain.InstrumentType
}

// Subscriber connects every venue and subscribes its ticker streams to the
// legs of the active pairs, re-reading the pairs on a fixed interval so pairs
// created at runtime get live data.
type Subscriber struct {
	venues   Venues
	pairs    Pairs
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	connected  map[string]bool
	subscribed map[streamKey]map[string]bool
}

// NewSubscriber creates a Subscriber.
func NewSubscriber(venues Venues, pairs Pairs, interval time.Duration, logger *slog.Logger) *Subscriber {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Subscriber{
		venues:     venues,
		pairs:      pairs,
		interval:   interval,
		timeout:    15 * time.Second,
		logger:     logger.With(slog.String("component", "feed")),
		connected:  make(map[string]bool),
		subscribed: make(map[streamKey]map[string]bool),
	}
}

// Run reconciles subscriptions until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.Reconcile(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Reconcile connects venues that are not connected yet and subscribes any
// symbol of an active pair that is not subscribed yet. Failures are logged
// and retried on the next call.
func (s *Subscriber) Reconcile(ctx context.Context) {
	adapters := make(map[string]exchange.Adapter)
	for _, a := range s.venues.All() {
		adapters[a.Name()] = a
		if s.connected[a.Name()] {
			continue
		}
		connCtx, cancel := context.WithTimeout(ctx, s.timeout)
		err := a.Connect(connCtx)
		cancel()
		if err != nil {
			s.logger.WarnContext(ctx, "venue connect failed",
				slog.String("exchange", a.Name()),
				slog.String("error", err.Error()),
			)
			continue
		}
		s.connected[a.Name()] = true
		s.logger.InfoContext(ctx, "venue connected", slog.String("exchange", a.Name()))
	}

	pairs, err := s.pairs.Active(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "load active pairs failed", slog.String("error", err.Error()))
		return
	}

	want := make(map[streamKey][]string)
	for _, p := range pairs {
		for _, leg := range []domain.PairLeg{p.Leg1, p.Leg2} {
			key := streamKey{venue: leg.Exchange, it: leg.InstrumentType}
			if s.subscribed[key][leg.Symbol] || contains(want[key], leg.Symbol) {
				continue
			}
			want[key] = append(want[key], leg.Symbol)
		}
	}

	for key, symbols := range want {
		a, ok := adapters[key.venue]
		if !ok || !s.connected[key.venue] {
			continue
		}
		sort.Strings(symbols)
		if err := a.SubscribeTicker(ctx, symbols, key.it); err != nil {
			s.logger.WarnContext(ctx, "ticker subscribe failed",
				slog.String("exchange", key.venue),
				slog.String("instrument", string(key.it)),
				slog.Any("symbols", symbols),
				slog.String("error", err.Error()),
			)
			continue
		}
		if s.subscribed[key] == nil {
			s.subscribed[key] = make(map[string]bool)
		}
		for _, sym := range symbols {
			s.subscribed[key][sym] = true
		}
		s.logger.InfoContext(ctx, "ticker subscribed",
			slog.String("exchange", key.venue),
			slog.String("instrument", string(key.it)),
			slog.Any("symbols", symbols),
		)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
