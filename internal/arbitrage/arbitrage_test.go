package arbitrage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/xarb/internal/domain"
	"github.com/alanyoungcy/xarb/internal/events"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testPair(threshold string) domain.MonitoringPair {
	return domain.MonitoringPair{
		ID:            "bybit_binance_btcusdt",
		Leg1:          domain.PairLeg{Exchange: "bybit", Symbol: "BTCUSDT", InstrumentType: domain.InstrumentSpot, Side: domain.SideSell},
		Leg2:          domain.PairLeg{Exchange: "binance", Symbol: "BTCUSDT", InstrumentType: domain.InstrumentSpot, Side: domain.SideBuy},
		ThresholdPct:  d(threshold),
		Qty:           d("0.01"),
		Enabled:       true,
		ExecutionMode: domain.ModeThreshold,
	}
}

func tob(exchange string, bid, ask string) domain.TopOfBook {
	return domain.TopOfBook{Exchange: exchange, Symbol: "BTCUSDT", BidPrice: d(bid), AskPrice: d(ask), ObservedAt: time.Now()}
}

func TestComputeUsesExecutablePrices(t *testing.T) {
	pair := testPair("0.05")
	s := Compute(pair, tob("bybit", "50000", "50010"), tob("binance", "49940", "49950"))

	assert.True(t, s.Leg1Price.Equal(d("50000")), "sell leg takes the bid")
	assert.True(t, s.Leg2Price.Equal(d("49950")), "buy leg takes the ask")
	assert.True(t, s.Spread.Equal(d("50")))
	assert.Equal(t, domain.SellLeg1BuyLeg2, s.Direction)
	assert.Equal(t, "0.1001", s.SpreadPct.StringFixed(4))
	assert.True(t, s.Triggers(pair.ThresholdPct))
}

func TestComputeLeg1Buys(t *testing.T) {
	pair := testPair("0")
	pair.Leg1.Side, pair.Leg2.Side = domain.SideBuy, domain.SideSell
	s := Compute(pair, tob("bybit", "99", "100"), tob("binance", "101", "102"))

	assert.True(t, s.Spread.Equal(d("1")), "leg2.bid - leg1.ask")
	assert.Equal(t, domain.BuyLeg1SellLeg2, s.Direction)
	assert.True(t, s.SpreadPct.Equal(d("1")))
}

func TestSpreadMonotonic(t *testing.T) {
	pair := testPair("0")
	prev := decimal.NewFromInt(-1000)
	for _, bid := range []string{"49900", "49950", "50000", "50100", "51000"} {
		s := Compute(pair, tob("bybit", bid, "60000"), tob("binance", "1", "50000"))
		assert.True(t, s.SpreadPct.GreaterThan(prev), "spread grows with the sell-side bid")
		prev = s.SpreadPct
	}
}

func TestThresholdIsStrict(t *testing.T) {
	pair := testPair("1")
	s := Compute(pair, tob("bybit", "101", "102"), tob("binance", "99", "100"))
	require.True(t, s.SpreadPct.Equal(d("1")))
	assert.False(t, s.Triggers(d("1")), "equal to threshold does not fire")
	assert.True(t, s.Triggers(d("0.999")))
}

func TestZeroPriceSafety(t *testing.T) {
	assert.True(t, SpreadPct(d("5"), decimal.Zero, d("100")).IsZero())
	assert.True(t, SpreadPct(d("5"), d("-1"), d("100")).IsZero())

	pair := testPair("-10")
	s := Compute(pair, tob("bybit", "0", "0"), tob("binance", "100", "100"))
	assert.False(t, s.Triggers(pair.ThresholdPct), "unpriced legs never fire")
}

type fakeBooks struct {
	mu      sync.Mutex
	books   map[string]domain.TopOfBook
	fetched int
	fetch   func(exchange string) (domain.TopOfBook, error)
}

func (f *fakeBooks) Cached(exchange, symbol string) (domain.TopOfBook, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.books[exchange]
	return b, ok
}

func (f *fakeBooks) Book(_ context.Context, exchange, symbol string, _ domain.InstrumentType) (domain.TopOfBook, error) {
	f.mu.Lock()
	f.fetched++
	f.mu.Unlock()
	if f.fetch == nil {
		return domain.TopOfBook{}, errors.New("down")
	}
	return f.fetch(exchange)
}

type fakePairs struct {
	mu       sync.Mutex
	pairs    map[string]domain.MonitoringPair
	triggers int
}

func (f *fakePairs) Active(context.Context) ([]domain.MonitoringPair, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.MonitoringPair
	for _, p := range f.pairs {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakePairs) Get(_ context.Context, id string) (domain.MonitoringPair, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pairs[id]
	if !ok {
		return p, domain.ErrNotFound
	}
	return p, nil
}

func (f *fakePairs) RecordTrigger(_ context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers++
	p := f.pairs[id]
	p.TotalTriggers++
	p.LastTriggeredAt = &at
	f.pairs[id] = p
	return nil
}

func (f *fakePairs) triggerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.triggers
}

type busySet map[string]bool

func (b busySet) Busy(id string) bool { return b[id] }

func newTestDetector(books Books, pairs Pairs, busy Busy, bus events.Publisher, fallback bool) *Detector {
	return NewDetector(DetectorConfig{
		Books:        books,
		Pairs:        pairs,
		Busy:         busy,
		Intervals:    fixedInterval(5 * time.Millisecond),
		Events:       bus,
		RESTFallback: fallback,
		Reconcile:    10 * time.Millisecond,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestEvaluateSkipsMissingLeg(t *testing.T) {
	books := &fakeBooks{books: map[string]domain.TopOfBook{"bybit": tob("bybit", "50000", "50010")}}
	det := newTestDetector(books, &fakePairs{}, nil, nil, false)

	_, _, ok := det.Evaluate(context.Background(), testPair("0.05"))
	assert.False(t, ok)
	assert.Zero(t, books.fetched, "no fallback unless enabled")
}

func TestEvaluateRESTFallback(t *testing.T) {
	books := &fakeBooks{
		books: map[string]domain.TopOfBook{"bybit": tob("bybit", "50000", "50010")},
		fetch: func(exchange string) (domain.TopOfBook, error) { return tob(exchange, "49940", "49950"), nil },
	}
	det := newTestDetector(books, &fakePairs{}, nil, nil, true)

	opp, _, ok := det.Evaluate(context.Background(), testPair("0.05"))
	require.True(t, ok)
	assert.Equal(t, 1, books.fetched)
	assert.NotEmpty(t, opp.ID)
	assert.Equal(t, "bybit_binance_btcusdt", opp.PairID)
}

func TestDetectorRunEmitsOpportunities(t *testing.T) {
	books := &fakeBooks{books: map[string]domain.TopOfBook{
		"bybit":   tob("bybit", "50000", "50010"),
		"binance": tob("binance", "49940", "49950"),
	}}
	pair := testPair("0.05")
	pairs := &fakePairs{pairs: map[string]domain.MonitoringPair{pair.ID: pair}}
	bus := events.NewBus()
	sub := bus.Subscribe(16, domain.EventOpportunity)
	det := newTestDetector(books, pairs, nil, bus, false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = det.Run(ctx)
		close(done)
	}()

	select {
	case opp := <-det.Opportunities():
		assert.Equal(t, pair.ID, opp.PairID)
		assert.Equal(t, "0.1001", opp.SpreadPct.StringFixed(4))
	case <-time.After(2 * time.Second):
		t.Fatal("no opportunity")
	}
	require.Eventually(t, func() bool { return len(sub.C) > 0 }, time.Second, 5*time.Millisecond)
	assert.Positive(t, pairs.triggerCount())
	require.NotEmpty(t, det.Status())

	cancel()
	<-done
	_, open := <-det.Opportunities()
	for open {
		_, open = <-det.Opportunities()
	}
	assert.Empty(t, det.Status())
}

func TestDetectorSkipsBusyAndExhaustedPairs(t *testing.T) {
	books := &fakeBooks{books: map[string]domain.TopOfBook{
		"bybit":   tob("bybit", "50000", "50010"),
		"binance": tob("binance", "49940", "49950"),
	}}
	busyPair := testPair("0.05")
	exhausted := testPair("0.05")
	exhausted.ID = "exhausted"
	exhausted.MaxExecs, exhausted.ExecutionCount = 2, 2
	pairs := &fakePairs{pairs: map[string]domain.MonitoringPair{busyPair.ID: busyPair, exhausted.ID: exhausted}}
	det := newTestDetector(books, pairs, busySet{busyPair.ID: true}, nil, false)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = det.Run(ctx)
	assert.Zero(t, pairs.triggerCount())
}
