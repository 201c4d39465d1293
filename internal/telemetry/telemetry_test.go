package telemetry

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

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func book(mid float64) domain.TopOfBook {
	p := decimal.NewFromFloat(mid)
	return domain.TopOfBook{Exchange: "bybit", Symbol: "BTCUSDT", BidPrice: p, AskPrice: p}
}

func TestPollIntervalFollowsVolatility(t *testing.T) {
	m := NewPerformanceMonitor(MonitorConfig{LowVolatility: 0.001, HighVolatility: 0.011})

	assert.Equal(t, time.Second, m.PollInterval(), "no data means calm")

	for range 20 {
		m.ObservePrice(book(100))
		m.ObservePrice(book(100.001))
	}
	assert.Equal(t, time.Second, m.PollInterval(), "tiny moves keep the slow interval")

	hot := NewPerformanceMonitor(MonitorConfig{LowVolatility: 0.001, HighVolatility: 0.011})
	for range 20 {
		hot.ObservePrice(book(100))
		hot.ObservePrice(book(105))
	}
	assert.Equal(t, 500*time.Millisecond, hot.PollInterval())

	assert.InDelta(t, float64(750*time.Millisecond), float64(m.intervalFor(0.006)), float64(time.Millisecond), "linear in between")
}

func TestVenueStats(t *testing.T) {
	m := NewPerformanceMonitor(MonitorConfig{Window: 4})
	m.ObserveCall("bybit", "tickers", 100*time.Millisecond, nil)
	m.ObserveCall("bybit", "tickers", 300*time.Millisecond, nil)
	m.ObserveCall("bybit", "order", 200*time.Millisecond, errors.New("timeout"))
	m.ObserveCall("bybit", "order", 200*time.Millisecond, nil)

	st := m.Venue("bybit")
	assert.EqualValues(t, 4, st.Calls)
	assert.EqualValues(t, 1, st.Failures)
	assert.InDelta(t, 200, st.AvgLatencyMs, 0.001)
	assert.InDelta(t, 0.75, st.SuccessRate, 0.001)
	assert.Equal(t, "timeout", st.LastError)

	// Window rolls: four successes push the failure out.
	for range 4 {
		m.ObserveCall("bybit", "tickers", 10*time.Millisecond, nil)
	}
	assert.InDelta(t, 1, m.Venue("bybit").SuccessRate, 0.001)
	assert.Equal(t, float64(1), m.Venue("unknown").SuccessRate)
}

func TestRejectionWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	m := NewPerformanceMonitor(MonitorConfig{RejectionWindow: time.Minute, Now: func() time.Time { return now }})
	m.ObserveRejection("p", &domain.RiskRejection{Check: "position_size"})
	m.ObserveRejection("p", &domain.RiskRejection{Check: "position_size"})
	assert.Equal(t, 2, m.RecentRejections())
	now = now.Add(2 * time.Minute)
	assert.Zero(t, m.RecentRejections())
}

type venueList []domain.VenueConnection

func (v venueList) Statuses() []domain.VenueConnection { return v }

type delivered struct {
	mu  sync.Mutex
	got []domain.Alert
}

func (d *delivered) Deliver(_ context.Context, a domain.Alert) error {
	d.mu.Lock()
	d.got = append(d.got, a)
	d.mu.Unlock()
	return nil
}

func TestAlertRulesAndCooldown(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	mon := NewPerformanceMonitor(MonitorConfig{Now: clock})
	for range 10 {
		mon.ObserveCall("binance", "depth", 1500*time.Millisecond, errors.New("503"))
	}
	bus := events.NewBus()
	sub := bus.Subscribe(16, domain.EventEngineAlert)
	out := &delivered{}
	svc := NewAlertService(AlertConfig{
		Rules:    DefaultRules(Thresholds{}),
		Cooldown: time.Minute,
		Monitor:  mon,
		Venues:   venueList{{Exchange: "bybit", State: domain.ConnReconnecting}, {Exchange: "binance", State: domain.ConnConnected}},
		Events:   bus,
		Delivery: out,
		Logger:   discard,
		Now:      clock,
	})

	raised := svc.Evaluate(context.Background())
	rules := map[string]string{}
	for _, a := range raised {
		rules[a.Rule] = a.Exchange
	}
	assert.Equal(t, map[string]string{
		RuleAvgLatency:        "binance",
		RuleSuccessRate:       "binance",
		RuleVenueDisconnected: "bybit",
	}, rules)
	assert.Len(t, out.got, 3)
	assert.Len(t, sub.C, 3)

	assert.Empty(t, svc.Evaluate(context.Background()), "cooldown suppresses repeats")

	now = now.Add(2 * time.Minute)
	assert.Len(t, svc.Evaluate(context.Background()), 3)
	assert.Len(t, svc.Recent(), 6)
}

func TestRaiseCooldownIsPerSubject(t *testing.T) {
	svc := NewAlertService(AlertConfig{Cooldown: time.Hour, Logger: discard})
	ctx := context.Background()
	svc.Raise(ctx, domain.Alert{Rule: RulePartialFill, TradeID: "t1"})
	svc.Raise(ctx, domain.Alert{Rule: RulePartialFill, TradeID: "t1"})
	svc.Raise(ctx, domain.Alert{Rule: RulePartialFill, TradeID: "t2"})

	recent := svc.Recent()
	require.Len(t, recent, 2)
	assert.Equal(t, "t2", recent[0].TradeID)
}

type disabler struct {
	ids []string
}

func (d *disabler) Disable(_ context.Context, id, _ string) (domain.MonitoringPair, error) {
	d.ids = append(d.ids, id)
	return domain.MonitoringPair{ID: id}, nil
}

type raiser struct{ got []domain.Alert }

func (r *raiser) Raise(_ context.Context, a domain.Alert) { r.got = append(r.got, a) }

func trade(status domain.TradeStatus) domain.TradeRecord {
	return domain.TradeRecord{
		TradeID: "t", PairID: "p", Status: status,
		Leg1: domain.OrderLeg{ClientOrderID: "c1"},
	}
}

func TestCircuitBreaker(t *testing.T) {
	pairs := &disabler{}
	alerts := &raiser{}
	b := NewCircuitBreaker(3, pairs, alerts, discard)
	ctx := context.Background()

	b.ObserveTrade(ctx, trade(domain.TradeFailed))
	b.ObserveTrade(ctx, trade(domain.TradePartial))
	b.ObserveTrade(ctx, trade(domain.TradeCompleted))
	b.ObserveTrade(ctx, trade(domain.TradeFailed))
	b.ObserveTrade(ctx, trade(domain.TradeFailed))
	assert.False(t, b.Open("p"), "completed trade resets the streak")

	rejected := domain.TradeRecord{PairID: "p", Status: domain.TradeFailed}
	b.ObserveTrade(ctx, rejected)
	assert.False(t, b.Open("p"), "unsubmitted trades are ignored")

	b.ObserveTrade(ctx, trade(domain.TradePartial))
	assert.True(t, b.Open("p"))
	assert.Equal(t, []string{"p"}, pairs.ids)
	require.Len(t, alerts.got, 1)
	assert.Equal(t, RuleCircuitOpen, alerts.got[0].Rule)

	b.ObserveTrade(ctx, trade(domain.TradeFailed))
	assert.Len(t, pairs.ids, 1, "trips once until reset")

	b.Reset("p")
	assert.False(t, b.Open("p"))
}

func TestCircuitBreakerAlertsEveryTrip(t *testing.T) {
	out := &delivered{}
	alerts := NewAlertService(AlertConfig{Cooldown: 5 * time.Minute, Delivery: out, Logger: discard})
	b := NewCircuitBreaker(1, &disabler{}, alerts, discard)
	ctx := context.Background()

	first := trade(domain.TradeFailed)
	first.TradeID = "t1"
	b.ObserveTrade(ctx, first)
	b.Reset("p")
	second := trade(domain.TradeFailed)
	second.TradeID = "t2"
	b.ObserveTrade(ctx, second)

	require.Len(t, out.got, 2)
	assert.Equal(t, RuleCircuitOpen, out.got[1].Rule)
	assert.Equal(t, "p", out.got[1].PairID)
	assert.Equal(t, "t2", out.got[1].TradeID)
}
