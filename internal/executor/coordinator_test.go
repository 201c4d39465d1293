package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/xarb/internal/domain"
	"github.com/alanyoungcy/xarb/internal/events"
	"github.com/alanyoungcy/xarb/internal/exchange"
	"github.com/alanyoungcy/xarb/internal/risk"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeAdapter fills or fails orders according to place.
type fakeAdapter struct {
	exchange.Adapter
	name       string
	publicOnly bool
	place      func(ctx context.Context, leg domain.OrderLeg) (domain.OrderLeg, error)
	calls      atomic.Int32
	queries    atomic.Int32
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Status() domain.VenueConnection {
	return domain.VenueConnection{Exchange: f.name, PublicOnly: f.publicOnly, Connected: true}
}

func (f *fakeAdapter) PlaceOrder(ctx context.Context, leg domain.OrderLeg) (domain.OrderLeg, error) {
	f.calls.Add(1)
	return f.place(ctx, leg)
}

func (f *fakeAdapter) QueryOrder(_ context.Context, leg domain.OrderLeg) (domain.OrderLeg, error) {
	f.queries.Add(1)
	leg.Status = domain.LegFilled
	return leg, nil
}

func fill(price, fee string) func(context.Context, domain.OrderLeg) (domain.OrderLeg, error) {
	return func(_ context.Context, leg domain.OrderLeg) (domain.OrderLeg, error) {
		leg.Status = domain.LegFilled
		leg.OrderID = "o-" + leg.ClientOrderID
		leg.FilledQty = leg.Qty
		leg.AvgPrice = d(price)
		leg.Fee = d(fee)
		return leg, nil
	}
}

func reject(err error) func(context.Context, domain.OrderLeg) (domain.OrderLeg, error) {
	return func(_ context.Context, leg domain.OrderLeg) (domain.OrderLeg, error) {
		leg.Status = domain.LegRejected
		return leg, err
	}
}

type venues map[string]exchange.Adapter

func (v venues) Get(name string) (exchange.Adapter, error) {
	a, ok := v[name]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return a, nil
}

type books map[string]domain.TopOfBook

func (b books) Book(_ context.Context, ex, _ string, _ domain.InstrumentType) (domain.TopOfBook, error) {
	snap, ok := b[ex]
	if !ok {
		return snap, domain.ErrNotFound
	}
	return snap, nil
}

type pairs struct {
	mu    sync.Mutex
	pair  domain.MonitoringPair
	execs int
}

func (p *pairs) Get(_ context.Context, id string) (domain.MonitoringPair, error) {
	if id != p.pair.ID {
		return domain.MonitoringPair{}, domain.ErrNotFound
	}
	return p.pair, nil
}

func (p *pairs) RecordExecution(_ context.Context, _ string) (domain.MonitoringPair, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.execs++
	return p.pair, nil
}

type alerts struct {
	mu  sync.Mutex
	got []domain.Alert
}

func (a *alerts) Raise(_ context.Context, al domain.Alert) {
	a.mu.Lock()
	a.got = append(a.got, al)
	a.mu.Unlock()
}

type tradeLog struct {
	domain.TradeStore
	mu     sync.Mutex
	trades []domain.TradeRecord
}

func (t *tradeLog) Save(_ context.Context, tr domain.TradeRecord) error {
	t.mu.Lock()
	t.trades = append(t.trades, tr)
	t.mu.Unlock()
	return nil
}

type harness struct {
	bybit, binance *fakeAdapter
	pairs          *pairs
	alerts         *alerts
	trades         *tradeLog
	risk           *risk.Manager
	bus            *events.Bus
	coord          *Coordinator
	now            time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		bybit:   &fakeAdapter{name: "bybit", place: fill("50000", "0.5")},
		binance: &fakeAdapter{name: "binance", place: fill("49950", "0.5")},
		pairs: &pairs{pair: domain.MonitoringPair{
			ID:            "bybit_binance_btcusdt",
			Leg1:          domain.PairLeg{Exchange: "bybit", Symbol: "BTCUSDT", InstrumentType: domain.InstrumentSpot, Side: domain.SideSell},
			Leg2:          domain.PairLeg{Exchange: "binance", Symbol: "BTCUSDT", InstrumentType: domain.InstrumentSpot, Side: domain.SideBuy},
			Qty:           d("0.01"),
			ThresholdPct:  d("0.05"),
			Enabled:       true,
			ExecutionMode: domain.ModeThreshold,
		}},
		alerts: &alerts{},
		trades: &tradeLog{},
		bus:    events.NewBus(),
		now:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.risk = risk.NewManager(risk.Config{
		MaxPositionSize: d("10000"),
		MaxDeviationPct: d("0.5"),
		MaxDailyLoss:    d("100"),
		Now:             func() time.Time { return h.now },
	}, nil, discard)
	h.coord = NewCoordinator(Config{
		LegTimeout:     200 * time.Millisecond,
		ReconcileDelay: time.Millisecond,
	}, Deps{
		Venues: venues{"bybit": h.bybit, "binance": h.binance},
		Books: books{
			"bybit":   {Exchange: "bybit", Symbol: "BTCUSDT", BidPrice: d("50001"), AskPrice: d("50010")},
			"binance": {Exchange: "binance", Symbol: "BTCUSDT", BidPrice: d("49940"), AskPrice: d("49951")},
		},
		Risk:   h.risk,
		Pairs:  h.pairs,
		Trades: h.trades,
		Alerts: h.alerts,
		Events: h.bus,
		Logger: discard,
		Now:    func() time.Time { return h.now },
	})
	return h
}

func (h *harness) opportunity() domain.Opportunity {
	return domain.Opportunity{
		ID:         "opp-1",
		PairID:     h.pairs.pair.ID,
		Leg1Price:  d("50000"),
		Leg2Price:  d("49950"),
		Direction:  domain.SellLeg1BuyLeg2,
		DetectedAt: h.now,
	}
}

func TestExecuteDualLegCompleted(t *testing.T) {
	h := newHarness(t)
	sub := h.bus.Subscribe(16, domain.EventOrderSubmitted, domain.EventOrderFilled, domain.EventOrderFailed)

	trade, err := h.coord.ExecuteDualLeg(context.Background(), h.opportunity())
	require.NoError(t, err)

	assert.Equal(t, domain.TradeCompleted, trade.Status)
	assert.Equal(t, "opp-1", trade.OpportunityID)
	assert.NotEqual(t, trade.Leg1.ClientOrderID, trade.Leg2.ClientOrderID)
	assert.True(t, trade.ExpectedProfit.Equal(d("0.5")), trade.ExpectedProfit.String())
	assert.True(t, trade.ActualProfit.Equal(d("0.5")))
	assert.True(t, trade.Fees.Equal(d("1")))
	assert.True(t, trade.NetProfit.Equal(d("-0.5")))
	assert.EqualValues(t, 1, h.bybit.calls.Load())
	assert.EqualValues(t, 1, h.binance.calls.Load())

	require.Len(t, h.trades.trades, 1)
	assert.Equal(t, 1, h.pairs.execs)
	assert.True(t, h.risk.DailyLoss().Equal(d("0.5")))
	assert.False(t, h.risk.Busy(h.pairs.pair.ID), "released after resolution")
	assert.Empty(t, h.alerts.got)
	assert.Len(t, sub.C, 4, "two submitted, two filled")
}

func TestExecuteDualLegPartialRaisesOneAlert(t *testing.T) {
	h := newHarness(t)
	h.binance.place = reject(domain.NewVenueError("binance", "place order", domain.VenueRejected,
		errors.Join(domain.ErrInsufficientFunds, errors.New("Account has insufficient balance"))))

	trade, err := h.coord.ExecuteDualLeg(context.Background(), h.opportunity())
	require.NoError(t, err)

	assert.Equal(t, domain.TradePartial, trade.Status)
	assert.Equal(t, domain.CodeInsufficientFunds, trade.ErrorCode)
	assert.Equal(t, domain.LegRejected, trade.Leg2.Status)
	assert.True(t, trade.ActualProfit.IsZero())
	assert.True(t, trade.Fees.Equal(d("0.5")))
	assert.EqualValues(t, 1, h.bybit.calls.Load(), "filled leg is never retried")
	assert.EqualValues(t, 1, h.binance.calls.Load(), "failed leg is never retried")

	require.Len(t, h.alerts.got, 1)
	al := h.alerts.got[0]
	assert.Equal(t, "partial_fill", al.Rule)
	assert.Equal(t, domain.SeverityCritical, al.Severity)
	assert.Equal(t, trade.TradeID, al.TradeID)
}

func TestExecuteDualLegBothFail(t *testing.T) {
	h := newHarness(t)
	h.bybit.place = reject(domain.NewVenueError("bybit", "place order", domain.VenueRejected, errors.New("bad")))
	h.binance.place = reject(domain.NewVenueError("binance", "place order", domain.VenueRejected, errors.New("bad")))

	trade, err := h.coord.ExecuteDualLeg(context.Background(), h.opportunity())
	require.NoError(t, err)
	assert.Equal(t, domain.TradeFailed, trade.Status)
	assert.Equal(t, domain.CodeUpstream, trade.ErrorCode)
	assert.Empty(t, h.alerts.got)
	assert.Zero(t, h.pairs.execs)
}

func TestRiskRejectionSendsNothing(t *testing.T) {
	h := newHarness(t)
	h.pairs.pair.Qty = d("1")

	trade, err := h.coord.ExecuteDualLeg(context.Background(), h.opportunity())
	require.Error(t, err)
	var rr *domain.RiskRejection
	require.ErrorAs(t, err, &rr)
	assert.Equal(t, risk.CheckPositionSize, rr.Check)
	assert.Equal(t, domain.TradeFailed, trade.Status)
	assert.Equal(t, domain.CodeRiskRejected, trade.ErrorCode)
	assert.Zero(t, h.bybit.calls.Load())
	assert.Zero(t, h.binance.calls.Load())
	require.Len(t, h.trades.trades, 1, "rejections are recorded")
}

func TestStaleOpportunityIsRepriced(t *testing.T) {
	h := newHarness(t)
	opp := h.opportunity()
	opp.DetectedAt = h.now.Add(-time.Second)

	trade, err := h.coord.ExecuteDualLeg(context.Background(), opp)
	require.NoError(t, err)
	// bybit bid 50001, binance ask 49951.
	assert.True(t, trade.ExpectedProfit.Equal(d("0.5")))
	assert.Equal(t, domain.TradeCompleted, trade.Status)

	opp.ID = "opp-2"
	h.coord.deps.Books = books{"bybit": {Exchange: "bybit", BidPrice: d("50001"), AskPrice: d("50010")}}
	trade, err = h.coord.ExecuteDualLeg(context.Background(), opp)
	require.Error(t, err)
	assert.Equal(t, domain.CodeExchangeUnavailable, trade.ErrorCode)
	assert.EqualValues(t, 1, h.bybit.calls.Load())
}

func TestStaleOpportunityBelowThreshold(t *testing.T) {
	h := newHarness(t)
	opp := h.opportunity()
	opp.DetectedAt = h.now.Add(-time.Second)
	// Both books moved inside the deviation bound but the spread closed:
	// bybit bid 49900 against binance ask 49951 is negative.
	h.coord.deps.Books = books{
		"bybit":   {Exchange: "bybit", BidPrice: d("49900"), AskPrice: d("49910")},
		"binance": {Exchange: "binance", BidPrice: d("49940"), AskPrice: d("49951")},
	}

	trade, err := h.coord.ExecuteDualLeg(context.Background(), opp)
	var rr *domain.RiskRejection
	require.ErrorAs(t, err, &rr)
	assert.Equal(t, CheckStaleSpread, rr.Check)
	assert.Equal(t, domain.TradeFailed, trade.Status)
	assert.Equal(t, domain.CodeRiskRejected, trade.ErrorCode)
	assert.Zero(t, h.bybit.calls.Load())
	assert.Zero(t, h.binance.calls.Load())

	// Positive but under the 0.05% threshold: 50001 - 49977 = 24 (~0.048%).
	opp.ID = "opp-2"
	h.coord.deps.Books = books{
		"bybit":   {Exchange: "bybit", BidPrice: d("50001"), AskPrice: d("50010")},
		"binance": {Exchange: "binance", BidPrice: d("49970"), AskPrice: d("49977")},
	}
	_, err = h.coord.ExecuteDualLeg(context.Background(), opp)
	require.ErrorAs(t, err, &rr)
	assert.Equal(t, CheckStaleSpread, rr.Check)
	assert.Zero(t, h.bybit.calls.Load())
}

func TestStaleOpportunityDeviation(t *testing.T) {
	h := newHarness(t)
	opp := h.opportunity()
	opp.DetectedAt = h.now.Add(-time.Second)
	// The spread widened, but bybit moved 2% from the detected price.
	h.coord.deps.Books = books{
		"bybit":   {Exchange: "bybit", BidPrice: d("51000"), AskPrice: d("51010")},
		"binance": {Exchange: "binance", BidPrice: d("49940"), AskPrice: d("49951")},
	}

	_, err := h.coord.ExecuteDualLeg(context.Background(), opp)
	var rr *domain.RiskRejection
	require.ErrorAs(t, err, &rr)
	assert.Equal(t, risk.CheckPriceDeviation, rr.Check)
	assert.Zero(t, h.bybit.calls.Load())
}

func TestDuplicateOpportunity(t *testing.T) {
	h := newHarness(t)
	_, err := h.coord.ExecuteDualLeg(context.Background(), h.opportunity())
	require.NoError(t, err)

	_, err = h.coord.ExecuteDualLeg(context.Background(), h.opportunity())
	require.ErrorIs(t, err, domain.ErrDuplicate)
	assert.Equal(t, domain.CodeConflict, domain.CodeOf(err))
	assert.EqualValues(t, 1, h.bybit.calls.Load())
}

func TestPublicOnlyVenueFailsFast(t *testing.T) {
	h := newHarness(t)
	h.binance.publicOnly = true

	_, err := h.coord.ExecuteDualLeg(context.Background(), h.opportunity())
	require.Error(t, err)
	assert.Equal(t, domain.CodeConfig, domain.CodeOf(err))
	assert.Zero(t, h.bybit.calls.Load())
}

func TestLegTimeoutSchedulesReconcile(t *testing.T) {
	h := newHarness(t)
	h.binance.place = func(ctx context.Context, leg domain.OrderLeg) (domain.OrderLeg, error) {
		<-ctx.Done()
		leg.Status = domain.LegSubmitted
		return leg, domain.NewVenueError("binance", "place order", domain.VenueTimeout, ctx.Err())
	}

	trade, err := h.coord.ExecuteDualLeg(context.Background(), h.opportunity())
	require.NoError(t, err)
	assert.Equal(t, domain.TradePartial, trade.Status)
	assert.Equal(t, domain.LegFailed, trade.Leg2.Status)

	h.coord.Wait()
	assert.EqualValues(t, 1, h.binance.queries.Load())
	assert.EqualValues(t, 1, h.binance.calls.Load(), "timed out leg is reconciled, not resubmitted")
}

func TestManualExecute(t *testing.T) {
	h := newHarness(t)
	trade, err := h.coord.Execute(context.Background(), h.pairs.pair.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SourceManual, trade.Source)
	assert.Equal(t, domain.TradeCompleted, trade.Status)

	_, err = h.coord.Execute(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDedup(t *testing.T) {
	dd := NewDedup(time.Minute)
	now := time.Now()
	dd.now = func() time.Time { return now }

	assert.True(t, dd.Consume("a"))
	assert.False(t, dd.Consume("a"))
	assert.True(t, dd.Consume("b"))

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 2, dd.Cleanup())
	assert.Zero(t, dd.Len())
	assert.True(t, dd.Consume("a"))
}
