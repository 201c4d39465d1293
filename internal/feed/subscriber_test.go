package feed

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/xarb/internal/domain"
	"github.com/alanyoungcy/xarb/internal/exchange"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeAdapter struct {
	exchange.Adapter
	name       string
	connectErr error
	connects   int
	subs       map[domain.InstrumentType][][]string
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Connect(context.Context) error {
	f.connects++
	return f.connectErr
}

func (f *fakeAdapter) SubscribeTicker(_ context.Context, symbols []string, it domain.InstrumentType) error {
	if f.subs == nil {
		f.subs = make(map[domain.InstrumentType][][]string)
	}
	f.subs[it] = append(f.subs[it], symbols)
	return nil
}

type fakeVenues []exchange.Adapter

func (v fakeVenues) All() []exchange.Adapter { return v }

type fakePairs []domain.MonitoringPair

func (p *fakePairs) Active(context.Context) ([]domain.MonitoringPair, error) { return *p, nil }

func pair(id, sym string, it2 domain.InstrumentType) domain.MonitoringPair {
	return domain.MonitoringPair{
		ID:   id,
		Leg1: domain.PairLeg{Exchange: domain.VenueBybit, Symbol: sym, InstrumentType: domain.InstrumentSpot, Side: domain.SideBuy},
		Leg2: domain.PairLeg{Exchange: domain.VenueBinance, Symbol: sym, InstrumentType: it2, Side: domain.SideSell},
	}
}

func TestReconcileSubscribesOnlyNewSymbols(t *testing.T) {
	bybit := &fakeAdapter{name: domain.VenueBybit}
	binance := &fakeAdapter{name: domain.VenueBinance}
	pairs := &fakePairs{
		pair("a", "BTCUSDT", domain.InstrumentSpot),
		pair("b", "ETHUSDT", domain.InstrumentLinear),
	}
	s := NewSubscriber(fakeVenues{bybit, binance}, pairs, 0, discard)

	s.Reconcile(context.Background())
	assert.Equal(t, 1, bybit.connects)
	assert.Equal(t, [][]string{{"BTCUSDT", "ETHUSDT"}}, bybit.subs[domain.InstrumentSpot])
	assert.Equal(t, [][]string{{"BTCUSDT"}}, binance.subs[domain.InstrumentSpot])
	assert.Equal(t, [][]string{{"ETHUSDT"}}, binance.subs[domain.InstrumentLinear])

	*pairs = append(*pairs, pair("c", "SOLUSDT", domain.InstrumentSpot))
	s.Reconcile(context.Background())
	assert.Equal(t, 1, bybit.connects, "connected venues are not reconnected")
	require.Len(t, bybit.subs[domain.InstrumentSpot], 2)
	assert.Equal(t, []string{"SOLUSDT"}, bybit.subs[domain.InstrumentSpot][1])
}

func TestReconcileRetriesFailedConnect(t *testing.T) {
	bybit := &fakeAdapter{name: domain.VenueBybit, connectErr: errors.New("dial refused")}
	pairs := &fakePairs{pair("a", "BTCUSDT", domain.InstrumentSpot)}
	s := NewSubscriber(fakeVenues{bybit}, pairs, 0, discard)

	s.Reconcile(context.Background())
	assert.Empty(t, bybit.subs)

	bybit.connectErr = nil
	s.Reconcile(context.Background())
	assert.Equal(t, 2, bybit.connects)
	assert.Equal(t, [][]string{{"BTCUSDT"}}, bybit.subs[domain.InstrumentSpot])
}
