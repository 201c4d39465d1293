package bybit

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/xarb/internal/domain"
	"github.com/alanyoungcy/xarb/internal/exchange"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeVenue struct {
	srv      *httptest.Server
	calls    atomic.Int32
	mu       sync.Mutex
	handlers map[string]http.HandlerFunc
	headers  http.Header
}

func newFakeVenue(t *testing.T) *fakeVenue {
	fv := &fakeVenue{handlers: make(map[string]http.HandlerFunc)}
	fv.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fv.calls.Add(1)
		fv.mu.Lock()
		h := fv.handlers[r.URL.Path]
		fv.headers = r.Header.Clone()
		fv.mu.Unlock()
		if h == nil {
			http.NotFound(w, r)
			return
		}
		h(w, r)
	}))
	t.Cleanup(fv.srv.Close)
	return fv
}

func (fv *fakeVenue) handle(path string, h http.HandlerFunc) {
	fv.mu.Lock()
	fv.handlers[path] = h
	fv.mu.Unlock()
}

func (fv *fakeVenue) lastHeaders() http.Header {
	fv.mu.Lock()
	defer fv.mu.Unlock()
	return fv.headers
}

func writeResult(w http.ResponseWriter, code int, msg string, result any) {
	b, _ := json.Marshal(result)
	_ = json.NewEncoder(w).Encode(envelope{RetCode: code, RetMsg: msg, Result: b})
}

func newTestAdapter(fv *fakeVenue, creds exchange.Credentials) *Adapter {
	return NewAdapter(exchange.Settings{
		Credentials:       creds,
		RESTURL:           fv.srv.URL,
		RequestsPerMinute: 600,
		AcquireTimeout:    time.Second,
	}, nil, testLogger())
}

var tradingCreds = exchange.Credentials{APIKey: "key", APISecret: "secret"}

func TestGetOrderBookFromTickers(t *testing.T) {
	fv := newFakeVenue(t)
	fv.handle("/v5/market/tickers", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "spot", r.URL.Query().Get("category"))
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		writeResult(w, 0, "OK", tickersResult{Category: "spot", List: []ticker{{
			Symbol: "BTCUSDT", Bid1Price: "64000.5", Bid1Size: "1.2", Ask1Price: "64001", Ask1Size: "0.8",
		}}})
	})
	a := newTestAdapter(fv, exchange.Credentials{})

	snap, err := a.GetOrderBook(context.Background(), "btcusdt", domain.InstrumentSpot)
	require.NoError(t, err)
	assert.Equal(t, domain.VenueBybit, snap.Exchange)
	assert.Equal(t, "BTCUSDT", snap.Symbol)
	assert.True(t, snap.BidPrice.Equal(decimal.RequireFromString("64000.5")))
	assert.True(t, snap.AskPrice.Equal(decimal.RequireFromString("64001")))
	assert.Equal(t, domain.SourceREST, snap.Source)
	assert.Empty(t, fv.lastHeaders().Get("X-BAPI-SIGN"), "public endpoints are unsigned")
}

func TestGetOrderBookFallsBackToOrderbook(t *testing.T) {
	fv := newFakeVenue(t)
	fv.handle("/v5/market/tickers", func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, 0, "OK", tickersResult{List: []ticker{{Symbol: "ETHUSDT"}}})
	})
	fv.handle("/v5/market/orderbook", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "linear", r.URL.Query().Get("category"))
		writeResult(w, 0, "OK", orderbookResult{
			Symbol: "ETHUSDT",
			Bids:   bookLevels{{"3000", "2"}},
			Asks:   bookLevels{{"3001", "3"}},
		})
	})
	a := newTestAdapter(fv, exchange.Credentials{})

	snap, err := a.GetOrderBook(context.Background(), "ETHUSDT", domain.InstrumentLinear)
	require.NoError(t, err)
	assert.True(t, snap.BidPrice.Equal(decimal.NewFromInt(3000)))
	assert.True(t, snap.AskQty.Equal(decimal.NewFromInt(3)))
}

func TestGetOrderBookRateLimitedLocally(t *testing.T) {
	fv := newFakeVenue(t)
	fv.handle("/v5/market/tickers", func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, 0, "OK", tickersResult{List: []ticker{{Symbol: "BTCUSDT", Bid1Price: "1", Ask1Price: "2"}}})
	})
	a := NewAdapter(exchange.Settings{RESTURL: fv.srv.URL, RequestsPerMinute: 1}, nil, testLogger())

	_, err := a.GetOrderBook(context.Background(), "BTCUSDT", domain.InstrumentSpot)
	require.NoError(t, err)
	_, err = a.GetOrderBook(context.Background(), "BTCUSDT", domain.InstrumentSpot)
	assert.Equal(t, domain.CodeRateLimited, domain.CodeOf(err))
	assert.EqualValues(t, 1, fv.calls.Load(), "rejected locally without a network call")
}

func TestPlaceOrderValidatesBeforeNetwork(t *testing.T) {
	fv := newFakeVenue(t)
	a := newTestAdapter(fv, tradingCreds)

	_, err := a.PlaceOrder(context.Background(), domain.OrderLeg{
		Exchange: domain.VenueBybit, Symbol: "BTCUSDT", Side: domain.SideBuy,
		OrderType: domain.OrderMarket, Qty: decimal.Zero,
	})
	assert.Equal(t, domain.CodeValidation, domain.CodeOf(err))
	assert.Zero(t, fv.calls.Load())
}

func TestPlaceOrderPublicOnly(t *testing.T) {
	fv := newFakeVenue(t)
	a := newTestAdapter(fv, exchange.Credentials{APIKey: "only-key"})

	_, err := a.PlaceOrder(context.Background(), domain.OrderLeg{
		Exchange: domain.VenueBybit, Symbol: "BTCUSDT", Side: domain.SideBuy,
		OrderType: domain.OrderMarket, Qty: decimal.NewFromFloat(0.01),
	})
	assert.Equal(t, domain.CodeConfig, domain.CodeOf(err))
	_, err = a.Balances(context.Background())
	assert.Equal(t, domain.CodeConfig, domain.CodeOf(err))
	assert.Zero(t, fv.calls.Load())
	assert.True(t, a.Status().PublicOnly)
}

func TestPlaceOrderFilled(t *testing.T) {
	fv := newFakeVenue(t)
	var linkID atomic.Value
	fv.handle("/v5/order/create", func(w http.ResponseWriter, r *http.Request) {
		var req createOrderRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Buy", req.Side)
		assert.Equal(t, "Market", req.OrderType)
		assert.Equal(t, "baseCoin", req.MarketUnit)
		assert.Equal(t, "0.01", req.Qty)
		assert.NotEmpty(t, r.Header.Get("X-BAPI-SIGN"))
		linkID.Store(req.OrderLinkID)
		writeResult(w, 0, "OK", createOrderResult{OrderID: "o-1", OrderLinkID: req.OrderLinkID})
	})
	fv.handle("/v5/order/realtime", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, linkID.Load(), r.URL.Query().Get("orderLinkId"))
		writeResult(w, 0, "OK", orderListResult{List: []orderInfo{{
			OrderID: "o-1", OrderStatus: "Filled", AvgPrice: "64001", CumExecQty: "0.01", CumExecFee: "0.00001",
		}}})
	})
	a := newTestAdapter(fv, tradingCreds)

	leg, err := a.PlaceOrder(context.Background(), domain.OrderLeg{
		Exchange: domain.VenueBybit, Symbol: "BTCUSDT", Side: domain.SideBuy,
		OrderType: domain.OrderMarket, Qty: decimal.RequireFromString("0.01"),
		ClientOrderID: "corr-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "corr-1", linkID.Load())
	assert.Equal(t, domain.LegFilled, leg.Status)
	assert.Equal(t, "o-1", leg.OrderID)
	assert.True(t, leg.AvgPrice.Equal(decimal.NewFromInt(64001)))
	// spot buys pay the fee in BTC
	assert.True(t, leg.Fee.Equal(decimal.RequireFromString("0.64001")), leg.Fee.String())
	assert.True(t, leg.OtherFee.IsZero())
	assert.NotNil(t, leg.FilledAt)
}

func TestFeeCurrency(t *testing.T) {
	cases := []struct {
		name string
		it   domain.InstrumentType
		side domain.Side
		info orderInfo
		want string
	}{
		{"spot buy", domain.InstrumentSpot, domain.SideBuy, orderInfo{}, "BTC"},
		{"spot sell", domain.InstrumentSpot, domain.SideSell, orderInfo{}, "USDT"},
		{"linear buy", domain.InstrumentLinear, domain.SideBuy, orderInfo{}, "USDT"},
		{"reported", domain.InstrumentSpot, domain.SideBuy, orderInfo{FeeCurrency: "MNT"}, "MNT"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			leg := domain.OrderLeg{Symbol: "BTCUSDT", InstrumentType: tc.it, Side: tc.side}
			assert.Equal(t, tc.want, feeCurrency(leg, tc.info))
		})
	}
}

func TestApplyOrderInfoKeepsForeignFeeAside(t *testing.T) {
	leg := domain.OrderLeg{Symbol: "BTCUSDT", InstrumentType: domain.InstrumentSpot, Side: domain.SideSell}
	applyOrderInfo(&leg, orderInfo{OrderStatus: "Filled", AvgPrice: "64000", CumExecQty: "0.01", CumExecFee: "0.2", FeeCurrency: "MNT"})

	assert.True(t, leg.Fee.IsZero())
	assert.True(t, leg.OtherFee.Equal(decimal.RequireFromString("0.2")))
	assert.Equal(t, "MNT", leg.OtherFeeAsset)
}

func TestPlaceOrderInsufficientFunds(t *testing.T) {
	fv := newFakeVenue(t)
	fv.handle("/v5/order/create", func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, retInsufficientSpot, "Insufficient balance.", struct{}{})
	})
	a := newTestAdapter(fv, tradingCreds)

	leg, err := a.PlaceOrder(context.Background(), domain.OrderLeg{
		Exchange: domain.VenueBybit, Symbol: "BTCUSDT", Side: domain.SideSell,
		OrderType: domain.OrderMarket, Qty: decimal.NewFromInt(5),
	})
	require.Error(t, err)
	assert.Equal(t, domain.CodeInsufficientFunds, domain.CodeOf(err))
	assert.Equal(t, domain.LegRejected, leg.Status)
	assert.NotEmpty(t, leg.ClientOrderID, "a correlation id is generated when absent")
}

func TestQueryOrderRejected(t *testing.T) {
	fv := newFakeVenue(t)
	fv.handle("/v5/order/realtime", func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, 0, "OK", orderListResult{List: []orderInfo{{
			OrderID: "o-2", OrderStatus: "Rejected", RejectReason: "EC_PostOnlyWillTakeLiquidity",
		}}})
	})
	a := newTestAdapter(fv, tradingCreds)

	leg, err := a.QueryOrder(context.Background(), domain.OrderLeg{Symbol: "BTCUSDT", ClientOrderID: "c"})
	require.NoError(t, err)
	assert.Equal(t, domain.LegRejected, leg.Status)
	assert.Equal(t, "EC_PostOnlyWillTakeLiquidity", leg.Error)
}

func TestBalances(t *testing.T) {
	fv := newFakeVenue(t)
	fv.handle("/v5/account/wallet-balance", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"retCode":0,"retMsg":"OK","result":{"list":[{"coin":[{"coin":"USDT","walletBalance":"100","locked":"25"}]}]}}`)
	})
	a := newTestAdapter(fv, tradingCreds)

	bals, err := a.Balances(context.Background())
	require.NoError(t, err)
	require.Len(t, bals, 1)
	assert.Equal(t, "USDT", bals[0].Asset)
	assert.True(t, bals[0].Free.Equal(decimal.NewFromInt(75)))
}

type sinkFunc func(domain.TopOfBook) bool

func (f sinkFunc) Put(s domain.TopOfBook) bool { return f(s) }

func TestBookProtocolSnapshotAndDelta(t *testing.T) {
	var got []domain.TopOfBook
	p := newBookProtocol(sinkFunc(func(s domain.TopOfBook) bool {
		got = append(got, s)
		return true
	}), testLogger())

	p.Handle([]byte(`{"topic":"orderbook.1.BTCUSDT","type":"snapshot","ts":1700000000000,"data":{"s":"BTCUSDT","b":[["100","1"]],"a":[["101","2"]]}}`))
	p.Handle([]byte(`{"topic":"orderbook.1.BTCUSDT","type":"delta","ts":1700000000100,"data":{"s":"BTCUSDT","b":[["100.5","3"]],"a":[]}}`))
	p.Handle([]byte(`{"op":"pong","success":true}`))

	require.Len(t, got, 2)
	assert.True(t, got[1].BidPrice.Equal(decimal.RequireFromString("100.5")))
	assert.True(t, got[1].AskPrice.Equal(decimal.NewFromInt(101)))
	assert.Equal(t, time.UnixMilli(1700000000100), got[1].ObservedAt)
	assert.Equal(t, domain.SourceWS, got[1].Source)
}

func TestSubscribeFramesBatched(t *testing.T) {
	p := newBookProtocol(nil, testLogger())
	topics := make([]string, 12)
	for i := range topics {
		topics[i] = topicFor("sym")
	}
	frames, err := p.SubscribeFrames(topics)
	require.NoError(t, err)
	assert.Len(t, frames, 2)
	assert.Equal(t, "orderbook.1.SYM", topicFor("sym"))
}
