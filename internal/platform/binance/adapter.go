package binance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/xarb/internal/crypto"
	"github.com/alanyoungcy/xarb/internal/domain"
	"github.com/alanyoungcy/xarb/internal/exchange"
)

// Adapter is the Binance spot implementation of exchange.Adapter.
type Adapter struct {
	settings exchange.Settings
	client   *Client
	bucket   *exchange.TokenBucket
	tracker  *exchange.ConnTracker
	stream   *exchange.Stream
	logger   *slog.Logger
	public   bool
}

var _ exchange.Adapter = (*Adapter)(nil)

// New builds a Binance adapter. It matches exchange.Factory.
func New(s exchange.Settings, sink exchange.BookSink, logger *slog.Logger) (exchange.Adapter, error) {
	return NewAdapter(s, sink, logger), nil
}

// NewAdapter builds a Binance adapter with its concrete type.
func NewAdapter(s exchange.Settings, sink exchange.BookSink, logger *slog.Logger) *Adapter {
	if s.WSURL == "" {
		s.WSURL = DefaultWSURL
	}
	logger = logger.With(slog.String("component", "binance"))
	public := s.Credentials.Public()
	var auth *crypto.HMACAuth
	if !public {
		auth = &crypto.HMACAuth{Key: s.Credentials.APIKey, Secret: s.Credentials.APISecret}
	} else {
		logger.Warn("no API credentials configured; running public-only")
	}
	tracker := exchange.NewConnTracker(domain.VenueBinance, public, s.RequestsPerMinute)
	stream := exchange.NewStream(exchange.StreamConfig{
		Venue:       domain.VenueBinance,
		URL:         s.WSURL,
		Backoff:     s.Backoff,
		Heartbeat:   s.Heartbeat,
		PongTimeout: s.PongTimeout,
	}, newBookProtocol(sink, logger), tracker, logger)

	return &Adapter{
		settings: s,
		client:   NewClient(s.RESTURL, auth, s.RecvWindow, s.RequestTimeout),
		bucket:   exchange.NewTokenBucket(domain.VenueBinance, s.RequestsPerMinute, s.AcquireTimeout),
		tracker:  tracker,
		stream:   stream,
		logger:   logger,
		public:   public,
	}
}

func (a *Adapter) Name() string { return domain.VenueBinance }

// Connect opens the market stream. It is idempotent.
func (a *Adapter) Connect(ctx context.Context) error {
	return a.stream.Connect(ctx)
}

func spotOnly(it domain.InstrumentType) error {
	if it != "" && it != domain.InstrumentSpot {
		return domain.NewValidationError("instrumentType", "binance supports spot only")
	}
	return nil
}

// SubscribeTicker subscribes to bookTicker streams for symbols.
func (a *Adapter) SubscribeTicker(ctx context.Context, symbols []string, it domain.InstrumentType) error {
	if err := spotOnly(it); err != nil {
		return err
	}
	topics := make([]string, 0, len(symbols))
	for _, s := range symbols {
		topics = append(topics, topicFor(s))
	}
	return a.stream.Subscribe(topics)
}

// GetOrderBook fetches the best levels over REST.
func (a *Adapter) GetOrderBook(ctx context.Context, symbol string, it domain.InstrumentType) (snap domain.TopOfBook, err error) {
	if symbol == "" {
		return snap, domain.NewValidationError("symbol", "is required")
	}
	if err := spotOnly(it); err != nil {
		return snap, err
	}
	if err := a.bucket.Acquire(ctx, "get orderbook"); err != nil {
		return snap, err
	}
	start := time.Now()
	defer func() { exchange.ObserveSince(a.settings.Observer, domain.VenueBinance, "get_orderbook", start, err) }()

	symbol = strings.ToUpper(symbol)
	d, err := a.client.Depth(ctx, symbol, 5)
	if err != nil {
		return snap, err
	}
	if len(d.Bids) == 0 && len(d.Asks) == 0 {
		return snap, domain.NewVenueError(domain.VenueBinance, "get orderbook", domain.VenueRejected,
			fmt.Errorf("empty book for %s: %w", symbol, domain.ErrNotFound))
	}
	snap = domain.TopOfBook{
		Exchange:   domain.VenueBinance,
		Symbol:     symbol,
		ObservedAt: time.Now(),
		Source:     domain.SourceREST,
	}
	if len(d.Bids) > 0 {
		snap.BidPrice, snap.BidQty = num(d.Bids[0][0]), num(d.Bids[0][1])
	}
	if len(d.Asks) > 0 {
		snap.AskPrice, snap.AskQty = num(d.Asks[0][0]), num(d.Asks[0][1])
	}
	return snap, nil
}

// PlaceOrder submits leg. Market orders come back filled in the FULL
// response, so no polling is needed.
func (a *Adapter) PlaceOrder(ctx context.Context, leg domain.OrderLeg) (out domain.OrderLeg, err error) {
	if err := leg.Validate(); err != nil {
		return leg, err
	}
	if err := spotOnly(leg.InstrumentType); err != nil {
		return leg, err
	}
	if a.public {
		return leg, exchange.PublicOnlyError(domain.VenueBinance, "place order")
	}
	if leg.ClientOrderID == "" {
		leg.ClientOrderID = uuid.NewString()
	}
	if err := a.bucket.Acquire(ctx, "place order"); err != nil {
		leg.Status, leg.Error = domain.LegFailed, err.Error()
		return leg, err
	}
	start := time.Now()
	defer func() { exchange.ObserveSince(a.settings.Observer, domain.VenueBinance, "place_order", start, err) }()

	q := url.Values{
		"symbol":           {strings.ToUpper(leg.Symbol)},
		"side":             {strings.ToUpper(string(leg.Side))},
		"quantity":         {leg.Qty.String()},
		"newClientOrderId": {leg.ClientOrderID},
	}
	if leg.OrderType == domain.OrderLimit {
		q.Set("type", "LIMIT")
		q.Set("timeInForce", "GTC")
		q.Set("price", leg.Price.String())
	} else {
		q.Set("type", "MARKET")
	}

	submitted := time.Now()
	leg.SubmittedAt = &submitted
	res, err := a.client.NewOrder(ctx, q)
	if err != nil {
		var ve *domain.VenueError
		if errors.As(err, &ve) && ve.Kind == domain.VenueRejected {
			leg.Status = domain.LegRejected
		} else {
			leg.Status = domain.LegFailed
		}
		leg.Error = err.Error()
		return leg, err
	}
	applyOrder(&leg, res)
	if leg.Status == domain.LegRejected {
		return leg, domain.NewVenueError(domain.VenueBinance, "place order", domain.VenueRejected, errors.New(leg.Error))
	}
	return leg, nil
}

func applyOrder(leg *domain.OrderLeg, res orderResponse) {
	if res.OrderID != 0 {
		leg.OrderID = strconv.FormatInt(res.OrderID, 10)
	}
	leg.FilledQty = num(res.ExecutedQty)
	if len(res.Fills) > 0 {
		var notional, qty decimal.Decimal
		fees := exchange.NewFees(leg.Symbol)
		for _, f := range res.Fills {
			q, px := num(f.Qty), num(f.Price)
			notional = notional.Add(px.Mul(q))
			qty = qty.Add(q)
			fees.Add(f.CommissionAsset, num(f.Commission), px)
		}
		if qty.IsPositive() {
			leg.AvgPrice = notional.Div(qty)
		}
		fees.Apply(leg)
	} else if leg.FilledQty.IsPositive() {
		leg.AvgPrice = num(res.CummulativeQuoteQty).Div(leg.FilledQty)
	}

	switch res.Status {
	case "FILLED":
		leg.Status = domain.LegFilled
	case "CANCELED", "EXPIRED", "EXPIRED_IN_MATCH":
		if leg.FilledQty.IsPositive() {
			leg.Status = domain.LegFilled
		} else {
			leg.Status = domain.LegRejected
			leg.Error = res.Status
		}
	case "REJECTED":
		leg.Status = domain.LegRejected
		leg.Error = res.Status
	default:
		leg.Status = domain.LegSubmitted
	}
	if leg.Status == domain.LegFilled {
		now := time.Now()
		leg.FilledAt = &now
	}
}

// QueryOrder refreshes leg by its client order id.
func (a *Adapter) QueryOrder(ctx context.Context, leg domain.OrderLeg) (domain.OrderLeg, error) {
	if a.public {
		return leg, exchange.PublicOnlyError(domain.VenueBinance, "query order")
	}
	if leg.ClientOrderID == "" {
		return leg, domain.NewValidationError("clientOrderId", "is required")
	}
	if err := a.bucket.Acquire(ctx, "query order"); err != nil {
		return leg, err
	}
	res, err := a.client.QueryOrder(ctx, strings.ToUpper(leg.Symbol), leg.ClientOrderID)
	if err != nil {
		return leg, err
	}
	applyOrder(&leg, res)
	return leg, nil
}

// CancelOrder cancels an open order.
func (a *Adapter) CancelOrder(ctx context.Context, orderID, symbol string, it domain.InstrumentType) error {
	if a.public {
		return exchange.PublicOnlyError(domain.VenueBinance, "cancel order")
	}
	if err := spotOnly(it); err != nil {
		return err
	}
	if orderID == "" || symbol == "" {
		return domain.NewValidationError("orderId", "order id and symbol are required")
	}
	if err := a.bucket.Acquire(ctx, "cancel order"); err != nil {
		return err
	}
	return a.client.CancelOrder(ctx, strings.ToUpper(symbol), orderID)
}

// Balances returns non-zero spot balances.
func (a *Adapter) Balances(ctx context.Context) ([]domain.Balance, error) {
	if a.public {
		return nil, exchange.PublicOnlyError(domain.VenueBinance, "balances")
	}
	if err := a.bucket.Acquire(ctx, "balances"); err != nil {
		return nil, err
	}
	res, err := a.client.Account(ctx)
	if err != nil {
		return nil, err
	}
	var out []domain.Balance
	for _, b := range res.Balances {
		free, locked := num(b.Free), num(b.Locked)
		if free.IsZero() && locked.IsZero() {
			continue
		}
		out = append(out, domain.Balance{Asset: b.Asset, Free: free, Locked: locked})
	}
	return out, nil
}

func (a *Adapter) Status() domain.VenueConnection {
	st := a.tracker.Snapshot()
	st.RateBudget = a.bucket.Available()
	return st
}

func (a *Adapter) Reset() bool { return a.stream.Reset() }

func (a *Adapter) Close() error {
	return a.stream.Close()
}
