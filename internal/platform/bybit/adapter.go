package bybit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/xarb/internal/crypto"
	"github.com/alanyoungcy/xarb/internal/domain"
	"github.com/alanyoungcy/xarb/internal/exchange"
)

const (
	fillPollInterval = 150 * time.Millisecond
	fillPollMax      = 10
)

// Adapter is the Bybit implementation of exchange.Adapter. Spot and linear
// books arrive on separate public streams.
type Adapter struct {
	settings exchange.Settings
	client   *Client
	bucket   *exchange.TokenBucket
	proto    *bookProtocol
	logger   *slog.Logger
	public   bool

	mu        sync.Mutex
	connected bool
	streams   map[domain.InstrumentType]*venueStream
}

type venueStream struct {
	stream  *exchange.Stream
	tracker *exchange.ConnTracker
}

var _ exchange.Adapter = (*Adapter)(nil)

// New builds a Bybit adapter. It matches exchange.Factory.
func New(s exchange.Settings, sink exchange.BookSink, logger *slog.Logger) (exchange.Adapter, error) {
	return NewAdapter(s, sink, logger), nil
}

// NewAdapter builds a Bybit adapter with its concrete type.
func NewAdapter(s exchange.Settings, sink exchange.BookSink, logger *slog.Logger) *Adapter {
	if s.WSURL == "" {
		s.WSURL = DefaultWSURL
	}
	logger = logger.With(slog.String("component", "bybit"))
	var auth *crypto.HMACAuth
	public := s.Credentials.Public()
	if !public {
		auth = &crypto.HMACAuth{Key: s.Credentials.APIKey, Secret: s.Credentials.APISecret}
	} else {
		logger.Warn("no API credentials configured; running public-only")
	}
	return &Adapter{
		settings: s,
		client:   NewClient(s.RESTURL, auth, s.RecvWindow, s.RequestTimeout),
		bucket:   exchange.NewTokenBucket(domain.VenueBybit, s.RequestsPerMinute, s.AcquireTimeout),
		proto:    newBookProtocol(sink, logger),
		logger:   logger,
		public:   public,
		streams:  make(map[domain.InstrumentType]*venueStream),
	}
}

// Name returns the venue name.
func (a *Adapter) Name() string { return domain.VenueBybit }

// Connect opens the spot stream plus any stream already holding
// subscriptions. Calling it again is a no-op for live streams.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	a.connected = true
	if _, ok := a.streams[domain.InstrumentSpot]; !ok {
		a.streams[domain.InstrumentSpot] = a.newStream(domain.InstrumentSpot)
	}
	streams := make([]*venueStream, 0, len(a.streams))
	for _, vs := range a.streams {
		streams = append(streams, vs)
	}
	a.mu.Unlock()

	var errs []error
	for _, vs := range streams {
		if err := vs.stream.Connect(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *Adapter) newStream(it domain.InstrumentType) *venueStream {
	tracker := exchange.NewConnTracker(domain.VenueBybit, a.public, a.settings.RequestsPerMinute)
	cfg := exchange.StreamConfig{
		Venue:       domain.VenueBybit,
		URL:         strings.TrimRight(a.settings.WSURL, "/") + "/" + string(it),
		Backoff:     a.settings.Backoff,
		Heartbeat:   a.settings.Heartbeat,
		PongTimeout: a.settings.PongTimeout,
	}
	return &venueStream{
		stream:  exchange.NewStream(cfg, a.proto, tracker, a.logger),
		tracker: tracker,
	}
}

// SubscribeTicker subscribes to level-1 books for symbols.
func (a *Adapter) SubscribeTicker(ctx context.Context, symbols []string, it domain.InstrumentType) error {
	if !it.Valid() {
		return domain.NewValidationError("instrumentType", "must be spot or linear")
	}
	a.mu.Lock()
	vs, ok := a.streams[it]
	if !ok {
		vs = a.newStream(it)
		a.streams[it] = vs
	}
	connected := a.connected
	a.mu.Unlock()

	topics := make([]string, 0, len(symbols))
	for _, s := range symbols {
		topics = append(topics, topicFor(s))
	}
	if err := vs.stream.Subscribe(topics); err != nil {
		return err
	}
	if connected && !ok {
		return vs.stream.Connect(ctx)
	}
	return nil
}

// GetOrderBook fetches the top of book over REST: tickers first, the
// orderbook endpoint when the ticker carries no prices.
func (a *Adapter) GetOrderBook(ctx context.Context, symbol string, it domain.InstrumentType) (snap domain.TopOfBook, err error) {
	if symbol == "" {
		return snap, domain.NewValidationError("symbol", "is required")
	}
	if it == "" {
		it = domain.InstrumentSpot
	}
	if err := a.bucket.Acquire(ctx, "get orderbook"); err != nil {
		return snap, err
	}
	start := time.Now()
	defer func() { exchange.ObserveSince(a.settings.Observer, domain.VenueBybit, "get_orderbook", start, err) }()

	symbol = strings.ToUpper(symbol)
	tk, err := a.client.Tickers(ctx, string(it), symbol)
	if err != nil {
		return snap, err
	}
	snap = domain.TopOfBook{
		Exchange:   domain.VenueBybit,
		Symbol:     symbol,
		ObservedAt: time.Now(),
		Source:     domain.SourceREST,
	}
	if len(tk.List) > 0 {
		t := tk.List[0]
		snap.BidPrice, snap.BidQty = num(t.Bid1Price), num(t.Bid1Size)
		snap.AskPrice, snap.AskQty = num(t.Ask1Price), num(t.Ask1Size)
	}
	if snap.BidPrice.IsPositive() && snap.AskPrice.IsPositive() {
		return snap, nil
	}

	if err := a.bucket.Acquire(ctx, "get orderbook"); err != nil {
		return snap, err
	}
	ob, err := a.client.Orderbook(ctx, string(it), symbol, 1)
	if err != nil {
		return snap, err
	}
	if len(ob.Bids) > 0 {
		snap.BidPrice, snap.BidQty = num(ob.Bids[0][0]), num(ob.Bids[0][1])
	}
	if len(ob.Asks) > 0 {
		snap.AskPrice, snap.AskQty = num(ob.Asks[0][0]), num(ob.Asks[0][1])
	}
	if !snap.BidPrice.IsPositive() && !snap.AskPrice.IsPositive() {
		return domain.TopOfBook{}, domain.NewVenueError(domain.VenueBybit, "get orderbook", domain.VenueRejected,
			fmt.Errorf("empty book for %s: %w", symbol, domain.ErrNotFound))
	}
	return snap, nil
}

// PlaceOrder submits leg and waits briefly for the fill report.
func (a *Adapter) PlaceOrder(ctx context.Context, leg domain.OrderLeg) (out domain.OrderLeg, err error) {
	if err := leg.Validate(); err != nil {
		return leg, err
	}
	if a.public {
		return leg, exchange.PublicOnlyError(domain.VenueBybit, "place order")
	}
	if leg.InstrumentType == "" {
		leg.InstrumentType = domain.InstrumentSpot
	}
	if leg.ClientOrderID == "" {
		leg.ClientOrderID = uuid.NewString()
	}
	if err := a.bucket.Acquire(ctx, "place order"); err != nil {
		leg.Status, leg.Error = domain.LegFailed, err.Error()
		return leg, err
	}

	start := time.Now()
	defer func() { exchange.ObserveSince(a.settings.Observer, domain.VenueBybit, "place_order", start, err) }()

	req := createOrderRequest{
		Category:    string(leg.InstrumentType),
		Symbol:      strings.ToUpper(leg.Symbol),
		Side:        venueSide(leg.Side),
		OrderType:   "Market",
		Qty:         leg.Qty.String(),
		OrderLinkID: leg.ClientOrderID,
	}
	if leg.OrderType == domain.OrderLimit {
		req.OrderType = "Limit"
		req.Price = leg.Price.String()
		req.TimeInForce = "GTC"
	} else if leg.InstrumentType == domain.InstrumentSpot {
		req.MarketUnit = "baseCoin"
	}

	submitted := time.Now()
	leg.SubmittedAt = &submitted
	res, err := a.client.CreateOrder(ctx, req)
	if err != nil {
		leg.Status = legStatusForError(err)
		leg.Error = err.Error()
		return leg, err
	}
	leg.OrderID = res.OrderID
	leg.Status = domain.LegSubmitted

	return a.awaitFill(ctx, leg)
}

// awaitFill polls the order until it reaches a terminal status, the poll
// budget is spent, or ctx ends.
func (a *Adapter) awaitFill(ctx context.Context, leg domain.OrderLeg) (domain.OrderLeg, error) {
	ticker := time.NewTicker(fillPollInterval)
	defer ticker.Stop()
	for range fillPollMax {
		select {
		case <-ctx.Done():
			return leg, domain.NewVenueError(domain.VenueBybit, "await fill", domain.VenueTimeout, ctx.Err())
		case <-ticker.C:
		}
		updated, err := a.QueryOrder(ctx, leg)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return leg, err
		}
		leg = updated
		switch leg.Status {
		case domain.LegFilled:
			return leg, nil
		case domain.LegRejected:
			return leg, domain.NewVenueError(domain.VenueBybit, "place order", domain.VenueRejected, errors.New(leg.Error))
		}
	}
	return leg, nil
}

// QueryOrder refreshes leg from the venue using its client order id.
func (a *Adapter) QueryOrder(ctx context.Context, leg domain.OrderLeg) (domain.OrderLeg, error) {
	if a.public {
		return leg, exchange.PublicOnlyError(domain.VenueBybit, "query order")
	}
	if leg.ClientOrderID == "" {
		return leg, domain.NewValidationError("clientOrderId", "is required")
	}
	if err := a.bucket.Acquire(ctx, "query order"); err != nil {
		return leg, err
	}
	it := leg.InstrumentType
	if it == "" {
		it = domain.InstrumentSpot
	}
	info, err := a.client.OrderByLinkID(ctx, string(it), strings.ToUpper(leg.Symbol), leg.ClientOrderID)
	if err != nil {
		return leg, err
	}
	applyOrderInfo(&leg, info)
	return leg, nil
}

func applyOrderInfo(leg *domain.OrderLeg, info orderInfo) {
	leg.OrderID = info.OrderID
	leg.FilledQty = num(info.CumExecQty)
	leg.AvgPrice = num(info.AvgPrice)
	fees := exchange.NewFees(leg.Symbol)
	fees.Add(feeCurrency(*leg, info), num(info.CumExecFee), leg.AvgPrice)
	fees.Apply(leg)
	switch info.OrderStatus {
	case "Filled":
		leg.Status = domain.LegFilled
	case "PartiallyFilledCanceled":
		if leg.FilledQty.IsPositive() {
			leg.Status = domain.LegFilled
		} else {
			leg.Status = domain.LegRejected
		}
	case "Rejected", "Cancelled", "Deactivated":
		leg.Status = domain.LegRejected
		leg.Error = info.OrderStatus
		if info.RejectReason != "" && info.RejectReason != "EC_NoError" {
			leg.Error = info.RejectReason
		}
	default:
		leg.Status = domain.LegSubmitted
	}
	if leg.Status == domain.LegFilled {
		now := time.Now()
		leg.FilledAt = &now
	}
}

// feeCurrency is the asset cumExecFee is charged in. Spot buys pay in the
// base coin and everything else in the quote coin when the venue does not
// say.
func feeCurrency(leg domain.OrderLeg, info orderInfo) string {
	if info.FeeCurrency != "" {
		return info.FeeCurrency
	}
	quote := exchange.QuoteAsset(leg.Symbol)
	if leg.InstrumentType == domain.InstrumentSpot && leg.Side == domain.SideBuy && quote != "" {
		return strings.TrimSuffix(strings.ToUpper(leg.Symbol), quote)
	}
	return quote
}

// CancelOrder cancels an open order.
func (a *Adapter) CancelOrder(ctx context.Context, orderID, symbol string, it domain.InstrumentType) error {
	if a.public {
		return exchange.PublicOnlyError(domain.VenueBybit, "cancel order")
	}
	if orderID == "" || symbol == "" {
		return domain.NewValidationError("orderId", "order id and symbol are required")
	}
	if it == "" {
		it = domain.InstrumentSpot
	}
	if err := a.bucket.Acquire(ctx, "cancel order"); err != nil {
		return err
	}
	return a.client.CancelOrder(ctx, cancelOrderRequest{
		Category: string(it),
		Symbol:   strings.ToUpper(symbol),
		OrderID:  orderID,
	})
}

// Balances returns the unified account coin balances.
func (a *Adapter) Balances(ctx context.Context) ([]domain.Balance, error) {
	if a.public {
		return nil, exchange.PublicOnlyError(domain.VenueBybit, "balances")
	}
	if err := a.bucket.Acquire(ctx, "balances"); err != nil {
		return nil, err
	}
	res, err := a.client.WalletBalance(ctx)
	if err != nil {
		return nil, err
	}
	var out []domain.Balance
	for _, acct := range res.List {
		for _, c := range acct.Coin {
			wallet, locked := num(c.WalletBalance), num(c.Locked)
			out = append(out, domain.Balance{Asset: c.Coin, Free: wallet.Sub(locked), Locked: locked})
		}
	}
	return out, nil
}

// Status merges the per-category stream states: the adapter is connected
// only when every stream is.
func (a *Adapter) Status() domain.VenueConnection {
	a.mu.Lock()
	streams := make([]*venueStream, 0, len(a.streams))
	for _, vs := range a.streams {
		streams = append(streams, vs)
	}
	a.mu.Unlock()

	out := domain.VenueConnection{
		Exchange:   domain.VenueBybit,
		PublicOnly: a.public,
		State:      domain.ConnIdle,
		RateBudget: a.bucket.Available(),
		UpdatedAt:  time.Now(),
	}
	if len(streams) == 0 {
		return out
	}
	out.Connected = true
	for i, vs := range streams {
		st := vs.tracker.Snapshot()
		out.Connected = out.Connected && st.Connected
		if i == 0 || stateRank(st.State) > stateRank(out.State) {
			out.State = st.State
		}
		if st.LastError != "" {
			out.LastError = st.LastError
		}
		out.ReconnectAttempts = max(out.ReconnectAttempts, st.ReconnectAttempts)
	}
	return out
}

func stateRank(s domain.ConnState) int {
	switch s {
	case domain.ConnDisconnected:
		return 4
	case domain.ConnReconnecting:
		return 3
	case domain.ConnConnecting:
		return 2
	case domain.ConnIdle:
		return 1
	}
	return 0
}

// Reset re-arms every parked stream.
func (a *Adapter) Reset() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	reset := false
	for _, vs := range a.streams {
		if vs.stream.Reset() {
			reset = true
		}
	}
	return reset
}

// Close shuts down all streams.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var errs []error
	for _, vs := range a.streams {
		errs = append(errs, vs.stream.Close())
	}
	a.connected = false
	return errors.Join(errs...)
}

func venueSide(s domain.Side) string {
	if s == domain.SideBuy {
		return "Buy"
	}
	return "Sell"
}

func legStatusForError(err error) domain.LegStatus {
	var ve *domain.VenueError
	if errors.As(err, &ve) && ve.Kind == domain.VenueRejected {
		return domain.LegRejected
	}
	return domain.LegFailed
}
