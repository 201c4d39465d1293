// Package executor submits correlated two-venue trades. Both legs go out
// concurrently, each exactly once; the outcome is classified as completed,
// partial or failed and never retried.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/xarb/internal/arbitrage"
	"github.com/alanyoungcy/xarb/internal/domain"
	"github.com/alanyoungcy/xarb/internal/events"
	"github.com/alanyoungcy/xarb/internal/exchange"
	"github.com/alanyoungcy/xarb/internal/risk"
)

// CheckStaleSpread names the rejection of a re-priced opportunity whose
// spread no longer clears the pair threshold.
const CheckStaleSpread = "stale_spread"

// Venues resolves adapters by exchange name.
type Venues interface {
	Get(name string) (exchange.Adapter, error)
}

// Books reads a live snapshot, falling back to REST on a cache miss.
type Books interface {
	Book(ctx context.Context, exchange, symbol string, it domain.InstrumentType) (domain.TopOfBook, error)
}

// Pairs is the pair registry.
type Pairs interface {
	Get(ctx context.Context, id string) (domain.MonitoringPair, error)
	RecordExecution(ctx context.Context, id string) (domain.MonitoringPair, error)
}

// Risk admits executions.
type Risk interface {
	Admit(ctx context.Context, req risk.Request) (func(), error)
	RecordPnL(net decimal.Decimal)
}

// Alerter delivers alerts.
type Alerter interface {
	Raise(ctx context.Context, a domain.Alert)
}

// TradeObserver is told about every finished trade.
type TradeObserver interface {
	ObserveTrade(ctx context.Context, trade domain.TradeRecord)
}

// Config holds coordinator timings.
type Config struct {
	MaxStaleness   time.Duration
	LegTimeout     time.Duration
	ReconcileDelay time.Duration
	DedupTTL       time.Duration
}

func (c *Config) defaults() {
	if c.MaxStaleness <= 0 {
		c.MaxStaleness = 500 * time.Millisecond
	}
	if c.LegTimeout <= 0 {
		c.LegTimeout = 5 * time.Second
	}
	if c.ReconcileDelay <= 0 {
		c.ReconcileDelay = 2 * time.Second
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = 10 * time.Minute
	}
}

// Deps are the coordinator's collaborators. Trades, Pairs, Alerts and
// Observer are optional.
type Deps struct {
	Venues   Venues
	Books    Books
	Risk     Risk
	Pairs    Pairs
	Trades   domain.TradeStore
	Alerts   Alerter
	Observer TradeObserver
	Events   events.Publisher
	Logger   *slog.Logger
	Now      func() time.Time
}

// Request is one dual-leg execution.
type Request struct {
	PairID        string
	PlanID        string
	OpportunityID string
	Source        domain.TradeSource
	Legs          [2]domain.LegTemplate
	Qty           decimal.Decimal
	// Amount is the quote notional checked against the position limit.
	// Zero means qty × the higher leg price.
	Amount decimal.Decimal
	// Expected are the executable prices at submission. Missing prices are
	// read from the books.
	Expected [2]decimal.Decimal
	// Reference are the prices the decision was taken on. Zero skips the
	// deviation check for that leg.
	Reference [2]decimal.Decimal
	// MinSpreadPct, when set, aborts the execution unless the spread at the
	// expected prices strictly exceeds it.
	MinSpreadPct *decimal.Decimal
}

// riskKey scopes the open-leg guard.
func (r Request) riskKey() string {
	if r.PairID != "" {
		return r.PairID
	}
	return "plan:" + r.PlanID
}

// LegEvent is the payload of order_* events.
type LegEvent struct {
	TradeID string          `json:"tradeId"`
	PairID  string          `json:"pairId,omitempty"`
	PlanID  string          `json:"planId,omitempty"`
	Leg     int             `json:"leg"`
	Order   domain.OrderLeg `json:"order"`
}

// Coordinator executes dual-leg trades.
type Coordinator struct {
	cfg    Config
	deps   Deps
	dedup  *Dedup
	logger *slog.Logger

	wg sync.WaitGroup
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(cfg Config, deps Deps) *Coordinator {
	cfg.defaults()
	if deps.Events == nil {
		deps.Events = events.Discard{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Coordinator{
		cfg:    cfg,
		deps:   deps,
		dedup:  NewDedup(cfg.DedupTTL),
		logger: deps.Logger.With(slog.String("component", "executor")),
	}
}

// Run periodically forgets old opportunity ids until ctx ends, then waits
// for outstanding reconciliations.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.DedupTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.wg.Wait()
			return nil
		case <-ticker.C:
			c.dedup.Cleanup()
		}
	}
}

// Wait blocks until background reconciliations finish.
func (c *Coordinator) Wait() { c.wg.Wait() }

// ExecuteDualLeg executes a detected opportunity. An opportunity id is
// consumed at most once; stale opportunities are re-priced before the risk
// checks run.
func (c *Coordinator) ExecuteDualLeg(ctx context.Context, opp domain.Opportunity) (*domain.TradeRecord, error) {
	if !c.dedup.Consume(opp.ID) {
		return nil, fmt.Errorf("executor: opportunity %s: %w", opp.ID, domain.ErrDuplicate)
	}
	pair, err := c.deps.Pairs.Get(ctx, opp.PairID)
	if err != nil {
		return nil, fmt.Errorf("executor: load pair: %w", err)
	}

	req := pairRequest(pair, domain.SourceArbitrage)
	req.OpportunityID = opp.ID
	req.Reference = [2]decimal.Decimal{opp.Leg1Price, opp.Leg2Price}
	req.Expected = req.Reference

	if age := c.deps.Now().Sub(opp.DetectedAt); age > c.cfg.MaxStaleness {
		c.logger.DebugContext(ctx, "opportunity stale, re-reading books",
			slog.String("opportunity_id", opp.ID),
			slog.Duration("age", age),
		)
		req.Expected = [2]decimal.Decimal{}
		threshold := pair.ThresholdPct
		req.MinSpreadPct = &threshold
	}
	return c.ExecuteLegs(ctx, req)
}

// Execute runs a manual execution of pairID at current prices.
func (c *Coordinator) Execute(ctx context.Context, pairID string) (*domain.TradeRecord, error) {
	pair, err := c.deps.Pairs.Get(ctx, pairID)
	if err != nil {
		return nil, err
	}
	if !pair.Enabled {
		return nil, domain.NewValidationError("pairId", "pair is disabled")
	}
	return c.ExecuteLegs(ctx, pairRequest(pair, domain.SourceManual))
}

func pairRequest(pair domain.MonitoringPair, source domain.TradeSource) Request {
	tmpl := func(l domain.PairLeg) domain.LegTemplate {
		return domain.LegTemplate{
			Exchange:       l.Exchange,
			Symbol:         l.Symbol,
			InstrumentType: l.InstrumentType,
			Side:           l.Side,
			OrderType:      domain.OrderMarket,
		}
	}
	return Request{
		PairID: pair.ID,
		Source: source,
		Legs:   [2]domain.LegTemplate{tmpl(pair.Leg1), tmpl(pair.Leg2)},
		Qty:    pair.Qty,
		Amount: pair.Amount,
	}
}

// ExecuteLegs is the shared submission path for detected, manual and TWAP
// executions. Errors are returned only when nothing reached an exchange;
// exchange outcomes are reported through the record's status.
func (c *Coordinator) ExecuteLegs(ctx context.Context, req Request) (*domain.TradeRecord, error) {
	trade := &domain.TradeRecord{
		TradeID:       uuid.NewString(),
		PairID:        req.PairID,
		PlanID:        req.PlanID,
		OpportunityID: req.OpportunityID,
		Source:        req.Source,
		Status:        domain.TradePending,
		CreatedAt:     c.deps.Now(),
	}
	logger := c.logger.With(
		slog.String("trade_id", trade.TradeID),
		slog.String("pair_id", req.PairID),
	)
	for i := range req.Legs {
		*trade.Leg(i) = req.Legs[i].Leg(req.Qty)
	}

	adapters, err := c.preflight(ctx, &req)
	if err != nil {
		return c.abort(ctx, trade, err, logger)
	}
	if err := checkSpread(req); err != nil {
		return c.abort(ctx, trade, err, logger)
	}

	amount := req.Amount
	if !amount.IsPositive() {
		amount = req.Qty.Mul(decimal.Max(req.Expected[0], req.Expected[1]))
	}
	expected := grossSpread(req.Legs, req.Expected, req.Qty)
	trade.ExpectedProfit = expected

	var prices []risk.PricePoint
	for i := range req.Reference {
		if req.Reference[i].IsPositive() {
			prices = append(prices, risk.PricePoint{
				Label:     fmt.Sprintf("leg%d", i+1),
				Current:   req.Expected[i],
				Reference: req.Reference[i],
			})
		}
	}
	release, err := c.deps.Risk.Admit(ctx, risk.Request{
		PairID:        req.riskKey(),
		Amount:        amount,
		Prices:        prices,
		PotentialLoss: potentialLoss(expected),
	})
	if err != nil {
		return c.abort(ctx, trade, err, logger)
	}
	defer release()

	c.submit(ctx, trade, adapters, logger)
	c.finish(ctx, trade, logger)
	return trade, nil
}

// checkSpread rejects a request whose spread at the expected prices no
// longer strictly exceeds MinSpreadPct.
func checkSpread(req Request) error {
	if req.MinSpreadPct == nil {
		return nil
	}
	spread := grossSpread(req.Legs, req.Expected, decimal.NewFromInt(1))
	pct := arbitrage.SpreadPct(spread, req.Expected[0], req.Expected[1])
	if pct.GreaterThan(*req.MinSpreadPct) {
		return nil
	}
	return &domain.RiskRejection{
		Check: CheckStaleSpread,
		Message: fmt.Sprintf("spread %s%% at current prices does not exceed threshold %s%%",
			pct.StringFixed(4), req.MinSpreadPct.String()),
	}
}

// potentialLoss is nil for a positive expected spread so the risk manager
// applies its notional buffer; a negative spread is charged in full.
func potentialLoss(expected decimal.Decimal) *decimal.Decimal {
	if !expected.IsNegative() {
		return nil
	}
	l := expected.Neg()
	return &l
}

// preflight resolves adapters, refuses public-only venues and fills in
// missing expected prices from the books.
func (c *Coordinator) preflight(ctx context.Context, req *Request) ([2]exchange.Adapter, error) {
	var adapters [2]exchange.Adapter
	if !req.Qty.IsPositive() {
		return adapters, domain.NewValidationError("qty", "must be positive")
	}
	for i, l := range req.Legs {
		a, err := c.deps.Venues.Get(l.Exchange)
		if err != nil {
			return adapters, err
		}
		if a.Status().PublicOnly {
			return adapters, exchange.PublicOnlyError(l.Exchange, "execute")
		}
		adapters[i] = a
	}

	var wg sync.WaitGroup
	var errs [2]error
	for i, l := range req.Legs {
		if req.Expected[i].IsPositive() {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap, err := c.deps.Books.Book(ctx, l.Exchange, l.Symbol, l.InstrumentType)
			if err != nil {
				errs[i] = domain.NewVenueError(l.Exchange, "read book", domain.VenueDisconnected, err)
				return
			}
			px := snap.PriceFor(l.Side)
			if !px.IsPositive() {
				errs[i] = domain.NewVenueError(l.Exchange, "read book", domain.VenueDisconnected,
					fmt.Errorf("no %s price for %s", l.Side, l.Symbol))
				return
			}
			req.Expected[i] = px
		}()
	}
	wg.Wait()
	return adapters, errors.Join(errs[0], errs[1])
}

// submit sends both legs concurrently, each exactly once.
func (c *Coordinator) submit(ctx context.Context, trade *domain.TradeRecord, adapters [2]exchange.Adapter, logger *slog.Logger) {
	var wg sync.WaitGroup
	for i := range adapters {
		leg := trade.Leg(i)
		leg.ClientOrderID = uuid.NewString()
		c.emitLeg(domain.EventOrderSubmitted, trade, i, *leg)

		wg.Add(1)
		go func() {
			defer wg.Done()
			lctx, cancel := context.WithTimeout(ctx, c.cfg.LegTimeout)
			defer cancel()

			start := time.Now()
			out, err := adapters[i].PlaceOrder(lctx, *leg)
			if err != nil {
				if out.Status != domain.LegRejected {
					out.Status = domain.LegFailed
				}
				out.Error = err.Error()
				out.ErrorCode = domain.CodeOf(err)
				if timedOut(lctx, err) {
					c.scheduleReconcile(adapters[i], out, trade.TradeID, logger)
				}
			} else if !out.Filled() {
				// Accepted but not filled within the leg timeout.
				out.Status = domain.LegFailed
				out.Error = "not filled before leg timeout"
				out.ErrorCode = domain.CodeUpstream
				c.scheduleReconcile(adapters[i], out, trade.TradeID, logger)
			}
			*leg = out
			logger.InfoContext(ctx, "leg resolved",
				slog.String("exchange", out.Exchange),
				slog.Int("leg", i+1),
				slog.String("status", string(out.Status)),
				slog.Int64("latency_ms", time.Since(start).Milliseconds()),
				slog.Bool("success", out.Filled()),
				slog.String("error_code", out.ErrorCode),
			)
		}()
	}
	wg.Wait()

	for i := range 2 {
		leg := *trade.Leg(i)
		if leg.Filled() {
			c.emitLeg(domain.EventOrderFilled, trade, i, leg)
		} else {
			c.emitLeg(domain.EventOrderFailed, trade, i, leg)
		}
	}
}

func timedOut(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var ve *domain.VenueError
	return errors.As(err, &ve) && ve.Kind == domain.VenueTimeout
}

// scheduleReconcile queries the leg later. The outcome is only logged: the
// trade classification is final.
func (c *Coordinator) scheduleReconcile(a exchange.Adapter, leg domain.OrderLeg, tradeID string, logger *slog.Logger) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		time.Sleep(c.cfg.ReconcileDelay)
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.LegTimeout)
		defer cancel()
		got, err := a.QueryOrder(ctx, leg)
		if err != nil {
			logger.Warn("leg reconciliation failed",
				slog.String("exchange", leg.Exchange),
				slog.String("client_order_id", leg.ClientOrderID),
				slog.String("error", err.Error()),
			)
			return
		}
		level := slog.LevelInfo
		if got.Filled() {
			level = slog.LevelError
		}
		logger.Log(ctx, level, "leg reconciled",
			slog.String("trade_id", tradeID),
			slog.String("exchange", got.Exchange),
			slog.String("client_order_id", got.ClientOrderID),
			slog.String("venue_status", string(got.Status)),
			slog.String("filled_qty", got.FilledQty.String()),
		)
	}()
}

// finish classifies the trade, prices it from fills and runs the side
// effects: alerts, ledger, pair counters, persistence and observers.
func (c *Coordinator) finish(ctx context.Context, trade *domain.TradeRecord, logger *slog.Logger) {
	trade.Status = domain.ClassifyLegs(trade.Leg1, trade.Leg2)
	trade.Fees = trade.Leg1.Fee.Add(trade.Leg2.Fee)
	trade.ActualProfit = realizedSpread(trade.Leg1, trade.Leg2)
	trade.NetProfit = trade.ActualProfit.Sub(trade.Fees)
	now := c.deps.Now()
	trade.CompletedAt = &now

	switch trade.Status {
	case domain.TradePartial:
		filled, failed := trade.Leg1, trade.Leg2
		if !filled.Filled() {
			filled, failed = failed, filled
		}
		trade.FailureReason = fmt.Sprintf("%s leg failed: %s", failed.Exchange, failed.Error)
		trade.ErrorCode = failed.ErrorCode
		if c.deps.Alerts != nil {
			c.deps.Alerts.Raise(ctx, domain.Alert{
				Rule:     "partial_fill",
				Severity: domain.SeverityCritical,
				Title:    "Partial execution",
				Message: fmt.Sprintf("trade %s: %s %s %s filled, %s %s failed (%s)",
					trade.TradeID, filled.Exchange, filled.Side, filled.FilledQty,
					failed.Exchange, failed.Side, failed.Error),
				Exchange: failed.Exchange,
				PairID:   trade.PairID,
				TradeID:  trade.TradeID,
				TS:       now,
			})
		}
	case domain.TradeFailed:
		trade.FailureReason = firstNonEmpty(trade.Leg1.Error, trade.Leg2.Error)
		trade.ErrorCode = firstNonEmpty(trade.Leg1.ErrorCode, trade.Leg2.ErrorCode)
	}

	if trade.Status != domain.TradeFailed {
		c.deps.Risk.RecordPnL(trade.NetProfit)
		if c.deps.Pairs != nil && trade.PairID != "" && trade.Source != domain.SourceTWAP {
			if _, err := c.deps.Pairs.RecordExecution(ctx, trade.PairID); err != nil {
				logger.WarnContext(ctx, "record pair execution failed", slog.String("error", err.Error()))
			}
		}
	}
	c.persist(ctx, *trade, logger)
	if c.deps.Observer != nil {
		c.deps.Observer.ObserveTrade(ctx, *trade)
	}

	logger.InfoContext(ctx, "trade finished",
		slog.String("status", string(trade.Status)),
		slog.String("net_profit", trade.NetProfit.String()),
		slog.String("error_code", trade.ErrorCode),
	)
}

// abort records a trade that never reached an exchange.
func (c *Coordinator) abort(ctx context.Context, trade *domain.TradeRecord, err error, logger *slog.Logger) (*domain.TradeRecord, error) {
	now := c.deps.Now()
	trade.Status = domain.TradeFailed
	trade.FailureReason = err.Error()
	trade.ErrorCode = domain.CodeOf(err)
	trade.CompletedAt = &now
	logger.WarnContext(ctx, "execution aborted before submission",
		slog.String("error_code", trade.ErrorCode),
		slog.String("error", err.Error()),
	)
	c.persist(ctx, *trade, logger)
	if c.deps.Observer != nil {
		c.deps.Observer.ObserveTrade(ctx, *trade)
	}
	return trade, err
}

func (c *Coordinator) persist(ctx context.Context, trade domain.TradeRecord, logger *slog.Logger) {
	if c.deps.Trades == nil {
		return
	}
	if err := c.deps.Trades.Save(context.WithoutCancel(ctx), trade); err != nil {
		logger.ErrorContext(ctx, "persist trade failed", slog.String("error", err.Error()))
	}
}

func (c *Coordinator) emitLeg(t domain.EventType, trade *domain.TradeRecord, i int, leg domain.OrderLeg) {
	c.deps.Events.Publish(domain.NewEvent(t, LegEvent{
		TradeID: trade.TradeID,
		PairID:  trade.PairID,
		PlanID:  trade.PlanID,
		Leg:     i + 1,
		Order:   leg,
	}))
}

// grossSpread is the sell proceeds minus the buy cost at the given prices.
func grossSpread(legs [2]domain.LegTemplate, prices [2]decimal.Decimal, qty decimal.Decimal) decimal.Decimal {
	if legs[0].Side == domain.SideSell {
		return prices[0].Sub(prices[1]).Mul(qty)
	}
	return prices[1].Sub(prices[0]).Mul(qty)
}

// realizedSpread prices the hedged quantity from the fills. Anything other
// than two fills realises nothing; the fees still count.
func realizedSpread(l1, l2 domain.OrderLeg) decimal.Decimal {
	if !l1.Filled() || !l2.Filled() {
		return decimal.Zero
	}
	qty := decimal.Min(l1.FilledQty, l2.FilledQty)
	sell, buy := l1, l2
	if l1.Side == domain.SideBuy {
		sell, buy = l2, l1
	}
	return sell.AvgPrice.Sub(buy.AvgPrice).Mul(qty)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
