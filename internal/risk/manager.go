// Package risk gates executions behind a fixed sequence of checks. The
// first failing check wins and is reported as a *domain.RiskRejection.
package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/xarb/internal/domain"
)

// Check names, in evaluation order.
const (
	CheckPositionSize        = "position_size"
	CheckPriceDeviation      = "price_deviation"
	CheckDailyLoss           = "daily_loss"
	CheckConcurrentExecution = "concurrent_execution"
)

var hundred = decimal.NewFromInt(100)

// Config holds the limits. A zero limit disables its check.
type Config struct {
	MaxPositionSize decimal.Decimal
	MaxDeviationPct decimal.Decimal
	MaxDailyLoss    decimal.Decimal
	// LossBufferPct is the share of the notional treated as the potential
	// loss of a new execution when the caller does not supply one.
	LossBufferPct decimal.Decimal
	LockTTL       time.Duration
	Now           func() time.Time
}

// PricePoint pairs a freshly observed price with the price a decision was
// based on.
type PricePoint struct {
	Label     string
	Current   decimal.Decimal
	Reference decimal.Decimal
}

// Request describes an execution about to be admitted.
type Request struct {
	PairID        string
	Amount        decimal.Decimal
	Prices        []PricePoint
	PotentialLoss *decimal.Decimal
}

// Observer is told about every rejection.
type Observer interface {
	ObserveRejection(pairID string, r *domain.RiskRejection)
}

// Manager evaluates risk checks and tracks open legs and the daily loss.
type Manager struct {
	cfg    Config
	locks  domain.LockManager
	obs    Observer
	logger *slog.Logger

	mu       sync.Mutex
	open     map[string]int
	day      string
	dailyPnL decimal.Decimal
}

// NewManager creates a Manager. locks may be nil for single-instance runs.
func NewManager(cfg Config, locks domain.LockManager, logger *slog.Logger) *Manager {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.LossBufferPct.IsZero() {
		cfg.LossBufferPct = decimal.NewFromInt(1)
	}
	m := &Manager{
		cfg:    cfg,
		locks:  locks,
		logger: logger.With(slog.String("component", "risk")),
		open:   make(map[string]int),
	}
	m.day = m.today()
	return m
}

// SetObserver installs the rejection observer.
func (m *Manager) SetObserver(o Observer) {
	m.mu.Lock()
	m.obs = o
	m.mu.Unlock()
}

func (m *Manager) today() string {
	return m.cfg.Now().UTC().Format(time.DateOnly)
}

// rollDay resets the ledger at UTC midnight. Caller holds mu.
func (m *Manager) rollDay() {
	if d := m.today(); d != m.day {
		m.day = d
		m.dailyPnL = decimal.Zero
	}
}

// Seed loads today's realised P&L from the trade store.
func (m *Manager) Seed(ctx context.Context, trades domain.TradeStore) error {
	now := m.cfg.Now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	pnl, err := trades.SumNetProfit(ctx, midnight)
	if err != nil {
		return fmt.Errorf("risk: seed daily pnl: %w", err)
	}
	m.mu.Lock()
	m.day = m.today()
	m.dailyPnL = pnl
	m.mu.Unlock()
	m.logger.Info("daily pnl seeded", slog.String("pnl", pnl.String()))
	return nil
}

// DailyLoss returns today's realised loss as a non-negative amount.
func (m *Manager) DailyLoss() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDay()
	return m.lossLocked()
}

func (m *Manager) lossLocked() decimal.Decimal {
	if m.dailyPnL.IsNegative() {
		return m.dailyPnL.Neg()
	}
	return decimal.Zero
}

// RecordPnL adds a realised trade result to today's ledger.
func (m *Manager) RecordPnL(net decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDay()
	m.dailyPnL = m.dailyPnL.Add(net)
}

// Busy reports whether pairID has legs in flight.
func (m *Manager) Busy(pairID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open[pairID] > 0
}

// PriceDeviationPct returns |current − reference| / reference × 100. A
// non-positive reference yields zero.
func PriceDeviationPct(current, reference decimal.Decimal) decimal.Decimal {
	if !reference.IsPositive() {
		return decimal.Zero
	}
	return current.Sub(reference).Abs().Div(reference).Mul(hundred)
}

// Check runs all four checks without reserving anything.
func (m *Manager) Check(ctx context.Context, req Request) error {
	if err := m.checkLimits(req); err != nil {
		return m.reject(ctx, req.PairID, err)
	}
	if m.Busy(req.PairID) {
		return m.reject(ctx, req.PairID, concurrentRejection(req.PairID))
	}
	return nil
}

// Admit runs the checks and, on success, marks the pair busy. The
// concurrent-execution check and the reservation happen under one lock.
// Callers must invoke release exactly once when the legs have resolved.
func (m *Manager) Admit(ctx context.Context, req Request) (release func(), err error) {
	if err := m.checkLimits(req); err != nil {
		return nil, m.reject(ctx, req.PairID, err)
	}

	m.mu.Lock()
	if m.open[req.PairID] > 0 {
		m.mu.Unlock()
		return nil, m.reject(ctx, req.PairID, concurrentRejection(req.PairID))
	}
	m.open[req.PairID]++
	m.mu.Unlock()

	unlock := func() {}
	if m.locks != nil {
		u, err := m.locks.Acquire(ctx, "pair:"+req.PairID, m.cfg.LockTTL)
		if err != nil {
			m.releasePair(req.PairID)
			if errors.Is(err, domain.ErrLockHeld) {
				return nil, m.reject(ctx, req.PairID, concurrentRejection(req.PairID))
			}
			return nil, fmt.Errorf("risk: acquire pair lock: %w", err)
		}
		unlock = u
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			unlock()
			m.releasePair(req.PairID)
		})
	}, nil
}

func (m *Manager) releasePair(pairID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.open[pairID] <= 1 {
		delete(m.open, pairID)
		return
	}
	m.open[pairID]--
}

// checkLimits runs checks 1 to 3.
func (m *Manager) checkLimits(req Request) *domain.RiskRejection {
	if m.cfg.MaxPositionSize.IsPositive() && req.Amount.GreaterThan(m.cfg.MaxPositionSize) {
		return &domain.RiskRejection{
			Check:   CheckPositionSize,
			Message: fmt.Sprintf("amount %s exceeds max position size %s", req.Amount, m.cfg.MaxPositionSize),
		}
	}

	if m.cfg.MaxDeviationPct.IsPositive() {
		for _, p := range req.Prices {
			dev := PriceDeviationPct(p.Current, p.Reference)
			if dev.GreaterThan(m.cfg.MaxDeviationPct) {
				return &domain.RiskRejection{
					Check: CheckPriceDeviation,
					Message: fmt.Sprintf("%s price moved %s%% (current %s, reference %s), max %s%%",
						p.Label, dev.StringFixed(4), p.Current, p.Reference, m.cfg.MaxDeviationPct),
				}
			}
		}
	}

	if m.cfg.MaxDailyLoss.IsPositive() {
		potential := req.Amount.Mul(m.cfg.LossBufferPct).Div(hundred)
		if req.PotentialLoss != nil {
			potential = *req.PotentialLoss
		}
		m.mu.Lock()
		m.rollDay()
		loss := m.lossLocked()
		m.mu.Unlock()
		if loss.Add(potential).GreaterThan(m.cfg.MaxDailyLoss) {
			return &domain.RiskRejection{
				Check:   CheckDailyLoss,
				Message: fmt.Sprintf("daily loss %s plus potential %s exceeds max %s", loss, potential, m.cfg.MaxDailyLoss),
			}
		}
	}
	return nil
}

func concurrentRejection(pairID string) *domain.RiskRejection {
	return &domain.RiskRejection{
		Check:   CheckConcurrentExecution,
		Message: fmt.Sprintf("pair %s already has legs in flight", pairID),
	}
}

func (m *Manager) reject(ctx context.Context, pairID string, r *domain.RiskRejection) error {
	m.logger.WarnContext(ctx, "risk check rejected",
		slog.String("pair_id", pairID),
		slog.String("check", r.Check),
		slog.String("error_code", domain.CodeRiskRejected),
		slog.String("message", r.Message),
	)
	m.mu.Lock()
	obs := m.obs
	m.mu.Unlock()
	if obs != nil {
		obs.ObserveRejection(pairID, r)
	}
	return r
}

// Snapshot is the ledger state for status endpoints.
type Snapshot struct {
	Day       string          `json:"day"`
	DailyPnL  decimal.Decimal `json:"dailyPnl"`
	DailyLoss decimal.Decimal `json:"dailyLoss"`
	OpenPairs []string        `json:"openPairs"`
}

// Snapshot returns the current ledger state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDay()
	s := Snapshot{Day: m.day, DailyPnL: m.dailyPnL, DailyLoss: m.lossLocked(), OpenPairs: []string{}}
	for id := range m.open {
		s.OpenPairs = append(s.OpenPairs, id)
	}
	return s
}
