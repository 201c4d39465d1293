package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alanyoungcy/xarb/internal/domain"
)

// PairDisabler takes a pair out of rotation.
type PairDisabler interface {
	Disable(ctx context.Context, id, reason string) (domain.MonitoringPair, error)
}

// Raiser delivers alerts.
type Raiser interface {
	Raise(ctx context.Context, a domain.Alert)
}

// CircuitBreaker disables a pair after Threshold consecutive failed or
// partial trades. Trades that never reached an exchange do not count. Only
// a manual re-enable (Reset) clears the count.
type CircuitBreaker struct {
	threshold int
	pairs     PairDisabler
	alerts    Raiser
	logger    *slog.Logger

	mu     sync.Mutex
	counts map[string]int
	open   map[string]bool
}

// NewCircuitBreaker creates a CircuitBreaker. A threshold of zero disables it.
func NewCircuitBreaker(threshold int, pairs PairDisabler, alerts Raiser, logger *slog.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		threshold: threshold,
		pairs:     pairs,
		alerts:    alerts,
		logger:    logger.With(slog.String("component", "breaker")),
		counts:    make(map[string]int),
		open:      make(map[string]bool),
	}
}

func submitted(t domain.TradeRecord) bool {
	return t.Leg1.ClientOrderID != "" || t.Leg2.ClientOrderID != ""
}

// ObserveTrade updates the pair's failure streak.
func (b *CircuitBreaker) ObserveTrade(ctx context.Context, t domain.TradeRecord) {
	if b.threshold <= 0 || t.PairID == "" || !submitted(t) {
		return
	}

	b.mu.Lock()
	switch t.Status {
	case domain.TradeCompleted:
		b.counts[t.PairID] = 0
		b.mu.Unlock()
		return
	case domain.TradeFailed, domain.TradePartial:
		b.counts[t.PairID]++
	default:
		b.mu.Unlock()
		return
	}
	n := b.counts[t.PairID]
	trip := n >= b.threshold && !b.open[t.PairID]
	if trip {
		b.open[t.PairID] = true
	}
	b.mu.Unlock()

	if !trip {
		return
	}
	reason := fmt.Sprintf("circuit breaker: %d consecutive failed or partial trades", n)
	b.logger.ErrorContext(ctx, "circuit breaker tripped",
		slog.String("pair_id", t.PairID),
		slog.Int("consecutive", n),
		slog.String("last_trade_id", t.TradeID),
	)
	if b.pairs != nil {
		if _, err := b.pairs.Disable(ctx, t.PairID, reason); err != nil {
			b.logger.ErrorContext(ctx, "disable pair failed", slog.String("pair_id", t.PairID), slog.String("error", err.Error()))
		}
	}
	if b.alerts != nil {
		b.alerts.Raise(ctx, domain.Alert{
			Rule:     RuleCircuitOpen,
			Severity: domain.SeverityCritical,
			Title:    "Pair disabled",
			Message:  fmt.Sprintf("pair %s disabled after %d consecutive failed or partial trades (last %s: %s)", t.PairID, n, t.TradeID, t.FailureReason),
			PairID:   t.PairID,
			// Keyed by the tripping trade so a second trip after a
			// re-enable is not held back by the cooldown.
			TradeID: t.TradeID,
		})
	}
}

// Open reports whether the breaker for pairID has tripped.
func (b *CircuitBreaker) Open(pairID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open[pairID]
}

// Reset clears the pair's streak. Called when an operator re-enables it.
func (b *CircuitBreaker) Reset(pairID string) {
	b.mu.Lock()
	delete(b.counts, pairID)
	delete(b.open, pairID)
	b.mu.Unlock()
}
