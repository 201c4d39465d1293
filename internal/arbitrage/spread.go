// Package arbitrage computes cross-venue spreads and runs one detector
// goroutine per active monitoring pair.
package arbitrage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/xarb/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// Spread is the priced view of a pair at one instant.
type Spread struct {
	Leg1Price decimal.Decimal
	Leg2Price decimal.Decimal
	Spread    decimal.Decimal
	SpreadPct decimal.Decimal
	Direction domain.Direction
}

// SpreadPct returns spread / min(p1, p2) × 100, or zero when the smaller
// price is not positive.
func SpreadPct(spread, p1, p2 decimal.Decimal) decimal.Decimal {
	lo := decimal.Min(p1, p2)
	if !lo.IsPositive() {
		return decimal.Zero
	}
	return spread.Div(lo).Mul(hundred)
}

// Compute prices a pair from two books. Each leg trades at its executable
// price: buys take the ask, sells take the bid. When leg1 sells the spread
// is leg1.bid − leg2.ask, otherwise leg2.bid − leg1.ask.
func Compute(pair domain.MonitoringPair, book1, book2 domain.TopOfBook) Spread {
	p1 := book1.PriceFor(pair.Leg1.Side)
	p2 := book2.PriceFor(pair.Leg2.Side)
	s := Spread{Leg1Price: p1, Leg2Price: p2}
	if pair.Leg1.Side == domain.SideSell {
		s.Spread = p1.Sub(p2)
		s.Direction = domain.SellLeg1BuyLeg2
	} else {
		s.Spread = p2.Sub(p1)
		s.Direction = domain.BuyLeg1SellLeg2
	}
	s.SpreadPct = SpreadPct(s.Spread, p1, p2)
	return s
}

// Priced reports whether both legs have a usable price.
func (s Spread) Priced() bool {
	return s.Leg1Price.IsPositive() && s.Leg2Price.IsPositive()
}

// Triggers reports whether the spread strictly exceeds thresholdPct.
func (s Spread) Triggers(thresholdPct decimal.Decimal) bool {
	return s.Priced() && s.SpreadPct.GreaterThan(thresholdPct)
}

// Opportunity turns a triggering spread into an opportunity with a fresh
// correlation id.
func (s Spread) Opportunity(pairID string, at time.Time) domain.Opportunity {
	return domain.Opportunity{
		ID:         uuid.NewString(),
		PairID:     pairID,
		Spread:     s.Spread,
		SpreadPct:  s.SpreadPct,
		Leg1Price:  s.Leg1Price,
		Leg2Price:  s.Leg2Price,
		Direction:  s.Direction,
		DetectedAt: at,
	}
}
