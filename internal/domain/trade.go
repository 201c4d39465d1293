package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction names which leg is sold and which is bought.
type Direction string

const (
	SellLeg1BuyLeg2 Direction = "sell_leg1_buy_leg2"
	BuyLeg1SellLeg2 Direction = "buy_leg1_sell_leg2"
)

// Opportunity is a detected spread with both leg prices frozen at detection.
type Opportunity struct {
	ID         string          `json:"id"`
	PairID     string          `json:"pairId"`
	Spread     decimal.Decimal `json:"spread"`
	SpreadPct  decimal.Decimal `json:"spreadPct"`
	Leg1Price  decimal.Decimal `json:"leg1Price"`
	Leg2Price  decimal.Decimal `json:"leg2Price"`
	Direction  Direction       `json:"direction"`
	DetectedAt time.Time       `json:"detectedAt"`
}

// TradeStatus is the coordinated outcome of a dual-leg execution.
type TradeStatus string

const (
	TradePending   TradeStatus = "pending"
	TradePartial   TradeStatus = "partial"
	TradeCompleted TradeStatus = "completed"
	TradeFailed    TradeStatus = "failed"
	TradeCancelled TradeStatus = "cancelled"
)

// Terminal reports whether no further leg results are expected.
func (s TradeStatus) Terminal() bool {
	return s != TradePending
}

// TradeSource says what initiated a trade.
type TradeSource string

const (
	SourceArbitrage TradeSource = "arbitrage"
	SourceTWAP      TradeSource = "twap"
	SourceManual    TradeSource = "manual"
)

// TradeRecord is the result of one dual-leg execution.
type TradeRecord struct {
	TradeID        string          `json:"tradeId"`
	PairID         string          `json:"pairId"`
	Source         TradeSource     `json:"source"`
	PlanID         string          `json:"planId,omitempty"`
	OpportunityID  string          `json:"opportunityId,omitempty"`
	Leg1           OrderLeg        `json:"leg1"`
	Leg2           OrderLeg        `json:"leg2"`
	ExpectedProfit decimal.Decimal `json:"expectedProfit"`
	ActualProfit   decimal.Decimal `json:"actualProfit"`
	Fees           decimal.Decimal `json:"fees"`
	NetProfit      decimal.Decimal `json:"netProfit"`
	Status         TradeStatus     `json:"status"`
	FailureReason  string          `json:"failureReason,omitempty"`
	ErrorCode      string          `json:"errorCode,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
}

// ClassifyLegs derives the trade status from the two leg outcomes.
func ClassifyLegs(leg1, leg2 OrderLeg) TradeStatus {
	switch {
	case leg1.Filled() && leg2.Filled():
		return TradeCompleted
	case leg1.Filled() || leg2.Filled():
		return TradePartial
	default:
		return TradeFailed
	}
}

// Leg returns a pointer to leg i (0 or 1).
func (t *TradeRecord) Leg(i int) *OrderLeg {
	if i == 0 {
		return &t.Leg1
	}
	return &t.Leg2
}
