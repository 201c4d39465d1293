package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ExecutionMode controls what happens when a pair's spread crosses its
// threshold.
type ExecutionMode string

const (
	ModeThreshold ExecutionMode = "threshold"
	ModeTWAP      ExecutionMode = "twap"
	ModeManual    ExecutionMode = "manual"
)

// PairLeg describes one side of a monitored pair.
type PairLeg struct {
	Exchange       string         `json:"exchange"`
	Symbol         string         `json:"symbol"`
	InstrumentType InstrumentType `json:"instrumentType"`
	Side           Side           `json:"side"`
}

// MonitoringPair is a configured hedge between two venues.
type MonitoringPair struct {
	ID              string          `json:"id"`
	Leg1            PairLeg         `json:"leg1"`
	Leg2            PairLeg         `json:"leg2"`
	ThresholdPct    decimal.Decimal `json:"thresholdPct"`
	Amount          decimal.Decimal `json:"amount"`
	Qty             decimal.Decimal `json:"qty"`
	Enabled         bool            `json:"enabled"`
	ExecutionMode   ExecutionMode   `json:"executionMode"`
	MaxExecs        int             `json:"maxExecs"`
	ExecutionCount  int             `json:"executionCount"`
	TotalTriggers   int64           `json:"totalTriggers"`
	LastTriggeredAt *time.Time      `json:"lastTriggeredAt,omitempty"`
	DisabledReason  string          `json:"disabledReason,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// DefaultPairID builds the conventional id
// "{leg1.exchange}_{leg2.exchange}_{lower(leg1.symbol)}".
func DefaultPairID(leg1, leg2 PairLeg) string {
	return fmt.Sprintf("%s_%s_%s", leg1.Exchange, leg2.Exchange, strings.ToLower(leg1.Symbol))
}

// Exhausted reports whether the pair has used all of its allowed executions.
func (p MonitoringPair) Exhausted() bool {
	return p.MaxExecs > 0 && p.ExecutionCount >= p.MaxExecs
}

// Validate checks the pair definition. It returns a *ValidationError.
func (p MonitoringPair) Validate() error {
	for i, leg := range []PairLeg{p.Leg1, p.Leg2} {
		field := fmt.Sprintf("leg%d", i+1)
		if leg.Exchange == "" {
			return NewValidationError(field+".exchange", "is required")
		}
		if leg.Symbol == "" {
			return NewValidationError(field+".symbol", "is required")
		}
		if !leg.InstrumentType.Valid() {
			return NewValidationError(field+".instrumentType", "must be spot or linear")
		}
		if !leg.Side.Valid() {
			return NewValidationError(field+".side", "must be buy or sell")
		}
	}
	if p.Leg1.Side == p.Leg2.Side {
		return NewValidationError("leg2.side", "legs must have opposite sides")
	}
	if !p.Qty.IsPositive() {
		return NewValidationError("qty", "must be positive")
	}
	if p.Amount.IsNegative() {
		return NewValidationError("amount", "must not be negative")
	}
	if p.MaxExecs < 0 {
		return NewValidationError("maxExecs", "must not be negative")
	}
	switch p.ExecutionMode {
	case ModeThreshold, ModeTWAP, ModeManual:
	default:
		return NewValidationError("executionMode", "must be threshold, twap or manual")
	}
	return nil
}
