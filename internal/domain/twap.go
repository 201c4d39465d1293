package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PlanState is the lifecycle state of a TWAP plan.
type PlanState string

const (
	PlanPending   PlanState = "pending"
	PlanRunning   PlanState = "running"
	PlanPaused    PlanState = "paused"
	PlanCompleted PlanState = "completed"
	PlanCancelled PlanState = "cancelled"
	PlanFailed    PlanState = "failed"
)

// Terminal reports whether the plan will never tick again.
func (s PlanState) Terminal() bool {
	return s == PlanCompleted || s == PlanCancelled || s == PlanFailed
}

// LegTemplate is reused for every slice with a fresh quantity.
type LegTemplate struct {
	Exchange       string          `json:"exchange"`
	Symbol         string          `json:"symbol"`
	InstrumentType InstrumentType  `json:"instrumentType"`
	Side           Side            `json:"side"`
	OrderType      OrderType       `json:"orderType"`
	Price          decimal.Decimal `json:"price,omitzero"`
}

// Leg instantiates the template for qty.
func (t LegTemplate) Leg(qty decimal.Decimal) OrderLeg {
	return OrderLeg{
		Exchange:       t.Exchange,
		Symbol:         t.Symbol,
		InstrumentType: t.InstrumentType,
		Side:           t.Side,
		OrderType:      t.OrderType,
		Qty:            qty,
		Price:          t.Price,
		Status:         LegPending,
	}
}

// TWAPPlan slices TotalQty into timed dual-leg child orders.
type TWAPPlan struct {
	PlanID              string          `json:"planId"`
	Name                string          `json:"name"`
	PairID              string          `json:"pairId,omitempty"`
	Legs                [2]LegTemplate  `json:"legs"`
	TotalQty            decimal.Decimal `json:"totalQty"`
	SliceQty            decimal.Decimal `json:"sliceQty"`
	IntervalMs          int64           `json:"intervalMs"`
	ExecutedQty         decimal.Decimal `json:"executedQty"`
	SlicesDone          int             `json:"slicesDone"`
	FailedSlices        int             `json:"failedSlices"`
	ConsecutiveFailures int             `json:"consecutiveFailures"`
	State               PlanState       `json:"state"`
	CreatedAt           time.Time       `json:"createdAt"`
	LastExecutionAt     *time.Time      `json:"lastExecutionAt,omitempty"`
	NextExecutionAt     *time.Time      `json:"nextExecutionAt,omitempty"`
}

// Interval returns the tick period.
func (p TWAPPlan) Interval() time.Duration {
	return time.Duration(p.IntervalMs) * time.Millisecond
}

// Remaining returns the quantity not yet executed, never negative.
func (p TWAPPlan) Remaining() decimal.Decimal {
	r := p.TotalQty.Sub(p.ExecutedQty)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// LastActivity is the time of the last slice, or creation when none ran.
func (p TWAPPlan) LastActivity() time.Time {
	if p.LastExecutionAt != nil {
		return *p.LastExecutionAt
	}
	return p.CreatedAt
}

// NextSliceQty is min(sliceQty, remaining).
func (p TWAPPlan) NextSliceQty() decimal.Decimal {
	return decimal.Min(p.SliceQty, p.Remaining())
}

// SlicesTotal is the number of slices needed to cover TotalQty.
func (p TWAPPlan) SlicesTotal() int {
	if !p.SliceQty.IsPositive() {
		return 0
	}
	return int(p.TotalQty.Div(p.SliceQty).Ceil().IntPart())
}

// Validate checks a plan before it is accepted.
func (p TWAPPlan) Validate() error {
	if !p.TotalQty.IsPositive() {
		return NewValidationError("totalQty", "must be positive")
	}
	if !p.SliceQty.IsPositive() {
		return NewValidationError("sliceQty", "must be positive")
	}
	if p.SliceQty.GreaterThan(p.TotalQty) {
		return NewValidationError("sliceQty", "must not exceed totalQty")
	}
	if p.IntervalMs <= 0 {
		return NewValidationError("intervalMs", "must be positive")
	}
	for i, leg := range p.Legs {
		slice := leg.Leg(p.SliceQty)
		if err := slice.Validate(); err != nil {
			var ve *ValidationError
			if errors.As(err, &ve) {
				return NewValidationError(fmt.Sprintf("legs[%d].%s", i, ve.Field), ve.Message)
			}
			return err
		}
	}
	if p.Legs[0].Side == p.Legs[1].Side {
		return NewValidationError("legs[1].side", "legs must have opposite sides")
	}
	return nil
}

// TWAPProgress is the status view of a plan.
type TWAPProgress struct {
	PlanID          string          `json:"planId"`
	State           PlanState       `json:"state"`
	Executed        decimal.Decimal `json:"executed"`
	Remaining       decimal.Decimal `json:"remaining"`
	SlicesDone      int             `json:"slicesDone"`
	SlicesTotal     int             `json:"slicesTotal"`
	FailedSlices    int             `json:"failedSlices"`
	LastExecutionTs *int64          `json:"lastExecutionTs,omitempty"`
	NextExecutionTs *int64          `json:"nextExecutionTs,omitempty"`
}

// Progress summarizes the plan.
func (p TWAPPlan) Progress() TWAPProgress {
	pr := TWAPProgress{
		PlanID:       p.PlanID,
		State:        p.State,
		Executed:     p.ExecutedQty,
		Remaining:    p.Remaining(),
		SlicesDone:   p.SlicesDone,
		SlicesTotal:  p.SlicesTotal(),
		FailedSlices: p.FailedSlices,
	}
	if p.LastExecutionAt != nil {
		ts := p.LastExecutionAt.UnixMilli()
		pr.LastExecutionTs = &ts
	}
	if p.NextExecutionAt != nil && p.State == PlanRunning {
		ts := p.NextExecutionAt.UnixMilli()
		pr.NextExecutionTs = &ts
	}
	return pr
}

// TWAPSlice records one slice attempt.
type TWAPSlice struct {
	PlanID     string          `json:"planId"`
	SliceIndex int             `json:"sliceIndex"`
	TradeID    string          `json:"tradeId,omitempty"`
	Qty        decimal.Decimal `json:"qty"`
	Status     TradeStatus     `json:"status"`
	Error      string          `json:"error,omitempty"`
	// Note flags a slice whose outcome is not reflected in the plan, such
	// as one that filled after the plan was cancelled.
	Note string    `json:"note,omitempty"`
	TS   time.Time `json:"ts"`
}
