package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is buy or sell.
func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType is the execution style of an order.
type OrderType string

const (
	OrderMarket OrderType = "market"
	OrderLimit  OrderType = "limit"
)

// LegStatus tracks one leg through submission.
type LegStatus string

const (
	LegPending   LegStatus = "pending"
	LegSubmitted LegStatus = "submitted"
	LegFilled    LegStatus = "filled"
	LegRejected  LegStatus = "rejected"
	LegFailed    LegStatus = "failed"
)

// OrderLeg is a normalized single-venue order.
type OrderLeg struct {
	Exchange       string          `json:"exchange"`
	Symbol         string          `json:"symbol"`
	InstrumentType InstrumentType  `json:"instrumentType"`
	Side           Side            `json:"side"`
	OrderType      OrderType       `json:"orderType"`
	Qty            decimal.Decimal `json:"qty"`
	Price          decimal.Decimal `json:"price,omitzero"`
	ClientOrderID  string          `json:"clientOrderId"`
	OrderID        string          `json:"orderId,omitempty"`
	Status         LegStatus       `json:"status"`
	FilledQty      decimal.Decimal `json:"filledQty"`
	AvgPrice       decimal.Decimal `json:"avgPrice"`
	// Fee is in the quote asset and counts against profit. Commission paid
	// in any other asset stays in OtherFee.
	Fee           decimal.Decimal `json:"fee"`
	OtherFee      decimal.Decimal `json:"otherFee,omitzero"`
	OtherFeeAsset string          `json:"otherFeeAsset,omitempty"`
	Error         string          `json:"error,omitempty"`
	ErrorCode     string          `json:"errorCode,omitempty"`
	SubmittedAt   *time.Time      `json:"submittedAt,omitempty"`
	FilledAt      *time.Time      `json:"filledAt,omitempty"`
}

// Filled reports whether the leg executed.
func (l OrderLeg) Filled() bool { return l.Status == LegFilled }

// Validate rejects legs that would require the venue to guess a quantity or
// price. It runs before any network call.
func (l OrderLeg) Validate() error {
	if l.Exchange == "" {
		return NewValidationError("exchange", "is required")
	}
	if l.Symbol == "" {
		return NewValidationError("symbol", "is required")
	}
	if !l.Side.Valid() {
		return NewValidationError("side", "must be buy or sell")
	}
	if !l.Qty.IsPositive() {
		return NewValidationError("qty", "must be positive")
	}
	switch l.OrderType {
	case OrderMarket:
	case OrderLimit:
		if !l.Price.IsPositive() {
			return NewValidationError("price", "limit orders need a positive price")
		}
	default:
		return NewValidationError("orderType", "must be market or limit")
	}
	if l.InstrumentType != "" && !l.InstrumentType.Valid() {
		return NewValidationError("instrumentType", "must be spot or linear")
	}
	return nil
}

// Notional returns qty multiplied by the fill price when known, otherwise by
// the requested price.
func (l OrderLeg) Notional() decimal.Decimal {
	qty := l.FilledQty
	if qty.IsZero() {
		qty = l.Qty
	}
	price := l.AvgPrice
	if price.IsZero() {
		price = l.Price
	}
	return qty.Mul(price)
}

// Balance is one asset balance reported by a venue.
type Balance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}
