package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// BookSource records where a snapshot came from.
type BookSource string

const (
	SourceWS   BookSource = "ws"
	SourceREST BookSource = "rest"
)

// TopOfBook is an immutable best bid/ask snapshot for one symbol on one venue.
type TopOfBook struct {
	Exchange   string          `json:"exchange"`
	Symbol     string          `json:"symbol"`
	BidPrice   decimal.Decimal `json:"bidPrice"`
	BidQty     decimal.Decimal `json:"bidQty"`
	AskPrice   decimal.Decimal `json:"askPrice"`
	AskQty     decimal.Decimal `json:"askQty"`
	ObservedAt time.Time       `json:"observedAt"`
	Source     BookSource      `json:"source"`
}

// Key returns the cache key for the snapshot.
func (t TopOfBook) Key() BookKey {
	return BookKey{Exchange: t.Exchange, Symbol: t.Symbol}
}

// PriceFor returns the executable price for the given side: buyers pay the
// ask, sellers hit the bid.
func (t TopOfBook) PriceFor(side Side) decimal.Decimal {
	if side == SideBuy {
		return t.AskPrice
	}
	return t.BidPrice
}

// BookKey identifies one (exchange, symbol) slot.
type BookKey struct {
	Exchange string
	Symbol   string
}

func (k BookKey) String() string {
	return k.Exchange + ":" + k.Symbol
}

// PriceLevel is one [price, qty] row of an order book side.
type PriceLevel [2]decimal.Decimal

// BookView is the API representation of a venue's book.
type BookView struct {
	Exchange string       `json:"exchange"`
	Symbol   string       `json:"symbol"`
	Bids     []PriceLevel `json:"bids"`
	Asks     []PriceLevel `json:"asks"`
	TS       int64        `json:"ts"`
}

// ViewOf converts a top-of-book snapshot into a one-level BookView.
func ViewOf(t TopOfBook) BookView {
	v := BookView{
		Exchange: t.Exchange,
		Symbol:   t.Symbol,
		Bids:     []PriceLevel{},
		Asks:     []PriceLevel{},
		TS:       t.ObservedAt.UnixMilli(),
	}
	if t.BidPrice.IsPositive() {
		v.Bids = append(v.Bids, PriceLevel{t.BidPrice, t.BidQty})
	}
	if t.AskPrice.IsPositive() {
		v.Asks = append(v.Asks, PriceLevel{t.AskPrice, t.AskQty})
	}
	return v
}
