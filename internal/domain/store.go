package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	PairID string
	Since  *time.Time
	Until  *time.Time
}

// PairStore persists monitoring pairs.
type PairStore interface {
	Save(ctx context.Context, pair MonitoringPair) error
	FindByID(ctx context.Context, id string) (MonitoringPair, error)
	FindActive(ctx context.Context) ([]MonitoringPair, error)
	List(ctx context.Context) ([]MonitoringPair, error)
	Delete(ctx context.Context, id string) error
}

// TradeStore persists trade records once they reach a terminal state.
type TradeStore interface {
	Save(ctx context.Context, trade TradeRecord) error
	FindByID(ctx context.Context, id string) (TradeRecord, error)
	// FindActive returns non-terminal trades and partial trades still
	// awaiting remediation.
	FindActive(ctx context.Context) ([]TradeRecord, error)
	List(ctx context.Context, opts ListOpts) ([]TradeRecord, error)
	SumNetProfit(ctx context.Context, since time.Time) (decimal.Decimal, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// TWAPStore persists TWAP plans and their slice history.
type TWAPStore interface {
	Save(ctx context.Context, plan TWAPPlan) error
	FindByID(ctx context.Context, id string) (TWAPPlan, error)
	FindActive(ctx context.Context) ([]TWAPPlan, error)
	List(ctx context.Context, opts ListOpts) ([]TWAPPlan, error)
	AppendSlice(ctx context.Context, slice TWAPSlice) error
	ListSlices(ctx context.Context, planID string) ([]TWAPSlice, error)
	// FindFinished returns terminal plans whose last activity (last slice,
	// or creation when none ran) is before the cutoff.
	FindFinished(ctx context.Context, before time.Time) ([]TWAPPlan, error)
	// Delete removes plans together with their slices.
	Delete(ctx context.Context, ids ...string) (int64, error)
}
