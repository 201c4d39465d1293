package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/xarb/internal/domain"
)

// TradeService answers trade history queries and archives old trades.
type TradeService struct {
	trades   domain.TradeStore
	archiver domain.Archiver
	logger   *slog.Logger
}

// NewTradeService creates a TradeService. archiver may be nil.
func NewTradeService(trades domain.TradeStore, archiver domain.Archiver, logger *slog.Logger) *TradeService {
	return &TradeService{
		trades:   trades,
		archiver: archiver,
		logger:   logger.With(slog.String("component", "trade_service")),
	}
}

// List returns trades newest first.
func (s *TradeService) List(ctx context.Context, opts domain.ListOpts) ([]domain.TradeRecord, error) {
	if opts.Limit <= 0 || opts.Limit > 500 {
		opts.Limit = 100
	}
	trades, err := s.trades.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("trade_service: list: %w", err)
	}
	return trades, nil
}

// Get returns one trade.
func (s *TradeService) Get(ctx context.Context, id string) (domain.TradeRecord, error) {
	t, err := s.trades.FindByID(ctx, id)
	if err != nil {
		return domain.TradeRecord{}, fmt.Errorf("trade_service: get %s: %w", id, err)
	}
	return t, nil
}

// Unresolved returns partial trades awaiting manual remediation.
func (s *TradeService) Unresolved(ctx context.Context) ([]domain.TradeRecord, error) {
	trades, err := s.trades.FindActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("trade_service: find active: %w", err)
	}
	return trades, nil
}

// Summary aggregates realised results since a point in time.
type Summary struct {
	Since     time.Time       `json:"since"`
	NetProfit decimal.Decimal `json:"netProfit"`
}

// Summarize returns the realised net profit since the given time.
func (s *TradeService) Summarize(ctx context.Context, since time.Time) (Summary, error) {
	net, err := s.trades.SumNetProfit(ctx, since)
	if err != nil {
		return Summary{}, fmt.Errorf("trade_service: sum net profit: %w", err)
	}
	return Summary{Since: since, NetProfit: net}, nil
}

// Archive moves trades older than retention to cold storage. Without an
// archiver it only prunes the store.
func (s *TradeService) Archive(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	if s.archiver != nil {
		n, err := s.archiver.ArchiveTrades(ctx, cutoff)
		if err != nil {
			return 0, fmt.Errorf("trade_service: archive before %s: %w", cutoff.Format(time.RFC3339), err)
		}
		s.logger.InfoContext(ctx, "trades archived", slog.Int64("count", n), slog.Time("cutoff", cutoff))
		return n, nil
	}
	n, err := s.trades.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("trade_service: prune before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	s.logger.InfoContext(ctx, "trades pruned", slog.Int64("count", n), slog.Time("cutoff", cutoff))
	return n, nil
}
