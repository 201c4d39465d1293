package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/xarb/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL. Legs are kept
// as JSONB next to the scalar columns.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a TradeStore backed by the given pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const tradeSelectCols = `trade_id, pair_id, source, plan_id, opportunity_id,
	leg1, leg2, expected_profit, actual_profit, fees, net_profit,
	status, failure_reason, error_code, created_at, completed_at`

func scanTrade(row pgx.Row) (domain.TradeRecord, error) {
	var t domain.TradeRecord
	var source, status string
	var leg1, leg2 []byte
	err := row.Scan(&t.TradeID, &t.PairID, &source, &t.PlanID, &t.OpportunityID,
		&leg1, &leg2, &t.ExpectedProfit, &t.ActualProfit, &t.Fees, &t.NetProfit,
		&status, &t.FailureReason, &t.ErrorCode, &t.CreatedAt, &t.CompletedAt,
	)
	if err != nil {
		return t, err
	}
	t.Source, t.Status = domain.TradeSource(source), domain.TradeStatus(status)
	if err := json.Unmarshal(leg1, &t.Leg1); err != nil {
		return t, fmt.Errorf("decode leg1: %w", err)
	}
	if err := json.Unmarshal(leg2, &t.Leg2); err != nil {
		return t, fmt.Errorf("decode leg2: %w", err)
	}
	return t, nil
}

func collectTrades(rows pgx.Rows) ([]domain.TradeRecord, error) {
	defer rows.Close()
	var out []domain.TradeRecord
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Save upserts a trade record.
func (s *TradeStore) Save(ctx context.Context, t domain.TradeRecord) error {
	leg1, err := json.Marshal(t.Leg1)
	if err != nil {
		return fmt.Errorf("postgres: marshal leg1: %w", err)
	}
	leg2, err := json.Marshal(t.Leg2)
	if err != nil {
		return fmt.Errorf("postgres: marshal leg2: %w", err)
	}
	const query = `
		INSERT INTO trade_records (` + tradeSelectCols + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (trade_id) DO UPDATE SET
			leg1 = EXCLUDED.leg1,
			leg2 = EXCLUDED.leg2,
			actual_profit = EXCLUDED.actual_profit,
			fees = EXCLUDED.fees,
			net_profit = EXCLUDED.net_profit,
			status = EXCLUDED.status,
			failure_reason = EXCLUDED.failure_reason,
			error_code = EXCLUDED.error_code,
			completed_at = EXCLUDED.completed_at`
	_, err = s.pool.Exec(ctx, query,
		t.TradeID, t.PairID, string(t.Source), t.PlanID, t.OpportunityID,
		leg1, leg2, t.ExpectedProfit, t.ActualProfit, t.Fees, t.NetProfit,
		string(t.Status), t.FailureReason, t.ErrorCode, t.CreatedAt, t.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save trade %s: %w", t.TradeID, err)
	}
	return nil
}

// FindByID returns one trade record.
func (s *TradeStore) FindByID(ctx context.Context, id string) (domain.TradeRecord, error) {
	t, err := scanTrade(s.pool.QueryRow(ctx, `SELECT `+tradeSelectCols+` FROM trade_records WHERE trade_id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return t, fmt.Errorf("trade %s: %w", id, domain.ErrNotFound)
		}
		return t, fmt.Errorf("postgres: get trade %s: %w", id, err)
	}
	return t, nil
}

// FindActive returns pending and partial trades, newest first.
func (s *TradeStore) FindActive(ctx context.Context) ([]domain.TradeRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+tradeSelectCols+` FROM trade_records
		WHERE status IN ('pending', 'partial') ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open trades: %w", err)
	}
	trades, err := collectTrades(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open trades: %w", err)
	}
	return trades, nil
}

// List returns trades newest first with optional pair and time filters.
func (s *TradeStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.TradeRecord, error) {
	query := `SELECT ` + tradeSelectCols + ` FROM trade_records WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.PairID != "" {
		query += fmt.Sprintf(" AND pair_id = $%d", argIdx)
		args = append(args, opts.PairID)
		argIdx++
	}
	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at < $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades: %w", err)
	}
	trades, err := collectTrades(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades: %w", err)
	}
	return trades, nil
}

// SumNetProfit sums net profit of non-failed trades since the given time.
func (s *TradeStore) SumNetProfit(ctx context.Context, since time.Time) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(SUM(net_profit), 0) FROM trade_records
		WHERE status <> 'failed' AND created_at >= $1`, since).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres: sum net profit: %w", err)
	}
	return sum, nil
}

// DeleteBefore removes trades created before the given time.
func (s *TradeStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM trade_records WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete trades before: %w", err)
	}
	return tag.RowsAffected(), nil
}

var _ domain.TradeStore = (*TradeStore)(nil)
