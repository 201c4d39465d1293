package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/xarb/internal/domain"
)

// PairStore implements domain.PairStore using PostgreSQL.
type PairStore struct {
	pool *pgxpool.Pool
}

// NewPairStore creates a PairStore backed by the given pool.
func NewPairStore(pool *pgxpool.Pool) *PairStore {
	return &PairStore{pool: pool}
}

const pairSelectCols = `id,
	leg1_exchange, leg1_symbol, leg1_instrument, leg1_side,
	leg2_exchange, leg2_symbol, leg2_instrument, leg2_side,
	threshold_pct, amount, qty, enabled, execution_mode,
	max_execs, execution_count, total_triggers, last_triggered_at,
	disabled_reason, created_at, updated_at`

func scanPair(row pgx.Row) (domain.MonitoringPair, error) {
	var p domain.MonitoringPair
	var inst1, side1, inst2, side2, mode string
	err := row.Scan(&p.ID,
		&p.Leg1.Exchange, &p.Leg1.Symbol, &inst1, &side1,
		&p.Leg2.Exchange, &p.Leg2.Symbol, &inst2, &side2,
		&p.ThresholdPct, &p.Amount, &p.Qty, &p.Enabled, &mode,
		&p.MaxExecs, &p.ExecutionCount, &p.TotalTriggers, &p.LastTriggeredAt,
		&p.DisabledReason, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return p, err
	}
	p.Leg1.InstrumentType, p.Leg1.Side = domain.InstrumentType(inst1), domain.Side(side1)
	p.Leg2.InstrumentType, p.Leg2.Side = domain.InstrumentType(inst2), domain.Side(side2)
	p.ExecutionMode = domain.ExecutionMode(mode)
	return p, nil
}

func collectPairs(rows pgx.Rows) ([]domain.MonitoringPair, error) {
	defer rows.Close()
	var out []domain.MonitoringPair
	for rows.Next() {
		p, err := scanPair(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Save upserts a pair.
func (s *PairStore) Save(ctx context.Context, p domain.MonitoringPair) error {
	const query = `
		INSERT INTO monitoring_pairs (` + pairSelectCols + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
		ON CONFLICT (id) DO UPDATE SET
			leg1_exchange = EXCLUDED.leg1_exchange,
			leg1_symbol = EXCLUDED.leg1_symbol,
			leg1_instrument = EXCLUDED.leg1_instrument,
			leg1_side = EXCLUDED.leg1_side,
			leg2_exchange = EXCLUDED.leg2_exchange,
			leg2_symbol = EXCLUDED.leg2_symbol,
			leg2_instrument = EXCLUDED.leg2_instrument,
			leg2_side = EXCLUDED.leg2_side,
			threshold_pct = EXCLUDED.threshold_pct,
			amount = EXCLUDED.amount,
			qty = EXCLUDED.qty,
			enabled = EXCLUDED.enabled,
			execution_mode = EXCLUDED.execution_mode,
			max_execs = EXCLUDED.max_execs,
			execution_count = EXCLUDED.execution_count,
			total_triggers = EXCLUDED.total_triggers,
			last_triggered_at = EXCLUDED.last_triggered_at,
			disabled_reason = EXCLUDED.disabled_reason,
			updated_at = EXCLUDED.updated_at`
	_, err := s.pool.Exec(ctx, query, p.ID,
		p.Leg1.Exchange, p.Leg1.Symbol, string(p.Leg1.InstrumentType), string(p.Leg1.Side),
		p.Leg2.Exchange, p.Leg2.Symbol, string(p.Leg2.InstrumentType), string(p.Leg2.Side),
		p.ThresholdPct, p.Amount, p.Qty, p.Enabled, string(p.ExecutionMode),
		p.MaxExecs, p.ExecutionCount, p.TotalTriggers, p.LastTriggeredAt,
		p.DisabledReason, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save pair %s: %w", p.ID, err)
	}
	return nil
}

// FindByID returns one pair.
func (s *PairStore) FindByID(ctx context.Context, id string) (domain.MonitoringPair, error) {
	p, err := scanPair(s.pool.QueryRow(ctx, `SELECT `+pairSelectCols+` FROM monitoring_pairs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return p, fmt.Errorf("pair %s: %w", id, domain.ErrNotFound)
		}
		return p, fmt.Errorf("postgres: get pair %s: %w", id, err)
	}
	return p, nil
}

// FindActive returns the enabled pairs.
func (s *PairStore) FindActive(ctx context.Context) ([]domain.MonitoringPair, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pairSelectCols+` FROM monitoring_pairs WHERE enabled ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active pairs: %w", err)
	}
	pairs, err := collectPairs(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan active pairs: %w", err)
	}
	return pairs, nil
}

// List returns every pair ordered by id.
func (s *PairStore) List(ctx context.Context) ([]domain.MonitoringPair, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pairSelectCols+` FROM monitoring_pairs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pairs: %w", err)
	}
	pairs, err := collectPairs(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan pairs: %w", err)
	}
	return pairs, nil
}

// Delete removes a pair.
func (s *PairStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM monitoring_pairs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete pair %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("pair %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

var _ domain.PairStore = (*PairStore)(nil)
