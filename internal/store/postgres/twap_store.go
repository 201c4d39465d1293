package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/xarb/internal/domain"
)

// TWAPStore implements domain.TWAPStore using PostgreSQL.
type TWAPStore struct {
	pool *pgxpool.Pool
}

// NewTWAPStore creates a TWAPStore backed by the given pool.
func NewTWAPStore(pool *pgxpool.Pool) *TWAPStore {
	return &TWAPStore{pool: pool}
}

const planSelectCols = `plan_id, name, pair_id, legs, total_qty, slice_qty, interval_ms,
	executed_qty, slices_done, failed_slices, consecutive_failures, state,
	created_at, last_execution_at, next_execution_at`

func scanPlan(row pgx.Row) (domain.TWAPPlan, error) {
	var p domain.TWAPPlan
	var legs []byte
	var state string
	err := row.Scan(&p.PlanID, &p.Name, &p.PairID, &legs, &p.TotalQty, &p.SliceQty, &p.IntervalMs,
		&p.ExecutedQty, &p.SlicesDone, &p.FailedSlices, &p.ConsecutiveFailures, &state,
		&p.CreatedAt, &p.LastExecutionAt, &p.NextExecutionAt,
	)
	if err != nil {
		return p, err
	}
	p.State = domain.PlanState(state)
	if err := json.Unmarshal(legs, &p.Legs); err != nil {
		return p, fmt.Errorf("decode legs: %w", err)
	}
	return p, nil
}

func collectPlans(rows pgx.Rows) ([]domain.TWAPPlan, error) {
	defer rows.Close()
	var out []domain.TWAPPlan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Save upserts a plan.
func (s *TWAPStore) Save(ctx context.Context, p domain.TWAPPlan) error {
	legs, err := json.Marshal(p.Legs)
	if err != nil {
		return fmt.Errorf("postgres: marshal plan legs: %w", err)
	}
	const query = `
		INSERT INTO twap_plans (` + planSelectCols + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (plan_id) DO UPDATE SET
			executed_qty = EXCLUDED.executed_qty,
			slices_done = EXCLUDED.slices_done,
			failed_slices = EXCLUDED.failed_slices,
			consecutive_failures = EXCLUDED.consecutive_failures,
			state = EXCLUDED.state,
			last_execution_at = EXCLUDED.last_execution_at,
			next_execution_at = EXCLUDED.next_execution_at`
	_, err = s.pool.Exec(ctx, query,
		p.PlanID, p.Name, p.PairID, legs, p.TotalQty, p.SliceQty, p.IntervalMs,
		p.ExecutedQty, p.SlicesDone, p.FailedSlices, p.ConsecutiveFailures, string(p.State),
		p.CreatedAt, p.LastExecutionAt, p.NextExecutionAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save twap plan %s: %w", p.PlanID, err)
	}
	return nil
}

// FindByID returns one plan.
func (s *TWAPStore) FindByID(ctx context.Context, id string) (domain.TWAPPlan, error) {
	p, err := scanPlan(s.pool.QueryRow(ctx, `SELECT `+planSelectCols+` FROM twap_plans WHERE plan_id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return p, fmt.Errorf("twap plan %s: %w", id, domain.ErrNotFound)
		}
		return p, fmt.Errorf("postgres: get twap plan %s: %w", id, err)
	}
	return p, nil
}

// FindActive returns plans that are not in a terminal state.
func (s *TWAPStore) FindActive(ctx context.Context) ([]domain.TWAPPlan, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+planSelectCols+` FROM twap_plans
		WHERE state IN ('pending', 'running', 'paused') ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active twap plans: %w", err)
	}
	plans, err := collectPlans(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan active twap plans: %w", err)
	}
	return plans, nil
}

// List returns plans oldest first.
func (s *TWAPStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.TWAPPlan, error) {
	query := `SELECT ` + planSelectCols + ` FROM twap_plans WHERE 1=1`
	args := []any{}
	argIdx := 1
	if opts.PairID != "" {
		query += fmt.Sprintf(" AND pair_id = $%d", argIdx)
		args = append(args, opts.PairID)
		argIdx++
	}
	query += " ORDER BY created_at"
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
		return nil, fmt.Errorf("postgres: list twap plans: %w", err)
	}
	plans, err := collectPlans(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan twap plans: %w", err)
	}
	return plans, nil
}

// AppendSlice records one slice outcome.
func (s *TWAPStore) AppendSlice(ctx context.Context, sl domain.TWAPSlice) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO twap_slices (plan_id, slice_index, trade_id, qty, status, error, note, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (plan_id, slice_index) DO UPDATE SET
			trade_id = EXCLUDED.trade_id,
			qty = EXCLUDED.qty,
			status = EXCLUDED.status,
			error = EXCLUDED.error,
			note = EXCLUDED.note,
			ts = EXCLUDED.ts`,
		sl.PlanID, sl.SliceIndex, sl.TradeID, sl.Qty, string(sl.Status), sl.Error, sl.Note, sl.TS,
	)
	if err != nil {
		return fmt.Errorf("postgres: append twap slice %s/%d: %w", sl.PlanID, sl.SliceIndex, err)
	}
	return nil
}

// ListSlices returns a plan's slices in execution order.
func (s *TWAPStore) ListSlices(ctx context.Context, planID string) ([]domain.TWAPSlice, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT plan_id, slice_index, trade_id, qty, status, error, note, ts
		FROM twap_slices WHERE plan_id = $1 ORDER BY slice_index`, planID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list twap slices %s: %w", planID, err)
	}
	defer rows.Close()
	var out []domain.TWAPSlice
	for rows.Next() {
		var sl domain.TWAPSlice
		var status string
		if err := rows.Scan(&sl.PlanID, &sl.SliceIndex, &sl.TradeID, &sl.Qty, &status, &sl.Error, &sl.Note, &sl.TS); err != nil {
			return nil, fmt.Errorf("postgres: scan twap slice: %w", err)
		}
		sl.Status = domain.TradeStatus(status)
		out = append(out, sl)
	}
	return out, rows.Err()
}

// FindFinished returns terminal plans idle since before, oldest first.
func (s *TWAPStore) FindFinished(ctx context.Context, before time.Time) ([]domain.TWAPPlan, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+planSelectCols+` FROM twap_plans
		WHERE state IN ('completed', 'cancelled', 'failed')
		  AND COALESCE(last_execution_at, created_at) < $1
		ORDER BY created_at`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list finished twap plans: %w", err)
	}
	plans, err := collectPlans(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan finished twap plans: %w", err)
	}
	return plans, nil
}

// Delete removes plans; their slices go with them (ON DELETE CASCADE).
func (s *TWAPStore) Delete(ctx context.Context, ids ...string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM twap_plans WHERE plan_id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete twap plans: %w", err)
	}
	return tag.RowsAffected(), nil
}

var _ domain.TWAPStore = (*TWAPStore)(nil)
