// Package memory provides in-process stores used when no database is
// configured, and by tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/xarb/internal/domain"
)

// PairStore implements domain.PairStore.
type PairStore struct {
	mu    sync.RWMutex
	pairs map[string]domain.MonitoringPair
}

// NewPairStore creates an empty PairStore.
func NewPairStore() *PairStore {
	return &PairStore{pairs: make(map[string]domain.MonitoringPair)}
}

func (s *PairStore) Save(_ context.Context, p domain.MonitoringPair) error {
	s.mu.Lock()
	s.pairs[p.ID] = p
	s.mu.Unlock()
	return nil
}

func (s *PairStore) FindByID(_ context.Context, id string) (domain.MonitoringPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pairs[id]
	if !ok {
		return p, fmt.Errorf("pair %s: %w", id, domain.ErrNotFound)
	}
	return p, nil
}

func (s *PairStore) FindActive(ctx context.Context) ([]domain.MonitoringPair, error) {
	all, _ := s.List(ctx)
	out := all[:0]
	for _, p := range all {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *PairStore) List(context.Context) ([]domain.MonitoringPair, error) {
	s.mu.RLock()
	out := make([]domain.MonitoringPair, 0, len(s.pairs))
	for _, p := range s.pairs {
		out = append(out, p)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *PairStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pairs[id]; !ok {
		return fmt.Errorf("pair %s: %w", id, domain.ErrNotFound)
	}
	delete(s.pairs, id)
	return nil
}

// TradeStore implements domain.TradeStore.
type TradeStore struct {
	mu     sync.RWMutex
	trades map[string]domain.TradeRecord
}

// NewTradeStore creates an empty TradeStore.
func NewTradeStore() *TradeStore {
	return &TradeStore{trades: make(map[string]domain.TradeRecord)}
}

func (s *TradeStore) Save(_ context.Context, t domain.TradeRecord) error {
	s.mu.Lock()
	s.trades[t.TradeID] = t
	s.mu.Unlock()
	return nil
}

func (s *TradeStore) FindByID(_ context.Context, id string) (domain.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.trades[id]
	if !ok {
		return t, fmt.Errorf("trade %s: %w", id, domain.ErrNotFound)
	}
	return t, nil
}

// sorted returns trades newest first.
func (s *TradeStore) sorted() []domain.TradeRecord {
	s.mu.RLock()
	out := make([]domain.TradeRecord, 0, len(s.trades))
	for _, t := range s.trades {
		out = append(out, t)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (s *TradeStore) FindActive(context.Context) ([]domain.TradeRecord, error) {
	var out []domain.TradeRecord
	for _, t := range s.sorted() {
		if t.Status == domain.TradePending || t.Status == domain.TradePartial {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *TradeStore) List(_ context.Context, opts domain.ListOpts) ([]domain.TradeRecord, error) {
	var out []domain.TradeRecord
	skipped := 0
	for _, t := range s.sorted() {
		if opts.PairID != "" && t.PairID != opts.PairID {
			continue
		}
		if opts.Since != nil && t.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && !t.CreatedAt.Before(*opts.Until) {
			continue
		}
		if skipped < opts.Offset {
			skipped++
			continue
		}
		out = append(out, t)
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}

func (s *TradeStore) SumNetProfit(_ context.Context, since time.Time) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum := decimal.Zero
	for _, t := range s.trades {
		if t.Status == domain.TradeFailed || t.CreatedAt.Before(since) {
			continue
		}
		sum = sum.Add(t.NetProfit)
	}
	return sum, nil
}

func (s *TradeStore) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, t := range s.trades {
		if t.CreatedAt.Before(before) {
			delete(s.trades, id)
			n++
		}
	}
	return n, nil
}

// TWAPStore implements domain.TWAPStore.
type TWAPStore struct {
	mu     sync.RWMutex
	plans  map[string]domain.TWAPPlan
	slices map[string][]domain.TWAPSlice
}

// NewTWAPStore creates an empty TWAPStore.
func NewTWAPStore() *TWAPStore {
	return &TWAPStore{
		plans:  make(map[string]domain.TWAPPlan),
		slices: make(map[string][]domain.TWAPSlice),
	}
}

func (s *TWAPStore) Save(_ context.Context, p domain.TWAPPlan) error {
	s.mu.Lock()
	s.plans[p.PlanID] = p
	s.mu.Unlock()
	return nil
}

func (s *TWAPStore) FindByID(_ context.Context, id string) (domain.TWAPPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[id]
	if !ok {
		return p, fmt.Errorf("twap plan %s: %w", id, domain.ErrNotFound)
	}
	return p, nil
}

func (s *TWAPStore) FindActive(ctx context.Context) ([]domain.TWAPPlan, error) {
	all, _ := s.List(ctx, domain.ListOpts{})
	out := all[:0]
	for _, p := range all {
		if !p.State.Terminal() {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *TWAPStore) List(_ context.Context, opts domain.ListOpts) ([]domain.TWAPPlan, error) {
	s.mu.RLock()
	out := make([]domain.TWAPPlan, 0, len(s.plans))
	for _, p := range s.plans {
		if opts.PairID == "" || p.PairID == opts.PairID {
			out = append(out, p)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *TWAPStore) AppendSlice(_ context.Context, sl domain.TWAPSlice) error {
	s.mu.Lock()
	s.slices[sl.PlanID] = append(s.slices[sl.PlanID], sl)
	s.mu.Unlock()
	return nil
}

func (s *TWAPStore) ListSlices(_ context.Context, planID string) ([]domain.TWAPSlice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.TWAPSlice(nil), s.slices[planID]...), nil
}

func (s *TWAPStore) FindFinished(ctx context.Context, before time.Time) ([]domain.TWAPPlan, error) {
	all, _ := s.List(ctx, domain.ListOpts{})
	out := all[:0]
	for _, p := range all {
		if p.State.Terminal() && p.LastActivity().Before(before) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *TWAPStore) Delete(_ context.Context, ids ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, id := range ids {
		if _, ok := s.plans[id]; ok {
			delete(s.plans, id)
			delete(s.slices, id)
			n++
		}
	}
	return n, nil
}

var (
	_ domain.PairStore  = (*PairStore)(nil)
	_ domain.TradeStore = (*TradeStore)(nil)
	_ domain.TWAPStore  = (*TWAPStore)(nil)
)
