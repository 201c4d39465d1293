package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/xarb/internal/domain"
)

// PairsChannel carries pair changes to other instances.
const PairsChannel = "xarb:pairs"

// PairService is the registry of monitoring pairs. Reads are served from
// memory; every mutation is written through to the PairStore.
type PairService struct {
	store  domain.PairStore
	bus    domain.SignalBus
	venues map[string]bool
	logger *slog.Logger
	now    func() time.Time
	origin string

	mu      sync.RWMutex
	pairs   map[string]domain.MonitoringPair
	enabled []func(id string)
}

// NewPairService creates a PairService. bus may be nil. When venues is
// non-empty, legs must name one of them.
func NewPairService(store domain.PairStore, bus domain.SignalBus, venues []string, logger *slog.Logger) *PairService {
	known := make(map[string]bool, len(venues))
	for _, v := range venues {
		known[strings.ToLower(v)] = true
	}
	return &PairService{
		store:  store,
		bus:    bus,
		venues: known,
		logger: logger.With(slog.String("component", "pair_service")),
		now:    time.Now,
		origin: uuid.NewString(),
		pairs:  make(map[string]domain.MonitoringPair),
	}
}

// OnEnable registers a hook run when an operator re-enables a pair.
func (s *PairService) OnEnable(fn func(id string)) {
	s.mu.Lock()
	s.enabled = append(s.enabled, fn)
	s.mu.Unlock()
}

// Load replaces the in-memory registry with the store contents.
func (s *PairService) Load(ctx context.Context) error {
	pairs, err := s.store.List(ctx)
	if err != nil {
		return fmt.Errorf("pair_service: load: %w", err)
	}
	s.mu.Lock()
	s.pairs = make(map[string]domain.MonitoringPair, len(pairs))
	for _, p := range pairs {
		s.pairs[p.ID] = p
	}
	s.mu.Unlock()
	s.logger.InfoContext(ctx, "pairs loaded", slog.Int("count", len(pairs)))
	return nil
}

func normalizeLeg(l domain.PairLeg) domain.PairLeg {
	l.Exchange = strings.ToLower(strings.TrimSpace(l.Exchange))
	l.Symbol = strings.ToUpper(strings.TrimSpace(l.Symbol))
	l.InstrumentType = domain.NormalizeInstrument(string(l.InstrumentType))
	l.Side = domain.Side(strings.ToLower(string(l.Side)))
	return l
}

func (s *PairService) validate(p domain.MonitoringPair) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if len(s.venues) == 0 {
		return nil
	}
	for i, l := range []domain.PairLeg{p.Leg1, p.Leg2} {
		if !s.venues[l.Exchange] {
			return domain.NewValidationError(fmt.Sprintf("leg%d.exchange", i+1), "unknown exchange "+l.Exchange)
		}
	}
	return nil
}

// Create registers a new pair. Symbols are upper-cased, the id defaults to
// {leg1.exchange}_{leg2.exchange}_{lower(leg1.symbol)} and an existing id is
// a conflict.
func (s *PairService) Create(ctx context.Context, p domain.MonitoringPair) (domain.MonitoringPair, error) {
	p.Leg1, p.Leg2 = normalizeLeg(p.Leg1), normalizeLeg(p.Leg2)
	if p.ExecutionMode == "" {
		p.ExecutionMode = domain.ModeThreshold
	}
	if p.ID == "" {
		p.ID = domain.DefaultPairID(p.Leg1, p.Leg2)
	}
	if err := s.validate(p); err != nil {
		return domain.MonitoringPair{}, err
	}
	now := s.now()
	p.CreatedAt, p.UpdatedAt = now, now
	p.ExecutionCount, p.TotalTriggers, p.LastTriggeredAt = 0, 0, nil
	if p.Enabled {
		p.DisabledReason = ""
	}

	s.mu.Lock()
	if _, ok := s.pairs[p.ID]; ok {
		s.mu.Unlock()
		return domain.MonitoringPair{}, fmt.Errorf("pair_service: pair %s: %w", p.ID, domain.ErrConflict)
	}
	s.pairs[p.ID] = p
	s.mu.Unlock()

	if err := s.store.Save(ctx, p); err != nil {
		s.mu.Lock()
		delete(s.pairs, p.ID)
		s.mu.Unlock()
		return domain.MonitoringPair{}, fmt.Errorf("pair_service: save %s: %w", p.ID, err)
	}
	s.logger.InfoContext(ctx, "pair created",
		slog.String("pair_id", p.ID),
		slog.String("threshold_pct", p.ThresholdPct.String()),
		slog.String("mode", string(p.ExecutionMode)),
	)
	s.publish(ctx, "created", p)
	return p, nil
}

// Update replaces the definition of an existing pair, keeping its counters.
func (s *PairService) Update(ctx context.Context, id string, in domain.MonitoringPair) (domain.MonitoringPair, error) {
	in.Leg1, in.Leg2 = normalizeLeg(in.Leg1), normalizeLeg(in.Leg2)
	if in.ExecutionMode == "" {
		in.ExecutionMode = domain.ModeThreshold
	}
	return s.mutate(ctx, id, "updated", func(p *domain.MonitoringPair) error {
		next := in
		next.ID = p.ID
		next.ExecutionCount = p.ExecutionCount
		next.TotalTriggers = p.TotalTriggers
		next.LastTriggeredAt = p.LastTriggeredAt
		next.CreatedAt = p.CreatedAt
		if next.Enabled {
			next.DisabledReason = ""
		} else if next.DisabledReason == "" {
			next.DisabledReason = p.DisabledReason
		}
		if err := s.validate(next); err != nil {
			return err
		}
		*p = next
		return nil
	})
}

// Delete removes a pair.
func (s *PairService) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	p, ok := s.pairs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("pair_service: pair %s: %w", id, domain.ErrNotFound)
	}
	delete(s.pairs, id)
	s.mu.Unlock()

	if err := s.store.Delete(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("pair_service: delete %s: %w", id, err)
	}
	s.logger.InfoContext(ctx, "pair deleted", slog.String("pair_id", id))
	s.publish(ctx, "deleted", p)
	return nil
}

// Get returns one pair.
func (s *PairService) Get(_ context.Context, id string) (domain.MonitoringPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pairs[id]
	if !ok {
		return domain.MonitoringPair{}, fmt.Errorf("pair_service: pair %s: %w", id, domain.ErrNotFound)
	}
	return p, nil
}

// List returns every pair ordered by id.
func (s *PairService) List(context.Context) ([]domain.MonitoringPair, error) {
	s.mu.RLock()
	out := make([]domain.MonitoringPair, 0, len(s.pairs))
	for _, p := range s.pairs {
		out = append(out, p)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Active returns enabled pairs that still have executions left.
func (s *PairService) Active(ctx context.Context) ([]domain.MonitoringPair, error) {
	all, _ := s.List(ctx)
	out := all[:0]
	for _, p := range all {
		if p.Enabled && !p.Exhausted() {
			out = append(out, p)
		}
	}
	return out, nil
}

// RecordTrigger counts a threshold crossing.
func (s *PairService) RecordTrigger(ctx context.Context, id string, at time.Time) error {
	_, err := s.mutate(ctx, id, "", func(p *domain.MonitoringPair) error {
		p.TotalTriggers++
		p.LastTriggeredAt = &at
		return nil
	})
	return err
}

// RecordExecution counts an execution that reached the exchanges. A pair
// that reaches maxExecs is disabled.
func (s *PairService) RecordExecution(ctx context.Context, id string) (domain.MonitoringPair, error) {
	return s.mutate(ctx, id, "executed", func(p *domain.MonitoringPair) error {
		p.ExecutionCount++
		if p.Exhausted() && p.Enabled {
			p.Enabled = false
			p.DisabledReason = fmt.Sprintf("max executions reached (%d)", p.MaxExecs)
			s.logger.InfoContext(ctx, "pair exhausted", slog.String("pair_id", p.ID), slog.Int("max_execs", p.MaxExecs))
		}
		return nil
	})
}

// Disable takes a pair out of rotation.
func (s *PairService) Disable(ctx context.Context, id, reason string) (domain.MonitoringPair, error) {
	return s.mutate(ctx, id, "disabled", func(p *domain.MonitoringPair) error {
		p.Enabled = false
		p.DisabledReason = reason
		return nil
	})
}

// Enable puts a pair back into rotation. An exhausted pair gets a fresh
// execution count.
func (s *PairService) Enable(ctx context.Context, id string) (domain.MonitoringPair, error) {
	p, err := s.mutate(ctx, id, "enabled", func(p *domain.MonitoringPair) error {
		p.Enabled = true
		p.DisabledReason = ""
		if p.Exhausted() {
			p.ExecutionCount = 0
		}
		return nil
	})
	if err != nil {
		return p, err
	}
	s.mu.RLock()
	hooks := append([]func(string){}, s.enabled...)
	s.mu.RUnlock()
	for _, fn := range hooks {
		fn(id)
	}
	return p, nil
}

// mutate applies fn under the registry lock and writes the result through.
// An empty action suppresses the change notification.
func (s *PairService) mutate(ctx context.Context, id, action string, fn func(*domain.MonitoringPair) error) (domain.MonitoringPair, error) {
	s.mu.Lock()
	p, ok := s.pairs[id]
	if !ok {
		s.mu.Unlock()
		return domain.MonitoringPair{}, fmt.Errorf("pair_service: pair %s: %w", id, domain.ErrNotFound)
	}
	if err := fn(&p); err != nil {
		s.mu.Unlock()
		return domain.MonitoringPair{}, err
	}
	p.UpdatedAt = s.now()
	s.pairs[id] = p
	s.mu.Unlock()

	if err := s.store.Save(context.WithoutCancel(ctx), p); err != nil {
		s.logger.ErrorContext(ctx, "persist pair failed", slog.String("pair_id", id), slog.String("error", err.Error()))
		return p, fmt.Errorf("pair_service: save %s: %w", id, err)
	}
	if action != "" {
		s.publish(ctx, action, p)
	}
	return p, nil
}

type pairChange struct {
	Origin string                `json:"origin"`
	Action string                `json:"action"`
	Pair   domain.MonitoringPair `json:"pair"`
}

func (s *PairService) publish(ctx context.Context, action string, p domain.MonitoringPair) {
	if s.bus == nil {
		return
	}
	payload, _ := json.Marshal(pairChange{Origin: s.origin, Action: action, Pair: p})
	if err := s.bus.Publish(ctx, PairsChannel, payload); err != nil {
		s.logger.WarnContext(ctx, "publish pair change failed",
			slog.String("pair_id", p.ID),
			slog.String("error", err.Error()),
		)
	}
}

// Follow applies pair changes published by other instances to the local
// registry until ctx ends. Changes this instance published are skipped, as
// are updates older than the copy already held.
func (s *PairService) Follow(ctx context.Context) error {
	if s.bus == nil {
		return nil
	}
	msgs, err := s.bus.Subscribe(ctx, PairsChannel)
	if err != nil {
		s.logger.WarnContext(ctx, "pair change subscription failed", slog.String("error", err.Error()))
		return nil
	}
	s.logger.InfoContext(ctx, "following pair changes", slog.String("channel", PairsChannel))
	for {
		select {
		case <-ctx.Done():
			return nil
		case payload, ok := <-msgs:
			if !ok {
				return nil
			}
			s.applyRemote(ctx, payload)
		}
	}
}

func (s *PairService) applyRemote(ctx context.Context, payload []byte) {
	var ch pairChange
	if err := json.Unmarshal(payload, &ch); err != nil {
		s.logger.WarnContext(ctx, "bad pair change", slog.String("error", err.Error()))
		return
	}
	if ch.Origin == s.origin || ch.Pair.ID == "" {
		return
	}

	s.mu.Lock()
	cur, ok := s.pairs[ch.Pair.ID]
	switch {
	case ch.Action == "deleted":
		delete(s.pairs, ch.Pair.ID)
	case ok && ch.Pair.UpdatedAt.Before(cur.UpdatedAt):
		s.mu.Unlock()
		return
	default:
		s.pairs[ch.Pair.ID] = ch.Pair
	}
	hooks := append([]func(string){}, s.enabled...)
	s.mu.Unlock()

	s.logger.DebugContext(ctx, "pair change applied",
		slog.String("pair_id", ch.Pair.ID),
		slog.String("action", ch.Action),
	)
	if ch.Action == "enabled" {
		for _, fn := range hooks {
			fn(ch.Pair.ID)
		}
	}
}
