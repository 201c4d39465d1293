// Package twap slices a large hedged order into equal dual-leg child orders
// submitted on a fixed interval.
package twap

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/xarb/internal/domain"
	"github.com/alanyoungcy/xarb/internal/events"
	"github.com/alanyoungcy/xarb/internal/executor"
)

// Control actions.
const (
	ActionStart  = "start"
	ActionPause  = "pause"
	ActionResume = "resume"
	ActionCancel = "cancel"
)

// Executor submits one dual-leg slice.
type Executor interface {
	ExecuteLegs(ctx context.Context, req executor.Request) (*domain.TradeRecord, error)
}

// Pairs resolves a pair id into leg templates for plans created from a pair.
type Pairs interface {
	Get(ctx context.Context, id string) (domain.MonitoringPair, error)
}

// PlanArchiver moves finished plans and their slices to cold storage.
type PlanArchiver interface {
	ArchivePlans(ctx context.Context, before time.Time) (int64, error)
}

// Config tunes the scheduler.
type Config struct {
	// MaxConsecutiveFailures fails the plan after that many failed slices in
	// a row. Zero keeps retrying until cancelled.
	MaxConsecutiveFailures int
	Now                    func() time.Time
}

type runner struct {
	plan   domain.TWAPPlan
	slices []domain.TWAPSlice
	stop   chan struct{}
	exec   sync.Mutex
}

// Scheduler owns every TWAP plan and its tick loop.
type Scheduler struct {
	cfg      Config
	exec     Executor
	store    domain.TWAPStore
	pairs    Pairs
	events   events.Publisher
	archiver PlanArchiver
	logger   *slog.Logger

	mu      sync.Mutex
	plans   map[string]*runner
	base    context.Context
	wg      sync.WaitGroup
	stopped bool
}

// NewScheduler creates a Scheduler. store, pairs and bus may be nil.
func NewScheduler(cfg Config, exec Executor, store domain.TWAPStore, pairs Pairs, bus events.Publisher, logger *slog.Logger) *Scheduler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if bus == nil {
		bus = events.Discard{}
	}
	return &Scheduler{
		cfg:    cfg,
		exec:   exec,
		store:  store,
		pairs:  pairs,
		events: bus,
		logger: logger.With(slog.String("component", "twap")),
		plans:  make(map[string]*runner),
	}
}

// SetArchiver routes Archive through cold storage instead of deleting.
func (s *Scheduler) SetArchiver(a PlanArchiver) { s.archiver = a }

// NewPlanID returns an id of the form twap_<8 hex>.
func NewPlanID() string {
	return "twap_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Create validates and registers a plan in the pending state.
func (s *Scheduler) Create(ctx context.Context, plan domain.TWAPPlan) (domain.TWAPPlan, error) {
	if plan.PairID != "" && plan.Legs[0].Exchange == "" && s.pairs != nil {
		pair, err := s.pairs.Get(ctx, plan.PairID)
		if err != nil {
			return domain.TWAPPlan{}, fmt.Errorf("twap: load pair %s: %w", plan.PairID, err)
		}
		plan.Legs = [2]domain.LegTemplate{templateOf(pair.Leg1), templateOf(pair.Leg2)}
	}
	for i := range plan.Legs {
		l := &plan.Legs[i]
		l.Symbol = strings.ToUpper(l.Symbol)
		l.Exchange = strings.ToLower(l.Exchange)
		if l.OrderType == "" {
			l.OrderType = domain.OrderMarket
		}
		if l.InstrumentType == "" {
			l.InstrumentType = domain.InstrumentSpot
		}
	}
	if err := plan.Validate(); err != nil {
		return domain.TWAPPlan{}, err
	}

	plan.PlanID = NewPlanID()
	if plan.Name == "" {
		plan.Name = plan.PlanID
	}
	plan.ExecutedQty = decimal.Zero
	plan.SlicesDone, plan.FailedSlices, plan.ConsecutiveFailures = 0, 0, 0
	plan.State = domain.PlanPending
	plan.CreatedAt = s.cfg.Now()
	plan.LastExecutionAt, plan.NextExecutionAt = nil, nil

	if err := s.save(ctx, plan); err != nil {
		return domain.TWAPPlan{}, err
	}
	s.mu.Lock()
	s.plans[plan.PlanID] = &runner{plan: plan}
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "twap plan created",
		slog.String("plan_id", plan.PlanID),
		slog.String("name", plan.Name),
		slog.String("total_qty", plan.TotalQty.String()),
		slog.String("slice_qty", plan.SliceQty.String()),
		slog.Int64("interval_ms", plan.IntervalMs),
	)
	s.emit(plan)
	return plan, nil
}

func templateOf(l domain.PairLeg) domain.LegTemplate {
	return domain.LegTemplate{
		Exchange:       l.Exchange,
		Symbol:         l.Symbol,
		InstrumentType: l.InstrumentType,
		Side:           l.Side,
		OrderType:      domain.OrderMarket,
	}
}

// Get returns a copy of the plan.
func (s *Scheduler) Get(id string) (domain.TWAPPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.plans[id]
	if !ok {
		return domain.TWAPPlan{}, fmt.Errorf("twap: plan %s: %w", id, domain.ErrNotFound)
	}
	return r.plan, nil
}

// List returns all plans, oldest first.
func (s *Scheduler) List() []domain.TWAPPlan {
	s.mu.Lock()
	out := make([]domain.TWAPPlan, 0, len(s.plans))
	for _, r := range s.plans {
		out = append(out, r.plan)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Executions returns the slice history of a plan.
func (s *Scheduler) Executions(ctx context.Context, id string) ([]domain.TWAPSlice, error) {
	s.mu.Lock()
	r, ok := s.plans[id]
	var mem []domain.TWAPSlice
	if ok {
		mem = append(mem, r.slices...)
	}
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("twap: plan %s: %w", id, domain.ErrNotFound)
	}
	if s.store != nil {
		return s.store.ListSlices(ctx, id)
	}
	return mem, nil
}

// Control applies a lifecycle action.
func (s *Scheduler) Control(ctx context.Context, id, action string) (domain.TWAPPlan, error) {
	switch action {
	case ActionStart:
		return s.transition(ctx, id, action, domain.PlanRunning, domain.PlanPending)
	case ActionPause:
		return s.transition(ctx, id, action, domain.PlanPaused, domain.PlanRunning)
	case ActionResume:
		return s.transition(ctx, id, action, domain.PlanRunning, domain.PlanPaused)
	case ActionCancel:
		return s.transition(ctx, id, action, domain.PlanCancelled,
			domain.PlanPending, domain.PlanRunning, domain.PlanPaused)
	}
	return domain.TWAPPlan{}, domain.NewValidationError("action", "must be start, pause, resume or cancel")
}

// Start moves a pending plan to running.
func (s *Scheduler) Start(ctx context.Context, id string) (domain.TWAPPlan, error) {
	return s.Control(ctx, id, ActionStart)
}

// Pause stops future ticks. A slice already in flight completes.
func (s *Scheduler) Pause(ctx context.Context, id string) (domain.TWAPPlan, error) {
	return s.Control(ctx, id, ActionPause)
}

// Resume continues a paused plan.
func (s *Scheduler) Resume(ctx context.Context, id string) (domain.TWAPPlan, error) {
	return s.Control(ctx, id, ActionResume)
}

// Cancel ends the plan, freezing its executed quantity.
func (s *Scheduler) Cancel(ctx context.Context, id string) (domain.TWAPPlan, error) {
	return s.Control(ctx, id, ActionCancel)
}

func (s *Scheduler) transition(ctx context.Context, id, action string, to domain.PlanState, from ...domain.PlanState) (domain.TWAPPlan, error) {
	s.mu.Lock()
	r, ok := s.plans[id]
	if !ok {
		s.mu.Unlock()
		return domain.TWAPPlan{}, fmt.Errorf("twap: plan %s: %w", id, domain.ErrNotFound)
	}
	allowed := false
	for _, st := range from {
		if r.plan.State == st {
			allowed = true
		}
	}
	if !allowed {
		state := r.plan.State
		s.mu.Unlock()
		return domain.TWAPPlan{}, fmt.Errorf("twap: cannot %s plan %s in state %s: %w", action, id, state, domain.ErrConflict)
	}

	if to == domain.PlanRunning && !r.plan.Remaining().IsPositive() {
		to = domain.PlanCompleted
	}
	r.plan.State = to
	switch to {
	case domain.PlanRunning:
		next := s.cfg.Now()
		if action == ActionResume && r.plan.LastExecutionAt != nil {
			if due := r.plan.LastExecutionAt.Add(r.plan.Interval()); due.After(next) {
				next = due
			}
		}
		r.plan.NextExecutionAt = &next
		s.startLocked(id, r)
	default:
		r.plan.NextExecutionAt = nil
		s.stopLocked(r)
	}
	plan := r.plan
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "twap plan "+action,
		slog.String("plan_id", id),
		slog.String("state", string(plan.State)),
		slog.String("executed_qty", plan.ExecutedQty.String()),
	)
	if err := s.save(ctx, plan); err != nil {
		s.logger.ErrorContext(ctx, "persist twap plan failed", slog.String("plan_id", id), slog.String("error", err.Error()))
	}
	s.emit(plan)
	return plan, nil
}

// startLocked spawns the tick loop once Run has provided a base context.
// Caller holds mu.
func (s *Scheduler) startLocked(id string, r *runner) {
	if s.base == nil || s.stopped {
		return
	}
	s.stopLocked(r)
	r.stop = make(chan struct{})
	s.wg.Add(1)
	go s.loop(s.base, id, r.stop)
}

// stopLocked ends the tick loop. Caller holds mu.
func (s *Scheduler) stopLocked(r *runner) {
	if r.stop != nil {
		close(r.stop)
		r.stop = nil
	}
}

// Run resumes persisted plans and drives every running plan until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.store != nil {
		active, err := s.store.FindActive(ctx)
		if err != nil {
			return fmt.Errorf("twap: load active plans: %w", err)
		}
		s.mu.Lock()
		for _, p := range active {
			if _, ok := s.plans[p.PlanID]; !ok {
				s.plans[p.PlanID] = &runner{plan: p}
			}
		}
		s.mu.Unlock()
		if len(active) > 0 {
			s.logger.InfoContext(ctx, "twap plans restored", slog.Int("count", len(active)))
		}
	}

	s.mu.Lock()
	s.base = ctx
	for id, r := range s.plans {
		if r.plan.State == domain.PlanRunning {
			s.startLocked(id, r)
		}
	}
	s.mu.Unlock()

	<-ctx.Done()

	s.mu.Lock()
	s.stopped = true
	for _, r := range s.plans {
		s.stopLocked(r)
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

func (s *Scheduler) loop(ctx context.Context, id string, stop <-chan struct{}) {
	defer s.wg.Done()
	for {
		plan, err := s.Get(id)
		if err != nil || plan.State != domain.PlanRunning {
			return
		}
		wait := time.Duration(0)
		if plan.NextExecutionAt != nil {
			wait = plan.NextExecutionAt.Sub(s.cfg.Now())
		}
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-stop:
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		select {
		case <-stop:
			return
		default:
		}
		if _, err := s.Tick(ctx, id); err != nil {
			s.logger.WarnContext(ctx, "twap tick failed", slog.String("plan_id", id), slog.String("error", err.Error()))
			return
		}
	}
}

// Tick executes one slice of a running plan. A running plan with nothing
// left to execute is completed; plans in any other state are returned
// unchanged.
func (s *Scheduler) Tick(ctx context.Context, id string) (domain.TWAPPlan, error) {
	s.mu.Lock()
	r, ok := s.plans[id]
	s.mu.Unlock()
	if !ok {
		return domain.TWAPPlan{}, fmt.Errorf("twap: plan %s: %w", id, domain.ErrNotFound)
	}

	r.exec.Lock()
	defer r.exec.Unlock()

	s.mu.Lock()
	plan := r.plan
	s.mu.Unlock()
	if plan.State != domain.PlanRunning {
		return plan, nil
	}
	if !plan.Remaining().IsPositive() {
		return s.complete(ctx, r), nil
	}

	qty := plan.NextSliceQty()
	index := plan.SlicesDone + plan.FailedSlices
	trade, execErr := s.exec.ExecuteLegs(ctx, executor.Request{
		PairID: plan.PairID,
		PlanID: plan.PlanID,
		Source: domain.SourceTWAP,
		Legs:   plan.Legs,
		Qty:    qty,
	})

	now := s.cfg.Now()
	slice := domain.TWAPSlice{PlanID: plan.PlanID, SliceIndex: index, Qty: qty, Status: domain.TradeFailed, TS: now}
	if trade != nil {
		slice.TradeID = trade.TradeID
		slice.Status = trade.Status
		slice.Error = trade.FailureReason
	}
	if execErr != nil {
		slice.Error = execErr.Error()
	}
	success := execErr == nil && trade != nil && trade.Status == domain.TradeCompleted

	s.mu.Lock()
	p := &r.plan
	p.LastExecutionAt = &now
	switch {
	case p.State == domain.PlanCancelled:
		// Executed quantity is frozen once cancelled.
		if trade != nil && trade.Status != domain.TradeFailed {
			slice.Note = fmt.Sprintf("%s after cancel, not counted in executed quantity", trade.Status)
		}
	case success:
		p.ExecutedQty = p.ExecutedQty.Add(qty)
		p.SlicesDone++
		p.ConsecutiveFailures = 0
	default:
		p.FailedSlices++
		p.ConsecutiveFailures++
	}
	// A plan paused while this slice was in flight still completes or fails.
	if p.State == domain.PlanRunning || p.State == domain.PlanPaused {
		switch {
		case !p.Remaining().IsPositive():
			p.State = domain.PlanCompleted
			p.NextExecutionAt = nil
		case s.cfg.MaxConsecutiveFailures > 0 && p.ConsecutiveFailures >= s.cfg.MaxConsecutiveFailures:
			p.State = domain.PlanFailed
			p.NextExecutionAt = nil
		case p.State == domain.PlanRunning:
			next := now.Add(p.Interval())
			p.NextExecutionAt = &next
		}
		if p.State.Terminal() {
			s.stopLocked(r)
		}
	}
	r.slices = append(r.slices, slice)
	out := *p
	s.mu.Unlock()

	logger := s.logger.With(
		slog.String("plan_id", out.PlanID),
		slog.Int("slice_index", index),
		slog.String("qty", qty.String()),
	)
	switch {
	case slice.Note != "":
		logger.WarnContext(ctx, "twap slice executed after cancel",
			slog.String("trade_id", slice.TradeID),
			slog.String("status", string(slice.Status)),
		)
	case success:
		logger.InfoContext(ctx, "twap slice executed",
			slog.String("trade_id", slice.TradeID),
			slog.String("executed_qty", out.ExecutedQty.String()),
		)
	default:
		logger.WarnContext(ctx, "twap slice failed",
			slog.String("status", string(slice.Status)),
			slog.String("error", slice.Error),
			slog.Int("consecutive_failures", out.ConsecutiveFailures),
		)
	}
	if out.State != plan.State {
		logger.InfoContext(ctx, "twap plan "+string(out.State), slog.String("executed_qty", out.ExecutedQty.String()))
	}

	if s.store != nil {
		if err := s.store.AppendSlice(context.WithoutCancel(ctx), slice); err != nil {
			logger.ErrorContext(ctx, "persist twap slice failed", slog.String("error", err.Error()))
		}
	}
	if err := s.save(ctx, out); err != nil {
		logger.ErrorContext(ctx, "persist twap plan failed", slog.String("error", err.Error()))
	}
	s.emit(out)
	return out, nil
}

// complete finishes a running plan with nothing left to execute.
func (s *Scheduler) complete(ctx context.Context, r *runner) domain.TWAPPlan {
	s.mu.Lock()
	if r.plan.State != domain.PlanRunning {
		out := r.plan
		s.mu.Unlock()
		return out
	}
	r.plan.State = domain.PlanCompleted
	r.plan.NextExecutionAt = nil
	s.stopLocked(r)
	out := r.plan
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "twap plan completed",
		slog.String("plan_id", out.PlanID),
		slog.String("executed_qty", out.ExecutedQty.String()),
	)
	if err := s.save(ctx, out); err != nil {
		s.logger.ErrorContext(ctx, "persist twap plan failed", slog.String("plan_id", out.PlanID), slog.String("error", err.Error()))
	}
	s.emit(out)
	return out
}

// Archive removes finished plans idle for longer than retention, through
// the archiver when one is set. It implements the archive pipeline job.
func (s *Scheduler) Archive(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := s.cfg.Now().UTC().Add(-retention)
	var n int64
	var err error
	switch {
	case s.archiver != nil:
		n, err = s.archiver.ArchivePlans(ctx, cutoff)
	case s.store != nil:
		n, err = s.prune(ctx, cutoff)
	}
	if err != nil {
		return 0, fmt.Errorf("twap: archive before %s: %w", cutoff.Format(time.RFC3339), err)
	}

	s.mu.Lock()
	var evicted int64
	for id, r := range s.plans {
		if r.plan.State.Terminal() && r.plan.LastActivity().Before(cutoff) {
			delete(s.plans, id)
			evicted++
		}
	}
	s.mu.Unlock()
	if s.store == nil {
		n = evicted
	}
	s.logger.InfoContext(ctx, "twap plans archived", slog.Int64("count", n), slog.Time("cutoff", cutoff))
	return n, nil
}

func (s *Scheduler) prune(ctx context.Context, before time.Time) (int64, error) {
	plans, err := s.store.FindFinished(ctx, before)
	if err != nil {
		return 0, err
	}
	ids := make([]string, 0, len(plans))
	for _, p := range plans {
		ids = append(ids, p.PlanID)
	}
	return s.store.Delete(ctx, ids...)
}

func (s *Scheduler) save(ctx context.Context, plan domain.TWAPPlan) error {
	if s.store == nil {
		return nil
	}
	if err := s.store.Save(context.WithoutCancel(ctx), plan); err != nil {
		return fmt.Errorf("twap: save plan %s: %w", plan.PlanID, err)
	}
	return nil
}

// ProgressEvent is the twap_progress payload.
type ProgressEvent struct {
	domain.TWAPProgress
	Name string `json:"name"`
}

func (s *Scheduler) emit(plan domain.TWAPPlan) {
	s.events.Publish(domain.NewEvent(domain.EventTWAPProgress, ProgressEvent{
		TWAPProgress: plan.Progress(),
		Name:         plan.Name,
	}))
}
