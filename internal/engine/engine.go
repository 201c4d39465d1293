// Package engine runs the detector and hands its opportunities to the
// executor. It can be started and stopped at runtime.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/xarb/internal/arbitrage"
	"github.com/alanyoungcy/xarb/internal/domain"
	"github.com/alanyoungcy/xarb/internal/events"
)

// Executor executes a detected opportunity.
type Executor interface {
	ExecuteDualLeg(ctx context.Context, opp domain.Opportunity) (*domain.TradeRecord, error)
}

// Config tunes the engine.
type Config struct {
	// AutoExecute submits opportunities of threshold-mode pairs. When off,
	// opportunities are only published.
	AutoExecute  bool
	RESTFallback bool
	Reconcile    time.Duration
	Buffer       int
	// Recent is how many opportunities are kept for the status view.
	Recent int
}

// Deps are the engine's collaborators.
type Deps struct {
	Books     arbitrage.Books
	Pairs     arbitrage.Pairs
	Busy      arbitrage.Busy
	Intervals arbitrage.Intervals
	Executor  Executor
	Events    events.Publisher
	Logger    *slog.Logger
}

// Status is the engine control view.
type Status struct {
	Running       bool                     `json:"running"`
	AutoExecute   bool                     `json:"autoExecute"`
	StartedAt     *time.Time               `json:"startedAt,omitempty"`
	Opportunities int64                    `json:"opportunities"`
	Executions    int64                    `json:"executions"`
	Failures      int64                    `json:"failures"`
	Dropped       int                      `json:"dropped"`
	Pairs         []arbitrage.WorkerStatus `json:"pairs"`
	Recent        []domain.Opportunity     `json:"recent"`
}

// Engine owns one detector per Start.
type Engine struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	opps     atomic.Int64
	execs    atomic.Int64
	failures atomic.Int64

	mu        sync.Mutex
	det       *arbitrage.Detector
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time
	recent    []domain.Opportunity
	inflight  sync.WaitGroup
}

// New creates an Engine.
func New(cfg Config, deps Deps) *Engine {
	if cfg.Recent <= 0 {
		cfg.Recent = 50
	}
	if deps.Events == nil {
		deps.Events = events.Discard{}
	}
	return &Engine{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.With(slog.String("component", "engine")),
	}
}

// ErrRunning is returned by Start when the engine is already running.
var ErrRunning = fmt.Errorf("engine already running: %w", domain.ErrConflict)

// ErrStopped is returned by Stop when the engine is not running.
var ErrStopped = fmt.Errorf("engine not running: %w", domain.ErrConflict)

// Start launches a fresh detector. The engine outlives ctx's cancellation;
// call Stop to end it.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.det != nil {
		return ErrRunning
	}

	det := arbitrage.NewDetector(arbitrage.DetectorConfig{
		Books:        e.deps.Books,
		Pairs:        e.deps.Pairs,
		Busy:         e.deps.Busy,
		Intervals:    e.deps.Intervals,
		Events:       e.deps.Events,
		RESTFallback: e.cfg.RESTFallback,
		Reconcile:    e.cfg.Reconcile,
		Buffer:       e.cfg.Buffer,
		Logger:       e.deps.Logger,
	})
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	e.det, e.cancel, e.done = det, cancel, done
	e.startedAt = time.Now()

	go func() {
		if err := det.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.ErrorContext(runCtx, "detector stopped", slog.String("error", err.Error()))
		}
	}()
	go func() {
		defer close(done)
		e.consume(runCtx, det)
	}()

	e.logger.InfoContext(ctx, "engine started", slog.Bool("auto_execute", e.cfg.AutoExecute))
	return nil
}

// Stop ends the detector and waits for in-flight executions. Opportunities
// still buffered when Stop is called are discarded.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.det == nil {
		e.mu.Unlock()
		return ErrStopped
	}
	cancel, done := e.cancel, e.done
	e.det, e.cancel, e.done = nil, nil, nil
	e.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	e.inflight.Wait()
	e.logger.InfoContext(ctx, "engine stopped",
		slog.Int64("opportunities", e.opps.Load()),
		slog.Int64("executions", e.execs.Load()),
	)
	return nil
}

// Run starts the engine and stops it when ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Stop(stopCtx); err != nil && !errors.Is(err, ErrStopped) {
		return err
	}
	return nil
}

// Running reports whether a detector is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.det != nil
}

func (e *Engine) consume(ctx context.Context, det *arbitrage.Detector) {
	for opp := range det.Opportunities() {
		e.opps.Add(1)
		e.remember(opp)
		if !e.cfg.AutoExecute || e.deps.Executor == nil || ctx.Err() != nil {
			continue
		}
		pair, err := e.deps.Pairs.Get(ctx, opp.PairID)
		if err != nil || pair.ExecutionMode != domain.ModeThreshold {
			continue
		}
		e.inflight.Add(1)
		go func() {
			defer e.inflight.Done()
			e.execute(ctx, opp)
		}()
	}
}

func (e *Engine) execute(ctx context.Context, opp domain.Opportunity) {
	trade, err := e.deps.Executor.ExecuteDualLeg(context.WithoutCancel(ctx), opp)
	logger := e.logger.With(slog.String("pair_id", opp.PairID), slog.String("opportunity_id", opp.ID))
	if err != nil {
		e.failures.Add(1)
		var rr *domain.RiskRejection
		if errors.As(err, &rr) || errors.Is(err, domain.ErrDuplicate) {
			logger.InfoContext(ctx, "opportunity not executed", slog.String("reason", err.Error()))
			return
		}
		logger.WarnContext(ctx, "opportunity execution failed",
			slog.String("error_code", domain.CodeOf(err)),
			slog.String("error", err.Error()),
		)
		return
	}
	e.execs.Add(1)
	if trade.Status != domain.TradeCompleted {
		e.failures.Add(1)
	}
}

func (e *Engine) remember(opp domain.Opportunity) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recent = append(e.recent, opp)
	if len(e.recent) > e.cfg.Recent {
		e.recent = e.recent[len(e.recent)-e.cfg.Recent:]
	}
}

// Status returns the engine state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	det := e.det
	st := Status{
		Running:       det != nil,
		AutoExecute:   e.cfg.AutoExecute,
		Opportunities: e.opps.Load(),
		Executions:    e.execs.Load(),
		Failures:      e.failures.Load(),
		Pairs:         []arbitrage.WorkerStatus{},
		Recent:        make([]domain.Opportunity, 0, len(e.recent)),
	}
	for i := len(e.recent) - 1; i >= 0; i-- {
		st.Recent = append(st.Recent, e.recent[i])
	}
	if det != nil {
		started := e.startedAt
		st.StartedAt = &started
	}
	e.mu.Unlock()

	if det != nil {
		st.Pairs = det.Status()
		st.Dropped = det.Dropped()
	}
	return st
}
