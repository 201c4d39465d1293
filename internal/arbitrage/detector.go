package arbitrage

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/xarb/internal/domain"
	"github.com/alanyoungcy/xarb/internal/events"
)

// PairState is where a pair worker is in its evaluation cycle.
type PairState string

const (
	StateIdle          PairState = "idle"
	StateEvaluating    PairState = "evaluating"
	StateOpportunity   PairState = "opportunity"
	StateNoOpportunity PairState = "no_opportunity"
)

// Books reads cached top-of-book snapshots.
type Books interface {
	Cached(exchange, symbol string) (domain.TopOfBook, bool)
	Book(ctx context.Context, exchange, symbol string, it domain.InstrumentType) (domain.TopOfBook, error)
}

// Pairs is the pair registry the detector reads from.
type Pairs interface {
	Active(ctx context.Context) ([]domain.MonitoringPair, error)
	Get(ctx context.Context, id string) (domain.MonitoringPair, error)
	RecordTrigger(ctx context.Context, id string, at time.Time) error
}

// Busy reports pairs with legs in flight.
type Busy interface {
	Busy(pairID string) bool
}

// Intervals supplies the current polling interval.
type Intervals interface {
	PollInterval() time.Duration
}

// fixedInterval is used when no telemetry is wired.
type fixedInterval time.Duration

func (f fixedInterval) PollInterval() time.Duration { return time.Duration(f) }

// DetectorConfig configures the detector.
type DetectorConfig struct {
	Books     Books
	Pairs     Pairs
	Busy      Busy
	Intervals Intervals
	Events    events.Publisher
	// RESTFallback fetches a missing book through the venue adapter.
	RESTFallback bool
	// Reconcile is how often the set of active pairs is re-read.
	Reconcile time.Duration
	Buffer    int
	Logger    *slog.Logger
	Now       func() time.Time
}

// Detector runs one evaluation goroutine per enabled pair and emits
// opportunities on a channel.
type Detector struct {
	cfg    DetectorConfig
	out    chan domain.Opportunity
	logger *slog.Logger

	mu      sync.Mutex
	workers map[string]*worker
	dropped int
	wg      sync.WaitGroup
}

type worker struct {
	cancel context.CancelFunc
	mu     sync.Mutex
	state  PairState
	last   *domain.Opportunity
}

func (w *worker) set(s PairState) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// NewDetector creates a detector.
func NewDetector(cfg DetectorConfig) *Detector {
	if cfg.Intervals == nil {
		cfg.Intervals = fixedInterval(time.Second)
	}
	if cfg.Events == nil {
		cfg.Events = events.Discard{}
	}
	if cfg.Reconcile <= 0 {
		cfg.Reconcile = 2 * time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Detector{
		cfg:     cfg,
		out:     make(chan domain.Opportunity, cfg.Buffer),
		logger:  cfg.Logger.With(slog.String("component", "arb_detector")),
		workers: make(map[string]*worker),
	}
}

// Opportunities is the stream of detected opportunities. It is closed when
// Run returns.
func (d *Detector) Opportunities() <-chan domain.Opportunity { return d.out }

// Evaluate prices one pair from the current books. It reports false when a
// leg is missing or the spread does not exceed the pair threshold.
func (d *Detector) Evaluate(ctx context.Context, pair domain.MonitoringPair) (domain.Opportunity, Spread, bool) {
	b1, ok1 := d.book(ctx, pair.Leg1)
	b2, ok2 := d.book(ctx, pair.Leg2)
	if !ok1 || !ok2 {
		return domain.Opportunity{}, Spread{}, false
	}
	s := Compute(pair, b1, b2)
	if !s.Triggers(pair.ThresholdPct) {
		return domain.Opportunity{}, s, false
	}
	return s.Opportunity(pair.ID, d.cfg.Now()), s, true
}

func (d *Detector) book(ctx context.Context, leg domain.PairLeg) (domain.TopOfBook, bool) {
	if snap, ok := d.cfg.Books.Cached(leg.Exchange, leg.Symbol); ok {
		return snap, true
	}
	if !d.cfg.RESTFallback {
		return domain.TopOfBook{}, false
	}
	snap, err := d.cfg.Books.Book(ctx, leg.Exchange, leg.Symbol, leg.InstrumentType)
	if err != nil {
		d.logger.DebugContext(ctx, "rest fallback failed",
			slog.String("exchange", leg.Exchange),
			slog.String("symbol", leg.Symbol),
			slog.String("error", err.Error()),
		)
		return domain.TopOfBook{}, false
	}
	return snap, true
}

// Run reconciles pair workers until ctx is cancelled.
func (d *Detector) Run(ctx context.Context) error {
	d.logger.Info("arb detector started")
	defer func() {
		d.stopAll()
		close(d.out)
		d.logger.Info("arb detector stopped")
	}()

	d.reconcile(ctx)
	ticker := time.NewTicker(d.cfg.Reconcile)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.reconcile(ctx)
		}
	}
}

// reconcile starts workers for newly enabled pairs and stops workers whose
// pair went away.
func (d *Detector) reconcile(ctx context.Context) {
	pairs, err := d.cfg.Pairs.Active(ctx)
	if err != nil {
		d.logger.WarnContext(ctx, "list active pairs failed", slog.String("error", err.Error()))
		return
	}
	want := make(map[string]bool, len(pairs))
	for _, p := range pairs {
		want[p.ID] = true
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for id, w := range d.workers {
		if !want[id] {
			w.cancel()
			delete(d.workers, id)
		}
	}
	for id := range want {
		if _, ok := d.workers[id]; ok {
			continue
		}
		wctx, cancel := context.WithCancel(ctx)
		w := &worker{cancel: cancel, state: StateIdle}
		d.workers[id] = w
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.runPair(wctx, id, w)
		}()
	}
}

func (d *Detector) stopAll() {
	d.mu.Lock()
	for id, w := range d.workers {
		w.cancel()
		delete(d.workers, id)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Detector) runPair(ctx context.Context, pairID string, w *worker) {
	logger := d.logger.With(slog.String("pair_id", pairID))
	logger.Debug("pair worker started")
	timer := time.NewTimer(d.cfg.Intervals.PollInterval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		d.tick(ctx, pairID, w, logger)
		timer.Reset(d.cfg.Intervals.PollInterval())
	}
}

func (d *Detector) tick(ctx context.Context, pairID string, w *worker, logger *slog.Logger) {
	pair, err := d.cfg.Pairs.Get(ctx, pairID)
	if err != nil || !pair.Enabled || pair.Exhausted() {
		w.set(StateIdle)
		return
	}
	if d.cfg.Busy != nil && d.cfg.Busy.Busy(pairID) {
		w.set(StateIdle)
		return
	}

	w.set(StateEvaluating)
	opp, _, ok := d.Evaluate(ctx, pair)
	if !ok {
		w.set(StateNoOpportunity)
		w.set(StateIdle)
		return
	}
	w.mu.Lock()
	w.state = StateOpportunity
	w.last = &opp
	w.mu.Unlock()

	if err := d.cfg.Pairs.RecordTrigger(ctx, pairID, opp.DetectedAt); err != nil {
		logger.WarnContext(ctx, "record trigger failed", slog.String("error", err.Error()))
	}
	d.cfg.Events.Publish(domain.NewEvent(domain.EventOpportunity, opp))
	logger.InfoContext(ctx, "opportunity detected",
		slog.String("event", string(domain.EventOpportunity)),
		slog.String("opportunity_id", opp.ID),
		slog.String("spread_pct", opp.SpreadPct.StringFixed(4)),
		slog.String("direction", string(opp.Direction)),
	)

	select {
	case d.out <- opp:
	default:
		d.mu.Lock()
		d.dropped++
		d.mu.Unlock()
		logger.Warn("opportunity dropped: consumer busy")
	}
	w.set(StateIdle)
}

// WorkerStatus is one pair worker's state.
type WorkerStatus struct {
	PairID          string              `json:"pairId"`
	State           PairState           `json:"state"`
	LastOpportunity *domain.Opportunity `json:"lastOpportunity,omitempty"`
}

// Status lists the pair workers sorted by pair id.
func (d *Detector) Status() []WorkerStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]WorkerStatus, 0, len(d.workers))
	for id, w := range d.workers {
		w.mu.Lock()
		out = append(out, WorkerStatus{PairID: id, State: w.state, LastOpportunity: w.last})
		w.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PairID < out[j].PairID })
	return out
}

// Dropped counts opportunities discarded because the consumer was full.
func (d *Detector) Dropped() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}
