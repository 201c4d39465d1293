package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/xarb/internal/domain"
	"github.com/alanyoungcy/xarb/internal/events"
)

// Built-in rule names.
const (
	RuleAvgLatency        = "avg_latency"
	RuleSuccessRate       = "success_rate"
	RuleVenueDisconnected = "venue_disconnected"
	RuleRiskRejections    = "risk_rejections"
	RulePartialFill       = "partial_fill"
	RuleCircuitOpen       = "circuit_open"
)

// Inputs is what rules evaluate.
type Inputs struct {
	Venues           []domain.VenueConnection
	Stats            map[string]VenueStats
	RecentRejections int
}

// Rule produces zero or more alerts from the current inputs.
type Rule struct {
	Name     string
	Severity domain.Severity
	Eval     func(in Inputs) []domain.Alert
}

// Thresholds parameterise the built-in rules.
type Thresholds struct {
	MaxAvgLatency  time.Duration
	MinSuccessRate float64
	MinSamples     int
	MaxRejections  int
}

// DefaultRules returns the standard rule set.
func DefaultRules(t Thresholds) []Rule {
	if t.MaxAvgLatency <= 0 {
		t.MaxAvgLatency = time.Second
	}
	if t.MinSuccessRate <= 0 {
		t.MinSuccessRate = 0.95
	}
	if t.MinSamples <= 0 {
		t.MinSamples = 10
	}
	if t.MaxRejections <= 0 {
		t.MaxRejections = 10
	}
	maxMs := float64(t.MaxAvgLatency.Milliseconds())

	return []Rule{
		{
			Name:     RuleAvgLatency,
			Severity: domain.SeverityWarning,
			Eval: func(in Inputs) []domain.Alert {
				var out []domain.Alert
				for _, st := range in.Stats {
					if st.Samples > 0 && st.AvgLatencyMs > maxMs {
						out = append(out, domain.Alert{
							Exchange: st.Venue,
							Title:    "High latency",
							Message:  fmt.Sprintf("%s average REST latency %.0fms exceeds %.0fms", st.Venue, st.AvgLatencyMs, maxMs),
						})
					}
				}
				return out
			},
		},
		{
			Name:     RuleSuccessRate,
			Severity: domain.SeverityWarning,
			Eval: func(in Inputs) []domain.Alert {
				var out []domain.Alert
				for _, st := range in.Stats {
					if st.Samples >= t.MinSamples && st.SuccessRate < t.MinSuccessRate {
						out = append(out, domain.Alert{
							Exchange: st.Venue,
							Title:    "Low success rate",
							Message:  fmt.Sprintf("%s success rate %.2f below %.2f (last error: %s)", st.Venue, st.SuccessRate, t.MinSuccessRate, st.LastError),
						})
					}
				}
				return out
			},
		},
		{
			Name:     RuleVenueDisconnected,
			Severity: domain.SeverityCritical,
			Eval: func(in Inputs) []domain.Alert {
				var out []domain.Alert
				for _, v := range in.Venues {
					if v.State == domain.ConnDisconnected || v.State == domain.ConnReconnecting {
						out = append(out, domain.Alert{
							Exchange: v.Exchange,
							Title:    "Venue disconnected",
							Message:  fmt.Sprintf("%s stream is %s after %d attempts: %s", v.Exchange, v.State, v.ReconnectAttempts, v.LastError),
						})
					}
				}
				return out
			},
		},
		{
			Name:     RuleRiskRejections,
			Severity: domain.SeverityWarning,
			Eval: func(in Inputs) []domain.Alert {
				if in.RecentRejections <= t.MaxRejections {
					return nil
				}
				return []domain.Alert{{
					Title:   "Frequent risk rejections",
					Message: fmt.Sprintf("%d risk rejections in the current window (limit %d)", in.RecentRejections, t.MaxRejections),
				}}
			},
		},
	}
}

// Deliverer sends alerts outside the process.
type Deliverer interface {
	Deliver(ctx context.Context, a domain.Alert) error
}

// VenueStatuses lists venue connection states.
type VenueStatuses interface {
	Statuses() []domain.VenueConnection
}

// AlertConfig wires an AlertService.
type AlertConfig struct {
	Rules    []Rule
	Cooldown time.Duration
	Interval time.Duration
	// History is how many recent alerts are kept for the API.
	History  int
	Monitor  *PerformanceMonitor
	Venues   VenueStatuses
	Events   events.Publisher
	Delivery Deliverer
	Logger   *slog.Logger
	Now      func() time.Time
}

// AlertService evaluates rules periodically and delivers alerts, suppressing
// repeats of the same rule and subject within the cooldown.
type AlertService struct {
	cfg    AlertConfig
	logger *slog.Logger

	mu      sync.Mutex
	last    map[string]time.Time
	history []domain.Alert
}

// NewAlertService creates an AlertService.
func NewAlertService(cfg AlertConfig) *AlertService {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.History <= 0 {
		cfg.History = 100
	}
	if cfg.Events == nil {
		cfg.Events = events.Discard{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &AlertService{
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("component", "alerts")),
		last:   make(map[string]time.Time),
	}
}

// Raise delivers a unless the same rule and subject fired within the
// cooldown.
func (s *AlertService) Raise(ctx context.Context, a domain.Alert) {
	s.raise(ctx, a)
}

func (s *AlertService) raise(ctx context.Context, a domain.Alert) bool {
	now := s.cfg.Now()
	if a.TS.IsZero() {
		a.TS = now
	}
	subject := a.Subject()

	s.mu.Lock()
	if at, ok := s.last[subject]; ok && now.Sub(at) < s.cfg.Cooldown {
		s.mu.Unlock()
		return false
	}
	s.last[subject] = now
	s.history = append(s.history, a)
	if len(s.history) > s.cfg.History {
		s.history = s.history[len(s.history)-s.cfg.History:]
	}
	s.mu.Unlock()

	level := slog.LevelWarn
	if a.Severity == domain.SeverityCritical {
		level = slog.LevelError
	}
	s.logger.Log(ctx, level, "alert raised",
		slog.String("rule", a.Rule),
		slog.String("severity", string(a.Severity)),
		slog.String("subject", subject),
		slog.String("message", a.Message),
	)
	s.cfg.Events.Publish(domain.NewEvent(domain.EventEngineAlert, a))
	if s.cfg.Delivery != nil {
		if err := s.cfg.Delivery.Deliver(context.WithoutCancel(ctx), a); err != nil {
			s.logger.WarnContext(ctx, "alert delivery failed", slog.String("rule", a.Rule), slog.String("error", err.Error()))
		}
	}
	return true
}

// Evaluate runs every rule once and returns the alerts that went out.
func (s *AlertService) Evaluate(ctx context.Context) []domain.Alert {
	in := Inputs{Stats: map[string]VenueStats{}}
	if s.cfg.Venues != nil {
		in.Venues = s.cfg.Venues.Statuses()
	}
	if s.cfg.Monitor != nil {
		snap := s.cfg.Monitor.Snapshot()
		for _, v := range snap.Venues {
			in.Stats[v.Venue] = v
		}
		in.RecentRejections = snap.RecentRejections
	}

	var raised []domain.Alert
	for _, r := range s.cfg.Rules {
		for _, a := range r.Eval(in) {
			a.Rule = r.Name
			if a.Severity == "" {
				a.Severity = r.Severity
			}
			if s.raise(ctx, a) {
				raised = append(raised, a)
			}
		}
	}
	return raised
}

// Run evaluates the rules on an interval until ctx ends.
func (s *AlertService) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Evaluate(ctx)
		}
	}
}

// Recent returns delivered alerts, newest first.
func (s *AlertService) Recent() []domain.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Alert, len(s.history))
	for i, a := range s.history {
		out[len(s.history)-1-i] = a
	}
	return out
}
