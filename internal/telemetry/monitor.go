// Package telemetry tracks venue health and market volatility, raises alerts
// and trips per-pair circuit breakers.
package telemetry

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/xarb/internal/domain"
)

// MonitorConfig tunes the PerformanceMonitor.
type MonitorConfig struct {
	// Window is the number of samples kept per venue and per symbol.
	Window int
	// MinInterval is used at or above HighVolatility, MaxInterval at or
	// below LowVolatility; in between the interval is interpolated.
	MinInterval    time.Duration
	MaxInterval    time.Duration
	LowVolatility  float64
	HighVolatility float64
	// RejectionWindow bounds the risk rejection rate.
	RejectionWindow time.Duration
	Now             func() time.Time
}

func (c *MonitorConfig) defaults() {
	if c.Window <= 0 {
		c.Window = 100
	}
	if c.MinInterval <= 0 {
		c.MinInterval = 500 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = time.Second
	}
	if c.LowVolatility <= 0 {
		c.LowVolatility = 0.0001
	}
	if c.HighVolatility <= c.LowVolatility {
		c.HighVolatility = c.LowVolatility * 10
	}
	if c.RejectionWindow <= 0 {
		c.RejectionWindow = 5 * time.Minute
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// ring is a fixed-size float window.
type ring struct {
	vals []float64
	next int
	full bool
}

func newRing(n int) *ring { return &ring{vals: make([]float64, n)} }

func (r *ring) add(v float64) {
	r.vals[r.next] = v
	r.next = (r.next + 1) % len(r.vals)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) values() []float64 {
	if r.full {
		return r.vals
	}
	return r.vals[:r.next]
}

type venueStats struct {
	latency   *ring
	successes int64
	failures  *ring
	lastError string
	lastErrAt time.Time
}

type priceSeries struct {
	last    float64
	returns *ring
}

// VenueStats is the health summary for one venue.
type VenueStats struct {
	Venue        string    `json:"venue"`
	Calls        int64     `json:"calls"`
	Failures     int64     `json:"failures"`
	AvgLatencyMs float64   `json:"avgLatencyMs"`
	SuccessRate  float64   `json:"successRate"`
	Samples      int       `json:"samples"`
	LastError    string    `json:"lastError,omitempty"`
	LastErrorAt  time.Time `json:"lastErrorAt,omitzero"`
}

// PerformanceMonitor records REST latency and outcomes per venue, price
// returns per symbol and risk rejections.
type PerformanceMonitor struct {
	cfg MonitorConfig

	mu         sync.Mutex
	venues     map[string]*venueStats
	calls      map[string]int64
	failures   map[string]int64
	prices     map[string]*priceSeries
	rejections []time.Time
}

// NewPerformanceMonitor creates a PerformanceMonitor.
func NewPerformanceMonitor(cfg MonitorConfig) *PerformanceMonitor {
	cfg.defaults()
	return &PerformanceMonitor{
		cfg:      cfg,
		venues:   make(map[string]*venueStats),
		calls:    make(map[string]int64),
		failures: make(map[string]int64),
		prices:   make(map[string]*priceSeries),
	}
}

func (m *PerformanceMonitor) venue(name string) *venueStats {
	v, ok := m.venues[name]
	if !ok {
		v = &venueStats{latency: newRing(m.cfg.Window), failures: newRing(m.cfg.Window)}
		m.venues[name] = v
	}
	return v
}

// ObserveCall records one REST round trip.
func (m *PerformanceMonitor) ObserveCall(venue, _ string, latency time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.venue(venue)
	v.latency.add(float64(latency) / float64(time.Millisecond))
	m.calls[venue]++
	if err != nil {
		v.failures.add(1)
		m.failures[venue]++
		v.lastError = err.Error()
		v.lastErrAt = m.cfg.Now()
		return
	}
	v.failures.add(0)
	v.successes++
}

// ObserveRejection counts a risk rejection.
func (m *PerformanceMonitor) ObserveRejection(string, *domain.RiskRejection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejections = append(m.rejections, m.cfg.Now())
	m.pruneRejections()
}

// pruneRejections drops timestamps outside the window. Caller holds mu.
func (m *PerformanceMonitor) pruneRejections() {
	cutoff := m.cfg.Now().Add(-m.cfg.RejectionWindow)
	i := 0
	for i < len(m.rejections) && m.rejections[i].Before(cutoff) {
		i++
	}
	m.rejections = m.rejections[i:]
}

// RecentRejections returns the number of risk rejections in the window.
func (m *PerformanceMonitor) RecentRejections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneRejections()
	return len(m.rejections)
}

// ObservePrice records the mid price of a snapshot.
func (m *PerformanceMonitor) ObservePrice(snap domain.TopOfBook) {
	mid := snap.BidPrice.Add(snap.AskPrice).InexactFloat64() / 2
	if mid <= 0 {
		return
	}
	key := snap.Exchange + ":" + strings.ToUpper(snap.Symbol)

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.prices[key]
	if !ok {
		m.prices[key] = &priceSeries{last: mid, returns: newRing(m.cfg.Window)}
		return
	}
	if mid != s.last {
		s.returns.add((mid - s.last) / s.last)
		s.last = mid
	}
}

// Run feeds ObservePrice from a cache update stream until it closes or ctx
// ends.
func (m *PerformanceMonitor) Run(ctx context.Context, updates <-chan domain.TopOfBook) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-updates:
			if !ok {
				return nil
			}
			m.ObservePrice(snap)
		}
	}
}

// Volatility is the mean standard deviation of returns across symbols.
func (m *PerformanceMonitor) Volatility() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum float64
	var n int
	for _, s := range m.prices {
		vals := s.returns.values()
		if len(vals) < 2 {
			continue
		}
		sum += stddev(vals)
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func stddev(vals []float64) float64 {
	var mean float64
	for _, v := range vals {
		mean += v
	}
	mean /= float64(len(vals))
	var ss float64
	for _, v := range vals {
		ss += (v - mean) * (v - mean)
	}
	return math.Sqrt(ss / float64(len(vals)-1))
}

// PollInterval maps the current volatility onto [MinInterval, MaxInterval]:
// the busier the market, the faster pairs are evaluated.
func (m *PerformanceMonitor) PollInterval() time.Duration {
	return m.intervalFor(m.Volatility())
}

func (m *PerformanceMonitor) intervalFor(vol float64) time.Duration {
	lo, hi := m.cfg.LowVolatility, m.cfg.HighVolatility
	switch {
	case vol <= lo:
		return m.cfg.MaxInterval
	case vol >= hi:
		return m.cfg.MinInterval
	}
	frac := (vol - lo) / (hi - lo)
	span := float64(m.cfg.MaxInterval - m.cfg.MinInterval)
	return m.cfg.MaxInterval - time.Duration(frac*span)
}

// Venue returns the stats for one venue.
func (m *PerformanceMonitor) Venue(name string) VenueStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statsLocked(name)
}

func (m *PerformanceMonitor) statsLocked(name string) VenueStats {
	st := VenueStats{Venue: name, Calls: m.calls[name], Failures: m.failures[name], SuccessRate: 1}
	v, ok := m.venues[name]
	if !ok {
		return st
	}
	lat := v.latency.values()
	st.Samples = len(lat)
	if len(lat) > 0 {
		var sum float64
		for _, l := range lat {
			sum += l
		}
		st.AvgLatencyMs = sum / float64(len(lat))
	}
	if fails := v.failures.values(); len(fails) > 0 {
		var failed float64
		for _, f := range fails {
			failed += f
		}
		st.SuccessRate = 1 - failed/float64(len(fails))
	}
	st.LastError, st.LastErrorAt = v.lastError, v.lastErrAt
	return st
}

// Snapshot is the telemetry view served by the API.
type Snapshot struct {
	Venues           []VenueStats `json:"venues"`
	Volatility       float64      `json:"volatility"`
	PollIntervalMs   int64        `json:"pollIntervalMs"`
	RecentRejections int          `json:"recentRejections"`
}

// Snapshot returns every venue's stats and the derived polling interval.
func (m *PerformanceMonitor) Snapshot() Snapshot {
	vol := m.Volatility()
	m.mu.Lock()
	names := make([]string, 0, len(m.venues))
	for n := range m.venues {
		names = append(names, n)
	}
	sort.Strings(names)
	s := Snapshot{Volatility: vol, Venues: make([]VenueStats, 0, len(names))}
	for _, n := range names {
		s.Venues = append(s.Venues, m.statsLocked(n))
	}
	m.pruneRejections()
	s.RecentRejections = len(m.rejections)
	m.mu.Unlock()
	s.PollIntervalMs = m.intervalFor(vol).Milliseconds()
	return s
}
