package exchange

import (
	"sync"
	"time"

	"github.com/alanyoungcy/xarb/internal/domain"
)

// ConnTracker owns a venue's VenueConnection. Only the adapter and its
// stream mutate it; Snapshot hands out copies.
type ConnTracker struct {
	mu    sync.Mutex
	state domain.VenueConnection
	now   func() time.Time
}

// NewConnTracker creates a tracker in the idle state.
func NewConnTracker(venue string, publicOnly bool, budget int) *ConnTracker {
	t := &ConnTracker{now: time.Now}
	t.state = domain.VenueConnection{
		Exchange:   venue,
		PublicOnly: publicOnly,
		State:      domain.ConnIdle,
		RateBudget: budget,
		UpdatedAt:  t.now(),
	}
	return t
}

// Snapshot returns a copy of the current state.
func (t *ConnTracker) Snapshot() domain.VenueConnection {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// State returns the current lifecycle state.
func (t *ConnTracker) State() domain.ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.State
}

func (t *ConnTracker) set(state domain.ConnState, attempts int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.State = state
	t.state.Connected = state == domain.ConnConnected
	if attempts >= 0 {
		t.state.ReconnectAttempts = attempts
	}
	if err != nil {
		t.state.LastError = err.Error()
	}
	t.state.UpdatedAt = t.now()
}

// RecordError stores err as the last error without changing state.
func (t *ConnTracker) RecordError(err error) {
	if err == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.LastError = err.Error()
	t.state.UpdatedAt = t.now()
}

// SetRateBudget records the remaining request budget.
func (t *ConnTracker) SetRateBudget(n int) {
	t.mu.Lock()
	t.state.RateBudget = n
	t.mu.Unlock()
}
