package handler

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/alanyoungcy/xarb/internal/domain"
)

// Check tests one dependency.
type Check func(ctx context.Context) error

// VenueStatuses lists exchange connection states.
type VenueStatuses interface {
	Statuses() []domain.VenueConnection
}

// HealthHandler serves GET /health.
type HealthHandler struct {
	mode    string
	started time.Time
	checks  map[string]Check
	venues  VenueStatuses
}

// NewHealthHandler creates a HealthHandler. checks may be nil.
func NewHealthHandler(mode string, checks map[string]Check, venues VenueStatuses) *HealthHandler {
	return &HealthHandler{mode: mode, started: time.Now(), checks: checks, venues: venues}
}

type healthView struct {
	Status        string                   `json:"status"`
	Mode          string                   `json:"mode"`
	UptimeSeconds int64                    `json:"uptimeSeconds"`
	Checks        map[string]string        `json:"checks"`
	Exchanges     []domain.VenueConnection `json:"exchanges"`
}

// HealthCheck reports "ok" when every dependency answers and at least one
// exchange is connected, "degraded" otherwise. It always returns 200 so
// that load balancers keep routing to a degraded instance.
// GET /health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	view := healthView{
		Status:        "ok",
		Mode:          h.mode,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
		Checks:        make(map[string]string, len(h.checks)),
		Exchanges:     []domain.VenueConnection{},
	}
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			view.Checks[name] = err.Error()
			view.Status = "degraded"
			continue
		}
		view.Checks[name] = "ok"
	}
	if h.venues != nil {
		view.Exchanges = h.venues.Statuses()
		connected := false
		for _, v := range view.Exchanges {
			connected = connected || v.Connected
		}
		if !connected {
			view.Status = "degraded"
		}
	}
	writeData(w, http.StatusOK, view)
}
