package handler

import (
	"net/http"

	"github.com/alanyoungcy/xarb/internal/domain"
	"github.com/alanyoungcy/xarb/internal/telemetry"
)

// Monitor exposes venue performance stats.
type Monitor interface {
	Snapshot() telemetry.Snapshot
}

// Alerts exposes recent alerts.
type Alerts interface {
	Recent() []domain.Alert
}

// TelemetryHandler serves /telemetry and /alerts.
type TelemetryHandler struct {
	monitor Monitor
	alerts  Alerts
}

// NewTelemetryHandler creates a TelemetryHandler.
func NewTelemetryHandler(monitor Monitor, alerts Alerts) *TelemetryHandler {
	return &TelemetryHandler{monitor: monitor, alerts: alerts}
}

// Telemetry GET /telemetry
func (h *TelemetryHandler) Telemetry(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, h.monitor.Snapshot())
}

// Alerts GET /alerts
func (h *TelemetryHandler) Alerts(w http.ResponseWriter, r *http.Request) {
	out := h.alerts.Recent()
	if out == nil {
		out = []domain.Alert{}
	}
	writeData(w, http.StatusOK, out)
}
