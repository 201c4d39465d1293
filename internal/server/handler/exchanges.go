package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/xarb/internal/domain"
	"github.com/alanyoungcy/xarb/internal/exchange"
)

// Venues resolves adapters and reports their connection state.
type Venues interface {
	VenueStatuses
	Get(name string) (exchange.Adapter, error)
}

// ExchangeHandler serves /exchanges.
type ExchangeHandler struct {
	venues Venues
	logger *slog.Logger
}

// NewExchangeHandler creates an ExchangeHandler.
func NewExchangeHandler(venues Venues, logger *slog.Logger) *ExchangeHandler {
	return &ExchangeHandler{venues: venues, logger: logger}
}

// List GET /exchanges
func (h *ExchangeHandler) List(w http.ResponseWriter, r *http.Request) {
	st := h.venues.Statuses()
	if st == nil {
		st = []domain.VenueConnection{}
	}
	writeData(w, http.StatusOK, st)
}

// Reset clears a failed venue so that its stream reconnects.
// POST /exchanges/{name}/reset
func (h *ExchangeHandler) Reset(w http.ResponseWriter, r *http.Request) {
	name := strings.ToLower(r.PathValue("name"))
	a, err := h.venues.Get(name)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	reset := a.Reset()
	h.logger.InfoContext(r.Context(), "exchange reset requested",
		slog.String("exchange", name),
		slog.Bool("reset", reset),
	)
	writeData(w, http.StatusOK, struct {
		Reset  bool                   `json:"reset"`
		Status domain.VenueConnection `json:"status"`
	}{reset, a.Status()})
}
