package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/xarb/internal/domain"
	"github.com/alanyoungcy/xarb/internal/service"
)

// Executor runs a manual dual-leg execution for a pair.
type Executor interface {
	Execute(ctx context.Context, pairID string) (*domain.TradeRecord, error)
}

// TradeService reads trade history.
type TradeService interface {
	List(ctx context.Context, opts domain.ListOpts) ([]domain.TradeRecord, error)
	Get(ctx context.Context, id string) (domain.TradeRecord, error)
	Summarize(ctx context.Context, since time.Time) (service.Summary, error)
}

// ArbHandler serves the /arbitrage endpoints.
type ArbHandler struct {
	exec   Executor // nil in monitor mode
	trades TradeService
	logger *slog.Logger
}

// NewArbHandler creates an ArbHandler. exec may be nil when trading is
// disabled.
func NewArbHandler(exec Executor, trades TradeService, logger *slog.Logger) *ArbHandler {
	return &ArbHandler{exec: exec, trades: trades, logger: logger}
}

// Execute runs one dual-leg execution against the current books. A risk
// rejection is returned as RISK_REJECTED; a trade that reached the venues
// is returned even when it failed or is partial.
// POST /arbitrage/execute/{pairId}
func (h *ArbHandler) Execute(w http.ResponseWriter, r *http.Request) {
	if h.exec == nil {
		writeFail(w, domain.CodeConfig, "trading is disabled in this run mode")
		return
	}
	pairID := r.PathValue("pairId")
	trade, err := h.exec.Execute(r.Context(), pairID)
	if err != nil && trade == nil {
		writeError(w, r, h.logger, err)
		return
	}
	if err != nil {
		h.logger.WarnContext(r.Context(), "manual execution incomplete",
			slog.String("pair_id", pairID),
			slog.String("trade_id", trade.TradeID),
			slog.String("error", err.Error()),
		)
	}
	writeData(w, http.StatusOK, trade)
}

// ListTrades GET /arbitrage/trades?pairId=&since=&until=&limit=&offset=
func (h *ArbHandler) ListTrades(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	trades, err := h.trades.List(r.Context(), opts)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if trades == nil {
		trades = []domain.TradeRecord{}
	}
	writeData(w, http.StatusOK, trades)
}

// GetTrade GET /arbitrage/trades/{id}
func (h *ArbHandler) GetTrade(w http.ResponseWriter, r *http.Request) {
	t, err := h.trades.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, t)
}

// Profit returns realised net profit since ?since= (default: 24h ago).
// GET /arbitrage/profit
func (h *ArbHandler) Profit(w http.ResponseWriter, r *http.Request) {
	since := time.Now().UTC().Add(-24 * time.Hour)
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			writeFail(w, domain.CodeValidation, "since: must be RFC 3339 or unix milliseconds")
			return
		}
		since = t
	}
	sum, err := h.trades.Summarize(r.Context(), since)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, sum)
}
