package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/xarb/internal/domain"
)

// TWAPScheduler manages sliced execution plans.
type TWAPScheduler interface {
	Create(ctx context.Context, plan domain.TWAPPlan) (domain.TWAPPlan, error)
	Get(id string) (domain.TWAPPlan, error)
	List() []domain.TWAPPlan
	Executions(ctx context.Context, id string) ([]domain.TWAPSlice, error)
	Control(ctx context.Context, id, action string) (domain.TWAPPlan, error)
	Start(ctx context.Context, id string) (domain.TWAPPlan, error)
}

// TWAPHandler serves the /twap endpoints.
type TWAPHandler struct {
	sched  TWAPScheduler // nil in monitor mode
	logger *slog.Logger
}

// NewTWAPHandler creates a TWAPHandler. sched may be nil when trading is
// disabled.
func NewTWAPHandler(sched TWAPScheduler, logger *slog.Logger) *TWAPHandler {
	return &TWAPHandler{sched: sched, logger: logger}
}

func (h *TWAPHandler) available(w http.ResponseWriter) bool {
	if h.sched == nil {
		writeFail(w, domain.CodeConfig, "trading is disabled in this run mode")
		return false
	}
	return true
}

type createPlanRequest struct {
	Name       string                 `json:"name"`
	PairID     string                 `json:"pairId"`
	Legs       *[2]domain.LegTemplate `json:"legs"`
	TotalQty   decimal.Decimal        `json:"totalQty"`
	SliceQty   decimal.Decimal        `json:"sliceQty"`
	IntervalMs int64                  `json:"intervalMs"`
	AutoStart  *bool                  `json:"autoStart"`
}

// CreatePlan registers a plan and starts it unless autoStart is false.
// POST /twap/plans
func (h *TWAPHandler) CreatePlan(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	var req createPlanRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	plan := domain.TWAPPlan{
		Name:       req.Name,
		PairID:     req.PairID,
		TotalQty:   req.TotalQty,
		SliceQty:   req.SliceQty,
		IntervalMs: req.IntervalMs,
	}
	if req.Legs != nil {
		plan.Legs = *req.Legs
	}
	plan, err := h.sched.Create(r.Context(), plan)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if req.AutoStart == nil || *req.AutoStart {
		if plan, err = h.sched.Start(r.Context(), plan.PlanID); err != nil {
			writeError(w, r, h.logger, err)
			return
		}
	}
	writeData(w, http.StatusCreated, plan)
}

// ListPlans GET /twap/plans
func (h *TWAPHandler) ListPlans(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	plans := h.sched.List()
	if plans == nil {
		plans = []domain.TWAPPlan{}
	}
	writeData(w, http.StatusOK, plans)
}

type planStatus struct {
	domain.TWAPPlan
	Progress domain.TWAPProgress `json:"progress"`
}

// Status GET /twap/{id}/status
func (h *TWAPHandler) Status(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	plan, err := h.sched.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, planStatus{TWAPPlan: plan, Progress: plan.Progress()})
}

// Executions GET /twap/{id}/executions
func (h *TWAPHandler) Executions(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	slices, err := h.sched.Executions(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if slices == nil {
		slices = []domain.TWAPSlice{}
	}
	writeData(w, http.StatusOK, slices)
}

// Control applies start, pause, resume or cancel.
// POST /twap/{id}/control
func (h *TWAPHandler) Control(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	var req struct {
		Action string `json:"action"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	plan, err := h.sched.Control(r.Context(), r.PathValue("id"), req.Action)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, plan)
}
