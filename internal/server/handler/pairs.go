package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/xarb/internal/domain"
)

// PairService manages monitoring pairs.
type PairService interface {
	Create(ctx context.Context, p domain.MonitoringPair) (domain.MonitoringPair, error)
	Update(ctx context.Context, id string, p domain.MonitoringPair) (domain.MonitoringPair, error)
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (domain.MonitoringPair, error)
	List(ctx context.Context) ([]domain.MonitoringPair, error)
	Enable(ctx context.Context, id string) (domain.MonitoringPair, error)
}

// PairHandler serves /monitoring/pairs.
type PairHandler struct {
	svc    PairService
	logger *slog.Logger
}

// NewPairHandler creates a PairHandler.
func NewPairHandler(svc PairService, logger *slog.Logger) *PairHandler {
	return &PairHandler{svc: svc, logger: logger}
}

// ListPairs GET /monitoring/pairs
func (h *PairHandler) ListPairs(w http.ResponseWriter, r *http.Request) {
	pairs, err := h.svc.List(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if pairs == nil {
		pairs = []domain.MonitoringPair{}
	}
	writeData(w, http.StatusOK, pairs)
}

// CreatePair POST /monitoring/pairs
func (h *PairHandler) CreatePair(w http.ResponseWriter, r *http.Request) {
	var p domain.MonitoringPair
	if err := decodeJSON(r, &p); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	created, err := h.svc.Create(r.Context(), p)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeData(w, http.StatusCreated, created)
}

// GetPair GET /monitoring/pairs/{id}
func (h *PairHandler) GetPair(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, p)
}

// UpdatePair PUT /monitoring/pairs/{id}
func (h *PairHandler) UpdatePair(w http.ResponseWriter, r *http.Request) {
	var p domain.MonitoringPair
	if err := decodeJSON(r, &p); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	updated, err := h.svc.Update(r.Context(), r.PathValue("id"), p)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, updated)
}

// DeletePair DELETE /monitoring/pairs/{id}
func (h *PairHandler) DeletePair(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.svc.Delete(r.Context(), id); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"id": id})
}

// EnablePair re-enables a pair that was disabled by hand or by the
// execution cap.
// POST /monitoring/pairs/{id}/enable
func (h *PairHandler) EnablePair(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Enable(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, p)
}
