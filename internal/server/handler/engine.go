package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/xarb/internal/engine"
)

// Engine is the monitoring engine lifecycle.
type Engine interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status() engine.Status
}

// EngineHandler serves /engine.
type EngineHandler struct {
	eng    Engine
	logger *slog.Logger
}

// NewEngineHandler creates an EngineHandler.
func NewEngineHandler(eng Engine, logger *slog.Logger) *EngineHandler {
	return &EngineHandler{eng: eng, logger: logger}
}

// Status GET /engine/status
func (h *EngineHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, h.eng.Status())
}

// Start POST /engine/start
func (h *EngineHandler) Start(w http.ResponseWriter, r *http.Request) {
	if err := h.eng.Start(r.Context()); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	h.logger.InfoContext(r.Context(), "engine started via api")
	writeData(w, http.StatusOK, h.eng.Status())
}

// Stop POST /engine/stop
func (h *EngineHandler) Stop(w http.ResponseWriter, r *http.Request) {
	if err := h.eng.Stop(r.Context()); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	h.logger.InfoContext(r.Context(), "engine stopped via api")
	writeData(w, http.StatusOK, h.eng.Status())
}
