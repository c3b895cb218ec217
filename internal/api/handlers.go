package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/loomstudio/canvas-engine/internal/auth"
	"github.com/loomstudio/canvas-engine/internal/config"
	"github.com/loomstudio/canvas-engine/internal/coordinator"
	"github.com/loomstudio/canvas-engine/internal/execstore"
	"github.com/loomstudio/canvas-engine/internal/graphstore"
	"github.com/loomstudio/canvas-engine/internal/validator"
	"github.com/loomstudio/canvas-engine/pkg/types"
)

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	graphs    graphstore.Store
	execs     execstore.Store
	coord     *coordinator.Coordinator
	validator *validator.Validator
	config    *config.Config
	logger    *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(graphs graphstore.Store, execs execstore.Store, coord *coordinator.Coordinator, v *validator.Validator, cfg *config.Config, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		graphs:    graphs,
		execs:     execs,
		coord:     coord,
		validator: v,
		config:    cfg,
		logger:    logger,
	}
}

// --- Health ---

// Health handles the /health endpoint.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// --- Canvas Management ---

// CreateCanvasRequest is the request body for creating a canvas.
type CreateCanvasRequest struct {
	ID string `json:"id"`
}

// CreateCanvas handles POST /api/v1/canvases
func (h *Handlers) CreateCanvas(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateCanvasRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeValidation, "canvas id is required", nil)
		return
	}

	if err := h.graphs.CreateCanvas(ctx, req.ID, auth.UserID(ctx)); err != nil {
		h.respondError(w, r, "failed to create canvas", err)
		return
	}

	h.respondJSON(w, http.StatusCreated, map[string]string{"id": req.ID})
}

// GetGraph handles GET /api/v1/canvases/{id}/graph
func (h *Handlers) GetGraph(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	canvasID := mux.Vars(r)["id"]

	graph, err := h.graphs.GetGraph(ctx, canvasID, auth.UserID(ctx))
	if err != nil {
		h.respondError(w, r, "failed to load graph", err)
		return
	}

	h.respondJSON(w, http.StatusOK, graph)
}

// --- Execution ---

// Trigger handles POST /api/v1/canvases/{id}/trigger
func (h *Handlers) Trigger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	canvasID := mux.Vars(r)["id"]

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeValidation, "unreadable request body", nil)
		return
	}

	if h.validator != nil {
		if result := h.validator.ValidateTriggerJSON(body); !result.Valid {
			details := map[string]interface{}{"errors": result.Errors}
			writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeValidation, "invalid trigger payload", details)
			return
		}
	}

	var req types.TriggerRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeValidation, "invalid request body", nil)
		return
	}

	result, err := h.coord.Trigger(ctx, canvasID, auth.UserID(ctx), &req)
	if err != nil {
		h.respondError(w, r, "trigger failed", err)
		return
	}

	h.respondJSON(w, http.StatusAccepted, result)
}

// GetExecution handles GET /api/v1/executions/{id}
func (h *Handlers) GetExecution(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	executionID := mux.Vars(r)["id"]

	exec, err := h.execs.GetExecution(ctx, executionID)
	if err != nil {
		h.respondError(w, r, "failed to load execution", err)
		return
	}
	if exec.UserID != auth.UserID(ctx) {
		h.respondError(w, r, "failed to load execution", execstore.ErrExecutionNotFound)
		return
	}

	h.respondJSON(w, http.StatusOK, exec)
}

// GetResponse handles GET /api/v1/responses/{id}
func (h *Handlers) GetResponse(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	responseID := mux.Vars(r)["id"]

	resp, err := h.execs.GetResponse(ctx, responseID)
	if err != nil {
		h.respondError(w, r, "failed to load response", err)
		return
	}
	if resp.UserID != auth.UserID(ctx) {
		h.respondError(w, r, "failed to load response", execstore.ErrResponseNotFound)
		return
	}

	h.respondJSON(w, http.StatusOK, resp)
}

// --- Helper Methods ---

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, r *http.Request, message string, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, "error", err, "status", status)
	}
	writeErrorResponse(w, r, status, code, message+": "+err.Error(), nil)
}
