package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/ZhouAndrew/MyTimer/go/internal/timers"
	"github.com/ZhouAndrew/MyTimer/go/internal/timers/store"
	"github.com/rs/zerolog/log"
)

// Broadcaster is what the control plane needs to notify subscribers
type Broadcaster interface {
	BroadcastSnapshot()
	BroadcastUpdate(timerID int64)
}

// ControlHandler serves the REST control plane over a timer manager. Every
// successful mutation is broadcast as a snapshot and persisted.
type ControlHandler struct {
	manager     *timers.Manager
	store       store.Store
	broadcaster Broadcaster
}

// NewControlHandler creates a control handler. A nil store disables persistence.
func NewControlHandler(manager *timers.Manager, st store.Store, broadcaster Broadcaster) *ControlHandler {
	return &ControlHandler{
		manager:     manager,
		store:       st,
		broadcaster: broadcaster,
	}
}

// CreateResponse is returned by POST /timers
type CreateResponse struct {
	TimerID int64 `json:"timer_id"`
}

// StatusResponse acknowledges a mutation
type StatusResponse struct {
	Status string `json:"status"`
}

// RegisterRoutes registers the control routes with an HTTP mux
func (h *ControlHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /timers", h.HandleCreate)
	mux.HandleFunc("GET /timers", h.HandleList)
	mux.HandleFunc("DELETE /timers", h.HandleRemoveAll)
	mux.HandleFunc("POST /timers/pause_all", h.HandlePauseAll)
	mux.HandleFunc("POST /timers/resume_all", h.HandleResumeAll)
	mux.HandleFunc("POST /timers/reset_all", h.HandleResetAll)
	mux.HandleFunc("POST /timers/{id}/pause", h.HandlePause)
	mux.HandleFunc("POST /timers/{id}/resume", h.HandleResume)
	mux.HandleFunc("DELETE /timers/{id}", h.HandleRemove)
	mux.HandleFunc("POST /tick", h.HandleTick)
	mux.HandleFunc("GET /status", h.HandleStatus)
}

// HandleCreate handles POST /timers?duration=D
func (h *ControlHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	duration, err := parseSeconds(r, "duration")
	if err != nil {
		writeError(w, err)
		return
	}
	if duration <= 0 {
		writeError(w, fmt.Errorf("duration must be positive: %w", timers.ErrValidation))
		return
	}

	id := h.manager.Create(duration)
	h.afterMutation(r.Context())

	log.Info().Int64("timer_id", id).Float64("duration", duration).Msg("timer created")
	writeJSON(w, http.StatusOK, CreateResponse{TimerID: id})
}

// HandleList handles GET /timers
func (h *ControlHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, timers.NewSnapshotMessage(h.manager.List()))
}

// HandleStatus handles GET /status
func (h *ControlHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.Status())
}

// HandlePause handles POST /timers/{id}/pause
func (h *ControlHandler) HandlePause(w http.ResponseWriter, r *http.Request) {
	h.single(w, r, h.manager.Pause, "paused")
}

// HandleResume handles POST /timers/{id}/resume
func (h *ControlHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	h.single(w, r, h.manager.Resume, "resumed")
}

// HandleRemove handles DELETE /timers/{id}
func (h *ControlHandler) HandleRemove(w http.ResponseWriter, r *http.Request) {
	h.single(w, r, h.manager.Remove, "removed")
}

// HandlePauseAll handles POST /timers/pause_all
func (h *ControlHandler) HandlePauseAll(w http.ResponseWriter, r *http.Request) {
	h.batch(w, r, h.manager.PauseAll, "paused_all")
}

// HandleResumeAll handles POST /timers/resume_all
func (h *ControlHandler) HandleResumeAll(w http.ResponseWriter, r *http.Request) {
	h.batch(w, r, h.manager.ResumeAll, "resumed_all")
}

// HandleResetAll handles POST /timers/reset_all
func (h *ControlHandler) HandleResetAll(w http.ResponseWriter, r *http.Request) {
	h.batch(w, r, h.manager.ResetAll, "reset_all")
}

// HandleRemoveAll handles DELETE /timers
func (h *ControlHandler) HandleRemoveAll(w http.ResponseWriter, r *http.Request) {
	h.batch(w, r, h.manager.RemoveAll, "removed_all")
}

// HandleTick handles POST /tick?seconds=S
func (h *ControlHandler) HandleTick(w http.ResponseWriter, r *http.Request) {
	seconds, err := parseSeconds(r, "seconds")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.manager.Tick(seconds); err != nil {
		writeError(w, err)
		return
	}
	h.afterMutation(r.Context())
	writeJSON(w, http.StatusOK, StatusResponse{Status: "ticked"})
}

func (h *ControlHandler) single(w http.ResponseWriter, r *http.Request, op func(int64) error, status string) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, fmt.Errorf("invalid timer id %q: %w", r.PathValue("id"), timers.ErrValidation))
		return
	}
	if err := op(id); err != nil {
		writeError(w, err)
		return
	}
	h.afterMutation(r.Context())
	writeJSON(w, http.StatusOK, StatusResponse{Status: status})
}

func (h *ControlHandler) batch(w http.ResponseWriter, r *http.Request, op func(), status string) {
	op()
	h.afterMutation(r.Context())
	writeJSON(w, http.StatusOK, StatusResponse{Status: status})
}

// afterMutation pushes the new state to subscribers and persists it. A
// persistence failure is logged; the mutation itself already succeeded.
func (h *ControlHandler) afterMutation(ctx context.Context) {
	if h.broadcaster != nil {
		h.broadcaster.BroadcastSnapshot()
	}
	if h.store != nil {
		store.Persist(ctx, h.store, h.manager)
	}
}

func parseSeconds(r *http.Request, name string) (float64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, fmt.Errorf("%s is required: %w", name, timers.ErrValidation)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("invalid %s %q: %w", name, raw, timers.ErrValidation)
	}
	return v, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

// writeError maps domain errors onto HTTP status codes
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, timers.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, timers.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		log.Error().Err(err).Msg("control request failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
