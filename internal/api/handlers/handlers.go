// Package handlers implements the HTTP surface of the workflow service.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/codeYAY/SPACE/internal/store"
	"github.com/codeYAY/SPACE/internal/stream"
	"github.com/codeYAY/SPACE/internal/workflow"
	"github.com/codeYAY/SPACE/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// RunEngine starts and cancels workflow runs.
type RunEngine interface {
	Dispatch(ctx context.Context, ev *models.TriggerEvent) (string, error)
	CancelRun(runID string) bool
}

// Subscriber hands out stream subscriptions.
type Subscriber interface {
	Subscribe(user string) <-chan stream.Event
	Unsubscribe(user string, ch <-chan stream.Event)
}

// Handlers holds the dependencies of the API handlers.
type Handlers struct {
	Engine RunEngine
	Runs   store.RunStore
	Hub    Subscriber

	// Heartbeat is the interval of SSE keep-alive comments.
	Heartbeat time.Duration
}

// New creates the API handlers.
func New(engine RunEngine, runs store.RunStore, hub Subscriber) *Handlers {
	return &Handlers{Engine: engine, Runs: runs, Hub: hub, Heartbeat: 15 * time.Second}
}

// ── Runs ─────────────────────────────────────────────────────

// TriggerRun starts a workflow run for the posted trigger event.
// POST /api/v1/runs
func (h *Handlers) TriggerRun(w http.ResponseWriter, r *http.Request) {
	var ev models.TriggerEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(ev.Prompt) == "" {
		respondError(w, http.StatusBadRequest, "value is required")
		return
	}

	runID, err := h.Engine.Dispatch(r.Context(), &ev)
	if err != nil {
		if errors.Is(err, workflow.ErrRunActive) {
			respondError(w, http.StatusConflict, err.Error())
			return
		}
		log.Error().Err(err).Msg("Failed to dispatch run")
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]string{
		"id":     runID,
		"status": string(models.RunRunning),
	})
}

// ListRuns returns the most recent runs, optionally filtered by project.
// GET /api/v1/runs?projectId=&limit=
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	runs, err := h.Runs.ListRuns(r.Context(), r.URL.Query().Get("projectId"), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []models.WorkflowRun{}
	}
	respondJSON(w, http.StatusOK, runs)
}

// GetRun returns one run record.
// GET /api/v1/runs/{runID}
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	run, err := h.Runs.GetRun(r.Context(), runID)
	if err != nil {
		var nf *store.ErrNotFound
		if errors.As(err, &nf) {
			respondError(w, http.StatusNotFound, fmt.Sprintf("run %q not found", runID))
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, run)
}

// CancelRun cancels an executing run.
// POST /api/v1/runs/{runID}/cancel
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if !h.Engine.CancelRun(runID) {
		respondError(w, http.StatusNotFound, fmt.Sprintf("run %q is not active", runID))
		return
	}

	log.Info().Str("run_id", runID).Msg("🛑 Run cancel requested")
	respondJSON(w, http.StatusOK, map[string]string{
		"id":     runID,
		"status": string(models.RunCanceled),
	})
}

// ── Stream ───────────────────────────────────────────────────

// Stream serves agent chunks as server-sent events. Without a user query
// parameter every chunk is delivered. Delivery is best-effort: chunks
// published while the client is disconnected or too slow are not replayed.
// Consumers that need every chunk subscribe over NATS.
// GET /api/v1/stream?user=
func (h *Handlers) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	user := r.URL.Query().Get("user")
	sub := h.Hub.Subscribe(user)
	defer h.Hub.Unsubscribe(user, sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := h.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-sub:
			if !ok {
				return
			}
			data, err := json.Marshal(ev.Data)
			if err != nil {
				log.Warn().Err(err).Msg("Failed to encode stream chunk")
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.Data.ID, ev.Name, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// ── Helpers ──────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
