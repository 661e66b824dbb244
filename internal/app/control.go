package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vk/phaseline/internal/ctxlog"
	"github.com/vk/phaseline/internal/executor"
	"github.com/vk/phaseline/internal/phase"
	"github.com/vk/phaseline/internal/store"
)

// phaseView is the JSON shape of a phase on the control API.
type phaseView struct {
	QueueID        string            `json:"queue_id"`
	FeatureID      string            `json:"feature_id"`
	PhaseNumber    int               `json:"phase_number"`
	DependsOn      []int             `json:"depends_on"`
	Status         string            `json:"status"`
	ExternalRef    string            `json:"external_ref,omitempty"`
	ExecutorHandle string            `json:"executor_handle,omitempty"`
	Allocation     *phase.Allocation `json:"allocation,omitempty"`
	Priority       int               `json:"priority"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	CreatedAt      string            `json:"created_at"`
	UpdatedAt      string            `json:"updated_at"`
}

// executorCallback is the body pushed by executors reporting completion.
type executorCallback struct {
	Handle      string `json:"handle"`
	State       string `json:"state"`
	ErrorDetail string `json:"error_detail,omitempty"`
}

// controlMux builds the control API handler.
func (a *App) controlMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", a.handleHealth)
	mux.HandleFunc("GET /phases", a.handleListPhases)
	mux.HandleFunc("POST /phases/{id}/reset", a.handleResetPhase)
	mux.HandleFunc("POST /pause", a.handlePause)
	mux.HandleFunc("POST /resume", a.handleResume)
	mux.HandleFunc("GET /pool", a.handlePoolStatus)
	mux.HandleFunc("POST /callbacks/executor", a.handleExecutorCallback)
	mux.HandleFunc("POST /callbacks/ticket", a.handleTicketCallback)
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	return mux
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	a.logger.Debug("Health check endpoint hit.", "remote_addr", r.RemoteAddr)
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

func (a *App) handleListPhases(w http.ResponseWriter, r *http.Request) {
	phases, err := a.store.List(r.Context())
	if err != nil {
		a.logger.Error("Failed to list phases.", "error", err)
		http.Error(w, "failed to list phases", http.StatusInternalServerError)
		return
	}

	views := make([]phaseView, 0, len(phases))
	for _, p := range phases {
		deps := p.DependsOn
		if deps == nil {
			deps = phase.DepSet{}
		}
		views = append(views, phaseView{
			QueueID:        p.QueueID,
			FeatureID:      p.FeatureID,
			PhaseNumber:    p.PhaseNumber,
			DependsOn:      deps,
			Status:         string(p.Status),
			ExternalRef:    p.ExternalRef,
			ExecutorHandle: p.ExecutorHandle,
			Allocation:     p.Allocation,
			Priority:       p.Priority,
			ErrorMessage:   p.ErrorMessage,
			CreatedAt:      p.CreatedAt.Format(time.RFC3339),
			UpdatedAt:      p.UpdatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, views)
}

func (a *App) handleResetPhase(w http.ResponseWriter, r *http.Request) {
	queueID := r.PathValue("id")
	ctx := ctxlog.WithLogger(r.Context(), a.logger)

	if _, err := a.store.Get(ctx, queueID); err != nil {
		if isNotFound(err) {
			http.Error(w, "phase not found", http.StatusNotFound)
			return
		}
		a.logger.Error("Failed to look up phase.", "phase", queueID, "error", err)
		http.Error(w, "failed to look up phase", http.StatusInternalServerError)
		return
	}

	if err := a.coord.ResetPhase(ctx, queueID); err != nil {
		// Resetting a completed or running phase lands here.
		a.logger.Warn("Phase reset rejected.", "phase", queueID, "error", err)
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	fmt.Fprintln(w, "reset accepted")
}

func (a *App) handlePause(w http.ResponseWriter, r *http.Request) {
	a.coord.Pause(ctxlog.WithLogger(r.Context(), a.logger))
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "paused")
}

func (a *App) handleResume(w http.ResponseWriter, r *http.Request) {
	a.coord.Resume(ctxlog.WithLogger(r.Context(), a.logger))
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "resumed")
}

func (a *App) handlePoolStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, a.pool.Status())
}

func (a *App) handleExecutorCallback(w http.ResponseWriter, r *http.Request) {
	var cb executorCallback
	if err := json.NewDecoder(r.Body).Decode(&cb); err != nil {
		http.Error(w, "invalid callback body", http.StatusBadRequest)
		return
	}
	if cb.Handle == "" {
		http.Error(w, "handle is required", http.StatusBadRequest)
		return
	}

	state := executor.State(cb.State)
	switch state {
	case executor.StateSucceeded, executor.StateFailed:
	default:
		http.Error(w, "state must be 'succeeded' or 'failed'", http.StatusBadRequest)
		return
	}

	a.logger.Debug("Executor callback received.", "handle", cb.Handle, "state", cb.State)
	a.coord.NotifyExecutorDone(cb.Handle, executor.Result{State: state, ErrorDetail: cb.ErrorDetail})
	w.WriteHeader(http.StatusAccepted)
}

func (a *App) handleTicketCallback(w http.ResponseWriter, r *http.Request) {
	a.logger.Debug("Ticket callback received.", "remote_addr", r.RemoteAddr)
	a.coord.NotifyTicketCreated()
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
