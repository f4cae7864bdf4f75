// Package api exposes the operator HTTP endpoints of the sync service.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"example.com/activitysync/internal/auth"
	"example.com/activitysync/internal/syncer"
)

// Handler coordinates HTTP requests with the sync engine.
type Handler struct {
	runner syncer.Runner
	logger *log.Logger
}

// NewHandler builds a Handler.
func NewHandler(runner syncer.Runner, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(log.Writer(), "[api] ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Handler{runner: runner, logger: logger}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/sync", h.sync)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) sync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeSyncTrigger) {
		writeError(w, http.StatusForbidden, "forbidden", "scope sync:trigger required")
		return
	}

	var req SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	report, err := h.runner.SyncActivities(r.Context(), req.toSyncRequest())
	if err != nil {
		h.logger.Printf("manual sync by %s failed: %v", claims.Subject, err)
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	h.logger.Printf("manual sync %s by %s: %d failed users", report.RunID, claims.Subject, len(report.Errors))

	if report.RunID != "" {
		w.Header().Set("X-Run-ID", report.RunID)
	}
	writeJSON(w, http.StatusOK, report)
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
