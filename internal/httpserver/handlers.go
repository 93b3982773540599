package httpserver

import (
	"context"
	"net/http"
	"time"

	"crm_devenv/internal/migrate"
	"crm_devenv/internal/probe"
)

// Checker runs one readiness probe attempt.
type Checker interface {
	Check(ctx context.Context) (probe.State, error)
}

// RevisionReader reports the schema pointer and chain head.
type RevisionReader interface {
	Current(ctx context.Context) (migrate.Status, error)
}

type HealthHandler struct {
	Checker Checker
}

type healthResponse struct {
	Status string `json:"status"`
	DB     string `json:"db"`
}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	state, err := h.Checker.Check(r.Context())
	if err != nil || state != probe.Ready {
		writeError(w, r, http.StatusServiceUnavailable, "service_unhealthy", "database unreachable")
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", DB: "ok"})
}

type RevisionHandler struct {
	Revisions RevisionReader
	Timeout   time.Duration
}

func (h RevisionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}
	st, err := h.Revisions.Current(ctx)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "revision_unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}
