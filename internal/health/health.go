// Package health serves the liveness and readiness probes exposed next to
// /metrics. Liveness (/healthz) only proves the process answers HTTP;
// readiness (/readyz) additionally runs the registered probes, which for
// voicebridge means asking the session controller whether it is in a usable
// state.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// probeTimeout bounds a single readiness probe.
const probeTimeout = 3 * time.Second

// Checker is one named readiness probe. Check returns nil when the probed
// component is usable.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Handler answers the probe endpoints. Probes are fixed at construction.
type Handler struct {
	checkers []Checker
}

// New creates a Handler running the given probes on each readiness request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Register mounts the probe routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz always reports ok; a process that can serve it is alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, http.StatusOK, "ok", nil)
}

// Readyz runs every probe and reports 200 only when all pass. Each probe
// gets its own deadline so one stuck component cannot hang the endpoint.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	results := make(map[string]string, len(h.checkers))
	ready := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			results[c.Name] = "fail: " + err.Error()
			ready = false
		} else {
			results[c.Name] = "ok"
		}
	}

	if !ready {
		writeStatus(w, http.StatusServiceUnavailable, "fail", results)
		return
	}
	writeStatus(w, http.StatusOK, "ok", results)
}

func writeStatus(w http.ResponseWriter, code int, status string, checks map[string]string) {
	body := struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks,omitempty"`
	}{Status: status, Checks: checks}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
