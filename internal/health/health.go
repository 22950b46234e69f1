// Package health serves the proxy's liveness and readiness probes.
//
// Two endpoints are exposed:
//
//   - /healthz — liveness; a process that can answer HTTP is alive, so this
//     always returns 200 with the service banner.
//   - /readyz  — readiness; 200 only while every registered [Checker]
//     passes, 503 otherwise.
//
// Bodies are JSON with a top-level "status" ("ok" or "fail"), the service
// banner on liveness, and a per-checker "checks" map on readiness.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// probeTimeout bounds a single readiness check. A dependency that cannot
// answer within this window is reported as failing rather than holding the
// probe open.
const probeTimeout = 5 * time.Second

// Checker is a named readiness probe for one dependency, such as the
// transcript archive or the upstream configuration. Check returns nil while
// the dependency can serve and an error describing why it cannot otherwise.
// It must respect context cancellation.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// status is the response body for both probes.
type status struct {
	Status  string            `json:"status"`
	Message string            `json:"message,omitempty"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// Handler answers the health probes. Safe for concurrent use; the checker
// set is fixed at construction.
type Handler struct {
	service  string
	checkers []Checker
}

// New builds a Handler for the named service. The service name appears in
// the liveness banner; checkers run sequentially, in order, on every
// readiness request.
func New(service string, checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{service: service, checkers: c}
}

// Healthz reports liveness. It never fails: a process answering this
// request is alive by definition.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, status{Status: "ok", Message: h.service + " is running"})
}

// Readyz runs every checker against a [probeTimeout]-bounded context derived
// from the request and reports 200 only when all of them pass. The body
// names each checker with "ok" or "fail: <reason>" so an operator can see
// which dependency is holding readiness back.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	ready := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			ready = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := status{Status: "ok", Checks: checks}
	code := http.StatusOK
	if !ready {
		res.Status = "fail"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, res)
}

// Register adds both probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("health: encoding probe response", "error", err)
	}
}
