package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/telhawk-systems/threatlink/common/httputil"
)

// Check reports whether a dependency is reachable.
type Check func(ctx context.Context) error

// Health serves liveness and readiness probes.
type Health struct {
	checks  map[string]Check
	timeout time.Duration
}

func NewHealth(checks map[string]Check) *Health {
	return &Health{checks: checks, timeout: 2 * time.Second}
}

func (h *Health) Live(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready runs every check; any failure makes the service not ready.
func (h *Health) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	status, results := http.StatusOK, make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			results[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}
	state := "ready"
	if status != http.StatusOK {
		state = "not ready"
	}
	httputil.WriteJSON(w, status, map[string]any{"status": state, "checks": results})
}
