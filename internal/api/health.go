package api

import "net/http"

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.HealthCheck(r.Context()))
}

// ready is the readiness probe: 503 until every component is healthy.
func (h *handlers) ready(w http.ResponseWriter, r *http.Request) {
	report := h.svc.HealthCheck(r.Context())
	if report.Ready() {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]any{
		"status":     "not ready",
		"components": report.Components,
	})
}

func (h *handlers) live(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}
