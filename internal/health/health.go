// Package health provides health check and readiness probe HTTP handlers.
package health

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/tickerdeck/apigovernor/internal/governor"
)

// Pre-serialized liveness response avoids json.Encoder allocation.
var livenessBody = []byte(`{"status":"ok"}` + "\n")

// StatusSource exposes the governor state the readiness probe inspects.
type StatusSource interface {
	Status() governor.Status
}

// Handler provides /health and /ready endpoints.
type Handler struct {
	gov    StatusSource
	logger *slog.Logger
}

// New creates a new health check Handler backed by the given governor.
func New(gov StatusSource, logger *slog.Logger) *Handler {
	return &Handler{gov: gov, logger: logger}
}

// RegisterRoutes adds health check routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.liveness)
	mux.HandleFunc("/ready", h.readiness)
}

func (h *Handler) liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(livenessBody)
}

// readiness reports 503 when the governor cannot dispatch new work: the
// circuit is open or the daily request cap is exhausted. A rate-limit
// window degrades service but keeps the process ready, so it is reported
// in the body without failing the probe.
func (h *Handler) readiness(w http.ResponseWriter, r *http.Request) {
	st := h.gov.Status()

	var reasons []string
	if st.CircuitOpen {
		reasons = append(reasons, "circuit_open")
	}
	if st.DailyLimit > 0 && st.DailyCount >= st.DailyLimit {
		reasons = append(reasons, "daily_cap_exhausted")
	}

	httpStatus := http.StatusOK
	statusStr := "ready"
	if len(reasons) > 0 {
		httpStatus = http.StatusServiceUnavailable
		statusStr = "not ready"
		h.logger.Warn("readiness probe failing", "upstream", st.Upstream, "reasons", reasons)
	}

	body, _ := json.Marshal(map[string]interface{}{
		"status":       statusStr,
		"upstream":     st.Upstream,
		"reasons":      reasons,
		"rate_limited": st.RateLimited,
		"queue_length": st.QueueLength,
	})
	body = append(body, '\n')

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	w.Write(body)
}
