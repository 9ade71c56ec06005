// Package admin provides admin API endpoints for runtime inspection and
// control of the governor. All endpoints are protected by IP allowlist;
// JWT auth is layered on by the server assembly.
package admin

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"

	"github.com/tickerdeck/apigovernor/internal/apierror"
	"github.com/tickerdeck/apigovernor/internal/config"
	"github.com/tickerdeck/apigovernor/internal/governor"
)

// Governor is the subset of governor methods the admin surface drives.
type Governor interface {
	Status() governor.Status
	Reset() governor.ResetSummary
}

// ConfigProvider abstracts config access for testability.
type ConfigProvider interface {
	Current() *config.Config
}

// Handler provides admin API endpoints.
type Handler struct {
	reloader    ConfigProvider
	gov         Governor
	allowedNets []*net.IPNet
	logger      *slog.Logger
}

// New creates a new admin Handler. The allowlist CIDRs must be pre-validated
// (config validation ensures this).
func New(reloader ConfigProvider, gov Governor, allowlist []string, logger *slog.Logger) *Handler {
	nets := make([]*net.IPNet, 0, len(allowlist))
	for _, cidr := range allowlist {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue // already validated by config
		}
		nets = append(nets, ipNet)
	}
	return &Handler{
		reloader:    reloader,
		gov:         gov,
		allowedNets: nets,
		logger:      logger,
	}
}

// RegisterRoutes adds admin routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/admin/status", h.guard(http.MethodGet, h.statusHandler))
	mux.HandleFunc("/admin/config", h.guard(http.MethodGet, h.configHandler))
	mux.HandleFunc("/admin/reset", h.guard(http.MethodPost, h.resetHandler))
}

// guard wraps a handler with method and IP allowlist checking.
func (h *Handler) guard(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			apierror.WriteJSON(w, r, http.StatusMethodNotAllowed, apierror.MethodNotAllowed, "method not allowed")
			return
		}

		ip := extractIP(r.RemoteAddr)
		if !h.isAllowed(ip) {
			h.logger.Warn("admin access denied", "client_ip", ip, "path", r.URL.Path)
			apierror.WriteJSON(w, r, http.StatusForbidden, apierror.Forbidden, "client address not in admin allowlist")
			return
		}
		next(w, r)
	}
}

func (h *Handler) isAllowed(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range h.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// statusHandler reports the governor's live dispatch state: pacing interval,
// circuit and rate-limit windows, counters, and queue depth.
func (h *Handler) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.gov.Status())
}

func (h *Handler) configHandler(w http.ResponseWriter, r *http.Request) {
	cfg := h.reloader.Current()

	// Shallow copy is fine here: only string fields are overwritten, so the
	// live config is never mutated.
	redacted := *cfg
	if redacted.Auth.JWTSecret != "" {
		redacted.Auth.JWTSecret = "***"
	}
	if redacted.Upstream.APIKey != "" {
		redacted.Upstream.APIKey = "***"
	}

	writeJSON(w, http.StatusOK, redacted)
}

// resetHandler clears the governor's backoff, circuit, and rate-limit state
// and fails all queued jobs. Counters are preserved. The response reports
// what was discarded.
func (h *Handler) resetHandler(w http.ResponseWriter, r *http.Request) {
	summary := h.gov.Reset()
	h.logger.Warn("governor reset via admin api",
		"client_ip", extractIP(r.RemoteAddr),
		"jobs_dropped", summary.JobsDropped,
		"was_circuit_open", summary.WasCircuitOpen,
		"was_rate_limited", summary.WasRateLimited,
	)
	writeJSON(w, http.StatusOK, summary)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
