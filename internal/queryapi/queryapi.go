// Package queryapi exposes the governed search endpoint. Requests are
// answered from the result cache when possible and dispatched through the
// governor otherwise, so every upstream call flows through one paced queue.
package queryapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/tickerdeck/apigovernor/internal/apierror"
	"github.com/tickerdeck/apigovernor/internal/cache"
	"github.com/tickerdeck/apigovernor/internal/governor"
	"github.com/tickerdeck/apigovernor/internal/upstream"
)

// Dispatcher is the governor surface the query API depends on.
type Dispatcher interface {
	Do(ctx context.Context, payload any, priority governor.Priority) (any, error)
	RecommendedCacheTTL() time.Duration
}

// Handler serves /v1/search.
type Handler struct {
	gov    Dispatcher
	cache  *cache.Cache
	logger *slog.Logger
}

// New creates a query API Handler. cache may be nil to disable caching.
func New(gov Dispatcher, c *cache.Cache, logger *slog.Logger) *Handler {
	return &Handler{gov: gov, cache: c, logger: logger}
}

// RegisterRoutes adds the query routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/search", h.search)
}

func (h *Handler) search(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		apierror.WriteJSON(w, r, http.StatusMethodNotAllowed, apierror.MethodNotAllowed, "method not allowed")
		return
	}

	params := r.URL.Query()
	if params.Get("q") == "" {
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.BadRequest, "missing required query parameter: q")
		return
	}

	// The priority hint steers queue ordering only; it is stripped before
	// the upstream call so it does not split the cache key space.
	priority := governor.ParsePriority(params.Get("priority"))
	params.Del("priority")
	key := cacheKey(params)

	if h.cache != nil {
		if body, lk := h.cache.Get(key); lk != cache.Miss {
			h.serve(w, body, lk)
			return
		}
	}

	result, err := h.gov.Do(r.Context(), upstream.Request{Query: params}, priority)
	if err != nil {
		h.dispatchError(w, r, key, err)
		return
	}

	resp, ok := result.(*upstream.Response)
	if !ok {
		h.logger.Error("dispatcher returned unexpected result type", "type", fmt.Sprintf("%T", result))
		apierror.WriteJSON(w, r, http.StatusInternalServerError, apierror.InternalError, "internal error")
		return
	}

	if h.cache != nil {
		h.cache.Set(key, resp.Body, h.gov.RecommendedCacheTTL())
	}
	h.serve(w, resp.Body, cache.Miss)
}

// dispatchError maps governor errors to API responses. When the upstream is
// rate limited or the circuit is open, a stale cache entry is preferred over
// an error.
func (h *Handler) dispatchError(w http.ResponseWriter, r *http.Request, key string, err error) {
	switch {
	case errors.Is(err, governor.ErrRateLimited), errors.Is(err, governor.ErrCircuitOpen):
		if h.cache != nil {
			if body, ok := h.cache.GetStale(key); ok {
				h.serve(w, body, cache.Stale)
				return
			}
		}
		if errors.Is(err, governor.ErrCircuitOpen) {
			apierror.WriteJSON(w, r, http.StatusServiceUnavailable, apierror.CircuitOpen, "circuit breaker open")
		} else {
			apierror.WriteJSON(w, r, http.StatusTooManyRequests, apierror.UpstreamRateLimit, "upstream rate limited, retry later")
		}

	case errors.Is(err, governor.ErrDailyCapExceeded):
		apierror.WriteJSON(w, r, http.StatusTooManyRequests, apierror.DailyCapExceeded, "daily request cap exceeded, retry tomorrow")

	case errors.Is(err, governor.ErrGovernorReset):
		apierror.WriteJSON(w, r, http.StatusServiceUnavailable, apierror.Reset, "governor was reset, retry")

	case errors.Is(err, context.Canceled):
		// Client went away; nothing to write.

	case errors.Is(err, context.DeadlineExceeded):
		apierror.WriteJSON(w, r, http.StatusGatewayTimeout, apierror.UpstreamError, "timed out waiting for dispatch")

	default:
		h.logger.Warn("search dispatch failed", "error", err)
		apierror.WriteJSON(w, r, http.StatusBadGateway, apierror.UpstreamError, "upstream request failed")
	}
}

// serve writes a successful search response. The X-Cache header reports
// where the body came from; Cache-Control carries the governor's current
// TTL advice so downstream caches follow the same health-aware policy.
func (h *Handler) serve(w http.ResponseWriter, body []byte, lk cache.Lookup) {
	w.Header().Set("Content-Type", "application/json")
	switch lk {
	case cache.Hit:
		w.Header().Set("X-Cache", "HIT")
	case cache.Stale:
		w.Header().Set("X-Cache", "STALE")
		// Stale bodies are a degraded-mode stopgap; clients must revalidate.
		w.Header().Set("Cache-Control", "no-cache")
	default:
		w.Header().Set("X-Cache", "MISS")
	}
	if lk != cache.Stale {
		ttl := h.gov.RecommendedCacheTTL()
		w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(ttl.Seconds())))
	}
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// cacheKey canonicalizes the forwarded query parameters. url.Values.Encode
// sorts by key, so parameter order does not fragment the cache.
func cacheKey(params url.Values) string {
	return params.Encode()
}
