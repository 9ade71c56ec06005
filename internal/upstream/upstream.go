// Package upstream implements the HTTP client for the governed search API.
// Failures carry the upstream's status code and rate-limit metadata through
// undigested: the governor's backoff math depends on them.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/tickerdeck/apigovernor/internal/config"
)

// Request describes one upstream call: an endpoint path (empty means the
// configured default) and its query parameters.
type Request struct {
	Path  string
	Query url.Values
}

// RateMeta is the rate-limit and quota metadata an upstream response may
// carry in headers or an embedded meta block. Zero values mean "absent".
type RateMeta struct {
	RetryAfter  time.Duration // requested wait before retrying
	CurrentRate float64       // observed request rate, req/s
	QuotaUsed   int
	QuotaLimit  int
}

// Response is a successful upstream reply.
type Response struct {
	StatusCode int
	Body       []byte
	Meta       RateMeta
}

// Error is a non-2xx upstream reply. The status code distinguishes 429
// from other failures; Meta passes through whatever hints were present.
type Error struct {
	StatusCode int
	Snippet    string
	Meta       RateMeta
}

func (e *Error) Error() string {
	if e.Snippet == "" {
		return fmt.Sprintf("upstream status %d", e.StatusCode)
	}
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Snippet)
}

// Caller executes one upstream request. Satisfied by *Client and by test
// stubs.
type Caller interface {
	Call(ctx context.Context, req Request) (*Response, error)
}

// Client is the production Caller. It carries no timeout of its own: the
// per-call deadline arrives on the context.
type Client struct {
	base    *url.URL
	path    string
	header  string
	apiKey  string
	maxBody int64
	httpc   *http.Client
	logger  *slog.Logger
}

// New builds a client from validated configuration.
func New(cfg config.UpstreamConfig, logger *slog.Logger) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing upstream base URL: %w", err)
	}
	return &Client{
		base:    base,
		path:    cfg.Path,
		header:  cfg.APIKeyHeader,
		apiKey:  cfg.APIKey,
		maxBody: cfg.MaxResponseBytes,
		httpc: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger,
	}, nil
}

// Call performs the request. Transport errors and timeouts are returned
// wrapped; non-2xx replies are returned as *Error.
func (c *Client) Call(ctx context.Context, req Request) (*Response, error) {
	u := *c.base
	endpoint := req.Path
	if endpoint == "" {
		endpoint = c.path
	}
	u.Path = path.Join(u.Path, endpoint)
	u.RawQuery = req.Query.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set(c.header, c.apiKey)
	}

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling upstream: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody))
	if err != nil {
		return nil, fmt.Errorf("reading upstream response: %w", err)
	}

	meta := parseMeta(resp.Header, body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{
			StatusCode: resp.StatusCode,
			Snippet:    snippet(body),
			Meta:       meta,
		}
	}

	if meta.QuotaLimit > 0 {
		c.logger.Debug("upstream reported quota",
			"quota_used", meta.QuotaUsed, "quota_limit", meta.QuotaLimit)
	}
	return &Response{StatusCode: resp.StatusCode, Body: body, Meta: meta}, nil
}

// parseMeta reads rate-limit hints from headers first, then lets an
// embedded body meta block fill anything the headers did not provide.
func parseMeta(h http.Header, body []byte) RateMeta {
	var m RateMeta

	if ra := h.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs >= 0 {
			m.RetryAfter = time.Duration(secs) * time.Second
		} else if t, err := http.ParseTime(ra); err == nil {
			if d := time.Until(t); d > 0 {
				m.RetryAfter = d
			}
		}
	}
	if v := h.Get("X-RateLimit-Current"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			m.CurrentRate = f
		}
	}
	if v := h.Get("X-Quota-Used"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			m.QuotaUsed = n
		}
	}
	if v := h.Get("X-Quota-Limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			m.QuotaLimit = n
		}
	}

	if len(body) > 0 {
		var envelope struct {
			Meta struct {
				CurrentRate float64 `json:"current_rate"`
				QuotaUsed   int     `json:"quota_used"`
				QuotaLimit  int     `json:"quota_limit"`
			} `json:"meta"`
		}
		if err := json.Unmarshal(body, &envelope); err == nil {
			if m.CurrentRate == 0 {
				m.CurrentRate = envelope.Meta.CurrentRate
			}
			if m.QuotaUsed == 0 {
				m.QuotaUsed = envelope.Meta.QuotaUsed
			}
			if m.QuotaLimit == 0 {
				m.QuotaLimit = envelope.Meta.QuotaLimit
			}
		}
	}
	return m
}

// snippet returns a short single-line body excerpt for error messages.
func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
