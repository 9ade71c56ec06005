package governor

import "errors"

// Sentinel errors classifying how a governed request failed. Callers branch
// with errors.Is; for upstream failures the underlying cause is wrapped
// alongside the sentinel and stays reachable via errors.As.
var (
	// ErrDailyCapExceeded rejects a submission before queuing: the hard
	// daily request cap is spent. Not worth retrying until the next day.
	ErrDailyCapExceeded = errors.New("daily request cap exceeded")

	// ErrCircuitOpen rejects a queued job at dispatch time while the
	// circuit breaker cooldown is in effect. Retry after the cooldown.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrRateLimited reports that the upstream call itself returned a
	// rate-limit response. Callers should extend their cache lifetimes
	// (see RecommendedCacheTTL) rather than retry immediately.
	ErrRateLimited = errors.New("upstream rate limited")

	// ErrUpstreamFailure reports any other upstream error (timeout, 5xx,
	// network). The real cause is wrapped, never swallowed.
	ErrUpstreamFailure = errors.New("upstream call failed")

	// ErrGovernorReset reports that an administrative reset drained the
	// queue while the job was still pending.
	ErrGovernorReset = errors.New("governor reset")
)
