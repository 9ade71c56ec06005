// Package governor serializes calls to one rate-limited upstream API behind
// a single-flight priority queue. It paces dispatches with adaptive backoff,
// trips a circuit breaker after repeated failures, enforces a hard daily
// request cap with crash-safe persisted counters, and advises callers how
// long to cache governed results based on upstream health.
package governor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tickerdeck/apigovernor/internal/config"
	"github.com/tickerdeck/apigovernor/internal/metrics"
	"github.com/tickerdeck/apigovernor/internal/persist"
	"github.com/tickerdeck/apigovernor/internal/upstream"
)

const dateLayout = "2006-01-02"

// Executor performs the actual upstream call for one payload. The governor
// invokes it from its single dispatch worker, never concurrently. The
// context carries the hard per-call timeout.
type Executor func(ctx context.Context, payload any) (any, error)

// Status is a point-in-time snapshot of governor state plus queue length.
type Status struct {
	Upstream            string    `json:"upstream"`
	RateLimited         bool      `json:"rate_limited"`
	RateLimitResetAt    time.Time `json:"rate_limit_reset_at"`
	CircuitOpen         bool      `json:"circuit_open"`
	CircuitResetAt      time.Time `json:"circuit_reset_at"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	CurrentIntervalMS   int64     `json:"current_interval_ms"`
	LastDispatchAt      time.Time `json:"last_dispatch_at"`
	QuotaUsed           int       `json:"quota_used"`
	QuotaLimit          int       `json:"quota_limit"`
	DailyCount          int       `json:"daily_count"`
	DailyLimit          int       `json:"daily_limit"`
	DailyResetDate      string    `json:"daily_reset_date"`
	QueueLength         int       `json:"queue_length"`
}

// ResetSummary reports what an administrative reset discarded and cleared.
type ResetSummary struct {
	At              time.Time `json:"at"`
	JobsDropped     int       `json:"jobs_dropped"`
	WasRateLimited  bool      `json:"was_rate_limited"`
	WasCircuitOpen  bool      `json:"was_circuit_open"`
	PriorIntervalMS int64     `json:"prior_interval_ms"`
}

// Governor owns admission, ordering, pacing, and failure handling for one
// upstream dependency. Construct with New, call Start once, and Stop on
// shutdown. All methods are safe for concurrent use; the dispatch worker is
// the only goroutine that executes upstream calls or mutates dispatch state.
type Governor struct {
	name   string
	exec   Executor
	store  persist.Store
	logger *slog.Logger
	clock  Clock

	upstreamTimeout time.Duration
	idleWait        time.Duration
	capWait         time.Duration
	blockedWait     time.Duration

	mu             sync.Mutex
	queue          *queue
	seq            uint64
	machine        *backoff
	lastDispatchAt time.Time
	dailyCount     int
	quotaUsed      int
	dailyResetDate string
	dailyLimit     int
	quotaLimit     int
	normalTTL      time.Duration
	rateLimitedTTL time.Duration
	emergencyTTL   time.Duration

	events *broadcaster

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a governor from validated configuration, restoring persisted
// counters. A stored record for a different date is treated as zero; a load
// failure is logged and the governor starts from zero rather than refusing
// to run.
func New(cfg config.GovernorConfig, exec Executor, store persist.Store, logger *slog.Logger) *Governor {
	g := &Governor{
		name:            cfg.Name,
		exec:            exec,
		store:           store,
		logger:          logger,
		clock:           realClock{},
		upstreamTimeout: cfg.UpstreamTimeout,
		idleWait:        cfg.IdleWait,
		capWait:         cfg.CapWait,
		blockedWait:     cfg.BlockedWait,
		queue:           newQueue(),
		dailyLimit:      cfg.DailyLimit,
		quotaLimit:      cfg.QuotaLimit,
		normalTTL:       cfg.NormalTTL,
		rateLimitedTTL:  cfg.RateLimitedTTL,
		emergencyTTL:    cfg.EmergencyTTL,
		events:          newBroadcaster(cfg.Name),
		done:            make(chan struct{}),
	}
	g.machine = newBackoff(
		cfg.BaseInterval, cfg.MaxBackoff, cfg.ErrorThreshold,
		cfg.CircuitCooldown, cfg.RateLimitFloor, cfg.RateLimitDefaultDelay,
		time.Now().UnixNano(),
	)
	g.ctx, g.cancel = context.WithCancel(context.Background())

	now := g.clock.Now()
	today := now.Format(dateLayout)
	counters, err := store.Load()
	switch {
	case err != nil:
		logger.Warn("loading persisted counters failed, starting from zero",
			"upstream", g.name, "error", err)
	case counters.Date == today:
		g.dailyCount = counters.DailyRequestCount
		g.quotaUsed = counters.QuotaUsed
		logger.Info("persisted counters restored",
			"upstream", g.name,
			"daily_count", g.dailyCount,
			"quota_used", g.quotaUsed,
		)
	case counters.Date != "":
		logger.Info("persisted counters are stale, starting from zero",
			"upstream", g.name, "stored_date", counters.Date, "today", today)
	}
	g.dailyResetDate = today

	g.mu.Lock()
	g.syncGaugesLocked()
	g.mu.Unlock()
	return g
}

// Start launches the dispatch worker. Call exactly once.
func (g *Governor) Start() {
	g.logger.Info("governor started",
		"upstream", g.name,
		"daily_limit", g.dailyLimit,
		"base_interval", g.machine.base,
		"error_threshold", g.machine.errorThreshold,
	)
	go g.run()
}

// Stop halts the dispatch worker, aborts any in-flight upstream call, and
// rejects all still-queued jobs so no caller is left waiting.
func (g *Governor) Stop() {
	g.cancel()
	<-g.done

	g.mu.Lock()
	dropped := g.queue.drain()
	g.mu.Unlock()
	for _, j := range dropped {
		metrics.GovernorRejections.WithLabelValues(g.name, "reset").Inc()
		j.resolve(Result{Err: fmt.Errorf("%w: shutting down", ErrGovernorReset)})
	}
	metrics.GovernorQueueDepth.WithLabelValues(g.name).Set(0)
	g.events.close()
	g.logger.Info("governor stopped", "upstream", g.name, "jobs_dropped", len(dropped))
}

// Submit enqueues one governed call and returns its completion channel. The
// channel is buffered and resolved exactly once. When the daily cap is
// already spent, the job is rejected immediately with ErrDailyCapExceeded
// instead of joining the queue.
func (g *Governor) Submit(payload any, priority Priority) <-chan Result {
	done := make(chan Result, 1)
	now := g.clock.Now()

	g.mu.Lock()
	if g.effectiveDailyCountLocked(now) >= g.dailyLimit {
		g.mu.Unlock()
		metrics.GovernorRejections.WithLabelValues(g.name, "daily_cap").Inc()
		done <- Result{Err: ErrDailyCapExceeded}
		return done
	}
	g.seq++
	j := &job{
		id:         uuid.NewString(),
		payload:    payload,
		priority:   priority,
		enqueuedAt: now,
		seq:        g.seq,
		done:       done,
	}
	g.queue.push(j)
	depth := g.queue.len()
	g.mu.Unlock()

	metrics.GovernorSubmissions.WithLabelValues(g.name, priority.String()).Inc()
	metrics.GovernorQueueDepth.WithLabelValues(g.name).Set(float64(depth))
	g.logger.Debug("job enqueued",
		"upstream", g.name, "job_id", j.id, "priority", priority.String(), "queue_depth", depth)
	return done
}

// Do submits payload and waits for its outcome. A cancelled ctx returns
// early with ctx.Err(); the job itself is not cancelled and its completion
// is still resolved internally.
func (g *Governor) Do(ctx context.Context, payload any, priority Priority) (any, error) {
	done := g.Submit(payload, priority)
	select {
	case res := <-done:
		return res.Value, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Status returns a snapshot of governor state. The daily counter is
// reported as zero once the stored date has rolled past, even before the
// dispatch worker's next iteration persists the rollover.
func (g *Governor) Status() Status {
	now := g.clock.Now()
	g.mu.Lock()
	defer g.mu.Unlock()

	s := Status{
		Upstream:            g.name,
		RateLimited:         g.machine.rateLimited,
		RateLimitResetAt:    g.machine.rateLimitResetAt,
		CircuitOpen:         g.machine.circuit == CircuitOpen,
		CircuitResetAt:      g.machine.circuitResetAt,
		ConsecutiveFailures: g.machine.consecutiveFailures,
		CurrentIntervalMS:   g.machine.interval.Milliseconds(),
		LastDispatchAt:      g.lastDispatchAt,
		QuotaUsed:           g.quotaUsed,
		QuotaLimit:          g.quotaLimit,
		DailyCount:          g.dailyCount,
		DailyLimit:          g.dailyLimit,
		DailyResetDate:      g.dailyResetDate,
		QueueLength:         g.queue.len(),
	}
	if today := now.Format(dateLayout); g.dailyResetDate != today {
		s.DailyCount = 0
		s.DailyResetDate = today
	}
	return s
}

// RecommendedCacheTTL advises how long callers should cache governed
// results given current upstream health: degraded health extends downstream
// cache lifetimes and reduces pressure.
func (g *Governor) RecommendedCacheTTL() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch {
	case g.machine.circuit == CircuitOpen:
		return g.emergencyTTL
	case g.machine.rateLimited:
		return g.rateLimitedTTL
	default:
		return g.normalTTL
	}
}

// Subscribe registers for state-change events. The returned cancel function
// releases the subscription. Slow subscribers lose events rather than ever
// blocking the dispatch worker.
func (g *Governor) Subscribe() (<-chan Event, func()) {
	return g.events.subscribe()
}

// Reset drains the queue, rejecting every pending job with ErrGovernorReset,
// clears the rate-limit and circuit flags, restores base pacing, and emits a
// reset event. Persisted daily and quota counters are left untouched: those
// only change via rollover or actual dispatches.
func (g *Governor) Reset() ResetSummary {
	now := g.clock.Now()

	g.mu.Lock()
	dropped := g.queue.drain()
	sum := ResetSummary{
		At:              now,
		JobsDropped:     len(dropped),
		WasRateLimited:  g.machine.rateLimited,
		WasCircuitOpen:  g.machine.circuit == CircuitOpen,
		PriorIntervalMS: g.machine.interval.Milliseconds(),
	}
	g.machine.reset()
	g.syncGaugesLocked()
	g.mu.Unlock()

	for _, j := range dropped {
		metrics.GovernorRejections.WithLabelValues(g.name, "reset").Inc()
		j.resolve(Result{Err: ErrGovernorReset})
	}
	g.events.publish(Event{Type: EventReset, At: now, Reason: "administrative reset"})
	g.logger.Info("governor reset",
		"upstream", g.name,
		"jobs_dropped", sum.JobsDropped,
		"was_rate_limited", sum.WasRateLimited,
		"was_circuit_open", sum.WasCircuitOpen,
	)
	return sum
}

// UpdateLimits applies the runtime-tunable subset of configuration. Called
// from the config hot-reload path; pacing and circuit parameters are fixed
// at construction.
func (g *Governor) UpdateLimits(cfg config.GovernorConfig) {
	g.mu.Lock()
	g.dailyLimit = cfg.DailyLimit
	g.quotaLimit = cfg.QuotaLimit
	g.normalTTL = cfg.NormalTTL
	g.rateLimitedTTL = cfg.RateLimitedTTL
	g.emergencyTTL = cfg.EmergencyTTL
	g.syncGaugesLocked()
	g.mu.Unlock()

	g.logger.Info("governor limits updated",
		"upstream", g.name,
		"daily_limit", cfg.DailyLimit,
		"quota_limit", cfg.QuotaLimit,
	)
}

// run is the dispatch loop. It exits only when the governor is stopped;
// individual job failures never terminate it.
func (g *Governor) run() {
	defer close(g.done)
	for {
		if g.ctx.Err() != nil {
			return
		}
		if wait := g.step(); wait > 0 {
			g.clock.Sleep(g.ctx, wait)
		}
	}
}

// step runs one dispatcher iteration: rollover, admission gates, pacing,
// then at most one dispatch. It returns how long the loop should sleep
// before the next iteration, or zero after dispatching so gates are
// re-evaluated immediately.
func (g *Governor) step() time.Duration {
	now := g.clock.Now()
	var evs []Event

	g.mu.Lock()
	g.rolloverLocked(now)

	if g.queue.len() == 0 {
		g.mu.Unlock()
		return g.idleWait
	}

	// Back-pressure without dequeuing: jobs admitted before the cap was
	// spent stay queued until rollover.
	if g.dailyCount >= g.dailyLimit {
		g.mu.Unlock()
		return g.capWait
	}

	if g.machine.circuit == CircuitOpen {
		if !g.machine.pollCircuit(now) {
			// Pending jobs cannot be served for the rest of the
			// cooldown; fail them fast instead of parking them.
			dropped := g.queue.drain()
			g.mu.Unlock()
			for _, j := range dropped {
				metrics.GovernorRejections.WithLabelValues(g.name, "circuit_open").Inc()
				j.resolve(Result{Err: ErrCircuitOpen})
			}
			metrics.GovernorQueueDepth.WithLabelValues(g.name).Set(0)
			g.logger.Info("rejected queued jobs while circuit open",
				"upstream", g.name, "jobs", len(dropped))
			return g.blockedWait
		}
		g.syncGaugesLocked()
		metrics.GovernorCircuitTransitions.WithLabelValues(g.name, CircuitOpen.String(), CircuitClosed.String()).Inc()
		evs = append(evs, Event{Type: EventCircuitClosed, At: now, Reason: "cooldown expired"})
		g.logger.Info("circuit closed", "upstream", g.name)
	}

	if g.machine.rateLimited {
		if !g.machine.pollRateLimit(now) {
			g.mu.Unlock()
			g.publish(evs)
			return g.blockedWait
		}
		g.syncGaugesLocked()
		g.logger.Info("rate limit window cleared", "upstream", g.name)
	}

	if since := now.Sub(g.lastDispatchAt); since < g.machine.interval {
		remaining := g.machine.interval - since
		g.mu.Unlock()
		g.publish(evs)
		return remaining
	}

	j := g.queue.pop()
	depth := g.queue.len()
	g.lastDispatchAt = now
	g.mu.Unlock()

	metrics.GovernorQueueDepth.WithLabelValues(g.name).Set(float64(depth))
	g.publish(evs)
	if j == nil {
		return g.idleWait
	}
	g.dispatch(j, now)
	return 0
}

// dispatch executes one job and feeds the outcome back into the state
// machine, counters, persistence, and the job's completion.
func (g *Governor) dispatch(j *job, start time.Time) {
	value, err := g.execute(j)
	now := g.clock.Now()
	metrics.UpstreamLatency.WithLabelValues(g.name).Observe(now.Sub(start).Seconds())

	var (
		evs []Event
		res Result
	)

	g.mu.Lock()
	// An upstream call was spent regardless of outcome.
	g.dailyCount++

	switch {
	case err == nil:
		g.machine.recordSuccess()
		g.quotaUsed++
		res = Result{Value: value}
		metrics.GovernorDispatches.WithLabelValues(g.name, "success").Inc()

	case isRateLimit(err):
		resetAt := g.machine.recordRateLimit(now, hintFrom(err))
		res = Result{Err: fmt.Errorf("%w: %w", ErrRateLimited, err)}
		metrics.GovernorDispatches.WithLabelValues(g.name, "rate_limited").Inc()
		evs = append(evs, Event{Type: EventRateLimited, At: now, ResetAt: resetAt, Reason: err.Error()})

	default:
		if opened := g.machine.recordFailure(now); opened {
			metrics.GovernorCircuitTransitions.WithLabelValues(g.name, CircuitClosed.String(), CircuitOpen.String()).Inc()
			evs = append(evs, Event{
				Type:    EventCircuitOpen,
				At:      now,
				ResetAt: g.machine.circuitResetAt,
				Reason:  fmt.Sprintf("%d consecutive failures: %v", g.machine.consecutiveFailures, err),
			})
		}
		res = Result{Err: fmt.Errorf("%w: %w", ErrUpstreamFailure, err)}
		metrics.GovernorDispatches.WithLabelValues(g.name, "failure").Inc()
	}

	g.syncGaugesLocked()
	g.persistLocked(now)
	g.mu.Unlock()

	g.publish(evs)
	j.resolve(res)

	if res.Err != nil {
		g.logger.Warn("dispatch failed",
			"upstream", g.name,
			"job_id", j.id,
			"priority", j.priority.String(),
			"queued_for", now.Sub(j.enqueuedAt),
			"error", err,
		)
		return
	}
	g.logger.Debug("dispatch succeeded",
		"upstream", g.name,
		"job_id", j.id,
		"priority", j.priority.String(),
		"queued_for", now.Sub(j.enqueuedAt),
	)
}

// execute invokes the executor under the hard upstream timeout, converting
// a panic into a plain error so a misbehaving call can never kill the loop.
func (g *Governor) execute(j *job) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = fmt.Errorf("executor panic: %v", r)
			g.logger.Error("executor panicked",
				"upstream", g.name, "job_id", j.id, "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(g.ctx, g.upstreamTimeout)
	defer cancel()
	return g.exec(ctx, j.payload)
}

// rolloverLocked zeroes the daily counter when the local date has changed
// and persists the new record. Must be called with g.mu held.
func (g *Governor) rolloverLocked(now time.Time) {
	today := now.Format(dateLayout)
	if g.dailyResetDate == today {
		return
	}
	g.logger.Info("daily counter rollover",
		"upstream", g.name,
		"previous_date", g.dailyResetDate,
		"previous_count", g.dailyCount,
	)
	g.dailyCount = 0
	g.dailyResetDate = today
	g.syncGaugesLocked()
	g.persistLocked(now)
}

// effectiveDailyCountLocked reads the daily counter as of now, treating a
// stale stored date as zero so admission is not blocked by yesterday's
// count before the worker's next rollover. Must be called with g.mu held.
func (g *Governor) effectiveDailyCountLocked(now time.Time) int {
	if g.dailyResetDate != now.Format(dateLayout) {
		return 0
	}
	return g.dailyCount
}

// persistLocked writes the durable counters. A write failure is logged and
// counted; the loop continues on in-memory state. Must be called with g.mu
// held.
func (g *Governor) persistLocked(now time.Time) {
	c := persist.Counters{
		Date:              g.dailyResetDate,
		DailyRequestCount: g.dailyCount,
		QuotaUsed:         g.quotaUsed,
		LastUpdated:       now,
	}
	if err := g.store.Save(c); err != nil {
		metrics.PersistenceFailures.WithLabelValues(g.name).Inc()
		g.logger.Warn("persisting usage counters failed", "upstream", g.name, "error", err)
	}
}

// syncGaugesLocked pushes current state into the status gauges. Must be
// called with g.mu held.
func (g *Governor) syncGaugesLocked() {
	circuit := 0.0
	if g.machine.circuit == CircuitOpen {
		circuit = 1
	}
	limited := 0.0
	if g.machine.rateLimited {
		limited = 1
	}
	metrics.GovernorCircuitState.WithLabelValues(g.name).Set(circuit)
	metrics.GovernorRateLimited.WithLabelValues(g.name).Set(limited)
	metrics.GovernorConsecutiveFailures.WithLabelValues(g.name).Set(float64(g.machine.consecutiveFailures))
	metrics.GovernorPacingInterval.WithLabelValues(g.name).Set(g.machine.interval.Seconds())
	metrics.GovernorDailyRequests.WithLabelValues(g.name).Set(float64(g.dailyCount))
	metrics.GovernorDailyLimit.WithLabelValues(g.name).Set(float64(g.dailyLimit))
	metrics.GovernorQuotaUsed.WithLabelValues(g.name).Set(float64(g.quotaUsed))
	metrics.GovernorQuotaLimit.WithLabelValues(g.name).Set(float64(g.quotaLimit))
}

func (g *Governor) publish(evs []Event) {
	for _, ev := range evs {
		g.events.publish(ev)
	}
}

// isRateLimit reports whether err is an upstream 429.
func isRateLimit(err error) bool {
	var ue *upstream.Error
	return errors.As(err, &ue) && ue.StatusCode == http.StatusTooManyRequests
}

// hintFrom extracts the rate-limit metadata an upstream error carries.
func hintFrom(err error) RateLimitHint {
	var ue *upstream.Error
	if !errors.As(err, &ue) {
		return RateLimitHint{}
	}
	return RateLimitHint{
		RetryAfter:  ue.Meta.RetryAfter,
		CurrentRate: ue.Meta.CurrentRate,
	}
}
