package governor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tickerdeck/apigovernor/internal/config"
	"github.com/tickerdeck/apigovernor/internal/persist"
	"github.com/tickerdeck/apigovernor/internal/upstream"
)

// fakeClock is a manually advanced Clock. Sleep advances time instead of
// blocking so a running dispatch loop makes progress deterministically.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{t: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) {
	c.Advance(d)
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.GovernorConfig {
	return config.GovernorConfig{
		Name:                  "search",
		BaseInterval:          time.Second,
		MaxBackoff:            time.Minute,
		ErrorThreshold:        4,
		CircuitCooldown:       20 * time.Minute,
		RateLimitFloor:        time.Minute,
		RateLimitDefaultDelay: 5 * time.Minute,
		DailyLimit:            100,
		QuotaLimit:            1000,
		UpstreamTimeout:       5 * time.Second,
		IdleWait:              100 * time.Millisecond,
		CapWait:               10 * time.Second,
		BlockedWait:           time.Second,
		NormalTTL:             time.Hour,
		RateLimitedTTL:        4 * time.Hour,
		EmergencyTTL:          24 * time.Hour,
	}
}

// newTestGovernor builds a governor on a fake clock. It is not started:
// tests drive the dispatch loop directly through step().
func newTestGovernor(t *testing.T, cfg config.GovernorConfig, exec Executor, store persist.Store) (*Governor, *fakeClock) {
	t.Helper()
	if store == nil {
		store = persist.NewMemStore()
	}
	g := New(cfg, exec, store, discardLogger())
	clk := newFakeClock(time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC))
	g.clock = clk
	g.dailyResetDate = clk.Now().Format(dateLayout)
	return g, clk
}

// okExec returns an Executor that always succeeds with the given value.
func okExec(value any) Executor {
	return func(ctx context.Context, payload any) (any, error) {
		return value, nil
	}
}

// rateLimitErr builds the error an upstream 429 produces.
func rateLimitErr(meta upstream.RateMeta) error {
	return &upstream.Error{StatusCode: 429, Snippet: "rate limit exceeded", Meta: meta}
}

func mustResult(t *testing.T, done <-chan Result) Result {
	t.Helper()
	select {
	case res := <-done:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("job result not delivered")
		return Result{}
	}
}

func noResult(t *testing.T, done <-chan Result) {
	t.Helper()
	select {
	case res := <-done:
		t.Fatalf("unexpected result delivered: %+v", res)
	default:
	}
}

func TestDispatch_PriorityThenSubmissionOrder(t *testing.T) {
	var got []string
	exec := func(ctx context.Context, payload any) (any, error) {
		got = append(got, payload.(string))
		return nil, nil
	}
	cfg := testConfig()
	cfg.BaseInterval = 0 // pacing exercised separately
	g, _ := newTestGovernor(t, cfg, exec, nil)

	chans := []<-chan Result{
		g.Submit("low-1", PriorityLow),
		g.Submit("normal-1", PriorityNormal),
		g.Submit("high-1", PriorityHigh),
		g.Submit("normal-2", PriorityNormal),
		g.Submit("high-2", PriorityHigh),
	}

	for i := 0; i < 5; i++ {
		if wait := g.step(); wait != 0 {
			t.Fatalf("step %d: expected dispatch, got wait %v", i, wait)
		}
	}
	for _, ch := range chans {
		if res := mustResult(t, ch); res.Err != nil {
			t.Fatalf("unexpected error: %v", res.Err)
		}
	}

	want := []string{"high-1", "high-2", "normal-1", "normal-2", "low-1"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dispatch order %v, want %v", got, want)
		}
	}
}

func TestStep_IdleOnEmptyQueue(t *testing.T) {
	cfg := testConfig()
	g, _ := newTestGovernor(t, cfg, okExec("x"), nil)

	if wait := g.step(); wait != cfg.IdleWait {
		t.Fatalf("empty queue wait = %v, want %v", wait, cfg.IdleWait)
	}
}

func TestPacing_MinimumIntervalBetweenDispatches(t *testing.T) {
	calls := 0
	exec := func(ctx context.Context, payload any) (any, error) {
		calls++
		return nil, nil
	}
	g, clk := newTestGovernor(t, testConfig(), exec, nil)

	first := g.Submit("a", PriorityNormal)
	second := g.Submit("b", PriorityNormal)

	if wait := g.step(); wait != 0 {
		t.Fatalf("first dispatch should be immediate, got wait %v", wait)
	}
	mustResult(t, first)

	// Within the interval nothing dispatches; the returned wait is the
	// remainder of the spacing.
	wait := g.step()
	if calls != 1 {
		t.Fatalf("dispatched %d times inside pacing interval", calls)
	}
	if wait <= 0 || wait > time.Second {
		t.Fatalf("pacing remainder = %v, want in (0, 1s]", wait)
	}
	noResult(t, second)

	clk.Advance(time.Second)
	if wait := g.step(); wait != 0 {
		t.Fatalf("expected dispatch after interval elapsed, got wait %v", wait)
	}
	mustResult(t, second)
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestBackoff_GrowsOnFailureAndResetsOnSuccess(t *testing.T) {
	var fail bool
	exec := func(ctx context.Context, payload any) (any, error) {
		if fail {
			return nil, errors.New("boom")
		}
		return "ok", nil
	}
	g, clk := newTestGovernor(t, testConfig(), exec, nil)

	fail = true
	res := mustDispatch(t, g, clk, "a")
	if !errors.Is(res.Err, ErrUpstreamFailure) {
		t.Fatalf("err = %v, want ErrUpstreamFailure", res.Err)
	}

	// One failure: 1s tripled with jitter in [0.85, 1.15].
	iv := g.Status().CurrentIntervalMS
	if iv < 2550 || iv > 3450 {
		t.Fatalf("interval after one failure = %dms, want within [2550, 3450]", iv)
	}
	if got := g.Status().ConsecutiveFailures; got != 1 {
		t.Fatalf("consecutive failures = %d, want 1", got)
	}

	res = mustDispatch(t, g, clk, "b")
	if !errors.Is(res.Err, ErrUpstreamFailure) {
		t.Fatalf("err = %v, want ErrUpstreamFailure", res.Err)
	}
	iv2 := g.Status().CurrentIntervalMS
	if iv2 < iv {
		t.Fatalf("interval shrank after second failure: %dms -> %dms", iv, iv2)
	}

	fail = false
	res = mustDispatch(t, g, clk, "c")
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if iv := g.Status().CurrentIntervalMS; iv != 1000 {
		t.Fatalf("interval after success = %dms, want 1000", iv)
	}
	if got := g.Status().ConsecutiveFailures; got != 0 {
		t.Fatalf("consecutive failures after success = %d, want 0", got)
	}
}

// mustDispatch submits one job, advances past any pacing wait, and runs
// steps until the job resolves.
func mustDispatch(t *testing.T, g *Governor, clk *fakeClock, payload any) Result {
	t.Helper()
	done := g.Submit(payload, PriorityNormal)
	for i := 0; i < 10; i++ {
		wait := g.step()
		select {
		case res := <-done:
			return res
		default:
		}
		if wait > 0 {
			clk.Advance(wait)
		}
	}
	t.Fatal("job did not dispatch within 10 steps")
	return Result{}
}

func TestCircuit_OpensRejectsAndRecovers(t *testing.T) {
	failing := true
	exec := func(ctx context.Context, payload any) (any, error) {
		if failing {
			return nil, errors.New("upstream down")
		}
		return "ok", nil
	}
	cfg := testConfig()
	g, clk := newTestGovernor(t, cfg, exec, nil)

	events, cancel := g.Subscribe()
	defer cancel()

	for i := 0; i < cfg.ErrorThreshold; i++ {
		res := mustDispatch(t, g, clk, i)
		if !errors.Is(res.Err, ErrUpstreamFailure) {
			t.Fatalf("dispatch %d err = %v, want ErrUpstreamFailure", i, res.Err)
		}
	}

	st := g.Status()
	if !st.CircuitOpen {
		t.Fatal("circuit should be open after reaching the failure threshold")
	}
	if st.CircuitResetAt.Sub(clk.Now()) > cfg.CircuitCooldown {
		t.Fatalf("circuit reset at %v, want within %v of now", st.CircuitResetAt, cfg.CircuitCooldown)
	}
	expectEvent(t, events, EventCircuitOpen)

	// A queued job is failed fast rather than parked for the cooldown.
	queued := g.Submit("blocked", PriorityHigh)
	if wait := g.step(); wait != cfg.BlockedWait {
		t.Fatalf("blocked wait = %v, want %v", wait, cfg.BlockedWait)
	}
	res := mustResult(t, queued)
	if !errors.Is(res.Err, ErrCircuitOpen) {
		t.Fatalf("queued job err = %v, want ErrCircuitOpen", res.Err)
	}
	if g.Status().QueueLength != 0 {
		t.Fatal("queue should be drained while circuit is open")
	}

	// After the cooldown the next dispatch closes the circuit lazily.
	failing = false
	clk.Advance(cfg.CircuitCooldown + time.Second)
	res = mustDispatch(t, g, clk, "recovered")
	if res.Err != nil {
		t.Fatalf("post-cooldown dispatch failed: %v", res.Err)
	}
	expectEvent(t, events, EventCircuitClosed)

	st = g.Status()
	if st.CircuitOpen {
		t.Fatal("circuit should be closed after cooldown dispatch")
	}
	if st.ConsecutiveFailures != 0 {
		t.Fatalf("consecutive failures = %d, want 0 after close", st.ConsecutiveFailures)
	}
}

func expectEvent(t *testing.T, events <-chan Event, want EventType) Event {
	t.Helper()
	for {
		select {
		case ev := <-events:
			if ev.Type == want {
				return ev
			}
		case <-time.After(time.Second):
			t.Fatalf("event %s not received", want)
			return Event{}
		}
	}
}

func TestRateLimit_WindowBlocksWithoutRejecting(t *testing.T) {
	var rateLimit bool
	exec := func(ctx context.Context, payload any) (any, error) {
		if rateLimit {
			return nil, rateLimitErr(upstream.RateMeta{RetryAfter: 30 * time.Second})
		}
		return "ok", nil
	}
	cfg := testConfig()
	g, clk := newTestGovernor(t, cfg, exec, nil)

	events, cancel := g.Subscribe()
	defer cancel()

	rateLimit = true
	res := mustDispatch(t, g, clk, "limited")
	if !errors.Is(res.Err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", res.Err)
	}
	var ue *upstream.Error
	if !errors.As(res.Err, &ue) || ue.StatusCode != 429 {
		t.Fatalf("underlying upstream error not reachable from %v", res.Err)
	}

	st := g.Status()
	if !st.RateLimited {
		t.Fatal("governor should report rate limited")
	}
	// Doubled retry-after (60s) is at the configured floor.
	if want := clk.Now().Add(time.Minute); !st.RateLimitResetAt.Equal(want) {
		t.Fatalf("reset at %v, want %v", st.RateLimitResetAt, want)
	}
	// 429 multiplies pacing by 8 with no jitter.
	if st.CurrentIntervalMS != 8000 {
		t.Fatalf("interval = %dms, want 8000", st.CurrentIntervalMS)
	}
	ev := expectEvent(t, events, EventRateLimited)
	if !ev.ResetAt.Equal(st.RateLimitResetAt) {
		t.Fatalf("event reset at %v, want %v", ev.ResetAt, st.RateLimitResetAt)
	}

	// While the window is in effect jobs stay queued; repeated checks do
	// not emit further events.
	queued := g.Submit("waiting", PriorityNormal)
	for i := 0; i < 3; i++ {
		if wait := g.step(); wait != cfg.BlockedWait {
			t.Fatalf("blocked wait = %v, want %v", wait, cfg.BlockedWait)
		}
	}
	noResult(t, queued)
	select {
	case ev := <-events:
		t.Fatalf("unexpected event while blocked: %+v", ev)
	default:
	}

	// Past the window the queued job dispatches and a success restores
	// base pacing.
	rateLimit = false
	clk.Advance(time.Minute + time.Second)
	for i := 0; i < 5; i++ {
		if wait := g.step(); wait > 0 {
			clk.Advance(wait)
		}
		select {
		case res := <-queued:
			if res.Err != nil {
				t.Fatalf("queued job failed after window: %v", res.Err)
			}
			st = g.Status()
			if st.RateLimited {
				t.Fatal("rate-limited flag should clear after the window")
			}
			if st.CurrentIntervalMS != 1000 {
				t.Fatalf("interval = %dms, want 1000 after success", st.CurrentIntervalMS)
			}
			return
		default:
		}
	}
	t.Fatal("queued job did not dispatch after window lifted")
}

func TestDailyCap_RejectsNewAndParksQueued(t *testing.T) {
	exec := okExec("ok")
	cfg := testConfig()
	cfg.DailyLimit = 2
	cfg.BaseInterval = 0
	g, clk := newTestGovernor(t, cfg, exec, nil)

	// Admission happens before the cap is spent, so a third job may queue.
	first := g.Submit("a", PriorityNormal)
	second := g.Submit("b", PriorityNormal)
	third := g.Submit("c", PriorityNormal)

	g.step()
	g.step()
	mustResult(t, first)
	mustResult(t, second)

	// Cap spent: the queued job is parked, not rejected.
	if wait := g.step(); wait != cfg.CapWait {
		t.Fatalf("cap wait = %v, want %v", wait, cfg.CapWait)
	}
	noResult(t, third)
	if st := g.Status(); st.QueueLength != 1 || st.DailyCount != 2 {
		t.Fatalf("status = %+v, want queue 1 and daily count 2", st)
	}

	// New submissions are refused outright.
	rejected := g.Submit("d", PriorityHigh)
	res := mustResult(t, rejected)
	if !errors.Is(res.Err, ErrDailyCapExceeded) {
		t.Fatalf("err = %v, want ErrDailyCapExceeded", res.Err)
	}

	// Day rollover readmits the parked job.
	clk.Advance(24 * time.Hour)
	if wait := g.step(); wait != 0 {
		t.Fatalf("post-rollover step wait = %v, want dispatch", wait)
	}
	res = mustResult(t, third)
	if res.Err != nil {
		t.Fatalf("parked job failed after rollover: %v", res.Err)
	}
	if st := g.Status(); st.DailyCount != 1 {
		t.Fatalf("daily count after rollover = %d, want 1", st.DailyCount)
	}
}

func TestRollover_ZeroesDailyKeepsQuota(t *testing.T) {
	store := persist.NewMemStore()
	cfg := testConfig()
	cfg.BaseInterval = 0
	g, clk := newTestGovernor(t, cfg, okExec("ok"), store)

	mustDispatch(t, g, clk, "a")
	mustDispatch(t, g, clk, "b")

	st := g.Status()
	if st.DailyCount != 2 || st.QuotaUsed != 2 {
		t.Fatalf("status = %+v, want daily 2 quota 2", st)
	}
	prevDate := st.DailyResetDate

	clk.Advance(24 * time.Hour)
	g.step() // idle step still performs the rollover

	st = g.Status()
	if st.DailyCount != 0 {
		t.Fatalf("daily count after rollover = %d, want 0", st.DailyCount)
	}
	if st.QuotaUsed != 2 {
		t.Fatalf("quota used after rollover = %d, want 2 (preserved)", st.QuotaUsed)
	}
	if st.DailyResetDate == prevDate {
		t.Fatal("reset date did not advance")
	}

	// The rollover itself is persisted.
	c, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if c.Date != st.DailyResetDate || c.DailyRequestCount != 0 || c.QuotaUsed != 2 {
		t.Fatalf("persisted = %+v, want rolled-over record", c)
	}
}

func TestStatus_VirtualRolloverBeforeWorkerRuns(t *testing.T) {
	cfg := testConfig()
	cfg.BaseInterval = 0
	g, clk := newTestGovernor(t, cfg, okExec("ok"), nil)

	mustDispatch(t, g, clk, "a")
	if st := g.Status(); st.DailyCount != 1 {
		t.Fatalf("daily count = %d, want 1", st.DailyCount)
	}

	// Status reflects the new day even though no step has run since.
	clk.Advance(24 * time.Hour)
	st := g.Status()
	if st.DailyCount != 0 {
		t.Fatalf("daily count = %d, want 0 after date change", st.DailyCount)
	}
	if st.DailyResetDate != clk.Now().Format(dateLayout) {
		t.Fatalf("reset date = %s, want today", st.DailyResetDate)
	}
}

func TestRestore_SameDayCounters(t *testing.T) {
	store := persist.NewMemStore()
	store.Seed(persist.Counters{
		Date:              time.Now().Format(dateLayout),
		DailyRequestCount: 5,
		QuotaUsed:         7,
	})

	g := New(testConfig(), okExec("ok"), store, discardLogger())
	st := g.Status()
	if st.DailyCount != 5 || st.QuotaUsed != 7 {
		t.Fatalf("restored status = %+v, want daily 5 quota 7", st)
	}
}

func TestRestore_StaleDateStartsFromZero(t *testing.T) {
	store := persist.NewMemStore()
	store.Seed(persist.Counters{
		Date:              "2020-01-01",
		DailyRequestCount: 5,
		QuotaUsed:         7,
	})

	g := New(testConfig(), okExec("ok"), store, discardLogger())
	st := g.Status()
	if st.DailyCount != 0 || st.QuotaUsed != 0 {
		t.Fatalf("stale restore status = %+v, want zeros", st)
	}
}

func TestRestore_LoadErrorStartsFromZero(t *testing.T) {
	store := persist.NewMemStore()
	store.LoadErr = errors.New("disk unhappy")

	g := New(testConfig(), okExec("ok"), store, discardLogger())
	st := g.Status()
	if st.DailyCount != 0 || st.QuotaUsed != 0 {
		t.Fatalf("status after load error = %+v, want zeros", st)
	}
}

func TestPersist_EveryDispatchSaved(t *testing.T) {
	store := persist.NewMemStore()
	cfg := testConfig()
	cfg.BaseInterval = 0
	g, clk := newTestGovernor(t, cfg, okExec("ok"), store)

	mustDispatch(t, g, clk, "a")
	mustDispatch(t, g, clk, "b")

	if store.Saves() != 2 {
		t.Fatalf("saves = %d, want one per dispatch", store.Saves())
	}
	c, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if c.DailyRequestCount != 2 || c.QuotaUsed != 2 {
		t.Fatalf("persisted = %+v, want counts matching executed calls", c)
	}
}

func TestPersist_FailedDispatchStillCountsDaily(t *testing.T) {
	store := persist.NewMemStore()
	cfg := testConfig()
	g, clk := newTestGovernor(t, cfg, func(ctx context.Context, payload any) (any, error) {
		return nil, errors.New("boom")
	}, store)

	mustDispatch(t, g, clk, "a")

	c, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	// The upstream call was spent even though it failed; quota counts
	// successes only.
	if c.DailyRequestCount != 1 || c.QuotaUsed != 0 {
		t.Fatalf("persisted = %+v, want daily 1 quota 0", c)
	}
}

func TestPersist_SaveErrorDoesNotFailDispatch(t *testing.T) {
	store := persist.NewMemStore()
	store.SaveErr = errors.New("disk full")
	cfg := testConfig()
	cfg.BaseInterval = 0
	g, clk := newTestGovernor(t, cfg, okExec("ok"), store)

	res := mustDispatch(t, g, clk, "a")
	if res.Err != nil {
		t.Fatalf("dispatch should succeed despite persistence failure, got %v", res.Err)
	}
	if g.Status().DailyCount != 1 {
		t.Fatal("in-memory counter should still advance")
	}
}

func TestReset_DropsQueueClearsStateKeepsCounters(t *testing.T) {
	exec := func(ctx context.Context, payload any) (any, error) {
		return nil, rateLimitErr(upstream.RateMeta{RetryAfter: 30 * time.Second})
	}
	g, clk := newTestGovernor(t, testConfig(), exec, nil)

	events, cancel := g.Subscribe()
	defer cancel()

	mustDispatch(t, g, clk, "limited")
	expectEvent(t, events, EventRateLimited)

	queuedA := g.Submit("a", PriorityNormal)
	queuedB := g.Submit("b", PriorityHigh)

	sum := g.Reset()
	if sum.JobsDropped != 2 {
		t.Fatalf("jobs dropped = %d, want 2", sum.JobsDropped)
	}
	if !sum.WasRateLimited || sum.WasCircuitOpen {
		t.Fatalf("summary = %+v, want rate limited and circuit closed", sum)
	}
	if sum.PriorIntervalMS != 8000 {
		t.Fatalf("prior interval = %dms, want 8000", sum.PriorIntervalMS)
	}

	for _, ch := range []<-chan Result{queuedA, queuedB} {
		res := mustResult(t, ch)
		if !errors.Is(res.Err, ErrGovernorReset) {
			t.Fatalf("dropped job err = %v, want ErrGovernorReset", res.Err)
		}
	}
	expectEvent(t, events, EventReset)

	st := g.Status()
	if st.RateLimited || st.CircuitOpen {
		t.Fatalf("status = %+v, want cleared flags", st)
	}
	if st.CurrentIntervalMS != 1000 {
		t.Fatalf("interval = %dms, want base restored", st.CurrentIntervalMS)
	}
	if st.DailyCount != 1 {
		t.Fatalf("daily count = %d, want 1 (reset preserves counters)", st.DailyCount)
	}
}

func TestRecommendedCacheTTL_FollowsHealth(t *testing.T) {
	var mode string
	exec := func(ctx context.Context, payload any) (any, error) {
		switch mode {
		case "429":
			return nil, rateLimitErr(upstream.RateMeta{})
		case "fail":
			return nil, errors.New("boom")
		default:
			return "ok", nil
		}
	}
	cfg := testConfig()
	g, clk := newTestGovernor(t, cfg, exec, nil)

	if ttl := g.RecommendedCacheTTL(); ttl != cfg.NormalTTL {
		t.Fatalf("healthy ttl = %v, want %v", ttl, cfg.NormalTTL)
	}

	mode = "429"
	mustDispatch(t, g, clk, "a")
	if ttl := g.RecommendedCacheTTL(); ttl != cfg.RateLimitedTTL {
		t.Fatalf("rate limited ttl = %v, want %v", ttl, cfg.RateLimitedTTL)
	}

	// Open circuit takes precedence over the rate-limit window.
	g.Reset()
	mode = "fail"
	for i := 0; i < cfg.ErrorThreshold; i++ {
		mustDispatch(t, g, clk, i)
	}
	if !g.Status().CircuitOpen {
		t.Fatal("circuit should be open")
	}
	if ttl := g.RecommendedCacheTTL(); ttl != cfg.EmergencyTTL {
		t.Fatalf("circuit open ttl = %v, want %v", ttl, cfg.EmergencyTTL)
	}
}

func TestDo_ReturnsOnContextCancel(t *testing.T) {
	g, _ := newTestGovernor(t, testConfig(), okExec("ok"), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.Do(ctx, "a", PriorityNormal)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	// The job itself stays queued; cancellation abandons the wait, not
	// the work.
	if st := g.Status(); st.QueueLength != 1 {
		t.Fatalf("queue length = %d, want 1", st.QueueLength)
	}
}

func TestExecutorPanic_BecomesFailure(t *testing.T) {
	calls := 0
	exec := func(ctx context.Context, payload any) (any, error) {
		calls++
		if calls == 1 {
			panic("executor bug")
		}
		return "ok", nil
	}
	cfg := testConfig()
	g, clk := newTestGovernor(t, cfg, exec, nil)

	res := mustDispatch(t, g, clk, "a")
	if !errors.Is(res.Err, ErrUpstreamFailure) {
		t.Fatalf("panic result err = %v, want ErrUpstreamFailure", res.Err)
	}
	if g.Status().ConsecutiveFailures != 1 {
		t.Fatal("panic should count as a failure")
	}

	// The loop survives and the next dispatch works.
	res = mustDispatch(t, g, clk, "b")
	if res.Err != nil {
		t.Fatalf("dispatch after panic failed: %v", res.Err)
	}
}

func TestStop_FailsInFlightAndRejectsQueued(t *testing.T) {
	entered := make(chan struct{})
	exec := func(ctx context.Context, payload any) (any, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	cfg := testConfig()
	cfg.BaseInterval = 0
	cfg.IdleWait = time.Millisecond
	store := persist.NewMemStore()
	g := New(cfg, exec, store, discardLogger())

	inflight := g.Submit("inflight", PriorityHigh)
	queued := g.Submit("queued", PriorityNormal)

	g.Start()
	<-entered
	g.Stop()

	res := mustResult(t, inflight)
	if !errors.Is(res.Err, ErrUpstreamFailure) {
		t.Fatalf("in-flight err = %v, want ErrUpstreamFailure", res.Err)
	}
	res = mustResult(t, queued)
	if !errors.Is(res.Err, ErrGovernorReset) {
		t.Fatalf("queued err = %v, want ErrGovernorReset", res.Err)
	}
}

func TestConcurrentSubmitters_SingleExecutor(t *testing.T) {
	var active, peak, calls int64
	exec := func(ctx context.Context, payload any) (any, error) {
		n := atomic.AddInt64(&active, 1)
		for {
			p := atomic.LoadInt64(&peak)
			if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		atomic.AddInt64(&calls, 1)
		atomic.AddInt64(&active, -1)
		return "ok", nil
	}

	cfg := testConfig()
	cfg.BaseInterval = 0
	cfg.IdleWait = time.Millisecond
	g := New(cfg, exec, persist.NewMemStore(), discardLogger())
	g.Start()

	const submitters, perSubmitter = 8, 5
	var wg sync.WaitGroup
	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for k := 0; k < perSubmitter; k++ {
				res := <-g.Submit(n*perSubmitter+k, Priority(k%3))
				if res.Err != nil {
					t.Errorf("dispatch failed: %v", res.Err)
				}
			}
		}(i)
	}
	wg.Wait()
	g.Stop()

	if got := atomic.LoadInt64(&calls); got != submitters*perSubmitter {
		t.Fatalf("executed %d calls, want %d", got, submitters*perSubmitter)
	}
	if got := atomic.LoadInt64(&peak); got != 1 {
		t.Fatalf("peak concurrent executions = %d, want 1", got)
	}
}

func TestUpdateLimits_AppliesTunables(t *testing.T) {
	g, _ := newTestGovernor(t, testConfig(), okExec("ok"), nil)

	cfg := testConfig()
	cfg.DailyLimit = 9
	cfg.QuotaLimit = 99
	cfg.NormalTTL = 2 * time.Hour
	g.UpdateLimits(cfg)

	st := g.Status()
	if st.DailyLimit != 9 || st.QuotaLimit != 99 {
		t.Fatalf("status = %+v, want updated limits", st)
	}
	if ttl := g.RecommendedCacheTTL(); ttl != 2*time.Hour {
		t.Fatalf("ttl = %v, want updated normal ttl", ttl)
	}
}
