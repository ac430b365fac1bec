package dispatch_test

import (
	"context"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/spendgate/internal/audit"
	"github.com/mattjoyce/spendgate/internal/budget"
	"github.com/mattjoyce/spendgate/internal/dispatch"
	"github.com/mattjoyce/spendgate/internal/dispatch/mocks"
	"github.com/mattjoyce/spendgate/internal/events"
	"github.com/mattjoyce/spendgate/internal/jitter"
	"github.com/mattjoyce/spendgate/internal/log"
	"github.com/mattjoyce/spendgate/internal/queue"
	"github.com/mattjoyce/spendgate/internal/ratelimit"
	"github.com/mattjoyce/spendgate/internal/retry"
	"github.com/mattjoyce/spendgate/internal/storage"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "text")
	os.Exit(m.Run())
}

var baseTime = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// limiterFunc adapts a function to ratelimit.Limiter.
type limiterFunc func(ctx context.Context, credential string) (bool, error)

func (f limiterFunc) Acquire(ctx context.Context, credential string) (bool, error) {
	return f(ctx, credential)
}

type harness struct {
	store    *queue.Store
	recorder *audit.Recorder
	clock    *testClock
	client   *mocks.MockClient
	budgets  *mocks.MockBudgetReader
	alerts   *mocks.MockAlertEngine
	hub      *events.Hub
	deps     dispatch.Deps
}

func newHarness(t *testing.T, maxAttempts int) *harness {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clock := &testClock{t: baseTime}
	store := queue.New(db, queue.Options{LeaseTTL: time.Minute, MaxAttempts: maxAttempts})
	store.SetClock(clock.Now)

	ctrl := gomock.NewController(t)
	h := &harness{
		store:    store,
		recorder: audit.NewRecorder(db),
		clock:    clock,
		client:   mocks.NewMockClient(ctrl),
		budgets:  mocks.NewMockBudgetReader(ctrl),
		alerts:   mocks.NewMockAlertEngine(ctrl),
		hub:      events.NewHub(64),
	}
	h.deps = dispatch.Deps{
		Store:    store,
		Recorder: h.recorder,
		Limiter:  ratelimit.NewSQLLimiter(db, 1000),
		Jitter:   jitter.New(0, 0),
		Guard:    budget.NewGuardWithSource(0.20, 0.01, rand.NewPCG(1, 2)),
		Policy:   retry.NewPolicyWithSource(maxAttempts, time.Second, time.Minute, time.Minute, rand.NewPCG(3, 4)),
		Client:   h.client,
		Budgets:  h.budgets,
		Alerts:   h.alerts,
		Events:   h.hub,
	}
	return h
}

func (h *harness) dispatcher(t *testing.T) *dispatch.Dispatcher {
	t.Helper()
	d, err := dispatch.New(h.deps, dispatch.Options{
		WorkerID:       "test",
		BatchSize:      10,
		RequeueDelay:   time.Minute,
		ApplyTimeout:   time.Second,
		VelocityWindow: 24 * time.Hour,
		PollInterval:   10 * time.Millisecond,
	})
	require.NoError(t, err)
	return d
}

func (h *harness) submit(t *testing.T, resource string, ct queue.ChangeType, value float64) string {
	t.Helper()
	id, err := h.store.Submit(context.Background(), queue.SubmitRequest{
		ResourceID: resource,
		ChangeType: ct,
		Value:      value,
		Source:     "test",
	})
	require.NoError(t, err)
	return id
}

func (h *harness) events(t *testing.T, id string) []audit.Event {
	t.Helper()
	records, err := h.recorder.History(context.Background(), id)
	require.NoError(t, err)
	require.NoError(t, audit.VerifyChain(records))
	out := make([]audit.Event, 0, len(records))
	for _, r := range records {
		out = append(out, r.Event)
	}
	return out
}

func TestRetryableFailuresEndTerminalWithOneAlert(t *testing.T) {
	h := newHarness(t, 3)
	d := h.dispatcher(t)
	ctx := context.Background()
	id := h.submit(t, "ad_1", queue.BidChange, 1.25)

	h.client.EXPECT().
		Apply(gomock.Any(), "ad_1", queue.BidChange, 1.25).
		Return(dispatch.ApplyResult{ErrorCode: "HTTP_503", Message: "unavailable", Retryable: true}, nil).
		Times(3)
	h.alerts.EXPECT().
		Notify(gomock.Any(), "critical", gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _, _ string, fields map[string]any) error {
			assert.Equal(t, id, fields["change_id"])
			assert.Equal(t, 3, fields["attempt_count"])
			return nil
		}).
		Times(1)

	for i := 1; i <= 3; i++ {
		n, err := d.RunOnce(ctx, "w1")
		require.NoError(t, err)
		require.Equal(t, 1, n, "dispatch %d", i)
		h.clock.Advance(time.Hour)
	}

	cr, err := h.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailedTerminal, cr.Status)
	assert.Equal(t, 3, cr.AttemptCount)
	require.NotNil(t, cr.ErrorCode)
	assert.Equal(t, "HTTP_503", *cr.ErrorCode)

	// A fourth poll finds nothing to dispatch.
	n, err := d.RunOnce(ctx, "w1")
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.Equal(t, []audit.Event{
		audit.EventSubmitted,
		audit.EventClaimed, audit.EventRetryScheduled, audit.EventRequeued,
		audit.EventClaimed, audit.EventRetryScheduled, audit.EventRequeued,
		audit.EventClaimed, audit.EventFailed,
	}, h.events(t, id))
}

func TestPermanentFailureIsImmediatelyTerminal(t *testing.T) {
	h := newHarness(t, 3)
	d := h.dispatcher(t)
	ctx := context.Background()
	id := h.submit(t, "ad_9", queue.StatusChange, 0)

	h.client.EXPECT().Apply(gomock.Any(), "ad_9", queue.StatusChange, 0.0).
		Return(dispatch.ApplyResult{ErrorCode: "INVALID_ID", Message: "no such ad"}, nil)
	h.alerts.EXPECT().Notify(gomock.Any(), "critical", gomock.Any(), gomock.Any()).Return(nil)

	_, err := d.RunOnce(ctx, "w1")
	require.NoError(t, err)

	cr, err := h.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailedTerminal, cr.Status)
	assert.Equal(t, 1, cr.AttemptCount)
	assert.Equal(t, "INVALID_ID", *cr.ErrorCode)
}

func TestRateLimitDenialRequeuesWithoutAttempt(t *testing.T) {
	h := newHarness(t, 3)
	h.deps.Limiter = limiterFunc(func(context.Context, string) (bool, error) { return false, nil })
	d := h.dispatcher(t)
	ctx := context.Background()
	id := h.submit(t, "ad_1", queue.BidChange, 2)

	n, err := d.RunOnce(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	cr, err := h.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, cr.Status)
	assert.Zero(t, cr.AttemptCount)
	assert.Equal(t, baseTime.Add(time.Minute), cr.NextEligibleAt)
	assert.Equal(t, audit.EventRequeued, last(h.events(t, id)))

	// Not eligible again until the delay passes.
	n, err = d.RunOnce(ctx, "w1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCancelRequestedWhileClaimedIsNotDispatched(t *testing.T) {
	h := newHarness(t, 3)
	var id string
	h.deps.Limiter = limiterFunc(func(ctx context.Context, _ string) (bool, error) {
		_, err := h.store.Cancel(ctx, id, "operator")
		return true, err
	})
	d := h.dispatcher(t)
	ctx := context.Background()
	id = h.submit(t, "ad_1", queue.BidChange, 2)

	_, err := d.RunOnce(ctx, "w1")
	require.NoError(t, err)

	cr, err := h.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCancelled, cr.Status)

	evs := h.events(t, id)
	assert.Contains(t, evs, audit.EventCancelRequest)
	assert.Equal(t, audit.EventCancelled, last(evs))
	assert.NotContains(t, evs, audit.EventApplied)
}

func TestBudgetIncreaseIsClampedAndAudited(t *testing.T) {
	h := newHarness(t, 3)
	d := h.dispatcher(t)
	ctx := context.Background()
	id := h.submit(t, "ad_1", queue.BudgetIncrease, 200)

	var sent float64
	h.budgets.EXPECT().CurrentBudget(gomock.Any(), "ad_1").Return(100.0, nil)
	h.client.EXPECT().Apply(gomock.Any(), "ad_1", queue.BudgetIncrease, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, _ queue.ChangeType, value float64) (dispatch.ApplyResult, error) {
			sent = value
			return dispatch.ApplyResult{Success: true, AppliedValue: value}, nil
		})

	_, err := d.RunOnce(ctx, "w1")
	require.NoError(t, err)

	assert.LessOrEqual(t, sent, 120.0)
	assert.Greater(t, sent, 119.99)

	cr, err := h.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusApplied, cr.Status)
	require.NotNil(t, cr.AppliedValue)
	assert.Equal(t, sent, *cr.AppliedValue)
	assert.Equal(t, 200.0, cr.RequestedValue)

	evs := h.events(t, id)
	assert.Contains(t, evs, audit.EventClamped)
	assert.Equal(t, audit.EventApplied, last(evs))

	deltas, err := h.store.VelocityDeltas(ctx, "ad_1", baseTime.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, deltas, 1)
	assert.InDelta(t, sent-100, deltas[0], 1e-9)

	clamps := 0
	for _, ev := range h.hub.SnapshotSince(0) {
		if ev.Type == events.BudgetClamped {
			clamps++
		}
	}
	assert.Equal(t, 1, clamps)
}

func TestBudgetDirectionMismatchIsTerminal(t *testing.T) {
	h := newHarness(t, 3)
	d := h.dispatcher(t)
	ctx := context.Background()
	id := h.submit(t, "ad_1", queue.BudgetDecrease, 150)

	h.budgets.EXPECT().CurrentBudget(gomock.Any(), "ad_1").Return(100.0, nil)
	h.alerts.EXPECT().Notify(gomock.Any(), "critical", gomock.Any(), gomock.Any()).Return(nil)

	_, err := d.RunOnce(ctx, "w1")
	require.NoError(t, err)

	cr, err := h.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailedTerminal, cr.Status)
	assert.Equal(t, dispatch.CodeDirectionMismatch, *cr.ErrorCode)
}

func TestCancelDuringBudgetReadIsNotApplied(t *testing.T) {
	h := newHarness(t, 3)
	d := h.dispatcher(t)
	ctx := context.Background()
	id := h.submit(t, "ad_1", queue.BudgetIncrease, 110)

	h.budgets.EXPECT().CurrentBudget(gomock.Any(), "ad_1").
		DoAndReturn(func(ctx context.Context, _ string) (float64, error) {
			_, err := h.store.Cancel(ctx, id, "operator")
			return 100.0, err
		})
	// No Apply expectation: the mock controller fails the test if it is called.

	_, err := d.RunOnce(ctx, "w1")
	require.NoError(t, err)

	cr, err := h.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCancelled, cr.Status)
	assert.Nil(t, cr.AppliedValue)

	evs := h.events(t, id)
	assert.Equal(t, audit.EventCancelled, last(evs))
	assert.NotContains(t, evs, audit.EventApplied)
}

func TestCancelDuringBudgetReadBeatsDirectionMismatch(t *testing.T) {
	h := newHarness(t, 3)
	d := h.dispatcher(t)
	ctx := context.Background()
	id := h.submit(t, "ad_1", queue.BudgetDecrease, 150)

	h.budgets.EXPECT().CurrentBudget(gomock.Any(), "ad_1").
		DoAndReturn(func(ctx context.Context, _ string) (float64, error) {
			_, err := h.store.Cancel(ctx, id, "operator")
			return 100.0, err
		})
	// A cancelled row raises no terminal-failure alert.

	_, err := d.RunOnce(ctx, "w1")
	require.NoError(t, err)

	cr, err := h.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCancelled, cr.Status)
	assert.Nil(t, cr.ErrorCode)
	assert.NotContains(t, h.events(t, id), audit.EventFailed)
}

func TestShutdownDuringJitterReleasesClaim(t *testing.T) {
	h := newHarness(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.deps.Jitter = jitter.New(time.Hour, time.Hour)
	h.deps.Limiter = limiterFunc(func(context.Context, string) (bool, error) {
		cancel()
		return true, nil
	})
	d := h.dispatcher(t)
	id := h.submit(t, "ad_1", queue.BidChange, 2)

	_, err := d.RunOnce(ctx, "w1")
	require.NoError(t, err)

	cr, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, cr.Status)
	assert.Zero(t, cr.AttemptCount)
	assert.Nil(t, cr.ClaimedBy)
	assert.Equal(t, audit.EventReleased, last(h.events(t, id)))
}

func TestRunAppliesUntilCancelled(t *testing.T) {
	h := newHarness(t, 3)
	d := h.dispatcher(t)
	d.Configure(dispatch.Options{WorkerID: "run", Workers: 3, BatchSize: 2, PollInterval: 5 * time.Millisecond})

	var ids []string
	for i := 0; i < 8; i++ {
		ids = append(ids, h.submit(t, "ad_"+string(rune('a'+i)), queue.BidChange, float64(i+1)))
	}
	h.client.EXPECT().Apply(gomock.Any(), gomock.Any(), queue.BidChange, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, _ queue.ChangeType, value float64) (dispatch.ApplyResult, error) {
			return dispatch.ApplyResult{Success: true, AppliedValue: value}, nil
		}).
		Times(len(ids))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		counts, err := h.store.Counts(context.Background())
		return err == nil && counts[queue.StatusApplied] == len(ids)
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := dispatch.New(dispatch.Deps{}, dispatch.Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store")
}

func last(evs []audit.Event) audit.Event {
	if len(evs) == 0 {
		return ""
	}
	return evs[len(evs)-1]
}
