package fetch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/xkilldash9x/wisp/api/schemas"
	"github.com/xkilldash9x/wisp/internal/config"
	"github.com/xkilldash9x/wisp/internal/dom"
)

// stubBudget serves a swappable budget snapshot.
type stubBudget struct {
	mu sync.Mutex
	b  schemas.Budget
}

func newStubBudget(signal schemas.GovernorSignal, slots int) *stubBudget {
	return &stubBudget{b: schemas.Budget{Signal: signal, FetchConcurrency: slots, PaintCommandCap: 1024}}
}

func (s *stubBudget) Current() schemas.Budget {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b
}

func (s *stubBudget) set(b schemas.Budget) {
	s.mu.Lock()
	s.b = b
	s.mu.Unlock()
}

// fakeFetcher records fetch order and can fail or block on demand.
type fakeFetcher struct {
	mu            sync.Mutex
	order         []string
	failures      map[string]int
	hold          chan struct{}
	concurrent    int
	maxConcurrent int
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (*Resource, error) {
	f.mu.Lock()
	f.order = append(f.order, url)
	f.concurrent++
	if f.concurrent > f.maxConcurrent {
		f.maxConcurrent = f.concurrent
	}
	hold := f.hold
	remaining := f.failures[url]
	if remaining > 0 {
		f.failures[url] = remaining - 1
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.concurrent--
		f.mu.Unlock()
	}()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if remaining > 0 {
		return nil, errors.New("synthetic failure")
	}
	return &Resource{URL: url, Data: []byte("payload"), Kind: schemas.ResourceImage}, nil
}

func (f *fakeFetcher) fetchedOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

func testFetchConfig() config.FetchConfig {
	return config.FetchConfig{
		ConcurrencyCap: 4,
		RetryLimit:     0,
		BackoffBase:    time.Millisecond,
		PromoteAfter:   time.Hour,
		RequestTimeout: time.Second,
	}
}

func startScheduler(t *testing.T, s *Scheduler) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("scheduler did not stop")
		}
	}
}

func collectResults(t *testing.T, s *Scheduler, n int) []Result {
	t.Helper()
	out := make([]Result, 0, n)
	for len(out) < n {
		select {
		case r := <-s.Results():
			out = append(out, r)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for results, got %d of %d", len(out), n)
		}
	}
	return out
}

func TestDispatchOrderFollowsPriority(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testFetchConfig()
	cfg.ConcurrencyCap = 1
	ff := &fakeFetcher{}
	s := NewScheduler(cfg, ff, newStubBudget(schemas.SignalNormal, 1), nil)

	s.Enqueue(1, "bg.png", schemas.PriorityBackground)
	s.Enqueue(2, "visible.png", schemas.PriorityVisible)
	s.Enqueue(3, "near.png", schemas.PriorityNearViewport)

	stop := startScheduler(t, s)
	defer stop()

	collectResults(t, s, 3)
	assert.Equal(t, []string{"visible.png", "near.png", "bg.png"}, ff.fetchedOrder())
}

func TestSamePriorityIsFIFO(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testFetchConfig()
	cfg.ConcurrencyCap = 1
	ff := &fakeFetcher{}
	s := NewScheduler(cfg, ff, newStubBudget(schemas.SignalNormal, 1), nil)

	s.Enqueue(1, "first.png", schemas.PriorityNearViewport)
	s.Enqueue(2, "second.png", schemas.PriorityNearViewport)
	s.Enqueue(3, "third.png", schemas.PriorityNearViewport)

	stop := startScheduler(t, s)
	defer stop()

	collectResults(t, s, 3)
	assert.Equal(t, []string{"first.png", "second.png", "third.png"}, ff.fetchedOrder())
}

func TestStarvedTaskIsPromoted(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testFetchConfig()
	cfg.ConcurrencyCap = 1
	cfg.PromoteAfter = 20 * time.Millisecond
	ff := &fakeFetcher{}
	s := NewScheduler(cfg, ff, newStubBudget(schemas.SignalNormal, 1), nil)

	s.Enqueue(1, "starved.png", schemas.PriorityBackground)
	time.Sleep(30 * time.Millisecond)
	// A fresh same-tier task would win on FIFO grounds only if the starved
	// background task had actually been lifted into its tier.
	s.Enqueue(2, "fresh.png", schemas.PriorityNearViewport)

	stop := startScheduler(t, s)
	defer stop()

	collectResults(t, s, 2)
	assert.Equal(t, []string{"starved.png", "fresh.png"}, ff.fetchedOrder())
}

func TestBudgetBoundsConcurrency(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testFetchConfig() // hard cap 4
	hold := make(chan struct{})
	ff := &fakeFetcher{hold: hold}
	s := NewScheduler(cfg, ff, newStubBudget(schemas.SignalNormal, 2), nil)

	for i := 0; i < 5; i++ {
		s.Enqueue(dom.NodeID(i), "img.png", schemas.PriorityVisible)
	}

	stop := startScheduler(t, s)
	defer stop()

	require.Eventually(t, func() bool {
		ff.mu.Lock()
		defer ff.mu.Unlock()
		return ff.concurrent == 2
	}, time.Second, time.Millisecond)

	assert.Equal(t, 3, s.QueueLen(), "remaining tasks wait for a slot")

	close(hold)
	collectResults(t, s, 5)

	ff.mu.Lock()
	defer ff.mu.Unlock()
	assert.LessOrEqual(t, ff.maxConcurrent, 2, "budget slot count is never exceeded")
}

func TestBackgroundHeldUntilBudgetRecovers(t *testing.T) {
	defer goleak.VerifyNone(t)

	budget := newStubBudget(schemas.SignalThrottle, 2)
	ff := &fakeFetcher{}
	s := NewScheduler(testFetchConfig(), ff, budget, nil)

	bg := s.Enqueue(1, "bg.png", schemas.PriorityBackground)
	s.Enqueue(2, "visible.png", schemas.PriorityVisible)

	stop := startScheduler(t, s)
	defer stop()

	collectResults(t, s, 1)
	assert.Equal(t, []string{"visible.png"}, ff.fetchedOrder())

	state, ok := s.TaskState(bg.ID)
	require.True(t, ok)
	assert.Equal(t, schemas.TaskQueued, state, "background stays queued while throttled")

	budget.set(schemas.Budget{Signal: schemas.SignalNormal, FetchConcurrency: 2})
	results := collectResults(t, s, 1)
	assert.Equal(t, "bg.png", results[0].Task.URL)
}

func TestShedCancelsInFlightBackground(t *testing.T) {
	defer goleak.VerifyNone(t)

	budget := newStubBudget(schemas.SignalNormal, 4)
	hold := make(chan struct{})
	ff := &fakeFetcher{hold: hold}
	s := NewScheduler(testFetchConfig(), ff, budget, nil)

	vis := s.Enqueue(1, "visible.png", schemas.PriorityVisible)
	bg := s.Enqueue(2, "bg.png", schemas.PriorityBackground)

	stop := startScheduler(t, s)
	defer stop()

	require.Eventually(t, func() bool {
		ff.mu.Lock()
		defer ff.mu.Unlock()
		return ff.concurrent == 2
	}, time.Second, time.Millisecond)

	budget.set(schemas.Budget{Signal: schemas.SignalShed, FetchConcurrency: 1})

	// The background fetch is cancelled and requeued with a clean attempt
	// count; the visible fetch rides out the shed window untouched.
	require.Eventually(t, func() bool {
		state, ok := s.TaskState(bg.ID)
		return ok && state == schemas.TaskQueued
	}, time.Second, time.Millisecond)

	state, ok := s.TaskState(vis.ID)
	require.True(t, ok)
	assert.Equal(t, schemas.TaskInFlight, state)
	assert.Equal(t, 1, s.QueueLen())

	close(hold)
	budget.set(schemas.Budget{Signal: schemas.SignalNormal, FetchConcurrency: 4})

	results := collectResults(t, s, 2)
	for _, r := range results {
		require.NoError(t, r.Err, r.Task.URL)
	}
	bgState, ok := s.TaskState(bg.ID)
	require.True(t, ok)
	assert.Equal(t, schemas.TaskComplete, bgState)
	assert.Equal(t, 1, bg.Attempts, "the shed attempt does not count against the retry budget")

	order := ff.fetchedOrder()
	require.Len(t, order, 3)
	assert.Equal(t, "bg.png", order[2], "the requeued background fetch runs again after recovery")
}

func TestRetriesWithBackoffThenSucceeds(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testFetchConfig()
	cfg.RetryLimit = 3
	ff := &fakeFetcher{failures: map[string]int{"flaky.png": 2}}
	s := NewScheduler(cfg, ff, newStubBudget(schemas.SignalNormal, 4), nil)

	s.Enqueue(1, "flaky.png", schemas.PriorityVisible)

	stop := startScheduler(t, s)
	defer stop()

	results := collectResults(t, s, 1)
	require.NoError(t, results[0].Err)
	assert.Equal(t, 3, results[0].Task.Attempts)
	assert.Equal(t, schemas.TaskComplete, results[0].Task.State)
}

func TestExhaustedRetriesFailTerminally(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testFetchConfig()
	cfg.RetryLimit = 1
	ff := &fakeFetcher{failures: map[string]int{"broken.png": 99}}
	s := NewScheduler(cfg, ff, newStubBudget(schemas.SignalNormal, 4), nil)

	task := s.Enqueue(1, "broken.png", schemas.PriorityVisible)

	stop := startScheduler(t, s)
	defer stop()

	results := collectResults(t, s, 1)
	require.Error(t, results[0].Err)

	state, ok := s.TaskState(task.ID)
	require.True(t, ok)
	assert.Equal(t, schemas.TaskFailed, state)
}

func TestAbandonDropsLateResults(t *testing.T) {
	defer goleak.VerifyNone(t)

	hold := make(chan struct{})
	ff := &fakeFetcher{hold: hold}
	s := NewScheduler(testFetchConfig(), ff, newStubBudget(schemas.SignalNormal, 4), nil)

	s.Enqueue(1, "old.png", schemas.PriorityVisible)

	stop := startScheduler(t, s)
	defer stop()

	require.Eventually(t, func() bool {
		ff.mu.Lock()
		defer ff.mu.Unlock()
		return ff.concurrent == 1
	}, time.Second, time.Millisecond)

	gen := s.Generation()
	s.Abandon()
	assert.Equal(t, gen+1, s.Generation())
	close(hold)

	select {
	case r := <-s.Results():
		t.Fatalf("stale result delivered: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUpdatePriorityReordersQueue(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testFetchConfig()
	cfg.ConcurrencyCap = 1
	ff := &fakeFetcher{}
	s := NewScheduler(cfg, ff, newStubBudget(schemas.SignalNormal, 1), nil)

	s.Enqueue(1, "a.png", schemas.PriorityBackground)
	s.Enqueue(2, "b.png", schemas.PriorityNearViewport)
	// Node 1 scrolled into view before the scheduler started.
	s.UpdatePriority(1, schemas.PriorityVisible)

	stop := startScheduler(t, s)
	defer stop()

	collectResults(t, s, 2)
	assert.Equal(t, []string{"a.png", "b.png"}, ff.fetchedOrder())
}
