// Package fetch schedules and executes subresource loads. Admission is
// priority-ordered (visible first, FIFO within a tier) under a hard
// concurrency cap, with a starvation override that promotes long-waiting
// tasks one tier. The governor's budget decides how many slots a window
// gets and whether background work is admitted at all.
package fetch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/xkilldash9x/wisp/api/schemas"
	"github.com/xkilldash9x/wisp/internal/config"
	"github.com/xkilldash9x/wisp/internal/dom"
)

// BudgetSource supplies the current window budget. The governor satisfies
// this; tests substitute a stub.
type BudgetSource interface {
	Current() schemas.Budget
}

// Task is one scheduled resource load.
type Task struct {
	ID       uuid.UUID
	Node     dom.NodeID
	URL      string
	Priority schemas.FetchPriority
	Enqueued time.Time

	// Guarded by the scheduler mutex after enqueue.
	State      schemas.TaskState
	Attempts   int
	Generation uint64

	seq  uint64
	shed bool
}

// effective returns the task's priority including the starvation override.
func (t *Task) effective(now time.Time, promoteAfter time.Duration) schemas.FetchPriority {
	if promoteAfter > 0 && now.Sub(t.Enqueued) >= promoteAfter {
		return t.Priority.Promoted()
	}
	return t.Priority
}

// Result is the terminal outcome of one task.
type Result struct {
	Task     *Task
	Resource *Resource
	Err      error
}

type inflightEntry struct {
	task   *Task
	cancel context.CancelFunc
}

// Scheduler owns the pending queue and the in-flight set.
type Scheduler struct {
	cfg     config.FetchConfig
	fetcher Fetcher
	budget  BudgetSource
	log     *zap.Logger

	mu       sync.Mutex
	queue    []*Task
	inflight map[uuid.UUID]*inflightEntry
	tasks    map[uuid.UUID]*Task
	gen      uint64
	seq      uint64

	sem     *semaphore.Weighted
	wake    chan struct{}
	results chan Result
	wg      sync.WaitGroup

	runCtx context.Context
}

// NewScheduler creates a scheduler. Run must be started for tasks to move.
func NewScheduler(cfg config.FetchConfig, fetcher Fetcher, budget BudgetSource, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:      cfg,
		fetcher:  fetcher,
		budget:   budget,
		log:      logger.Named("fetch"),
		inflight: make(map[uuid.UUID]*inflightEntry),
		tasks:    make(map[uuid.UUID]*Task),
		sem:      semaphore.NewWeighted(int64(cfg.ConcurrencyCap)),
		wake:     make(chan struct{}, 1),
		results:  make(chan Result, 128),
	}
}

// Results delivers terminal task outcomes. Results for abandoned
// generations are dropped, never delivered.
func (s *Scheduler) Results() <-chan Result { return s.results }

// Enqueue schedules a resource load and returns its task handle.
func (s *Scheduler) Enqueue(node dom.NodeID, url string, prio schemas.FetchPriority) *Task {
	s.mu.Lock()
	s.seq++
	t := &Task{
		ID:         uuid.New(),
		Node:       node,
		URL:        url,
		Priority:   prio,
		State:      schemas.TaskQueued,
		Enqueued:   time.Now(),
		Generation: s.gen,
		seq:        s.seq,
	}
	s.queue = append(s.queue, t)
	s.tasks[t.ID] = t
	s.mu.Unlock()

	s.log.Debug("task enqueued",
		zap.String("url", url),
		zap.Stringer("priority", prio),
		zap.Int32("node", int32(node)))
	s.notify()
	return t
}

// UpdatePriority re-tiers every queued task for the given node. The
// enqueue time is kept so the starvation clock keeps running.
func (s *Scheduler) UpdatePriority(node dom.NodeID, prio schemas.FetchPriority) {
	s.mu.Lock()
	for _, t := range s.queue {
		if t.Node == node {
			t.Priority = prio
		}
	}
	s.mu.Unlock()
	s.notify()
}

// TaskState reports the current lifecycle state of a task.
func (s *Scheduler) TaskState(id uuid.UUID) (schemas.TaskState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return 0, false
	}
	return t.State, true
}

// QueueLen reports the number of tasks awaiting admission.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Generation returns the current page generation.
func (s *Scheduler) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// Abandon discards all queued work and cancels in-flight fetches. Late
// results from the old generation are dropped.
func (s *Scheduler) Abandon() {
	s.mu.Lock()
	s.gen++
	dropped := len(s.queue)
	s.queue = nil
	s.tasks = make(map[uuid.UUID]*Task)
	for _, entry := range s.inflight {
		entry.cancel()
	}
	s.mu.Unlock()
	s.log.Info("generation abandoned", zap.Int("dropped_queued", dropped))
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives admission until the context ends, then waits for in-flight
// workers to unwind.
func (s *Scheduler) Run(ctx context.Context) error {
	s.runCtx = ctx

	scan := s.cfg.PromoteAfter / 4
	if scan < 5*time.Millisecond {
		scan = 5 * time.Millisecond
	}
	if scan > 100*time.Millisecond {
		scan = 100 * time.Millisecond
	}
	ticker := time.NewTicker(scan)
	defer ticker.Stop()

	for {
		s.dispatch(ctx)
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		case <-s.wake:
		case <-ticker.C:
		}
	}
}

// dispatch admits tasks while budget slots are available.
func (s *Scheduler) dispatch(ctx context.Context) {
	for {
		b := s.budget.Current()
		now := time.Now()

		s.mu.Lock()
		if b.Signal == schemas.SignalShed {
			s.shedBackgroundLocked()
		}

		slots := b.FetchConcurrency
		if slots > s.cfg.ConcurrencyCap {
			slots = s.cfg.ConcurrencyCap
		}
		if len(s.inflight) >= slots {
			s.mu.Unlock()
			return
		}

		idx := s.pickLocked(now, b)
		if idx < 0 {
			s.mu.Unlock()
			return
		}

		task := s.queue[idx]
		s.queue = append(s.queue[:idx], s.queue[idx+1:]...)

		if !s.sem.TryAcquire(1) {
			// Hard cap reached regardless of what the budget says.
			s.queue = append(s.queue, task)
			s.mu.Unlock()
			return
		}

		task.State = schemas.TaskInFlight
		tctx, cancel := context.WithCancel(ctx)
		s.inflight[task.ID] = &inflightEntry{task: task, cancel: cancel}
		s.wg.Add(1)
		s.mu.Unlock()

		go s.work(tctx, task)
	}
}

// pickLocked selects the admissible task with the highest effective
// priority, breaking ties by enqueue order.
func (s *Scheduler) pickLocked(now time.Time, b schemas.Budget) int {
	best := -1
	var bestPrio schemas.FetchPriority
	var bestSeq uint64
	for i, t := range s.queue {
		// The admission gate looks at the base tier: promotion improves
		// ordering but never lets background work bypass a throttled window.
		if t.Priority == schemas.PriorityBackground && !b.AllowsBackground() {
			continue
		}
		prio := t.effective(now, s.cfg.PromoteAfter)
		if best < 0 || prio > bestPrio || (prio == bestPrio && t.seq < bestSeq) {
			best, bestPrio, bestSeq = i, prio, t.seq
		}
	}
	return best
}

// shedBackgroundLocked cancels in-flight background fetches so they
// requeue and wait for a calmer window.
func (s *Scheduler) shedBackgroundLocked() {
	for _, entry := range s.inflight {
		if entry.task.Priority == schemas.PriorityBackground && !entry.task.shed {
			entry.task.shed = true
			entry.cancel()
		}
	}
}

func (s *Scheduler) work(ctx context.Context, task *Task) {
	defer s.wg.Done()
	defer s.sem.Release(1)

	var lastErr error
	for attempt := 0; attempt <= s.cfg.RetryLimit; attempt++ {
		if attempt > 0 {
			backoff := s.cfg.BackoffBase << (attempt - 1)
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				lastErr = ctx.Err()
				s.conclude(task, nil, lastErr)
				return
			case <-timer.C:
			}
		}

		s.mu.Lock()
		task.Attempts++
		s.mu.Unlock()

		res, err := s.fetcher.Fetch(ctx, task.URL)
		if err == nil {
			s.conclude(task, res, nil)
			return
		}
		lastErr = err
		if ctx.Err() != nil {
			s.conclude(task, nil, ctx.Err())
			return
		}
		s.log.Debug("fetch attempt failed",
			zap.String("url", task.URL),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	s.conclude(task, nil, lastErr)
}

// conclude retires an in-flight task: requeue after a shed cancellation,
// drop abandoned generations, or deliver a terminal result.
func (s *Scheduler) conclude(task *Task, res *Resource, err error) {
	s.mu.Lock()
	if entry, ok := s.inflight[task.ID]; ok {
		entry.cancel()
		delete(s.inflight, task.ID)
	}

	stale := task.Generation != s.gen
	if !stale && err != nil && task.shed {
		task.shed = false
		task.State = schemas.TaskQueued
		task.Attempts = 0
		s.queue = append(s.queue, task)
		s.mu.Unlock()
		s.notify()
		return
	}

	if err != nil {
		task.State = schemas.TaskFailed
	} else {
		task.State = schemas.TaskComplete
	}
	s.mu.Unlock()
	s.notify()

	if stale {
		return
	}
	select {
	case s.results <- Result{Task: task, Resource: res, Err: err}:
	case <-s.runCtx.Done():
	}
}
