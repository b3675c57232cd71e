package engine

import (
	"container/heap"
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/esdata/orchestrator/internal/config"
	"github.com/esdata/orchestrator/internal/model"
	"github.com/esdata/orchestrator/internal/store"
)

// Scheduler drives one batch to quiescence: it admits eligible tasks in
// priority order under the concurrency ceiling, hands them to the Runner,
// and routes outcomes through the retry controller. The store remains the
// single source of truth for status; the scheduler's queues and retry heap
// are rebuildable caches over pending/retrying rows.
type Scheduler struct {
	store  store.Store
	gate   *Gate
	runner Runner
	retry  *RetryController
	cfg    *config.Config

	queues  map[string]*readyQueue
	order   []string // collector names sorted by priority rank
	starved map[string]int
	delayed retryHeap
}

func NewScheduler(st store.Store, gate *Gate, runner Runner, retry *RetryController, cfg *config.Config) *Scheduler {
	return &Scheduler{
		store:  st,
		gate:   gate,
		runner: runner,
		retry:  retry,
		cfg:    cfg,
	}
}

// readyQueue holds one collector's not-yet-admitted tasks in execution order.
type readyQueue struct {
	collector string
	priority  int
	tasks     []*model.Task
}

func (q *readyQueue) head() *model.Task {
	if len(q.tasks) == 0 {
		return nil
	}
	return q.tasks[0]
}

func (q *readyQueue) pop() *model.Task {
	t := q.tasks[0]
	q.tasks = q.tasks[1:]
	return t
}

func (q *readyQueue) push(t *model.Task) {
	q.tasks = append(q.tasks, t)
	sort.SliceStable(q.tasks, func(i, j int) bool {
		if q.tasks[i].Ordinal != q.tasks[j].Ordinal {
			return q.tasks[i].Ordinal < q.tasks[j].Ordinal
		}
		return q.tasks[i].CreatedAt.Before(q.tasks[j].CreatedAt)
	})
}

// retryHeap orders retrying tasks by the instant they become eligible again.
type retryItem struct {
	at   time.Time
	task *model.Task
}

type retryHeap []retryItem

func (h retryHeap) Len() int            { return len(h) }
func (h retryHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h retryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *retryHeap) Push(x any) { *h = append(*h, x.(retryItem)) }
func (h *retryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

type result struct {
	task    *model.Task
	outcome Outcome
}

// candidate is a collector whose head task is admissible right now.
type candidate struct {
	queue *readyQueue
	task  *model.Task
	dec   Decision
}

// Run schedules the batch until every task is terminal or the context is
// cancelled. On cancellation admission stops, in-flight collectors are
// terminated, and tasks left running are picked up by the resume
// reconciler on the next start.
func (s *Scheduler) Run(ctx context.Context, batch *model.Batch) error {
	if err := s.loadQueues(ctx, batch.BatchID); err != nil {
		return err
	}

	ceiling := int64(s.cfg.Execution.MaxParallel)
	sem := semaphore.NewWeighted(ceiling)
	limiter := rate.NewLimiter(rate.Every(s.launchInterval()), 1)
	results := make(chan result, ceiling)
	inflight := 0

	log := zap.L().With(zap.String("batch_id", batch.BatchID))
	log.Info("scheduler started",
		zap.Int64("ceiling", ceiling),
		zap.Int("queued", s.queuedCount()))

	wake := time.NewTimer(time.Second)
	defer wake.Stop()

	for {
		s.promoteDueRetries(time.Now())

		for {
			admitted, err := s.admitNext(ctx, batch, sem, limiter, results)
			if err != nil {
				return s.drain(results, inflight, err, ctx.Err() != nil)
			}
			if !admitted {
				break
			}
			inflight++
		}

		if inflight == 0 && s.queuedCount() == 0 && len(s.delayed) == 0 {
			log.Info("batch quiescent")
			return nil
		}

		resetWake(wake, s.nextWake())

		select {
		case res := <-results:
			inflight--
			sem.Release(1)
			if err := s.handleOutcome(ctx, res); err != nil {
				return s.drain(results, inflight, err, false)
			}
		case <-wake.C:
		case <-ctx.Done():
			log.Warn("run aborted, stopping admission", zap.Int("inflight", inflight))
			return s.drain(results, inflight, eris.Wrap(ctx.Err(), "engine: run aborted"), true)
		}
	}
}

// loadQueues rebuilds the per-collector ready queues from pending and
// retrying rows. Retrying tasks found here come from a prior interrupted
// run; their delays were lost with that process, so they are ready at once.
func (s *Scheduler) loadQueues(ctx context.Context, batchID string) error {
	tasks, err := s.store.TasksByStatus(ctx, batchID,
		model.TaskStatusPending, model.TaskStatusRetrying)
	if err != nil {
		return eris.Wrap(err, "engine: load schedulable tasks")
	}

	s.queues = make(map[string]*readyQueue)
	s.starved = make(map[string]int)
	s.delayed = nil
	for i := range tasks {
		t := &tasks[i]
		q, ok := s.queues[t.Collector]
		if !ok {
			q = &readyQueue{collector: t.Collector, priority: s.priorityOf(t.Collector)}
			s.queues[t.Collector] = q
		}
		q.push(t)
	}

	s.order = make([]string, 0, len(s.queues))
	for name := range s.queues {
		s.order = append(s.order, name)
	}
	sort.Slice(s.order, func(i, j int) bool {
		qi, qj := s.queues[s.order[i]], s.queues[s.order[j]]
		if qi.priority != qj.priority {
			return qi.priority < qj.priority
		}
		return qi.collector < qj.collector
	})
	return nil
}

func (s *Scheduler) priorityOf(collector string) int {
	if col, ok := s.cfg.CollectorByName(collector); ok {
		return col.Priority
	}
	return 1 << 10
}

func (s *Scheduler) launchInterval() time.Duration {
	d := time.Duration(s.cfg.Execution.LaunchIntervalSecs * float64(time.Second))
	if d <= 0 {
		d = time.Nanosecond
	}
	return d
}

func (s *Scheduler) queuedCount() int {
	n := 0
	for _, q := range s.queues {
		n += len(q.tasks)
	}
	return n
}

// promoteDueRetries moves retrying tasks whose delay elapsed back into
// their collector queues.
func (s *Scheduler) promoteDueRetries(now time.Time) {
	for len(s.delayed) > 0 && !s.delayed[0].at.After(now) {
		item := heap.Pop(&s.delayed).(retryItem)
		s.queues[item.task.Collector].push(item.task)
	}
}

// nextWake picks how long the loop may sleep when no result arrives: until
// the next retry becomes due, capped so blocked detail tasks are re-examined
// regularly.
func (s *Scheduler) nextWake() time.Duration {
	d := time.Second
	if len(s.delayed) > 0 {
		if until := time.Until(s.delayed[0].at); until < d {
			d = until
		}
	}
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	return d
}

func resetWake(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// admitNext admits at most one task: the admissible candidate with the best
// (priority, ordinal, created_at) rank, unless a starved collector claims
// the slot first. Returns false when no slot is free or nothing is
// admissible.
func (s *Scheduler) admitNext(ctx context.Context, batch *model.Batch, sem *semaphore.Weighted, limiter *rate.Limiter, results chan<- result) (bool, error) {
	if !sem.TryAcquire(1) {
		return false, nil
	}

	cands, err := s.candidates(ctx)
	if err != nil {
		sem.Release(1)
		return false, err
	}
	if len(cands) == 0 {
		sem.Release(1)
		return false, nil
	}

	chosen := s.choose(cands)

	if err := limiter.Wait(ctx); err != nil {
		sem.Release(1)
		return false, eris.Wrap(err, "engine: launch pacing")
	}

	if err := s.store.MarkRunning(ctx, chosen.task.ID); err != nil {
		sem.Release(1)
		return false, eris.Wrapf(err, "engine: admit %s", chosen.task.Key())
	}

	chosen.queue.pop()
	for _, c := range cands {
		if c.queue.collector == chosen.queue.collector {
			s.starved[c.queue.collector] = 0
		} else {
			s.starved[c.queue.collector]++
		}
	}

	task, dec := chosen.task, chosen.dec
	zap.L().Debug("task admitted",
		zap.String("task", task.Key()),
		zap.Int("priority", chosen.queue.priority))

	go func() {
		out := s.runner.Run(ctx, task, batch, dec)
		results <- result{task: task, outcome: out}
	}()
	return true, nil
}

// candidates collects every collector whose head task could run right now.
// Detail tasks consult the gate here; unsatisfiable ones are finalized
// immediately and never admitted.
func (s *Scheduler) candidates(ctx context.Context) ([]candidate, error) {
	var cands []candidate
	for _, name := range s.order {
		q := s.queues[name]
		for {
			head := q.head()
			if head == nil {
				break
			}
			dec, err := s.gate.Check(ctx, head)
			if err != nil {
				return nil, err
			}
			if dec.State == GateUnsatisfiable {
				if err := s.finalizeUnsatisfiable(ctx, head, dec); err != nil {
					return nil, err
				}
				q.pop()
				continue
			}
			if dec.State == GateReady {
				cands = append(cands, candidate{queue: q, task: head, dec: dec})
			}
			break
		}
	}
	return cands, nil
}

func (s *Scheduler) finalizeUnsatisfiable(ctx context.Context, task *model.Task, dec Decision) error {
	depErr := &model.DependencyError{TaskKey: task.Key(), Reason: dec.Reason}
	if err := s.store.MarkPermanentlyFailed(ctx, task.ID, depErr.Error()); err != nil {
		return eris.Wrapf(err, "engine: finalize unsatisfiable %s", task.Key())
	}
	zap.L().Warn("detail task unsatisfiable",
		zap.String("task", task.Key()),
		zap.String("reason", dec.Reason))
	return nil
}

// choose picks among admissible candidates. A collector passed over for
// starvation_ticks consecutive admissions while it had an admissible task
// takes the next slot regardless of rank.
func (s *Scheduler) choose(cands []candidate) candidate {
	threshold := s.cfg.Execution.StarvationTicks
	pool := cands
	if threshold > 0 {
		var starved []candidate
		for _, c := range cands {
			if s.starved[c.queue.collector] >= threshold {
				starved = append(starved, c)
			}
		}
		if len(starved) > 0 {
			pool = starved
		}
	}

	best := pool[0]
	for _, c := range pool[1:] {
		if better(c, best) {
			best = c
		}
	}
	return best
}

func better(a, b candidate) bool {
	if a.queue.priority != b.queue.priority {
		return a.queue.priority < b.queue.priority
	}
	if a.task.Ordinal != b.task.Ordinal {
		return a.task.Ordinal < b.task.Ordinal
	}
	return a.task.CreatedAt.Before(b.task.CreatedAt)
}

// handleOutcome persists an executor verdict and routes failures through
// the retry controller.
func (s *Scheduler) handleOutcome(ctx context.Context, res result) error {
	task, out := res.task, res.outcome

	if out.Kind == OutcomeCompleted {
		if err := s.store.MarkCompleted(ctx, task.ID, out.OutputPath); err != nil {
			return eris.Wrapf(err, "engine: complete %s", task.Key())
		}
		return nil
	}

	if err := s.store.MarkFailed(ctx, task.ID, out.Cause(), out.Err); err != nil {
		return eris.Wrapf(err, "engine: fail %s", task.Key())
	}
	disp, err := s.retry.OnFailure(ctx, task.ID)
	if err != nil {
		return err
	}
	if !disp.Final {
		heap.Push(&s.delayed, retryItem{at: time.Now().Add(disp.Delay), task: task})
	}
	return nil
}

// drain waits out in-flight collectors after an abort or fatal error so
// their outcomes still reach the store. Store writes use a fresh context:
// the run context is already dead. On an operator abort the failures of
// killed collectors are not real outcomes: those rows stay running for the
// resume reconciler, which uncharges the interrupted attempt. Completions
// observed during the drain are still persisted.
func (s *Scheduler) drain(results <-chan result, inflight int, cause error, aborted bool) error {
	if inflight == 0 {
		return cause
	}

	grace := s.cfg.Execution.TaskTimeout() + s.cfg.Execution.ShutdownGrace() + 5*time.Second
	deadline := time.After(grace)
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	for inflight > 0 {
		select {
		case res := <-results:
			inflight--
			if aborted && res.outcome.Kind != OutcomeCompleted {
				zap.L().Info("task interrupted by abort, left running for resume",
					zap.String("task", res.task.Key()))
				continue
			}
			if err := s.handleOutcome(ctx, res); err != nil {
				zap.L().Error("outcome lost during drain", zap.Error(err))
			}
		case <-deadline:
			zap.L().Warn("giving up on in-flight collectors", zap.Int("inflight", inflight))
			return cause
		}
	}
	return cause
}
