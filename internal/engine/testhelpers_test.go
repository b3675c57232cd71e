package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/esdata/orchestrator/internal/backoff"
	"github.com/esdata/orchestrator/internal/config"
	"github.com/esdata/orchestrator/internal/model"
	"github.com/esdata/orchestrator/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		Execution: config.ExecutionConfig{
			MaxParallel:        2,
			TaskTimeoutSecs:    5,
			MaxAttempts:        3,
			RetryStrategy:      "fixed",
			RetryDelaySecs:     0,
			StarvationTicks:    4,
			LaunchIntervalSecs: 0,
			ShutdownGraceSecs:  1,
		},
		Collectors: []config.CollectorConfig{
			{Name: "alpha", Website: "Alp", Priority: 1, HasDetail: true},
			{Name: "beta", Website: "Bet", Priority: 2},
			{Name: "gamma", Website: "Gam", Priority: 3},
		},
		Paths: config.PathsConfig{
			DataDir:       filepath.Join(t.TempDir(), "data"),
			CollectorsDir: filepath.Join(t.TempDir(), "collectors"),
		},
	}
}

func makeTask(collector, city string, ordinal int) model.Task {
	website := "Alp"
	switch collector {
	case "beta":
		website = "Bet"
	case "gamma":
		website = "Gam"
	}
	return model.Task{
		Collector:   collector,
		Website:     website,
		City:        city,
		Operation:   "Ven",
		Product:     "Cas",
		Locator:     "https://example.com/" + city,
		Ordinal:     ordinal,
		MaxAttempts: 3,
		CreatedAt:   time.Now().UTC(),
	}
}

func seed(t *testing.T, st store.Store, batch *model.Batch, tasks ...model.Task) *model.Batch {
	t.Helper()
	created, err := st.CreateBatch(context.Background(), batch, tasks)
	require.NoError(t, err)
	return created
}

func openBatch() *model.Batch {
	return &model.Batch{
		BatchID:  "Sep25_01",
		Period:   "Sep25",
		Sequence: 1,
		OpenedAt: time.Now().UTC(),
		Status:   model.BatchStatusOpen,
	}
}

func findTask(t *testing.T, st store.Store, batchID, collector, city string) *model.Task {
	t.Helper()
	tasks, err := st.ListTasks(context.Background(), batchID)
	require.NoError(t, err)
	for i := range tasks {
		if tasks[i].Collector == collector && tasks[i].City == city {
			return &tasks[i]
		}
	}
	t.Fatalf("task %s/%s not found in batch %s", collector, city, batchID)
	return nil
}

// fakeRunner substitutes the subprocess executor. Outcomes are scripted per
// task key and consumed in order; unscripted tasks complete successfully.
type fakeRunner struct {
	mu         sync.Mutex
	scripted   map[string][]Outcome
	calls      []string
	running    int
	maxRunning int
	hook       func(ctx context.Context, task *model.Task)
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{scripted: make(map[string][]Outcome)}
}

func (f *fakeRunner) script(task model.Task, outcomes ...Outcome) {
	key := task.Key()
	f.scripted[key] = append(f.scripted[key], outcomes...)
}

func (f *fakeRunner) Run(ctx context.Context, task *model.Task, batch *model.Batch, dec Decision) Outcome {
	f.mu.Lock()
	f.calls = append(f.calls, task.Key())
	f.running++
	if f.running > f.maxRunning {
		f.maxRunning = f.running
	}
	var out Outcome
	if queue := f.scripted[task.Key()]; len(queue) > 0 {
		out = queue[0]
		f.scripted[task.Key()] = queue[1:]
	} else {
		out = Outcome{Kind: OutcomeCompleted, OutputPath: "/tmp/" + task.Collector + ".csv"}
	}
	hook := f.hook
	f.mu.Unlock()

	if hook != nil {
		hook(ctx, task)
	}

	f.mu.Lock()
	f.running--
	f.mu.Unlock()
	return out
}

func (f *fakeRunner) callOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRunner) callCount(key string) int {
	n := 0
	for _, c := range f.callOrder() {
		if c == key {
			n++
		}
	}
	return n
}

func newTestScheduler(st store.Store, runner Runner, cfg *config.Config) *Scheduler {
	policy := backoff.Policy{Strategy: backoff.StrategyFixed, Base: time.Millisecond}
	retry := NewRetryController(st, policy)
	return NewScheduler(st, NewGate(st), runner, retry, cfg)
}
