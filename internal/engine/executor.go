package engine

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/esdata/orchestrator/internal/config"
	"github.com/esdata/orchestrator/internal/model"
)

// OutcomeKind classifies how a task execution ended.
type OutcomeKind int

const (
	OutcomeCompleted OutcomeKind = iota
	OutcomeFailed
	OutcomeTimedOut
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	case OutcomeTimedOut:
		return "timed_out"
	}
	return "unknown"
}

// Outcome is the result of one collector invocation.
type Outcome struct {
	Kind       OutcomeKind
	OutputPath string
	Err        string
}

// Cause maps the outcome onto the failure status it should persist as.
func (o Outcome) Cause() model.TaskStatus {
	if o.Kind == OutcomeTimedOut {
		return model.TaskStatusTimedOut
	}
	return model.TaskStatusFailed
}

// Runner executes one task and reports its outcome. The scheduler only
// depends on this interface; tests substitute fakes for the subprocess
// executor.
type Runner interface {
	Run(ctx context.Context, task *model.Task, batch *model.Batch, dec Decision) Outcome
}

// Executor launches external collector executables, one subprocess per task,
// conveying the task through the environment parameter contract. It enforces
// the per-task timeout and never retries internally.
type Executor struct {
	cfg *config.Config
}

func NewExecutor(cfg *config.Config) *Executor {
	return &Executor{cfg: cfg}
}

const maxErrLen = 500

// Run launches the task's collector and waits for it to finish or time out.
// The subprocess gets a SIGTERM on timeout or abort and is killed after the
// shutdown grace period if it lingers.
func (e *Executor) Run(ctx context.Context, task *model.Task, batch *model.Batch, dec Decision) Outcome {
	log := zap.L().With(
		zap.String("invocation", uuid.NewString()),
		zap.String("task", task.Key()),
		zap.String("batch_id", batch.BatchID),
	)

	if task.IsDetail() && !ArtifactUsable(dec.ArtifactPath) {
		log.Warn("bridge artifact missing", zap.String("artifact", dec.ArtifactPath))
		return Outcome{Kind: OutcomeFailed,
			Err: fmt.Sprintf("bridge artifact missing or empty: %s", dec.ArtifactPath)}
	}

	outPath := e.OutputPath(task, batch)
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return Outcome{Kind: OutcomeFailed, Err: "create output dir: " + err.Error()}
	}

	bin, err := e.command(task)
	if err != nil {
		return Outcome{Kind: OutcomeFailed, Err: err.Error()}
	}

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.Execution.TaskTimeout())
	defer cancel()

	cmd := exec.CommandContext(runCtx, bin)
	cmd.Env = append(os.Environ(), e.environment(task, batch, outPath, dec)...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = e.cfg.Execution.ShutdownGrace()

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	log.Info("launching collector", zap.String("bin", bin), zap.String("output", outPath))
	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		log.Warn("collector timed out", zap.Duration("elapsed", elapsed))
		return Outcome{Kind: OutcomeTimedOut,
			Err: fmt.Sprintf("timed out after %s", elapsed.Round(time.Second))}
	case runErr != nil:
		msg := trimErr(runErr, stderr.Bytes())
		log.Warn("collector failed", zap.String("error", msg), zap.Duration("elapsed", elapsed))
		return Outcome{Kind: OutcomeFailed, Err: msg}
	case !ArtifactUsable(outPath):
		log.Warn("collector produced no artifact", zap.String("output", outPath))
		return Outcome{Kind: OutcomeFailed,
			Err: "collector exited cleanly but produced no output artifact"}
	}

	log.Info("collector completed", zap.Duration("elapsed", elapsed))
	return Outcome{Kind: OutcomeCompleted, OutputPath: outPath}
}

// OutputPath returns where the task's artifact belongs:
// data/<Website>/<City>/<Operation>/<Product>/<Period>/<Seq>/. A main task
// of a collector with a detail stage writes the URL bridge file
// (`<W>URL_<C>_<O>_<P>_<Period>_<Seq>.csv`); every other task writes the
// final file (`<W>_<C>_<O>_<P>_<Period>_<Seq>.csv`).
func (e *Executor) OutputPath(task *model.Task, batch *model.Batch) string {
	seq := fmt.Sprintf("%02d", batch.Sequence)
	dir := filepath.Join(e.cfg.Paths.DataDir,
		task.Website, task.City, task.Operation, task.Product, batch.Period, seq)

	site := task.Website
	if e.isBridge(task) {
		site += "URL"
	}
	name := fmt.Sprintf("%s_%s_%s_%s_%s_%s.csv",
		site, task.City, task.Operation, task.Product, batch.Period, seq)
	return filepath.Join(dir, name)
}

func (e *Executor) isBridge(task *model.Task) bool {
	if task.IsDetail() {
		return false
	}
	col, ok := e.cfg.CollectorByName(task.Collector)
	return ok && col.HasDetail
}

// command resolves the executable for the task's collector: an explicit
// override from configuration, or `<collectors_dir>/<collector name>`.
func (e *Executor) command(task *model.Task) (string, error) {
	col, ok := e.cfg.CollectorByName(task.Collector)
	if !ok {
		return "", fmt.Errorf("no collector configured for %q", task.Collector)
	}
	if col.Command != "" {
		return col.Command, nil
	}
	return filepath.Join(e.cfg.Paths.CollectorsDir, task.MainCollector()), nil
}

// environment builds the parameter contract passed to every collector.
func (e *Executor) environment(task *model.Task, batch *model.Batch, outPath string, dec Decision) []string {
	mode := "main"
	if task.IsDetail() {
		mode = "detail"
	}
	env := []string{
		"MODE=" + mode,
		"OUTPUT_FILE=" + outPath,
		"WEBSITE=" + task.Website,
		"CITY=" + task.City,
		"OPERATION=" + task.Operation,
		"PRODUCT=" + task.Product,
		"BATCH_ID=" + batch.BatchID,
	}
	if task.IsDetail() {
		env = append(env, "URL_LIST_FILE="+dec.ArtifactPath)
	} else {
		env = append(env, "INPUT_URL="+task.Locator)
	}
	return env
}

func trimErr(runErr error, stderr []byte) string {
	msg := runErr.Error()
	if tail := strings.TrimSpace(string(stderr)); tail != "" {
		msg += ": " + tail
	}
	if len(msg) > maxErrLen {
		msg = msg[:maxErrLen]
	}
	return msg
}
