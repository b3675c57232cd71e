package engine

import (
	"context"
	"os"

	"github.com/rotisserie/eris"

	"github.com/esdata/orchestrator/internal/model"
	"github.com/esdata/orchestrator/internal/store"
)

// GateState classifies a detail task's eligibility.
type GateState int

const (
	// GateReady means the paired main task completed; the detail task may run.
	GateReady GateState = iota
	// GateBlocked means the paired main task has not finished yet.
	GateBlocked
	// GateUnsatisfiable means the detail task can never run and must be
	// finalized as permanently failed without entering running.
	GateUnsatisfiable
)

func (s GateState) String() string {
	switch s {
	case GateReady:
		return "ready"
	case GateBlocked:
		return "blocked"
	case GateUnsatisfiable:
		return "unsatisfiable"
	}
	return "unknown"
}

// Decision is the gate's verdict for one detail task.
type Decision struct {
	State GateState
	// ArtifactPath is the main task's bridge artifact, set when State is
	// GateReady. It may point at a missing file: the detail task then fails
	// fast on its first attempt instead of being silently skipped.
	ArtifactPath string
	// Reason explains an unsatisfiable verdict.
	Reason string
}

// Gate decides whether a detail task may be admitted. It is a pure function
// over committed store state plus artifact presence on disk, safe to call
// repeatedly from any scheduling tick.
type Gate struct {
	store store.Store
}

func NewGate(st store.Store) *Gate {
	return &Gate{store: st}
}

// Check resolves the paired main task by shared natural-key dimensions and
// classifies the detail task's eligibility.
func (g *Gate) Check(ctx context.Context, detail *model.Task) (Decision, error) {
	if !detail.IsDetail() {
		return Decision{State: GateReady}, nil
	}

	main, err := g.store.FindMainTask(ctx, detail.BatchID, detail.MainCollector(),
		detail.Website, detail.City, detail.Operation, detail.Product)
	if err != nil {
		return Decision{}, eris.Wrapf(err, "engine: gate lookup for %s", detail.Key())
	}
	if main == nil {
		return Decision{
			State:  GateUnsatisfiable,
			Reason: "no paired main task exists for this key",
		}, nil
	}

	switch main.Status {
	case model.TaskStatusCompleted:
		return Decision{State: GateReady, ArtifactPath: main.OutputPath}, nil
	case model.TaskStatusPermanentlyFailed:
		return Decision{
			State:  GateUnsatisfiable,
			Reason: "main task permanently failed: " + main.ErrorMessage,
		}, nil
	default:
		return Decision{State: GateBlocked}, nil
	}
}

// ArtifactUsable reports whether a bridge artifact exists and is non-empty.
func ArtifactUsable(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}
