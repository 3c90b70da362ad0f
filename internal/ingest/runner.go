package ingest

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrRunInProgress is returned when a run is requested while one is active.
var ErrRunInProgress = errors.New("ingest: a backup run is already in progress")

// CoordinatorFactory builds a fresh coordinator for each run. Sources are
// typically connected per run, so construction happens at start time.
type CoordinatorFactory func() (*Coordinator, error)

// Runner serializes backup runs triggered from the API and the scheduler:
// at most one run is active per process, later triggers are rejected with
// ErrRunInProgress. The last run's status stays readable after it finishes.
type Runner struct {
	mu         sync.Mutex
	running    bool
	lastStatus *RunStatus
	factory    CoordinatorFactory
	logger     *zap.Logger
}

// NewRunner constructs a Runner.
func NewRunner(factory CoordinatorFactory, logger *zap.Logger) (*Runner, error) {
	if factory == nil {
		return nil, errors.New("ingest: coordinator factory is required")
	}
	if logger == nil {
		logger = noOpLogger
	}
	return &Runner{factory: factory, logger: logger}, nil
}

// Start launches a run in the background and returns its run id, or
// ErrRunInProgress when one is already active.
func (r *Runner) Start(ctx context.Context) (string, error) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return "", ErrRunInProgress
	}

	coordinator, err := r.factory()
	if err != nil {
		r.mu.Unlock()
		return "", err
	}

	status := NewRunStatus(NewRunID())
	r.running = true
	r.lastStatus = status
	r.mu.Unlock()

	go func() {
		defer func() {
			r.mu.Lock()
			r.running = false
			r.mu.Unlock()
		}()
		if _, err := coordinator.Run(context.WithoutCancel(ctx), status); err != nil {
			r.logger.Error("background run failed",
				zap.String("run_id", status.Snapshot().RunID),
				zap.Error(err))
		}
	}()

	return status.Snapshot().RunID, nil
}

// RunBlocking executes a run in the foreground, honoring the same
// single-run guard as Start.
func (r *Runner) RunBlocking(ctx context.Context) (Summary, error) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return Summary{}, ErrRunInProgress
	}
	coordinator, err := r.factory()
	if err != nil {
		r.mu.Unlock()
		return Summary{}, err
	}
	status := NewRunStatus(NewRunID())
	r.running = true
	r.lastStatus = status
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()
	return coordinator.Run(ctx, status)
}

// Status returns the most recent run's snapshot, zero-valued before any run.
func (r *Runner) Status() StatusSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastStatus == nil {
		return StatusSnapshot{Progress: "idle"}
	}
	return r.lastStatus.Snapshot()
}
