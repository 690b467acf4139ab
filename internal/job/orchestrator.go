// Package job runs scan jobs: every request of a collection, expanded over a
// parameter set, executed in concurrent batches with results persisted as
// they arrive.
package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vedsharma/apicli/internal/executor"
	"github.com/vedsharma/apicli/internal/metrics"
	"github.com/vedsharma/apicli/internal/model"
)

const (
	// DefaultMaxActive is how many jobs may run at once
	DefaultMaxActive = 5

	minConcurrency = 1
	maxConcurrency = 100
)

var (
	ErrCapacity       = errors.New("maximum number of concurrent jobs reached")
	ErrAlreadyRunning = errors.New("job is already running")
	ErrJobFinished    = errors.New("job has already finished")
	ErrJobNotFound    = errors.New("job not found")
)

// Store is the persistence a job run reads from and writes to.
type Store interface {
	GetScanJob(ctx context.Context, id string) (*model.ScanJob, error)
	UpdateScanJob(ctx context.Context, id string, patch model.ScanJobPatch) error
	GetCollection(ctx context.Context, id string) (*model.Collection, error)
	ListRequestsByCollection(ctx context.Context, collectionID string) ([]model.Request, error)
	ListRequestsByIDs(ctx context.Context, ids []string) ([]model.Request, error)
	GetParameterSet(ctx context.Context, id string) (*model.ParameterSet, error)
	GetProxyPool(ctx context.Context, id string) (*model.ProxyPool, error)
	SaveScanResult(ctx context.Context, result *model.ScanResult) error
}

// Executor runs one request variant.
type Executor interface {
	Execute(ctx context.Context, req model.Request, opts executor.Options) model.ExecutionResult
}

// Config tunes the orchestrator.
type Config struct {
	MaxActive             int
	ResponseTimeThreshold time.Duration
}

// StartAck acknowledges an accepted job.
type StartAck struct {
	JobID   string `json:"jobId"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// CancelAck reports the outcome of a cancel request.
type CancelAck struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ActiveJob is a read-only snapshot of a registered job.
type ActiveJob struct {
	JobID             string          `json:"jobId"`
	Status            model.JobStatus `json:"status"`
	Progress          int             `json:"progress"`
	CompletedRequests int             `json:"completedRequests"`
	TotalRequests     int             `json:"totalRequests"`
}

// runState is the registry entry for one running job.
type runState struct {
	jobID     string
	startedAt time.Time
	aborted   atomic.Bool
	completed atomic.Int64
	done      chan struct{}

	// mu serializes status transitions so a cancel and a normal finish
	// cannot both be persisted
	mu       sync.Mutex
	status   model.JobStatus
	progress int
	total    int
	passed   int
	failed   int
}

// Orchestrator owns the active-job registry.
type Orchestrator struct {
	store   Store
	exec    Executor
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Recorder

	jobsMu sync.Mutex
	jobs   map[string]*runState
}

// NewOrchestrator wires the store and executor. rec may be nil.
func NewOrchestrator(store Store, exec Executor, cfg Config, logger *slog.Logger, rec *metrics.Recorder) *Orchestrator {
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = DefaultMaxActive
	}
	if cfg.ResponseTimeThreshold <= 0 {
		cfg.ResponseTimeThreshold = executor.DefaultResponseTimeThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:   store,
		exec:    exec,
		cfg:     cfg,
		logger:  logger.With("component", "job"),
		metrics: rec,
		jobs:    make(map[string]*runState),
	}
}

// Start admits a pending job and runs it in the background.
func (o *Orchestrator) Start(ctx context.Context, jobID string) (StartAck, error) {
	o.jobsMu.Lock()
	_, running := o.jobs[jobID]
	o.jobsMu.Unlock()
	if running {
		return StartAck{}, ErrAlreadyRunning
	}

	job, err := o.store.GetScanJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return StartAck{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return StartAck{}, fmt.Errorf("load job %s: %w", jobID, err)
	}
	switch {
	case job.Status.Terminal():
		return StartAck{}, fmt.Errorf("%w: status is %s", ErrJobFinished, job.Status)
	case job.Status == model.JobRunning:
		return StartAck{}, ErrAlreadyRunning
	}

	st := &runState{
		jobID:     jobID,
		startedAt: time.Now().UTC(),
		status:    model.JobRunning,
		done:      make(chan struct{}),
	}

	o.jobsMu.Lock()
	if _, ok := o.jobs[jobID]; ok {
		o.jobsMu.Unlock()
		return StartAck{}, ErrAlreadyRunning
	}
	if o.runningLocked() >= o.cfg.MaxActive {
		o.jobsMu.Unlock()
		return StartAck{}, fmt.Errorf("%w (%d)", ErrCapacity, o.cfg.MaxActive)
	}
	// st.mu is held until the running status is stored, so a Cancel that
	// finds the job in the meantime persists after it
	st.mu.Lock()
	o.jobs[jobID] = st
	o.jobsMu.Unlock()

	status := model.JobRunning
	progress := 0
	err = o.store.UpdateScanJob(ctx, jobID, model.ScanJobPatch{
		Status:    &status,
		Progress:  &progress,
		StartedAt: &st.startedAt,
		IfStatus:  &job.Status,
	})
	if err != nil {
		st.status = job.Status
		st.mu.Unlock()
		o.unregister(jobID)
		close(st.done)
		if errors.Is(err, model.ErrStatusChanged) {
			return StartAck{}, fmt.Errorf("%w: %v", ErrAlreadyRunning, err)
		}
		return StartAck{}, fmt.Errorf("mark job running: %w", err)
	}
	st.mu.Unlock()

	o.metrics.JobStarted()
	o.logger.Info("job started", slog.String("job_id", jobID), slog.String("name", job.Name))

	// the run outlives the caller's request
	go o.run(context.WithoutCancel(ctx), st, *job)

	return StartAck{
		JobID:   jobID,
		Status:  string(model.JobRunning),
		Message: "Test job started",
	}, nil
}

// Cancel flags a running job to stop at the next variant or batch boundary
// and marks it cancelled right away. Calls already in flight finish.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) CancelAck {
	o.jobsMu.Lock()
	st, ok := o.jobs[jobID]
	o.jobsMu.Unlock()
	if !ok {
		return CancelAck{Success: false, Message: "Job is not running"}
	}

	st.aborted.Store(true)

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.status != model.JobRunning {
		return CancelAck{Success: false, Message: fmt.Sprintf("Job is already %s", st.status)}
	}
	st.status = model.JobCancelled

	status := model.JobCancelled
	ended := time.Now().UTC()
	running := model.JobRunning
	if err := o.store.UpdateScanJob(ctx, jobID, model.ScanJobPatch{Status: &status, EndedAt: &ended, IfStatus: &running}); err != nil {
		o.logger.Error("persist cancel failed", slog.String("job_id", jobID), slog.String("error", err.Error()))
	}
	o.logger.Info("job cancelled", slog.String("job_id", jobID))
	return CancelAck{Success: true, Message: "Job cancelled"}
}

// ListActive returns a snapshot of every registered job, oldest first.
func (o *Orchestrator) ListActive() []ActiveJob {
	o.jobsMu.Lock()
	states := make([]*runState, 0, len(o.jobs))
	for _, st := range o.jobs {
		states = append(states, st)
	}
	o.jobsMu.Unlock()

	sort.Slice(states, func(i, j int) bool {
		if states[i].startedAt.Equal(states[j].startedAt) {
			return states[i].jobID < states[j].jobID
		}
		return states[i].startedAt.Before(states[j].startedAt)
	})

	out := make([]ActiveJob, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		out = append(out, ActiveJob{
			JobID:             st.jobID,
			Status:            st.status,
			Progress:          st.progress,
			CompletedRequests: int(st.completed.Load()),
			TotalRequests:     st.total,
		})
		st.mu.Unlock()
	}
	return out
}

// Wait blocks until the job's run loop has exited. It returns at once for
// jobs that are not registered.
func (o *Orchestrator) Wait(jobID string) {
	o.jobsMu.Lock()
	st, ok := o.jobs[jobID]
	o.jobsMu.Unlock()
	if ok {
		<-st.done
	}
}

// Shutdown cancels every active job and waits for their loops to exit.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.jobsMu.Lock()
	states := make([]*runState, 0, len(o.jobs))
	for _, st := range o.jobs {
		states = append(states, st)
	}
	o.jobsMu.Unlock()

	for _, st := range states {
		o.Cancel(ctx, st.jobID)
	}
	for _, st := range states {
		select {
		case <-st.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// runningLocked counts registered jobs still in the running state. Cancelled
// jobs waiting on in-flight calls do not take a slot. jobsMu must be held.
func (o *Orchestrator) runningLocked() int {
	n := 0
	for _, st := range o.jobs {
		st.mu.Lock()
		if st.status == model.JobRunning {
			n++
		}
		st.mu.Unlock()
	}
	return n
}

func (o *Orchestrator) unregister(jobID string) {
	o.jobsMu.Lock()
	delete(o.jobs, jobID)
	o.jobsMu.Unlock()
}

// finish persists the terminal status unless a cancel got there first, then
// drops the job from the registry.
func (o *Orchestrator) finish(ctx context.Context, st *runState, status model.JobStatus, errMsg string) {
	st.mu.Lock()
	if st.status == model.JobRunning {
		st.status = status
		running := model.JobRunning
		patch := model.ScanJobPatch{Status: &status, IfStatus: &running}
		ended := time.Now().UTC()
		patch.EndedAt = &ended
		if status == model.JobCompleted {
			st.progress = 100
			progress := 100
			patch.Progress = &progress
		}
		if errMsg != "" {
			patch.Error = &errMsg
		}
		err := o.store.UpdateScanJob(ctx, st.jobID, patch)
		switch {
		case errors.Is(err, model.ErrStatusChanged):
			o.logger.Warn("job status changed outside this run, keeping it",
				slog.String("job_id", st.jobID),
				slog.String("error", err.Error()))
		case err != nil:
			o.logger.Error("persist job status failed",
				slog.String("job_id", st.jobID),
				slog.String("status", string(status)),
				slog.String("error", err.Error()))
		}
	}
	final := st.status
	passed, failed := st.passed, st.failed
	st.mu.Unlock()

	o.unregister(st.jobID)
	o.metrics.JobFinished(string(final))
	close(st.done)

	attrs := []any{
		slog.String("job_id", st.jobID),
		slog.String("status", string(final)),
		slog.Int64("completed", st.completed.Load()),
		slog.Int("passed", passed),
		slog.Int("failed", failed),
		slog.Duration("elapsed", time.Since(st.startedAt)),
	}
	if errMsg != "" {
		attrs = append(attrs, slog.String("error", errMsg))
	}
	o.logger.Info("job finished", attrs...)
}

func (o *Orchestrator) setProgress(ctx context.Context, st *runState, progress int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.status != model.JobRunning {
		return
	}
	st.progress = progress
	if err := o.store.UpdateScanJob(ctx, st.jobID, model.ScanJobPatch{Progress: &progress}); err != nil {
		o.logger.Warn("persist progress failed", slog.String("job_id", st.jobID), slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) recordOutcome(st *runState, passed bool) {
	st.completed.Add(1)
	st.mu.Lock()
	if passed {
		st.passed++
	} else {
		st.failed++
	}
	st.mu.Unlock()
	o.metrics.ObserveResult(passed)
}

func clampConcurrency(n int) int {
	if n < minConcurrency {
		return minConcurrency
	}
	if n > maxConcurrency {
		return maxConcurrency
	}
	return n
}
