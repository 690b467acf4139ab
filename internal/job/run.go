package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vedsharma/apicli/internal/executor"
	"github.com/vedsharma/apicli/internal/model"
	"github.com/vedsharma/apicli/internal/params"
)

// plan is everything resolved before the first batch starts.
type plan struct {
	requests  []model.Request
	paramSet  *model.ParameterSet
	poolID    string
	env       model.Environment
	total     int
	batchSize int
}

func (o *Orchestrator) run(ctx context.Context, st *runState, job model.ScanJob) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("job run panicked",
				slog.String("job_id", job.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			o.finish(ctx, st, model.JobFailed, fmt.Sprintf("internal error: %v", r))
		}
	}()

	p, err := o.prepare(ctx, job)
	if err != nil {
		o.finish(ctx, st, model.JobFailed, err.Error())
		return
	}

	st.mu.Lock()
	st.total = p.total
	st.mu.Unlock()

	o.logger.Debug("job planned",
		slog.String("job_id", job.ID),
		slog.Int("requests", len(p.requests)),
		slog.Int("variants", p.total),
		slog.Int("batch_size", p.batchSize))

	completedBatches := 0
	for start := 0; start < len(p.requests); start += p.batchSize {
		if st.aborted.Load() {
			break
		}
		end := min(start+p.batchSize, len(p.requests))

		var wg sync.WaitGroup
		for _, req := range p.requests[start:end] {
			wg.Add(1)
			go func(req model.Request) {
				defer wg.Done()
				o.runRequest(ctx, st, job.ID, p, req)
			}(req)
		}
		wg.Wait()

		completedBatches++
		o.setProgress(ctx, st, min(completedBatches*p.batchSize*100/p.total, 99))
	}

	if st.aborted.Load() {
		o.finish(ctx, st, model.JobCancelled, "")
		return
	}
	o.finish(ctx, st, model.JobCompleted, "")
}

// prepare loads the collection, requests, parameter set and proxy pool.
// Any error here fails the whole job.
func (o *Orchestrator) prepare(ctx context.Context, job model.ScanJob) (*plan, error) {
	collection, err := o.store.GetCollection(ctx, job.CollectionID)
	if err != nil {
		return nil, fmt.Errorf("load collection %s: %w", job.CollectionID, err)
	}

	var requests []model.Request
	if len(job.RequestIDs) > 0 {
		requests, err = o.store.ListRequestsByIDs(ctx, job.RequestIDs)
	} else {
		requests, err = o.store.ListRequestsByCollection(ctx, job.CollectionID)
	}
	if err != nil {
		return nil, fmt.Errorf("load requests: %w", err)
	}
	if len(requests) == 0 {
		return nil, errors.New("no requests to run")
	}

	var set *model.ParameterSet
	if job.ParameterSetID != "" {
		set, err = o.store.GetParameterSet(ctx, job.ParameterSetID)
		if err != nil {
			return nil, fmt.Errorf("load parameter set %s: %w", job.ParameterSetID, err)
		}
	}

	poolID := job.ProxyPoolID
	if poolID != "" {
		if _, err := o.store.GetProxyPool(ctx, poolID); err != nil {
			o.logger.Warn("proxy pool unavailable, running direct",
				slog.String("job_id", job.ID),
				slog.String("pool_id", poolID),
				slog.String("error", err.Error()))
			poolID = ""
		}
	}

	return &plan{
		requests:  requests,
		paramSet:  set,
		poolID:    poolID,
		env:       model.Environment(collection.Variables).Merge(nil),
		total:     len(requests) * params.Count(set),
		batchSize: clampConcurrency(job.Concurrency),
	}, nil
}

// runRequest executes every variant of req in order. A panic is recorded as
// a single error result and never escapes the batch.
func (o *Orchestrator) runRequest(ctx context.Context, st *runState, jobID string, p *plan, req model.Request) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("request run panicked",
				slog.String("job_id", jobID),
				slog.String("request_id", req.ID),
				slog.Any("panic", r))
			msg := fmt.Sprintf("request failed: %v", r)
			o.save(ctx, st, &model.ScanResult{
				ID:              uuid.NewString(),
				JobID:           jobID,
				RequestID:       req.ID,
				URL:             req.URL,
				Method:          req.Method,
				ResponseHeaders: map[string]string{},
				Error:           &msg,
				TestResults:     []model.TestResult{},
				Parameters:      map[string]string{},
				CreatedAt:       time.Now().UTC(),
			})
		}
	}()

	useDefaults := len(req.EnabledTests()) == 0

	for variant := range params.Combinations(p.paramSet) {
		if st.aborted.Load() {
			return
		}
		res := o.exec.Execute(ctx, req, executor.Options{
			Environment: p.env.Merge(variant),
			ProxyPoolID: p.poolID,
		})
		if useDefaults {
			res.TestResults = executor.DefaultChecks(res, o.cfg.ResponseTimeThreshold)
		}
		o.save(ctx, st, newScanResult(jobID, req.ID, variant, res))
	}
}

func (o *Orchestrator) save(ctx context.Context, st *runState, result *model.ScanResult) {
	if err := o.store.SaveScanResult(ctx, result); err != nil {
		o.logger.Error("save scan result failed",
			slog.String("job_id", result.JobID),
			slog.String("request_id", result.RequestID),
			slog.String("error", err.Error()))
	}
	o.recordOutcome(st, result.Passed())
}

func newScanResult(jobID, requestID string, variant map[string]string, res model.ExecutionResult) *model.ScanResult {
	tests := res.TestResults
	if tests == nil {
		tests = []model.TestResult{}
	}
	return &model.ScanResult{
		ID:              uuid.NewString(),
		JobID:           jobID,
		RequestID:       requestID,
		Status:          res.Status,
		StatusText:      res.StatusText,
		URL:             res.URL,
		Method:          res.Method,
		ResponseTime:    res.ResponseTime,
		ResponseSize:    res.ResponseSize,
		ResponseHeaders: res.ResponseHeaders,
		ResponseBody:    res.ResponseBody,
		Error:           res.Error,
		TestResults:     tests,
		Parameters:      variant,
		ProxyID:         res.ProxyID,
		CreatedAt:       time.Now().UTC(),
	}
}
