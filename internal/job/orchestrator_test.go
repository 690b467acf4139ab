package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vedsharma/apicli/internal/executor"
	"github.com/vedsharma/apicli/internal/model"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeStore struct {
	mu          sync.Mutex
	jobs        map[string]*model.ScanJob
	collections map[string]*model.Collection
	requests    []model.Request
	paramSets   map[string]*model.ParameterSet
	pools       map[string]*model.ProxyPool
	results     []model.ScanResult
	updates     []model.ScanJobPatch
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:        map[string]*model.ScanJob{},
		collections: map[string]*model.Collection{},
		paramSets:   map[string]*model.ParameterSet{},
		pools:       map[string]*model.ProxyPool{},
	}
}

func (f *fakeStore) GetScanJob(_ context.Context, id string) (*model.ScanJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, fmt.Errorf("scan job %s: %w", id, model.ErrNotFound)
	}
	cp := *j
	return &cp, nil
}

func (f *fakeStore) UpdateScanJob(_ context.Context, id string, patch model.ScanJobPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return model.ErrNotFound
	}
	if patch.IfStatus != nil && j.Status != *patch.IfStatus {
		return fmt.Errorf("scan job %s is %s: %w", id, j.Status, model.ErrStatusChanged)
	}
	if patch.Status != nil {
		j.Status = *patch.Status
	}
	if patch.Progress != nil {
		j.Progress = *patch.Progress
	}
	if patch.Error != nil {
		j.Error = *patch.Error
	}
	if patch.StartedAt != nil {
		j.StartedAt = patch.StartedAt
	}
	if patch.EndedAt != nil {
		j.EndedAt = patch.EndedAt
	}
	f.updates = append(f.updates, patch)
	return nil
}

func (f *fakeStore) GetCollection(_ context.Context, id string) (*model.Collection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.collections[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return c, nil
}

func (f *fakeStore) ListRequestsByCollection(_ context.Context, collectionID string) ([]model.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Request
	for _, r := range f.requests {
		if r.CollectionID == collectionID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) ListRequestsByIDs(_ context.Context, ids []string) ([]model.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Request
	for _, id := range ids {
		for _, r := range f.requests {
			if r.ID == id {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

func (f *fakeStore) GetParameterSet(_ context.Context, id string) (*model.ParameterSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.paramSets[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return s, nil
}

func (f *fakeStore) GetProxyPool(_ context.Context, id string) (*model.ProxyPool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pools[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return p, nil
}

func (f *fakeStore) SaveScanResult(_ context.Context, r *model.ScanResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, *r)
	return nil
}

func (f *fakeStore) job(id string) model.ScanJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.jobs[id]
}

func (f *fakeStore) savedResults() []model.ScanResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.ScanResult(nil), f.results...)
}

type call struct {
	requestID string
	opts      executor.Options
}

type fakeExecutor struct {
	mu    sync.Mutex
	calls []call
	hook  func(req model.Request, opts executor.Options)
}

func (e *fakeExecutor) Execute(_ context.Context, req model.Request, opts executor.Options) model.ExecutionResult {
	e.mu.Lock()
	e.calls = append(e.calls, call{requestID: req.ID, opts: opts})
	hook := e.hook
	e.mu.Unlock()

	if hook != nil {
		hook(req, opts)
	}
	return model.ExecutionResult{
		Status:          201,
		StatusText:      "Created",
		ResponseTime:    3,
		ResponseBody:    "{}",
		ResponseHeaders: map[string]string{"Content-Type": "application/json"},
		URL:             req.URL,
		Method:          req.Method,
	}
}

func (e *fakeExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

// seed creates a collection with two requests, a parameter set env=[dev,prod]
// and a pending job over them.
func seed(store *fakeStore, jobID string, concurrency int) {
	store.collections["col"] = &model.Collection{ID: "col", Name: "api", Variables: map[string]string{"base": "http://svc"}}
	store.requests = []model.Request{
		{ID: "r1", CollectionID: "col", Name: "one", Method: "GET", URL: "{{base}}/one"},
		{ID: "r2", CollectionID: "col", Name: "two", Method: "GET", URL: "{{base}}/two"},
	}
	store.paramSets["ps"] = &model.ParameterSet{
		ID:     "ps",
		Keys:   []string{"env"},
		Values: map[string][]string{"env": {"dev", "prod"}},
	}
	store.jobs[jobID] = &model.ScanJob{
		ID:             jobID,
		CollectionID:   "col",
		ParameterSetID: "ps",
		Concurrency:    concurrency,
		Status:         model.JobPending,
	}
}

func TestStart_RunsEveryVariant(t *testing.T) {
	store := newFakeStore()
	seed(store, "job1", 2)
	exec := &fakeExecutor{}
	o := NewOrchestrator(store, exec, Config{}, discard, nil)

	ack, err := o.Start(context.Background(), "job1")
	require.NoError(t, err)
	assert.Equal(t, StartAck{JobID: "job1", Status: "running", Message: "Test job started"}, ack)

	o.Wait("job1")

	results := store.savedResults()
	require.Len(t, results, 4)

	var seen []string
	for _, r := range results {
		assert.Equal(t, "job1", r.JobID)
		assert.NotEmpty(t, r.ID)
		seen = append(seen, r.RequestID+":"+r.Parameters["env"])
		// default battery: status, time, JSON
		require.Len(t, r.TestResults, 3)
		assert.True(t, r.Passed())
	}
	sort.Strings(seen)
	assert.Equal(t, []string{"r1:dev", "r1:prod", "r2:dev", "r2:prod"}, seen)

	for _, c := range exec.calls {
		assert.Equal(t, "http://svc", c.opts.Environment["base"])
		assert.Contains(t, []string{"dev", "prod"}, c.opts.Environment["env"])
	}

	job := store.job("job1")
	assert.Equal(t, model.JobCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.NotNil(t, job.StartedAt)
	assert.NotNil(t, job.EndedAt)
	assert.Empty(t, o.ListActive())
}

func TestStart_ProgressCappedBeforeCompletion(t *testing.T) {
	store := newFakeStore()
	seed(store, "job1", 1)
	o := NewOrchestrator(store, &fakeExecutor{}, Config{}, discard, nil)

	_, err := o.Start(context.Background(), "job1")
	require.NoError(t, err)
	o.Wait("job1")

	var progress []int
	for _, u := range store.updates {
		if u.Progress != nil {
			progress = append(progress, *u.Progress)
		}
	}
	// start, batch 1 (1*1*100/4), batch 2 (2*1*100/4), completion
	assert.Equal(t, []int{0, 25, 50, 100}, progress)
}

func TestCancel_AfterFirstBatch(t *testing.T) {
	store := newFakeStore()
	seed(store, "job1", 1)

	secondBatch := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	exec := &fakeExecutor{hook: func(req model.Request, _ executor.Options) {
		if req.ID == "r2" {
			once.Do(func() { close(secondBatch) })
			<-release
		}
	}}
	o := NewOrchestrator(store, exec, Config{}, discard, nil)

	_, err := o.Start(context.Background(), "job1")
	require.NoError(t, err)

	<-secondBatch
	ack := o.Cancel(context.Background(), "job1")
	assert.True(t, ack.Success)
	assert.Equal(t, model.JobCancelled, store.job("job1").Status)

	active := o.ListActive()
	require.Len(t, active, 1)
	assert.Equal(t, model.JobCancelled, active[0].Status)

	close(release)
	o.Wait("job1")

	results := store.savedResults()
	assert.Less(t, len(results), 4)
	assert.Equal(t, 3, len(results))

	job := store.job("job1")
	assert.Equal(t, model.JobCancelled, job.Status)
	assert.NotNil(t, job.EndedAt)
	assert.NotEqual(t, 100, job.Progress)
	assert.Empty(t, o.ListActive())
}

func TestCancel_NotRunning(t *testing.T) {
	o := NewOrchestrator(newFakeStore(), &fakeExecutor{}, Config{}, discard, nil)
	ack := o.Cancel(context.Background(), "nope")
	assert.False(t, ack.Success)
	assert.Equal(t, "Job is not running", ack.Message)
}

func TestStart_AdmissionErrors(t *testing.T) {
	store := newFakeStore()
	seed(store, "job1", 1)
	store.jobs["job2"] = &model.ScanJob{ID: "job2", CollectionID: "col", Concurrency: 1, Status: model.JobPending}
	store.jobs["done"] = &model.ScanJob{ID: "done", CollectionID: "col", Status: model.JobCompleted}

	release := make(chan struct{})
	exec := &fakeExecutor{hook: func(model.Request, executor.Options) { <-release }}
	o := NewOrchestrator(store, exec, Config{MaxActive: 1}, discard, nil)

	_, err := o.Start(context.Background(), "job1")
	require.NoError(t, err)

	_, err = o.Start(context.Background(), "job1")
	assert.True(t, errors.Is(err, ErrAlreadyRunning))

	_, err = o.Start(context.Background(), "job2")
	assert.True(t, errors.Is(err, ErrCapacity))
	assert.Equal(t, model.JobPending, store.job("job2").Status)

	_, err = o.Start(context.Background(), "done")
	assert.True(t, errors.Is(err, ErrJobFinished))

	_, err = o.Start(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrJobNotFound))

	close(release)
	o.Wait("job1")

	_, err = o.Start(context.Background(), "job2")
	require.NoError(t, err)
	o.Wait("job2")
	assert.Equal(t, model.JobCompleted, store.job("job2").Status)
}

func TestStart_SetupFailureFailsJob(t *testing.T) {
	store := newFakeStore()
	store.jobs["job1"] = &model.ScanJob{ID: "job1", CollectionID: "gone", Concurrency: 1, Status: model.JobPending}
	exec := &fakeExecutor{}
	o := NewOrchestrator(store, exec, Config{}, discard, nil)

	_, err := o.Start(context.Background(), "job1")
	require.NoError(t, err)
	o.Wait("job1")

	job := store.job("job1")
	assert.Equal(t, model.JobFailed, job.Status)
	assert.Contains(t, job.Error, "load collection")
	assert.NotNil(t, job.EndedAt)
	assert.Zero(t, exec.callCount())
	assert.Empty(t, o.ListActive())
}

func TestStart_NoRequestsFailsJob(t *testing.T) {
	store := newFakeStore()
	store.collections["empty"] = &model.Collection{ID: "empty"}
	store.jobs["job1"] = &model.ScanJob{ID: "job1", CollectionID: "empty", Status: model.JobPending}
	o := NewOrchestrator(store, &fakeExecutor{}, Config{}, discard, nil)

	_, err := o.Start(context.Background(), "job1")
	require.NoError(t, err)
	o.Wait("job1")

	assert.Equal(t, model.JobFailed, store.job("job1").Status)
	assert.Equal(t, "no requests to run", store.job("job1").Error)
}

func TestStart_RequestSubsetAndExplicitTests(t *testing.T) {
	store := newFakeStore()
	seed(store, "job1", 5)
	store.requests[1].Tests = []model.TestScript{{Name: "custom", Script: "assert(true)", Enabled: true}}
	store.jobs["job1"].RequestIDs = []string{"r2"}
	store.jobs["job1"].ParameterSetID = ""

	o := NewOrchestrator(store, &fakeExecutor{}, Config{}, discard, nil)
	_, err := o.Start(context.Background(), "job1")
	require.NoError(t, err)
	o.Wait("job1")

	results := store.savedResults()
	require.Len(t, results, 1)
	assert.Equal(t, "r2", results[0].RequestID)
	// explicit tests are the executor's business; no default battery
	assert.Empty(t, results[0].TestResults)
	assert.Equal(t, map[string]string{}, results[0].Parameters)
}

func TestStart_MissingPoolRunsDirect(t *testing.T) {
	store := newFakeStore()
	seed(store, "job1", 2)
	store.jobs["job1"].ProxyPoolID = "ghost"
	store.pools["real"] = &model.ProxyPool{ID: "real"}

	exec := &fakeExecutor{}
	o := NewOrchestrator(store, exec, Config{}, discard, nil)
	_, err := o.Start(context.Background(), "job1")
	require.NoError(t, err)
	o.Wait("job1")

	for _, c := range exec.calls {
		assert.Empty(t, c.opts.ProxyPoolID)
	}

	store.jobs["job2"] = &model.ScanJob{ID: "job2", CollectionID: "col", ProxyPoolID: "real", Concurrency: 2, Status: model.JobPending}
	exec2 := &fakeExecutor{}
	o = NewOrchestrator(store, exec2, Config{}, discard, nil)
	_, err = o.Start(context.Background(), "job2")
	require.NoError(t, err)
	o.Wait("job2")
	for _, c := range exec2.calls {
		assert.Equal(t, "real", c.opts.ProxyPoolID)
	}
}

func TestRunRequest_PanicBecomesErrorResult(t *testing.T) {
	store := newFakeStore()
	seed(store, "job1", 2)
	exec := &fakeExecutor{hook: func(req model.Request, _ executor.Options) {
		if req.ID == "r1" {
			panic("kaboom")
		}
	}}
	o := NewOrchestrator(store, exec, Config{}, discard, nil)

	_, err := o.Start(context.Background(), "job1")
	require.NoError(t, err)
	o.Wait("job1")

	var r1, r2 int
	for _, r := range store.savedResults() {
		switch r.RequestID {
		case "r1":
			r1++
			require.NotNil(t, r.Error)
			assert.Contains(t, *r.Error, "kaboom")
			assert.False(t, r.Passed())
		case "r2":
			r2++
		}
	}
	assert.Equal(t, 1, r1)
	assert.Equal(t, 2, r2)
	assert.Equal(t, model.JobCompleted, store.job("job1").Status)
}

func TestListActive_Snapshot(t *testing.T) {
	store := newFakeStore()
	seed(store, "job1", 1)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	exec := &fakeExecutor{hook: func(model.Request, executor.Options) {
		once.Do(func() { close(started) })
		<-release
	}}
	o := NewOrchestrator(store, exec, Config{}, discard, nil)

	_, err := o.Start(context.Background(), "job1")
	require.NoError(t, err)
	<-started

	active := o.ListActive()
	require.Len(t, active, 1)
	assert.Equal(t, "job1", active[0].JobID)
	assert.Equal(t, model.JobRunning, active[0].Status)
	assert.Equal(t, 4, active[0].TotalRequests)
	assert.Equal(t, 0, active[0].CompletedRequests)

	close(release)
	o.Wait("job1")
}

func TestShutdown_CancelsActiveJobs(t *testing.T) {
	store := newFakeStore()
	seed(store, "job1", 1)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	exec := &fakeExecutor{hook: func(model.Request, executor.Options) {
		once.Do(func() { close(started) })
		<-release
	}}
	o := NewOrchestrator(store, exec, Config{}, discard, nil)

	_, err := o.Start(context.Background(), "job1")
	require.NoError(t, err)
	<-started

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Shutdown(ctx))

	assert.Equal(t, model.JobCancelled, store.job("job1").Status)
	assert.Empty(t, o.ListActive())
	assert.Equal(t, 1, exec.callCount())
}

// gatedStore holds the write that marks a job running until release closes
type gatedStore struct {
	*fakeStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedStore) UpdateScanJob(ctx context.Context, id string, patch model.ScanJobPatch) error {
	if patch.Status != nil && *patch.Status == model.JobRunning {
		g.once.Do(func() { close(g.entered) })
		<-g.release
	}
	return g.fakeStore.UpdateScanJob(ctx, id, patch)
}

func TestCancel_WhileStartIsMarkingRunning(t *testing.T) {
	store := newFakeStore()
	seed(store, "job1", 1)
	gated := &gatedStore{fakeStore: store, entered: make(chan struct{}), release: make(chan struct{})}
	o := NewOrchestrator(gated, &fakeExecutor{}, Config{}, discard, nil)

	startErr := make(chan error, 1)
	go func() {
		_, err := o.Start(context.Background(), "job1")
		startErr <- err
	}()
	<-gated.entered

	acks := make(chan CancelAck, 1)
	go func() { acks <- o.Cancel(context.Background(), "job1") }()
	time.Sleep(20 * time.Millisecond)
	close(gated.release)

	require.NoError(t, <-startErr)
	// either the cancel or the run loop's own abort check stores the status
	<-acks
	o.Wait("job1")

	job := store.job("job1")
	assert.Equal(t, model.JobCancelled, job.Status)
	assert.NotNil(t, job.EndedAt)
	assert.Empty(t, o.ListActive())

	_, err := o.Start(context.Background(), "job1")
	assert.ErrorIs(t, err, ErrJobFinished)
}

func TestStart_CancelledJobFreesItsSlot(t *testing.T) {
	store := newFakeStore()
	seed(store, "job1", 1)
	store.jobs["job2"] = &model.ScanJob{ID: "job2", CollectionID: "col", Concurrency: 1, Status: model.JobPending}

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	exec := &fakeExecutor{hook: func(model.Request, executor.Options) {
		once.Do(func() { close(started) })
		<-release
	}}
	o := NewOrchestrator(store, exec, Config{MaxActive: 1}, discard, nil)

	_, err := o.Start(context.Background(), "job1")
	require.NoError(t, err)
	<-started

	_, err = o.Start(context.Background(), "job2")
	assert.ErrorIs(t, err, ErrCapacity)

	// job1 stays registered until its in-flight call returns
	require.True(t, o.Cancel(context.Background(), "job1").Success)
	require.Len(t, o.ListActive(), 1)

	_, err = o.Start(context.Background(), "job2")
	require.NoError(t, err)

	close(release)
	o.Wait("job1")
	o.Wait("job2")
	assert.Equal(t, model.JobCancelled, store.job("job1").Status)
	assert.Equal(t, model.JobCompleted, store.job("job2").Status)
}

func TestFinish_KeepsStatusChangedElsewhere(t *testing.T) {
	store := newFakeStore()
	seed(store, "job1", 1)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	exec := &fakeExecutor{hook: func(model.Request, executor.Options) {
		once.Do(func() { close(started) })
		<-release
	}}
	o := NewOrchestrator(store, exec, Config{}, discard, nil)

	_, err := o.Start(context.Background(), "job1")
	require.NoError(t, err)
	<-started

	// another process closes the job while this one is still running it
	cancelled := model.JobCancelled
	running := model.JobRunning
	require.NoError(t, store.UpdateScanJob(context.Background(), "job1",
		model.ScanJobPatch{Status: &cancelled, IfStatus: &running}))

	close(release)
	o.Wait("job1")
	assert.Equal(t, model.JobCancelled, store.job("job1").Status)
}
