package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vedsharma/apicli/internal/job"
	"github.com/vedsharma/apicli/internal/model"
	"github.com/vedsharma/apicli/internal/proxy"
)

var (
	_ job.Store             = (*SQLiteStorage)(nil)
	_ proxy.Store           = (*SQLiteStorage)(nil)
	_ proxy.OutcomeRecorder = (*SQLiteStorage)(nil)
)

func newTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()
	s, err := NewStorage(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewStorage_SecurePermissions(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	s, err := NewStorage(dir)
	require.NoError(t, err)
	defer s.Close()

	info, err := os.Stat(filepath.Join(dir, dbFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(secureFileMode), info.Mode().Perm())

	info, err = os.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(secureDirMode), info.Mode().Perm())
}

func TestCollections_CreateIsIdempotentByName(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	a, err := s.CreateCollection(ctx, "users")
	require.NoError(t, err)
	b, err := s.CreateCollection(ctx, "users")
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)

	_, err = s.CreateCollection(ctx, "  ")
	assert.Error(t, err)

	cols, err := s.ListCollections(ctx)
	require.NoError(t, err)
	assert.Len(t, cols, 1)
}

func TestCollections_RequestsKeepOrderAndFields(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	col, err := s.CreateCollection(ctx, "api")
	require.NoError(t, err)

	first := &model.Request{
		CollectionID: col.ID,
		Name:         "login",
		Method:       "POST",
		URL:          "{{base}}/login",
		Headers:      []model.KeyValue{{Key: "X-A", Value: "1", Enabled: true}},
		Body:         model.Body{Mode: model.BodyRaw, Raw: `{"u":"{{user}}"}`, ContentType: "application/json"},
		Tests:        []model.TestScript{{Name: "ok", Script: "expect(response.status).to.equal(200)", Enabled: true}},
	}
	second := &model.Request{CollectionID: col.ID, Name: "me", URL: "{{base}}/me"}
	require.NoError(t, s.SaveRequest(ctx, first))
	require.NoError(t, s.SaveRequest(ctx, second))
	assert.Equal(t, "GET", second.Method)

	// updating in place keeps the position
	first.URL = "{{base}}/auth"
	require.NoError(t, s.SaveRequest(ctx, first))

	got, err := s.GetCollection(ctx, col.ID)
	require.NoError(t, err)
	require.Len(t, got.Requests, 2)
	assert.Equal(t, "login", got.Requests[0].Name)
	assert.Equal(t, "{{base}}/auth", got.Requests[0].URL)
	assert.Equal(t, first.Headers, got.Requests[0].Headers)
	assert.Equal(t, first.Body, got.Requests[0].Body)
	assert.Equal(t, first.Tests, got.Requests[0].Tests)
	assert.Equal(t, "me", got.Requests[1].Name)

	byIDs, err := s.ListRequestsByIDs(ctx, []string{second.ID, "missing", first.ID, second.ID})
	require.NoError(t, err)
	require.Len(t, byIDs, 2)
	assert.Equal(t, second.ID, byIDs[0].ID)
	assert.Equal(t, first.ID, byIDs[1].ID)

	none, err := s.ListRequestsByIDs(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestCollections_DeleteCascades(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	col, err := s.CreateCollection(ctx, "tmp")
	require.NoError(t, err)
	req := &model.Request{CollectionID: col.ID, URL: "http://x"}
	require.NoError(t, s.SaveRequest(ctx, req))

	require.NoError(t, s.DeleteCollection(ctx, col.ID))
	_, err = s.GetRequest(ctx, req.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.ErrorIs(t, s.DeleteCollection(ctx, col.ID), model.ErrNotFound)
}

func TestCollections_Variables(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	col, err := s.CreateCollection(ctx, "vars")
	require.NoError(t, err)

	require.NoError(t, s.SetVariable(ctx, col.ID, "base", "http://a"))
	require.NoError(t, s.SetVariable(ctx, col.ID, "token", "t1"))
	require.NoError(t, s.UnsetVariable(ctx, col.ID, "token"))

	got, err := s.GetCollection(ctx, col.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"base": "http://a"}, got.Variables)

	assert.ErrorIs(t, s.SetVariable(ctx, "nope", "k", "v"), model.ErrNotFound)
}

func TestResolve_ByIDOrName(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	col, err := s.CreateCollection(ctx, "named")
	require.NoError(t, err)

	id, err := s.Resolve(ctx, KindCollection, "named")
	require.NoError(t, err)
	assert.Equal(t, col.ID, id)

	id, err = s.Resolve(ctx, KindCollection, col.ID)
	require.NoError(t, err)
	assert.Equal(t, col.ID, id)

	_, err = s.Resolve(ctx, KindParameterSet, "named")
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = s.Resolve(ctx, Kind("users; DROP TABLE x"), "named")
	assert.Error(t, err)
}

func TestParameterSets_KeepKeyOrder(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	set := &model.ParameterSet{
		Name:   "matrix",
		Keys:   []string{"region", "env"},
		Values: map[string][]string{"env": {"dev", "prod"}, "region": {"eu"}},
	}
	require.NoError(t, s.SaveParameterSet(ctx, set))
	require.NotEmpty(t, set.ID)

	got, err := s.GetParameterSet(ctx, set.ID)
	require.NoError(t, err)
	assert.Equal(t, set.Keys, got.Keys)
	assert.Equal(t, set.Values, got.Values)

	_, err = s.GetParameterSet(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestProxies_PoolMembersAndCursor(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	p1 := &model.Proxy{Host: "10.0.0.1", Port: 8080, IsActive: true}
	p2 := &model.Proxy{Host: "10.0.0.2", Port: 1080, Protocol: model.ProxySOCKS5, IsActive: false}
	require.NoError(t, s.SaveProxy(ctx, p1))
	require.NoError(t, s.SaveProxy(ctx, p2))
	assert.Equal(t, model.ProxyHTTP, p1.Protocol)

	assert.Error(t, s.SaveProxy(ctx, &model.Proxy{Host: "h", Port: 0}))
	assert.Error(t, s.SaveProxy(ctx, &model.Proxy{Host: "h", Port: 1, Protocol: "gopher"}))

	pool := &model.ProxyPool{Name: "egress", Proxies: []model.Proxy{*p2, *p1}}
	require.NoError(t, s.SaveProxyPool(ctx, pool))
	assert.Equal(t, model.SelectSequential, pool.Mode)

	got, err := s.GetProxyPool(ctx, pool.ID)
	require.NoError(t, err)
	require.Len(t, got.Proxies, 2)
	assert.Equal(t, p2.ID, got.Proxies[0].ID)
	assert.False(t, got.Proxies[0].IsActive)
	assert.Equal(t, p1.ID, got.Proxies[1].ID)

	require.NoError(t, s.UpdateProxyPoolCursor(ctx, pool.ID, 1))
	got, err = s.GetProxyPool(ctx, pool.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.LastProxyIndex)

	assert.ErrorIs(t, s.UpdateProxyPoolCursor(ctx, "missing", 0), model.ErrNotFound)

	pools, err := s.ListProxyPools(ctx)
	require.NoError(t, err)
	assert.Len(t, pools, 1)
}

func TestProxies_RecordOutcomeFloorsAtZero(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	p := &model.Proxy{Host: "10.0.0.9", Port: 3128, IsActive: true}
	require.NoError(t, s.SaveProxy(ctx, p))

	require.NoError(t, s.RecordProxyOutcome(ctx, p.ID, true, 120))
	require.NoError(t, s.RecordProxyOutcome(ctx, p.ID, true, 80))
	got, err := s.GetProxy(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.FailureCount)
	assert.Equal(t, int64(80), got.LastLatencyMs)

	for range 3 {
		require.NoError(t, s.RecordProxyOutcome(ctx, p.ID, false, 10))
	}
	got, err = s.GetProxy(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.FailureCount)

	// saving the proxy again leaves health counters alone
	require.NoError(t, s.RecordProxyOutcome(ctx, p.ID, true, 10))
	p.IsActive = false
	require.NoError(t, s.SaveProxy(ctx, p))
	got, err = s.GetProxy(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.FailureCount)
	assert.False(t, got.IsActive)
}

func TestScanJobs_LifecycleAndResults(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	col, err := s.CreateCollection(ctx, "jobs")
	require.NoError(t, err)

	j := &model.ScanJob{Name: "nightly", CollectionID: col.ID, RequestIDs: []string{"r1"}, Concurrency: 4}
	require.NoError(t, s.CreateScanJob(ctx, j))
	assert.Equal(t, model.JobPending, j.Status)

	got, err := s.GetScanJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, got.RequestIDs)
	assert.Equal(t, 4, got.Concurrency)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.EndedAt)

	running := model.JobRunning
	progress := 40
	started := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.UpdateScanJob(ctx, j.ID, model.ScanJobPatch{Status: &running, Progress: &progress, StartedAt: &started}))

	got, err = s.GetScanJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobRunning, got.Status)
	assert.Equal(t, 40, got.Progress)
	require.NotNil(t, got.StartedAt)
	assert.True(t, started.Equal(*got.StartedAt))
	assert.Equal(t, "nightly", got.Name)

	require.NoError(t, s.UpdateScanJob(ctx, j.ID, model.ScanJobPatch{}))
	assert.ErrorIs(t, s.UpdateScanJob(ctx, "missing", model.ScanJobPatch{Progress: &progress}), model.ErrNotFound)

	errText := "connection refused"
	proxyID := "px-1"
	require.NoError(t, s.SaveScanResult(ctx, &model.ScanResult{
		JobID: j.ID, RequestID: "r1", Status: 0, Error: &errText, ProxyID: &proxyID,
		Parameters: map[string]string{"env": "dev"},
	}))
	require.NoError(t, s.SaveScanResult(ctx, &model.ScanResult{
		JobID: j.ID, RequestID: "r1", Status: 200, StatusText: "OK",
		ResponseHeaders: map[string]string{"Content-Type": "text/plain"},
		TestResults:     []model.TestResult{{Name: "ok", Passed: true}},
	}))

	results, err := s.ListScanResults(ctx, j.ID)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.NotNil(t, results[0].Error)
	assert.Equal(t, errText, *results[0].Error)
	assert.Equal(t, "px-1", *results[0].ProxyID)
	assert.Equal(t, map[string]string{"env": "dev"}, results[0].Parameters)
	assert.Empty(t, results[0].TestResults)
	assert.False(t, results[0].Passed())

	assert.Nil(t, results[1].Error)
	assert.Nil(t, results[1].ProxyID)
	assert.True(t, results[1].Passed())

	one, err := s.GetScanResult(ctx, results[1].ID)
	require.NoError(t, err)
	assert.Equal(t, "OK", one.StatusText)

	jobs, err := s.ListScanJobs(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	require.NoError(t, s.DeleteScanJob(ctx, j.ID))
	results, err = s.ListScanResults(ctx, j.ID)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestScanJobs_ConditionalUpdate(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	col, err := s.CreateCollection(ctx, "jobs")
	require.NoError(t, err)

	j := &model.ScanJob{Name: "nightly", CollectionID: col.ID}
	require.NoError(t, s.CreateScanJob(ctx, j))

	pending := model.JobPending
	running := model.JobRunning
	cancelled := model.JobCancelled
	completed := model.JobCompleted

	require.NoError(t, s.UpdateScanJob(ctx, j.ID, model.ScanJobPatch{Status: &running, IfStatus: &pending}))
	require.NoError(t, s.UpdateScanJob(ctx, j.ID, model.ScanJobPatch{Status: &cancelled, IfStatus: &running}))

	err = s.UpdateScanJob(ctx, j.ID, model.ScanJobPatch{Status: &completed, IfStatus: &running})
	assert.ErrorIs(t, err, model.ErrStatusChanged)
	assert.Contains(t, err.Error(), "cancelled")

	got, err := s.GetScanJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCancelled, got.Status)

	err = s.UpdateScanJob(ctx, "missing", model.ScanJobPatch{Status: &completed, IfStatus: &running})
	assert.ErrorIs(t, err, model.ErrNotFound)
}
