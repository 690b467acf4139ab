package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vedsharma/apicli/internal/model"
)

// =============================================================================
// Scan Job Operations
// =============================================================================

const jobColumns = `id, name, collection_id, request_ids, parameter_set_id, proxy_pool_id,
	concurrency, status, progress, error, created_at, started_at, ended_at`

// CreateScanJob stores a new pending job
func (s *SQLiteStorage) CreateScanJob(ctx context.Context, job *model.ScanJob) error {
	if job.CollectionID == "" {
		return errors.New("job has no collection")
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = model.JobPending
	}
	if job.Concurrency <= 0 {
		job.Concurrency = 1
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	ids := job.RequestIDs
	if ids == nil {
		ids = []string{}
	}
	idsJSON, err := encodeJSON(ids)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scan_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Name, job.CollectionID, idsJSON, job.ParameterSetID, job.ProxyPoolID,
		job.Concurrency, string(job.Status), job.Progress, job.Error,
		toMillis(job.CreatedAt), nullMillis(job.StartedAt), nullMillis(job.EndedAt))
	return err
}

// GetScanJob gets a job by id
func (s *SQLiteStorage) GetScanJob(ctx context.Context, id string) (*model.ScanJob, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM scan_jobs WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("scan job %s: %w", id, model.ErrNotFound)
	}
	return job, err
}

// ListScanJobs returns the most recent jobs first
func (s *SQLiteStorage) ListScanJobs(ctx context.Context, limit int) ([]model.ScanJob, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+jobColumns+" FROM scan_jobs ORDER BY created_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ScanJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

// UpdateScanJob applies the non-nil fields of patch
func (s *SQLiteStorage) UpdateScanJob(ctx context.Context, id string, patch model.ScanJobPatch) error {
	var sets []string
	var args []any
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.Progress != nil {
		sets = append(sets, "progress = ?")
		args = append(args, *patch.Progress)
	}
	if patch.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *patch.Error)
	}
	if patch.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, toMillis(*patch.StartedAt))
	}
	if patch.EndedAt != nil {
		sets = append(sets, "ended_at = ?")
		args = append(args, toMillis(*patch.EndedAt))
	}
	if len(sets) == 0 {
		return nil
	}

	where := " WHERE id = ?"
	args = append(args, id)
	if patch.IfStatus != nil {
		where += " AND status = ?"
		args = append(args, string(*patch.IfStatus))
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE scan_jobs SET "+strings.Join(sets, ", ")+where, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	if patch.IfStatus == nil {
		return fmt.Errorf("scan job %s: %w", id, model.ErrNotFound)
	}
	var current string
	err = s.db.QueryRowContext(ctx, "SELECT status FROM scan_jobs WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("scan job %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("scan job %s is %s: %w", id, current, model.ErrStatusChanged)
}

// DeleteScanJob deletes a job and its results
func (s *SQLiteStorage) DeleteScanJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM scan_jobs WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("scan job %s: %w", id, model.ErrNotFound)
	}
	return nil
}

func scanJob(row scanner) (*model.ScanJob, error) {
	var job model.ScanJob
	var idsJSON, status string
	var createdAt int64
	var startedAt, endedAt sql.NullInt64
	err := row.Scan(&job.ID, &job.Name, &job.CollectionID, &idsJSON, &job.ParameterSetID, &job.ProxyPoolID,
		&job.Concurrency, &status, &job.Progress, &job.Error, &createdAt, &startedAt, &endedAt)
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(idsJSON, &job.RequestIDs); err != nil {
		return nil, err
	}
	job.Status = model.JobStatus(status)
	job.CreatedAt = fromMillis(createdAt)
	job.StartedAt = fromNullMillis(startedAt)
	job.EndedAt = fromNullMillis(endedAt)
	return &job, nil
}

// =============================================================================
// Scan Result Operations
// =============================================================================

const resultColumns = `id, job_id, request_id, status, status_text, url, method,
	response_time, response_size, response_headers, response_body, error,
	test_results, parameters, proxy_id, created_at`

// SaveScanResult appends one result
func (s *SQLiteStorage) SaveScanResult(ctx context.Context, r *model.ScanResult) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	headers := r.ResponseHeaders
	if headers == nil {
		headers = map[string]string{}
	}
	headersJSON, err := encodeJSON(headers)
	if err != nil {
		return err
	}
	tests := r.TestResults
	if tests == nil {
		tests = []model.TestResult{}
	}
	testsJSON, err := encodeJSON(tests)
	if err != nil {
		return err
	}
	params := r.Parameters
	if params == nil {
		params = map[string]string{}
	}
	paramsJSON, err := encodeJSON(params)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scan_results (`+resultColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.JobID, r.RequestID, r.Status, r.StatusText, r.URL, r.Method,
		r.ResponseTime, r.ResponseSize, headersJSON, r.ResponseBody, nullableString(r.Error),
		testsJSON, paramsJSON, nullableString(r.ProxyID), toMillis(r.CreatedAt))
	return err
}

// GetScanResult gets a result by id
func (s *SQLiteStorage) GetScanResult(ctx context.Context, id string) (*model.ScanResult, error) {
	r, err := scanResult(s.db.QueryRowContext(ctx, "SELECT "+resultColumns+" FROM scan_results WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("scan result %s: %w", id, model.ErrNotFound)
	}
	return r, err
}

// ListScanResults returns a job's results in the order they were saved
func (s *SQLiteStorage) ListScanResults(ctx context.Context, jobID string) ([]model.ScanResult, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+resultColumns+" FROM scan_results WHERE job_id = ? ORDER BY created_at, rowid", jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ScanResult
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func scanResult(row scanner) (*model.ScanResult, error) {
	var r model.ScanResult
	var headersJSON, testsJSON, paramsJSON string
	var errText, proxyID sql.NullString
	var createdAt int64
	err := row.Scan(&r.ID, &r.JobID, &r.RequestID, &r.Status, &r.StatusText, &r.URL, &r.Method,
		&r.ResponseTime, &r.ResponseSize, &headersJSON, &r.ResponseBody, &errText,
		&testsJSON, &paramsJSON, &proxyID, &createdAt)
	if err != nil {
		return nil, err
	}
	r.ResponseHeaders = map[string]string{}
	if err := decodeJSON(headersJSON, &r.ResponseHeaders); err != nil {
		return nil, err
	}
	r.TestResults = []model.TestResult{}
	if err := decodeJSON(testsJSON, &r.TestResults); err != nil {
		return nil, err
	}
	r.Parameters = map[string]string{}
	if err := decodeJSON(paramsJSON, &r.Parameters); err != nil {
		return nil, err
	}
	r.Error = fromNullString(errText)
	r.ProxyID = fromNullString(proxyID)
	r.CreatedAt = fromMillis(createdAt)
	return &r, nil
}
