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
// Collection Operations
// =============================================================================

// CreateCollection creates a collection, or returns the existing one with that name
func (s *SQLiteStorage) CreateCollection(ctx context.Context, name string) (*model.Collection, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("collection name is required")
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO collections (id, name, variables, created_at) VALUES (?, ?, '{}', ?)",
		uuid.NewString(), name, toMillis(time.Now()))
	if err != nil {
		return nil, err
	}
	id, err := s.Resolve(ctx, KindCollection, name)
	if err != nil {
		return nil, err
	}
	return s.GetCollection(ctx, id)
}

// DeleteCollection deletes a collection and its requests
func (s *SQLiteStorage) DeleteCollection(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM collections WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("collection %s: %w", id, model.ErrNotFound)
	}
	return nil
}

// GetCollection gets a collection by id, with its requests
func (s *SQLiteStorage) GetCollection(ctx context.Context, id string) (*model.Collection, error) {
	col, err := scanCollection(s.db.QueryRowContext(ctx,
		"SELECT id, name, variables FROM collections WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("collection %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	col.Requests, err = s.ListRequestsByCollection(ctx, id)
	if err != nil {
		return nil, err
	}
	return col, nil
}

// ListCollections returns every collection with its requests, by name
func (s *SQLiteStorage) ListCollections(ctx context.Context) ([]model.Collection, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, name, variables FROM collections ORDER BY name")
	if err != nil {
		return nil, err
	}

	var cols []model.Collection
	for rows.Next() {
		col, err := scanCollection(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		cols = append(cols, *col)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Load requests once the collection cursor is closed
	for i := range cols {
		cols[i].Requests, err = s.ListRequestsByCollection(ctx, cols[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return cols, nil
}

func scanCollection(row scanner) (*model.Collection, error) {
	var col model.Collection
	var varsJSON string
	if err := row.Scan(&col.ID, &col.Name, &varsJSON); err != nil {
		return nil, err
	}
	col.Variables = map[string]string{}
	if err := decodeJSON(varsJSON, &col.Variables); err != nil {
		return nil, err
	}
	return &col, nil
}

// SetVariable sets a collection-level variable
func (s *SQLiteStorage) SetVariable(ctx context.Context, collectionID, key, value string) error {
	return s.updateVariables(ctx, collectionID, func(vars map[string]string) {
		vars[key] = value
	})
}

// UnsetVariable removes a collection-level variable
func (s *SQLiteStorage) UnsetVariable(ctx context.Context, collectionID, key string) error {
	return s.updateVariables(ctx, collectionID, func(vars map[string]string) {
		delete(vars, key)
	})
}

func (s *SQLiteStorage) updateVariables(ctx context.Context, collectionID string, mutate func(map[string]string)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var varsJSON string
	err = tx.QueryRowContext(ctx, "SELECT variables FROM collections WHERE id = ?", collectionID).Scan(&varsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("collection %s: %w", collectionID, model.ErrNotFound)
	}
	if err != nil {
		return err
	}

	vars := map[string]string{}
	if err := decodeJSON(varsJSON, &vars); err != nil {
		return err
	}
	mutate(vars)

	encoded, err := encodeJSON(vars)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "UPDATE collections SET variables = ? WHERE id = ?", encoded, collectionID); err != nil {
		return err
	}
	return tx.Commit()
}

// =============================================================================
// Request Operations
// =============================================================================

const requestColumns = `id, collection_id, name, method, url, headers, params, body, pre_request_script, tests`

// SaveRequest inserts a request at the end of its collection, or updates it
// in place when the id already exists
func (s *SQLiteStorage) SaveRequest(ctx context.Context, req *model.Request) error {
	if req.CollectionID == "" {
		return errors.New("request has no collection")
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Method == "" {
		req.Method = "GET"
	}

	headers, err := encodeJSON(nonNilKV(req.Headers))
	if err != nil {
		return err
	}
	params, err := encodeJSON(nonNilKV(req.Params))
	if err != nil {
		return err
	}
	body, err := encodeJSON(req.Body)
	if err != nil {
		return err
	}
	tests := req.Tests
	if tests == nil {
		tests = []model.TestScript{}
	}
	testsJSON, err := encodeJSON(tests)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Get next position
	var maxPos sql.NullInt64
	if err := tx.QueryRowContext(ctx, "SELECT MAX(position) FROM requests WHERE collection_id = ?", req.CollectionID).Scan(&maxPos); err != nil {
		return err
	}
	nextPos := int64(0)
	if maxPos.Valid {
		nextPos = maxPos.Int64 + 1
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO requests (`+requestColumns+`, position)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			collection_id = excluded.collection_id,
			name = excluded.name,
			method = excluded.method,
			url = excluded.url,
			headers = excluded.headers,
			params = excluded.params,
			body = excluded.body,
			pre_request_script = excluded.pre_request_script,
			tests = excluded.tests`,
		req.ID, req.CollectionID, req.Name, req.Method, req.URL,
		headers, params, body, req.PreRequestScript, testsJSON, nextPos)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// GetRequest gets a request by id
func (s *SQLiteStorage) GetRequest(ctx context.Context, id string) (*model.Request, error) {
	req, err := scanRequest(s.db.QueryRowContext(ctx,
		"SELECT "+requestColumns+" FROM requests WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("request %s: %w", id, model.ErrNotFound)
	}
	return req, err
}

// ListRequestsByCollection returns the collection's requests in order
func (s *SQLiteStorage) ListRequestsByCollection(ctx context.Context, collectionID string) ([]model.Request, error) {
	return s.queryRequests(ctx,
		"SELECT "+requestColumns+" FROM requests WHERE collection_id = ? ORDER BY position", collectionID)
}

// ListRequestsByIDs returns the requests with the given ids, in the order
// asked for. Unknown ids are skipped.
func (s *SQLiteStorage) ListRequestsByIDs(ctx context.Context, ids []string) ([]model.Request, error) {
	if len(ids) == 0 {
		return []model.Request{}, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	found, err := s.queryRequests(ctx,
		"SELECT "+requestColumns+" FROM requests WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]model.Request, len(found))
	for _, r := range found {
		byID[r.ID] = r
	}
	out := make([]model.Request, 0, len(found))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if r, ok := byID[id]; ok && !seen[id] {
			out = append(out, r)
			seen[id] = true
		}
	}
	return out, nil
}

func (s *SQLiteStorage) queryRequests(ctx context.Context, query string, args ...any) ([]model.Request, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.Request{}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *req)
	}
	return out, rows.Err()
}

func scanRequest(row scanner) (*model.Request, error) {
	var req model.Request
	var headers, params, body, tests string
	err := row.Scan(&req.ID, &req.CollectionID, &req.Name, &req.Method, &req.URL,
		&headers, &params, &body, &req.PreRequestScript, &tests)
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(headers, &req.Headers); err != nil {
		return nil, err
	}
	if err := decodeJSON(params, &req.Params); err != nil {
		return nil, err
	}
	if err := decodeJSON(body, &req.Body); err != nil {
		return nil, err
	}
	if err := decodeJSON(tests, &req.Tests); err != nil {
		return nil, err
	}
	return &req, nil
}

func nonNilKV(kv []model.KeyValue) []model.KeyValue {
	if kv == nil {
		return []model.KeyValue{}
	}
	return kv
}
