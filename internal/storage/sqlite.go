package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vedsharma/apicli/internal/model"
)

const (
	dbFile = "apicli.db"

	// Secure file permissions - owner read/write only
	secureFileMode = 0600 // -rw-------
	secureDirMode  = 0700 // drwx------
)

// ensureSecureFile creates a file with secure permissions if it doesn't exist,
// or verifies/fixes permissions if it does exist. This prevents a TOCTOU race
// condition where the file could be created with insecure default permissions.
func ensureSecureFile(path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, secureFileMode)
		if err != nil {
			return fmt.Errorf("failed to create secure file: %w", err)
		}
		f.Close()
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}

	if info.Mode().Perm() != secureFileMode {
		if err := os.Chmod(path, secureFileMode); err != nil {
			return fmt.Errorf("failed to set secure permissions: %w", err)
		}
	}
	return nil
}

// SQLiteStorage handles SQLite database persistence for collections,
// parameter sets, proxies, jobs and their results
type SQLiteStorage struct {
	db *sql.DB
}

// NewStorage opens (and creates if needed) the database under dataDir
func NewStorage(dataDir string) (*SQLiteStorage, error) {
	if err := os.MkdirAll(dataDir, secureDirMode); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, dbFile)

	// Create database file with secure permissions before the driver touches it
	if err := ensureSecureFile(dbPath); err != nil {
		return nil, err
	}

	return Open(dbPath)
}

// Open opens the database at path and applies the schema
func Open(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// one connection: concurrent job workers queue on it instead of
	// failing with SQLITE_BUSY
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	s := &SQLiteStorage{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// initSchema creates the database tables if they don't exist
func (s *SQLiteStorage) initSchema() error {
	schema := `
	-- Collections carry their variables as a JSON object
	CREATE TABLE IF NOT EXISTS collections (
		id TEXT PRIMARY KEY,
		name TEXT UNIQUE NOT NULL,
		variables TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL
	);

	-- Requests (belong to a collection, ordered by position)
	CREATE TABLE IF NOT EXISTS requests (
		id TEXT PRIMARY KEY,
		collection_id TEXT NOT NULL,
		name TEXT DEFAULT '',
		method TEXT NOT NULL,
		url TEXT NOT NULL,
		headers TEXT DEFAULT '[]',
		params TEXT DEFAULT '[]',
		body TEXT DEFAULT '{}',
		pre_request_script TEXT DEFAULT '',
		tests TEXT DEFAULT '[]',
		position INTEGER NOT NULL,
		FOREIGN KEY (collection_id) REFERENCES collections(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_requests_collection ON requests(collection_id, position);

	-- Parameter sets keep key order separately from the value lists
	CREATE TABLE IF NOT EXISTS parameter_sets (
		id TEXT PRIMARY KEY,
		name TEXT UNIQUE NOT NULL,
		key_order TEXT NOT NULL DEFAULT '[]',
		value_lists TEXT NOT NULL DEFAULT '{}'
	);

	CREATE TABLE IF NOT EXISTS proxies (
		id TEXT PRIMARY KEY,
		host TEXT NOT NULL,
		port INTEGER NOT NULL,
		protocol TEXT NOT NULL DEFAULT 'http',
		username TEXT DEFAULT '',
		password TEXT DEFAULT '',
		is_active INTEGER NOT NULL DEFAULT 1,
		failure_count INTEGER NOT NULL DEFAULT 0,
		last_latency_ms INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS proxy_pools (
		id TEXT PRIMARY KEY,
		name TEXT UNIQUE NOT NULL,
		mode TEXT NOT NULL DEFAULT 'sequential',
		last_proxy_index INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS proxy_pool_members (
		pool_id TEXT NOT NULL,
		proxy_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		PRIMARY KEY (pool_id, proxy_id),
		FOREIGN KEY (pool_id) REFERENCES proxy_pools(id) ON DELETE CASCADE,
		FOREIGN KEY (proxy_id) REFERENCES proxies(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS scan_jobs (
		id TEXT PRIMARY KEY,
		name TEXT DEFAULT '',
		collection_id TEXT NOT NULL,
		request_ids TEXT NOT NULL DEFAULT '[]',
		parameter_set_id TEXT DEFAULT '',
		proxy_pool_id TEXT DEFAULT '',
		concurrency INTEGER NOT NULL DEFAULT 1,
		status TEXT NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		error TEXT DEFAULT '',
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		ended_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_scan_jobs_created ON scan_jobs(created_at DESC);

	CREATE TABLE IF NOT EXISTS scan_results (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		request_id TEXT NOT NULL,
		status INTEGER NOT NULL,
		status_text TEXT DEFAULT '',
		url TEXT DEFAULT '',
		method TEXT DEFAULT '',
		response_time INTEGER NOT NULL DEFAULT 0,
		response_size INTEGER NOT NULL DEFAULT 0,
		response_headers TEXT DEFAULT '{}',
		response_body TEXT DEFAULT '',
		error TEXT,
		test_results TEXT DEFAULT '[]',
		parameters TEXT DEFAULT '{}',
		proxy_id TEXT,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (job_id) REFERENCES scan_jobs(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_scan_results_job ON scan_results(job_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Kind names a table whose rows can be referenced by id or unique name
type Kind string

const (
	KindCollection   Kind = "collections"
	KindParameterSet Kind = "parameter_sets"
	KindProxyPool    Kind = "proxy_pools"
)

// Resolve returns the id of the row whose id or name equals ref
func (s *SQLiteStorage) Resolve(ctx context.Context, kind Kind, ref string) (string, error) {
	switch kind {
	case KindCollection, KindParameterSet, KindProxyPool:
	default:
		return "", fmt.Errorf("unknown kind %q", kind)
	}

	var id string
	err := s.db.QueryRowContext(ctx,
		"SELECT id FROM "+string(kind)+" WHERE id = ? OR name = ? ORDER BY id = ? DESC LIMIT 1",
		ref, ref, ref).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%s %q: %w", kindLabel(kind), ref, model.ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

func kindLabel(kind Kind) string {
	switch kind {
	case KindCollection:
		return "collection"
	case KindParameterSet:
		return "parameter set"
	default:
		return "proxy pool"
	}
}

// scanner is satisfied by *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func encodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// decodeJSON parses a JSON column; empty text leaves dst untouched
func decodeJSON(text string, dst any) error {
	if text == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(text), dst); err != nil {
		return fmt.Errorf("failed to parse JSON column: %w", err)
	}
	return nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullableString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func fromNullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
