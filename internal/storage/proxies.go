package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/vedsharma/apicli/internal/model"
)

// =============================================================================
// Parameter Set Operations
// =============================================================================

// SaveParameterSet inserts or replaces a parameter set
func (s *SQLiteStorage) SaveParameterSet(ctx context.Context, set *model.ParameterSet) error {
	if strings.TrimSpace(set.Name) == "" {
		return errors.New("parameter set name is required")
	}
	if set.ID == "" {
		set.ID = uuid.NewString()
	}
	keys := set.Keys
	if keys == nil {
		keys = []string{}
	}
	values := set.Values
	if values == nil {
		values = map[string][]string{}
	}
	keysJSON, err := encodeJSON(keys)
	if err != nil {
		return err
	}
	valuesJSON, err := encodeJSON(values)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO parameter_sets (id, name, key_order, value_lists) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			key_order = excluded.key_order,
			value_lists = excluded.value_lists`,
		set.ID, set.Name, keysJSON, valuesJSON)
	return err
}

// GetParameterSet gets a parameter set by id
func (s *SQLiteStorage) GetParameterSet(ctx context.Context, id string) (*model.ParameterSet, error) {
	set, err := scanParameterSet(s.db.QueryRowContext(ctx,
		"SELECT id, name, key_order, value_lists FROM parameter_sets WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("parameter set %s: %w", id, model.ErrNotFound)
	}
	return set, err
}

// ListParameterSets returns every parameter set, by name
func (s *SQLiteStorage) ListParameterSets(ctx context.Context) ([]model.ParameterSet, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, name, key_order, value_lists FROM parameter_sets ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ParameterSet
	for rows.Next() {
		set, err := scanParameterSet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *set)
	}
	return out, rows.Err()
}

func scanParameterSet(row scanner) (*model.ParameterSet, error) {
	var set model.ParameterSet
	var keysJSON, valuesJSON string
	if err := row.Scan(&set.ID, &set.Name, &keysJSON, &valuesJSON); err != nil {
		return nil, err
	}
	if err := decodeJSON(keysJSON, &set.Keys); err != nil {
		return nil, err
	}
	set.Values = map[string][]string{}
	if err := decodeJSON(valuesJSON, &set.Values); err != nil {
		return nil, err
	}
	return &set, nil
}

// =============================================================================
// Proxy Operations
// =============================================================================

const proxyColumns = `id, host, port, protocol, username, password, is_active, failure_count, last_latency_ms`

// SaveProxy inserts or updates a proxy. Health counters are left alone on update.
func (s *SQLiteStorage) SaveProxy(ctx context.Context, p *model.Proxy) error {
	if p.Host == "" || p.Port <= 0 || p.Port > 65535 {
		return fmt.Errorf("invalid proxy address %q", p.Address())
	}
	switch p.Protocol {
	case "":
		p.Protocol = model.ProxyHTTP
	case model.ProxyHTTP, model.ProxyHTTPS, model.ProxySOCKS4, model.ProxySOCKS5:
	default:
		return fmt.Errorf("unsupported proxy protocol %q", p.Protocol)
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proxies (`+proxyColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			host = excluded.host,
			port = excluded.port,
			protocol = excluded.protocol,
			username = excluded.username,
			password = excluded.password,
			is_active = excluded.is_active`,
		p.ID, p.Host, p.Port, string(p.Protocol), p.Username, p.Password,
		boolInt(p.IsActive), p.FailureCount, p.LastLatencyMs)
	return err
}

// GetProxy gets a proxy by id
func (s *SQLiteStorage) GetProxy(ctx context.Context, id string) (*model.Proxy, error) {
	p, err := scanProxy(s.db.QueryRowContext(ctx, "SELECT "+proxyColumns+" FROM proxies WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("proxy %s: %w", id, model.ErrNotFound)
	}
	return p, err
}

// ListProxies returns every proxy
func (s *SQLiteStorage) ListProxies(ctx context.Context) ([]model.Proxy, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+proxyColumns+" FROM proxies ORDER BY host, port")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Proxy
	for rows.Next() {
		p, err := scanProxy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// RecordProxyOutcome updates the rolling failure count and last latency.
// A failure adds one, a success takes one off, never below zero.
func (s *SQLiteStorage) RecordProxyOutcome(ctx context.Context, id string, failed bool, latencyMs int64) error {
	delta := -1
	if failed {
		delta = 1
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE proxies
		SET failure_count = MAX(failure_count + ?, 0),
		    last_latency_ms = ?
		WHERE id = ?`,
		delta, latencyMs, id)
	return err
}

func scanProxy(row scanner) (*model.Proxy, error) {
	var p model.Proxy
	var protocol string
	var active int
	err := row.Scan(&p.ID, &p.Host, &p.Port, &protocol, &p.Username, &p.Password,
		&active, &p.FailureCount, &p.LastLatencyMs)
	if err != nil {
		return nil, err
	}
	p.Protocol = model.ProxyProtocol(protocol)
	p.IsActive = active != 0
	return &p, nil
}

// =============================================================================
// Proxy Pool Operations
// =============================================================================

// SaveProxyPool inserts or replaces a pool. Members are taken from
// pool.Proxies by id, in order, and must already exist.
func (s *SQLiteStorage) SaveProxyPool(ctx context.Context, pool *model.ProxyPool) error {
	if strings.TrimSpace(pool.Name) == "" {
		return errors.New("proxy pool name is required")
	}
	if pool.Mode == "" {
		pool.Mode = model.SelectSequential
	}
	if pool.ID == "" {
		pool.ID = uuid.NewString()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO proxy_pools (id, name, mode, last_proxy_index) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			mode = excluded.mode,
			last_proxy_index = excluded.last_proxy_index`,
		pool.ID, pool.Name, string(pool.Mode), pool.LastProxyIndex)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM proxy_pool_members WHERE pool_id = ?", pool.ID); err != nil {
		return err
	}
	for i, p := range pool.Proxies {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO proxy_pool_members (pool_id, proxy_id, position) VALUES (?, ?, ?)",
			pool.ID, p.ID, i); err != nil {
			return fmt.Errorf("add proxy %s to pool: %w", p.ID, err)
		}
	}
	return tx.Commit()
}

// GetProxyPool gets a pool by id with its members in pool order
func (s *SQLiteStorage) GetProxyPool(ctx context.Context, id string) (*model.ProxyPool, error) {
	var pool model.ProxyPool
	var mode string
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, mode, last_proxy_index FROM proxy_pools WHERE id = ?", id).
		Scan(&pool.ID, &pool.Name, &mode, &pool.LastProxyIndex)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("proxy pool %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	pool.Mode = model.SelectionMode(mode)

	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.host, p.port, p.protocol, p.username, p.password, p.is_active, p.failure_count, p.last_latency_ms
		FROM proxy_pool_members m
		JOIN proxies p ON p.id = m.proxy_id
		WHERE m.pool_id = ?
		ORDER BY m.position`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	pool.Proxies = []model.Proxy{}
	for rows.Next() {
		p, err := scanProxy(rows)
		if err != nil {
			return nil, err
		}
		pool.Proxies = append(pool.Proxies, *p)
	}
	return &pool, rows.Err()
}

// ListProxyPools returns every pool with members, by name
func (s *SQLiteStorage) ListProxyPools(ctx context.Context) ([]model.ProxyPool, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM proxy_pools ORDER BY name")
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]model.ProxyPool, 0, len(ids))
	for _, id := range ids {
		pool, err := s.GetProxyPool(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *pool)
	}
	return out, nil
}

// UpdateProxyPoolCursor stores the index of the last proxy handed out
func (s *SQLiteStorage) UpdateProxyPoolCursor(ctx context.Context, id string, index int) error {
	res, err := s.db.ExecContext(ctx, "UPDATE proxy_pools SET last_proxy_index = ? WHERE id = ?", index, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("proxy pool %s: %w", id, model.ErrNotFound)
	}
	return nil
}
