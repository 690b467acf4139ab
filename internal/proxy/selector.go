// Package proxy picks upstream proxies from pools and builds dialers for them.
package proxy

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/vedsharma/apicli/internal/model"
)

// Store is the persistence the selector reads proxies and pools from.
type Store interface {
	GetProxy(ctx context.Context, id string) (*model.Proxy, error)
	GetProxyPool(ctx context.Context, id string) (*model.ProxyPool, error)
	UpdateProxyPoolCursor(ctx context.Context, id string, index int) error
}

// OutcomeRecorder is implemented by stores that track proxy health.
type OutcomeRecorder interface {
	RecordProxyOutcome(ctx context.Context, id string, failed bool, latencyMs int64) error
}

// Selector chooses a proxy for each request.
type Selector struct {
	store  Store
	logger *slog.Logger

	// per-pool locks serializing the sequential cursor read-modify-write
	locks sync.Map
}

// NewSelector creates a Selector backed by store.
func NewSelector(store Store, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{store: store, logger: logger.With("component", "proxy")}
}

// Select returns the proxy to use, or nil to go direct. An explicit, active
// proxyID wins over the pool. Lookup failures are logged and mean "no proxy".
func (s *Selector) Select(ctx context.Context, proxyID, poolID string) *model.Proxy {
	if s == nil || s.store == nil {
		return nil
	}

	if proxyID != "" {
		p, err := s.store.GetProxy(ctx, proxyID)
		switch {
		case err != nil:
			s.logger.Warn("proxy lookup failed", slog.String("proxy_id", proxyID), slog.String("error", err.Error()))
		case p != nil && p.IsActive:
			return p
		}
	}

	if poolID == "" {
		return nil
	}
	return s.fromPool(ctx, poolID)
}

func (s *Selector) fromPool(ctx context.Context, poolID string) *model.Proxy {
	pool, err := s.store.GetProxyPool(ctx, poolID)
	if err != nil {
		s.logger.Warn("proxy pool lookup failed", slog.String("pool_id", poolID), slog.String("error", err.Error()))
		return nil
	}
	if pool == nil {
		return nil
	}

	if pool.Mode == model.SelectSequential {
		return s.nextSequential(ctx, poolID)
	}

	active := pool.ActiveProxies()
	if len(active) == 0 {
		return nil
	}
	switch pool.Mode {
	case model.SelectRandom:
		p := active[rand.IntN(len(active))]
		return &p
	default:
		p := active[0]
		return &p
	}
}

// nextSequential advances the pool cursor under the pool lock, re-reading the
// pool so concurrent selections never lose an update.
func (s *Selector) nextSequential(ctx context.Context, poolID string) *model.Proxy {
	mu, _ := s.locks.LoadOrStore(poolID, &sync.Mutex{})
	lock := mu.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()

	pool, err := s.store.GetProxyPool(ctx, poolID)
	if err != nil || pool == nil {
		return nil
	}
	active := pool.ActiveProxies()
	if len(active) == 0 {
		return nil
	}

	n := len(active)
	next := ((pool.LastProxyIndex+1)%n + n) % n
	if err := s.store.UpdateProxyPoolCursor(ctx, poolID, next); err != nil {
		s.logger.Warn("persist pool cursor failed", slog.String("pool_id", poolID), slog.String("error", err.Error()))
	}
	p := active[next]
	return &p
}

// Report records the outcome of a call made through p. It is best effort.
func (s *Selector) Report(ctx context.Context, p *model.Proxy, failed bool, latency time.Duration) {
	if s == nil || p == nil {
		return
	}
	rec, ok := s.store.(OutcomeRecorder)
	if !ok {
		return
	}
	if err := rec.RecordProxyOutcome(ctx, p.ID, failed, latency.Milliseconds()); err != nil {
		s.logger.Debug("record proxy outcome failed", slog.String("proxy_id", p.ID), slog.String("error", err.Error()))
	}
}
