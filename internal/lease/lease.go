// Package lease implements per-page edit leases: short-lived, renewable
// mutual-exclusion grants that expire on their own when abandoned.
package lease

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/biz-doublej/rangu.fam-sub002/internal/rbac"
	"github.com/biz-doublej/rangu.fam-sub002/internal/wiki"
)

const DefaultTTL = 10 * time.Minute

// Backend stores leases. Every method must be an atomic read-modify-write
// evaluated against the supplied now.
type Backend interface {
	// Acquire grants or renews the lease, or returns *wiki.LockHeldError.
	// A renewal comes back with Renewed set.
	Acquire(ctx context.Context, key, holder, reason string, now time.Time, ttl time.Duration) (wiki.Lease, error)
	// Release clears the lease when holder owns it or it has lapsed, and
	// returns *wiki.PermissionDeniedError when someone else holds it.
	Release(ctx context.Context, key, holder string, now time.Time) error
	// Get returns the lease if one is live at now.
	Get(ctx context.Context, key string, now time.Time) (wiki.Lease, bool, error)
}

// Sweeper is implemented by backends that can drop expired leases in bulk.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// Pinger is implemented by backends that live outside the process.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Manager struct {
	backend Backend
	ttl     time.Duration
	logger  *slog.Logger

	Now func() time.Time
}

func NewManager(backend Backend, ttl time.Duration, logger *slog.Logger) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{backend: backend, ttl: ttl, logger: logger, Now: time.Now}
}

func (m *Manager) TTL() time.Duration {
	return m.ttl
}

func (m *Manager) Acquire(ctx context.Context, key string, actor rbac.Actor, reason string) (wiki.Lease, error) {
	if err := checkRequest(key, actor); err != nil {
		return wiki.Lease{}, err
	}
	lease, err := m.backend.Acquire(ctx, key, actor.ID, strings.TrimSpace(reason), m.Now(), m.ttl)
	if err != nil {
		return wiki.Lease{}, err
	}
	return lease, nil
}

func (m *Manager) Release(ctx context.Context, key string, actor rbac.Actor) error {
	if err := checkRequest(key, actor); err != nil {
		return err
	}
	return m.backend.Release(ctx, key, actor.ID, m.Now())
}

func (m *Manager) IsHeld(ctx context.Context, key string) (bool, error) {
	_, ok, err := m.Get(ctx, key)
	return ok, err
}

func (m *Manager) Get(ctx context.Context, key string) (wiki.Lease, bool, error) {
	if strings.TrimSpace(key) == "" {
		return wiki.Lease{}, false, wiki.Validation("key", "lease key is required")
	}
	return m.backend.Get(ctx, key, m.Now())
}

// Ping checks an out-of-process backend. checked is false for backends
// without a connection to check.
func (m *Manager) Ping(ctx context.Context) (checked bool, err error) {
	pinger, ok := m.backend.(Pinger)
	if !ok {
		return false, nil
	}
	if err := pinger.Ping(ctx); err != nil {
		return true, fmt.Errorf("ping lease backend: %w", err)
	}
	return true, nil
}

// Sweep drops expired leases when the backend supports it. It never changes
// what Acquire, Release or Get observe.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	sweeper, ok := m.backend.(Sweeper)
	if !ok {
		return 0, nil
	}
	n, err := sweeper.Sweep(ctx, m.Now())
	if err != nil {
		return 0, fmt.Errorf("sweep leases: %w", err)
	}
	return n, nil
}

// Run sweeps every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	if _, ok := m.backend.(Sweeper); !ok {
		m.logger.Info("lease sweeper disabled: backend expires leases itself")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.Sweep(ctx)
			if err != nil {
				m.logger.Warn("lease sweep failed", "error", err)
				continue
			}
			if n > 0 {
				m.logger.Debug("swept expired leases", "count", n)
			}
		}
	}
}

func checkRequest(key string, actor rbac.Actor) error {
	if strings.TrimSpace(key) == "" {
		return wiki.Validation("key", "lease key is required")
	}
	if actor.Anonymous() {
		return wiki.PermissionDenied("edit leases require an authenticated actor")
	}
	return nil
}

func lockHeld(lease wiki.Lease) error {
	return &wiki.LockHeldError{Holder: lease.Holder, ExpiresAt: lease.ExpiresAt}
}

func notHolder(lease wiki.Lease) error {
	return wiki.PermissionDenied("lease on %s is held by %s", lease.Key, lease.Holder)
}
