package lease

import (
	"context"
	"sync"
	"time"

	"github.com/biz-doublej/rangu.fam-sub002/internal/wiki"
)

type MemoryBackend struct {
	mu     sync.Mutex
	leases map[string]wiki.Lease
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{leases: map[string]wiki.Lease{}}
}

func (b *MemoryBackend) Acquire(_ context.Context, key, holder, reason string, now time.Time, ttl time.Duration) (wiki.Lease, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	current, ok := b.leases[key]
	if ok && current.Live(now) {
		if current.Holder != holder {
			return wiki.Lease{}, lockHeld(current)
		}
		current.ExpiresAt = now.Add(ttl)
		if reason != "" {
			current.Reason = reason
		}
		b.leases[key] = current
		current.Renewed = true
		return current, nil
	}

	lease := wiki.Lease{Key: key, Holder: holder, Reason: reason, StartedAt: now, ExpiresAt: now.Add(ttl)}
	b.leases[key] = lease
	return lease, nil
}

func (b *MemoryBackend) Release(_ context.Context, key, holder string, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	current, ok := b.leases[key]
	if !ok {
		return nil
	}
	if current.Live(now) && current.Holder != holder {
		return notHolder(current)
	}
	delete(b.leases, key)
	return nil
}

func (b *MemoryBackend) Get(_ context.Context, key string, now time.Time) (wiki.Lease, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	current, ok := b.leases[key]
	if !ok || !current.Live(now) {
		return wiki.Lease{}, false, nil
	}
	return current, true, nil
}

func (b *MemoryBackend) Sweep(_ context.Context, now time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for key, lease := range b.leases {
		if !lease.Live(now) {
			delete(b.leases, key)
			n++
		}
	}
	return n, nil
}

// Len reports how many leases are stored, expired ones included.
func (b *MemoryBackend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.leases)
}
