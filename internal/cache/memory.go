package cache

import (
	"context"
	"slices"
	"sync"
	"time"

	"centralauth.org/internal/auth"
)

type memEntry struct {
	generation int64
	grants     auth.Grants
	expiresAt  time.Time
}

// Memory is an in-process PermissionCache for single-instance deployments.
type Memory struct {
	mu          sync.Mutex
	now         func() time.Time
	generations map[string]int64
	entries     map[string]memEntry
}

func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{now: now, generations: map[string]int64{}, entries: map[string]memEntry{}}
}

func (m *Memory) Get(_ context.Context, userID string) (auth.Grants, int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gen := m.generations[userID]
	e, ok := m.entries[userID]
	if !ok || e.generation != gen || !m.now().Before(e.expiresAt) {
		return auth.Grants{}, gen, false, nil
	}
	return cloneGrants(e.grants), gen, true, nil
}

func (m *Memory) Set(_ context.Context, userID string, generation int64, g auth.Grants, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.generations[userID] != generation {
		return nil
	}
	m.entries[userID] = memEntry{generation: generation, grants: cloneGrants(g), expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *Memory) Invalidate(_ context.Context, userIDs ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range userIDs {
		m.generations[id]++
		delete(m.entries, id)
	}
	return nil
}

func cloneGrants(g auth.Grants) auth.Grants {
	return auth.Grants{Roles: slices.Clone(g.Roles), Permissions: slices.Clone(g.Permissions)}
}
