package cache

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Cache. It backs tests and single-node deployments
// where no external cache is configured.
type Memory struct {
	mu         sync.RWMutex
	entries    map[string]memoryEntry
	defaultTTL time.Duration
}

type memoryEntry struct {
	value   []byte
	expires time.Time
}

// NewMemory creates a Memory cache. Entries without an explicit TTL expire
// after defaultTTL; a zero defaultTTL means they never expire.
func NewMemory(defaultTTL time.Duration) *Memory {
	return &Memory{
		entries:    map[string]memoryEntry{},
		defaultTTL: defaultTTL,
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		m.Delete(context.Background(), key)
		return nil, false
	}
	return e.value, true
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	if ttl == 0 {
		ttl = m.defaultTTL
	}
	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	m.mu.Lock()
	m.entries[key] = memoryEntry{value: value, expires: expires}
	m.mu.Unlock()
}

func (m *Memory) Delete(_ context.Context, key string) {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
}

func (m *Memory) FlushAll(_ context.Context) {
	m.mu.Lock()
	m.entries = map[string]memoryEntry{}
	m.mu.Unlock()
}

// Len returns the live entry count. Test helper.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
