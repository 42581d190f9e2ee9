// Package cache is the key/value collaborator used for throttling worker
// spawns and stale-job recovery. The host application can supply its own
// shared cache; Memory is the in-process default.
package cache

import (
	"sync"
	"time"
)

type Cache interface {
	Get(key string) (string, bool)
	Set(key, value string, ttl time.Duration)
	// Add stores the entry only if the key is absent or expired and
	// reports whether it won. This is the throttle primitive: at most
	// one caller wins per TTL window.
	Add(key, value string, ttl time.Duration) bool
	Delete(key string)
}

type entry struct {
	value     string
	expiresAt time.Time
}

// Memory is a mutex-guarded map with lazy expiry. Entry counts here are
// tiny (two throttle keys), so there is no janitor goroutine.
type Memory struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]entry), now: time.Now}
}

func (m *Memory) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || m.now().After(e.expiresAt) {
		delete(m.entries, key)
		return "", false
	}
	return e.value, true
}

func (m *Memory) Set(key, value string, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = entry{value: value, expiresAt: m.now().Add(ttl)}
}

func (m *Memory) Add(key, value string, ttl time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok && m.now().Before(e.expiresAt) {
		return false
	}
	m.entries[key] = entry{value: value, expiresAt: m.now().Add(ttl)}
	return true
}

func (m *Memory) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}
