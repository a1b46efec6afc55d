package cache

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process cache. Expired entries are dropped lazily on
// access and swept by a background janitor while connected.
type Memory struct {
	mu      sync.RWMutex
	items   map[string]memoryItem
	stop    chan struct{}
	running bool
}

type memoryItem struct {
	value     string
	expiresAt time.Time // zero = no expiry
}

func (it memoryItem) expired(now time.Time) bool {
	return !it.expiresAt.IsZero() && now.After(it.expiresAt)
}

// NewMemory creates an in-process cache.
func NewMemory() *Memory {
	return &Memory{items: make(map[string]memoryItem)}
}

func (m *Memory) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}
	m.stop = make(chan struct{})
	m.running = true
	go m.janitor(m.stop)
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return nil
	}
	close(m.stop)
	m.running = false
	return nil
}

func (m *Memory) Type() string { return "memory" }

func (m *Memory) janitor(stop chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			m.mu.Lock()
			for k, it := range m.items {
				if it.expired(now) {
					delete(m.items, k)
				}
			}
			m.mu.Unlock()
		}
	}
}

func (m *Memory) Get(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	it, ok := m.items[key]
	m.mu.RUnlock()
	if !ok || it.expired(time.Now()) {
		return "", ErrNotFound
	}
	return it.value, nil
}

func (m *Memory) Set(ctx context.Context, key, value string, expiration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = newItem(value, expiration)
	return nil
}

func (m *Memory) SetNX(ctx context.Context, key, value string, expiration time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if it, ok := m.items[key]; ok && !it.expired(time.Now()) {
		return false, nil
	}
	m.items[key] = newItem(value, expiration)
	return true, nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[key]; !ok {
		return ErrNotFound
	}
	delete(m.items, key)
	return nil
}

func newItem(value string, expiration time.Duration) memoryItem {
	it := memoryItem{value: value}
	if expiration > 0 {
		it.expiresAt = time.Now().Add(expiration)
	}
	return it
}
