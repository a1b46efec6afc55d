package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// Memcached implements Cache on a memcached server. Memcached caps
// relative expirations at 30 days; the greylist windows used here stay
// far below that.
type Memcached struct {
	config    Config
	client    *memcache.Client
	connected bool
}

// NewMemcached creates a memcached-backed cache.
func NewMemcached(config Config) *Memcached {
	if config.Port == 0 {
		config.Port = 11211
	}
	return &Memcached{config: config}
}

func (m *Memcached) Connect() error {
	if m.connected {
		return nil
	}
	host := m.config.Host
	if host == "" {
		host = "localhost"
	}
	m.client = memcache.New(fmt.Sprintf("%s:%d", host, m.config.Port))
	if err := m.client.Ping(); err != nil {
		return fmt.Errorf("failed to connect to memcached: %w", err)
	}
	m.connected = true
	return nil
}

func (m *Memcached) Close() error {
	m.connected = false
	return nil
}

func (m *Memcached) Type() string { return "memcached" }

func (m *Memcached) Get(ctx context.Context, key string) (string, error) {
	if !m.connected {
		return "", ErrNotConnected
	}
	item, err := m.client.Get(key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return "", ErrNotFound
	} else if err != nil {
		return "", err
	}
	return string(item.Value), nil
}

func (m *Memcached) Set(ctx context.Context, key, value string, expiration time.Duration) error {
	if !m.connected {
		return ErrNotConnected
	}
	return m.client.Set(&memcache.Item{
		Key:        key,
		Value:      []byte(value),
		Expiration: seconds(expiration),
	})
}

func (m *Memcached) SetNX(ctx context.Context, key, value string, expiration time.Duration) (bool, error) {
	if !m.connected {
		return false, ErrNotConnected
	}
	err := m.client.Add(&memcache.Item{
		Key:        key,
		Value:      []byte(value),
		Expiration: seconds(expiration),
	})
	if errors.Is(err, memcache.ErrNotStored) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return true, nil
}

func (m *Memcached) Delete(ctx context.Context, key string) error {
	if !m.connected {
		return ErrNotConnected
	}
	err := m.client.Delete(key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return ErrNotFound
	}
	return err
}

func seconds(d time.Duration) int32 {
	if d <= 0 {
		return 0
	}
	s := int32(d / time.Second)
	if s == 0 {
		s = 1
	}
	return s
}
