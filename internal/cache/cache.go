// Package cache provides the small key-value surface the greylist check
// stores its state in: an in-process map for single-node deployments,
// redis or memcached when several policy daemons share state.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Common errors
var (
	ErrNotFound     = errors.New("key not found in cache")
	ErrNotConnected = errors.New("not connected to cache")
)

// Cache is the interface all backends satisfy. Values are strings; the
// callers own any encoding.
type Cache interface {
	// Connect establishes the connection to the backend.
	Connect() error

	// Close releases the connection.
	Close() error

	// Type returns the backend type ("memory", "redis", "memcached").
	Type() string

	// Get retrieves a value, ErrNotFound when absent or expired.
	Get(ctx context.Context, key string) (string, error)

	// Set stores a value with an optional expiration (0 = no expiry).
	Set(ctx context.Context, key, value string, expiration time.Duration) error

	// SetNX stores a value only if the key does not exist, reporting
	// whether the write happened.
	SetNX(ctx context.Context, key, value string, expiration time.Duration) (bool, error)

	// Delete removes a key. Missing keys return ErrNotFound.
	Delete(ctx context.Context, key string) error
}

// Config selects and parameterizes a backend.
type Config struct {
	Type     string // "memory", "redis" or "memcached"
	Host     string
	Port     int
	Password string
	Database int // redis only
}

// New creates the backend named by config.Type. The returned cache is
// not connected yet.
func New(config Config) (Cache, error) {
	switch config.Type {
	case "", "memory":
		return NewMemory(), nil
	case "redis":
		return NewRedis(config), nil
	case "memcached":
		return NewMemcached(config), nil
	}
	return nil, fmt.Errorf("unknown cache type %q", config.Type)
}
