// Package datasource looks up the users allowed to authenticate.
// Authentication is the escape hatch of the policy engine: a user who
// authenticates becomes immune and any pending rejection is cleared, so
// the lookup path stays deliberately small.
package datasource

import (
	"context"
	"errors"
	"fmt"
)

// Common errors
var (
	ErrNotFound     = errors.New("user not found")
	ErrNotConnected = errors.New("not connected to datasource")
)

// DataSource is the interface all user backends satisfy.
type DataSource interface {
	// Connect establishes the connection or loads the backing data.
	Connect() error

	// Close releases the backend.
	Close() error

	// Type returns the backend type ("file", "sqlite", "mock").
	Type() string

	// Authenticate verifies credentials. A missing user reports
	// ErrNotFound; a bad password reports (false, nil).
	Authenticate(ctx context.Context, username, password string) (bool, error)

	// GetUser retrieves one user record.
	GetUser(ctx context.Context, username string) (User, error)
}

// User is one account allowed to authenticate. Password holds a bcrypt
// hash, never clear text.
type User struct {
	Username string
	Password string
	IsActive bool
}

// Config selects and parameterizes a backend.
type Config struct {
	Type string // "file", "sqlite" or "mock"
	Path string // file path or sqlite database path
}

// New creates the backend named by config.Type. The returned datasource
// is not connected yet.
func New(config Config) (DataSource, error) {
	switch config.Type {
	case "file":
		return NewFile(config.Path), nil
	case "sqlite":
		return NewSQLite(config.Path), nil
	case "mock":
		return NewMock(), nil
	}
	return nil, fmt.Errorf("unknown datasource type %q", config.Type)
}
