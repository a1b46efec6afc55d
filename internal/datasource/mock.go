package datasource

import (
	"context"
	"sync"
)

// MockDataSource is an in-memory datasource for tests. Passwords are
// compared in clear text.
type MockDataSource struct {
	mu    sync.RWMutex
	users map[string]string
}

// NewMock creates an empty mock datasource.
func NewMock() *MockDataSource {
	return &MockDataSource{users: make(map[string]string)}
}

// AddUser registers a user with a clear-text password.
func (m *MockDataSource) AddUser(username, password string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[username] = password
}

func (m *MockDataSource) Connect() error { return nil }
func (m *MockDataSource) Close() error   { return nil }
func (m *MockDataSource) Type() string   { return "mock" }

func (m *MockDataSource) Authenticate(ctx context.Context, username, password string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pw, ok := m.users[username]
	if !ok {
		return false, ErrNotFound
	}
	return pw == password, nil
}

func (m *MockDataSource) GetUser(ctx context.Context, username string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pw, ok := m.users[username]
	if !ok {
		return User{}, ErrNotFound
	}
	return User{Username: username, Password: pw, IsActive: true}, nil
}
