package datasource

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// FileDataSource reads users from a flat file with one
// "username:bcrypt-hash" entry per line. Blank lines and lines starting
// with # are ignored.
type FileDataSource struct {
	path      string
	mu        sync.RWMutex
	users     map[string]string
	connected bool
}

// NewFile creates a file-backed datasource.
func NewFile(path string) *FileDataSource {
	return &FileDataSource{path: path, users: make(map[string]string)}
}

func (f *FileDataSource) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.path == "" {
		return fmt.Errorf("user file path is empty")
	}
	file, err := os.Open(f.path)
	if err != nil {
		return fmt.Errorf("failed to open user file %s: %w", f.path, err)
	}
	defer file.Close()

	f.users = make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		username, hash, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		f.users[username] = hash
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	f.connected = true
	return nil
}

func (f *FileDataSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *FileDataSource) Type() string { return "file" }

func (f *FileDataSource) Authenticate(ctx context.Context, username, password string) (bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.connected {
		return false, ErrNotConnected
	}
	hash, ok := f.users[username]
	if !ok {
		return false, ErrNotFound
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil, nil
}

func (f *FileDataSource) GetUser(ctx context.Context, username string) (User, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.connected {
		return User{}, ErrNotConnected
	}
	hash, ok := f.users[username]
	if !ok {
		return User{}, ErrNotFound
	}
	return User{Username: username, Password: hash, IsActive: true}, nil
}
