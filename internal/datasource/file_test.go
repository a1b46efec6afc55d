package datasource

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"golang.org/x/crypto/bcrypt"
)

func writeUserFile(t *testing.T, lines string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "users")
	require.NoError(t, os.WriteFile(path, []byte(lines), 0600))
	return path
}

func TestFileAuthenticate(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	path := writeUserFile(t, "# users\n\nalice:"+string(hash)+"\nmalformed-line\n")
	ds := NewFile(path)
	require.NoError(t, ds.Connect())
	defer ds.Close()

	ctx := context.Background()

	ok, err := ds.Authenticate(ctx, "alice", "s3cret")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ds.Authenticate(ctx, "alice", "wrong")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = ds.Authenticate(ctx, "nobody", "s3cret")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileGetUser(t *testing.T) {
	path := writeUserFile(t, "bob:$2a$04$fakehash\n")
	ds := NewFile(path)
	require.NoError(t, ds.Connect())

	user, err := ds.GetUser(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", user.Username)
	assert.True(t, user.IsActive)

	_, err = ds.GetUser(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileConnectErrors(t *testing.T) {
	assert.Error(t, NewFile("").Connect())
	assert.Error(t, NewFile("/nonexistent/users").Connect())
}

func TestMockDataSource(t *testing.T) {
	ds := NewMock()
	ds.AddUser("carol", "pw")

	ok, err := ds.Authenticate(context.Background(), "carol", "pw")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ds.Authenticate(context.Background(), "carol", "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNewSelectsBackend(t *testing.T) {
	ds, err := New(Config{Type: "file", Path: "/tmp/users"})
	require.NoError(t, err)
	assert.Equal(t, "file", ds.Type())

	ds, err = New(Config{Type: "sqlite", Path: "/tmp/users.db"})
	require.NoError(t, err)
	assert.Equal(t, "sqlite", ds.Type())

	ds, err = New(Config{Type: "mock"})
	require.NoError(t, err)
	assert.Equal(t, "mock", ds.Type())

	_, err = New(Config{Type: "ldap"})
	assert.Error(t, err)
}
