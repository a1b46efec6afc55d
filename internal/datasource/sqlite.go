package datasource

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"
)

// SQLiteDataSource reads users from a sqlite database. The schema is a
// single users table (username, password, is_active) created on connect
// when missing.
type SQLiteDataSource struct {
	path string
	db   *sql.DB
}

// NewSQLite creates a sqlite-backed datasource.
func NewSQLite(path string) *SQLiteDataSource {
	return &SQLiteDataSource{path: path}
}

func (s *SQLiteDataSource) Connect() error {
	if s.path == "" {
		return fmt.Errorf("sqlite database path is empty")
	}
	db, err := sql.Open("sqlite3", s.path)
	if err != nil {
		return fmt.Errorf("failed to open sqlite database %s: %w", s.path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return fmt.Errorf("failed to connect to sqlite database: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS users (
		username TEXT PRIMARY KEY,
		password TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1
	)`); err != nil {
		db.Close()
		return fmt.Errorf("failed to create users table: %w", err)
	}
	s.db = db
	return nil
}

func (s *SQLiteDataSource) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteDataSource) Type() string { return "sqlite" }

func (s *SQLiteDataSource) Authenticate(ctx context.Context, username, password string) (bool, error) {
	user, err := s.GetUser(ctx, username)
	if err != nil {
		return false, err
	}
	if !user.IsActive {
		return false, nil
	}
	return bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)) == nil, nil
}

func (s *SQLiteDataSource) GetUser(ctx context.Context, username string) (User, error) {
	if s.db == nil {
		return User{}, ErrNotConnected
	}
	var user User
	var active int
	err := s.db.QueryRowContext(ctx,
		"SELECT username, password, is_active FROM users WHERE username = ?", username,
	).Scan(&user.Username, &user.Password, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	} else if err != nil {
		return User{}, err
	}
	user.IsActive = active != 0
	return user, nil
}
