package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/hivemind-network/hivemind/pkg/models"
)

// CreateUser inserts a new account
func (s *Store) CreateUser(ctx context.Context, u *models.User) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO users (id, username, email, password_hash, credits, reputation, total_earned, total_spent, created_at, last_active_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID,
		u.Username,
		u.Email,
		u.PasswordHash,
		u.Credits,
		u.Reputation,
		u.TotalEarned,
		u.TotalSpent,
		u.CreatedAt.Unix(),
		u.LastActiveAt.Unix(),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return ErrUserExists
		}
		return err
	}
	return nil
}

// GetUser fetches an account by id
func (s *Store) GetUser(ctx context.Context, id string) (*models.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, userSelect+` WHERE id = ?`, id))
}

// GetUserByEmail fetches an account by (normalized) email
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, userSelect+` WHERE email = ?`, strings.ToLower(strings.TrimSpace(email))))
}

// TouchUser refreshes an account's activity timestamp
func (s *Store) TouchUser(ctx context.Context, id string, t time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET last_active_at = ? WHERE id = ?`, t.Unix(), id)
	return err
}

// ListUsers returns all accounts. Callers sanitize before exposing.
func (s *Store) ListUsers(ctx context.Context) ([]*models.User, error) {
	rows, err := s.db.QueryContext(ctx, userSelect+` ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		u, err := scanUserRows(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

const userSelect = `SELECT id, username, email, password_hash, credits, reputation, total_earned, total_spent, created_at, last_active_at FROM users`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUserFrom(r rowScanner) (*models.User, error) {
	var u models.User
	var createdAt, lastActive int64
	err := r.Scan(
		&u.ID, &u.Username, &u.Email, &u.PasswordHash,
		&u.Credits, &u.Reputation, &u.TotalEarned, &u.TotalSpent,
		&createdAt, &lastActive,
	)
	if err != nil {
		return nil, err
	}
	u.CreatedAt = time.Unix(createdAt, 0).UTC()
	u.LastActiveAt = time.Unix(lastActive, 0).UTC()
	return &u, nil
}

func scanUser(row *sql.Row) (*models.User, error) {
	u, err := scanUserFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	return u, err
}

func scanUserRows(rows *sql.Rows) (*models.User, error) {
	return scanUserFrom(rows)
}
