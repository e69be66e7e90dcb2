package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/hivemind-network/hivemind/pkg/models"
)

// CreateSession persists a login session
func (s *Store) CreateSession(ctx context.Context, sess *models.Session) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO sessions (id, user_id, token, created_at, expires_at) VALUES (?, ?, ?, ?, ?)`,
		sess.ID,
		sess.UserID,
		sess.Token,
		sess.CreatedAt.Unix(),
		sess.ExpiresAt.Unix(),
	)
	return err
}

// GetSessionByToken fetches a session by its bearer token
func (s *Store) GetSessionByToken(ctx context.Context, token string) (*models.Session, error) {
	var sess models.Session
	var createdAt, expiresAt int64
	err := s.db.QueryRowContext(
		ctx,
		`SELECT id, user_id, token, created_at, expires_at FROM sessions WHERE token = ?`,
		token,
	).Scan(&sess.ID, &sess.UserID, &sess.Token, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	sess.CreatedAt = time.Unix(createdAt, 0).UTC()
	sess.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	return &sess, nil
}

// DeleteExpiredSessions removes sessions past their expiry
func (s *Store) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < ?`, now.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
