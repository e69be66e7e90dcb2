// Package users manages accounts and authentication: bcrypt credential
// hashes, JWT bearer tokens, and sessions persisted alongside the
// ledger so a coordinator restart does not log everyone out.
package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/hivemind-network/hivemind/pkg/config"
	"github.com/hivemind-network/hivemind/pkg/logger"
	"github.com/hivemind-network/hivemind/pkg/models"
	"github.com/hivemind-network/hivemind/pkg/store"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrUnauthenticated    = errors.New("authentication required")
)

// Service manages user accounts and login sessions
type Service struct {
	store  *store.Store
	secret []byte
	ttl    time.Duration
	log    *logger.Logger
}

// New creates the account service
func New(st *store.Store, auth config.AuthConfig, log *logger.Logger) *Service {
	ttl := time.Duration(auth.SessionTTLHours) * time.Hour
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		store:  st,
		secret: []byte(auth.JWTSecret),
		ttl:    ttl,
		log:    log.Named("users"),
	}
}

// Register creates a new account. The returned user is sanitized.
func (s *Service) Register(ctx context.Context, username, email, password string) (*models.User, error) {
	username = strings.TrimSpace(username)
	email = strings.ToLower(strings.TrimSpace(email))

	if len(username) < 3 {
		return nil, fmt.Errorf("username must be at least 3 characters")
	}
	if !strings.Contains(email, "@") {
		return nil, fmt.Errorf("invalid email address")
	}
	if len(password) < 8 {
		return nil, fmt.Errorf("password must be at least 8 characters")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	u := &models.User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		PasswordHash: string(hash),
		Credits:      0,
		Reputation:   1.0,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return nil, err
	}

	s.log.Info("user registered", zap.String("user_id", u.ID), zap.String("username", u.Username))
	sanitized := u.Sanitized()
	return &sanitized, nil
}

// Login verifies credentials and issues a bearer token. The session is
// persisted so tokens survive coordinator restarts.
func (s *Service) Login(ctx context.Context, email, password string) (string, *models.User, error) {
	u, err := s.store.GetUserByEmail(ctx, email)
	if errors.Is(err, store.ErrUserNotFound) {
		return "", nil, ErrInvalidCredentials
	}
	if err != nil {
		return "", nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return "", nil, ErrInvalidCredentials
	}

	now := time.Now().UTC()
	expires := now.Add(s.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   u.ID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
		ID:        uuid.NewString(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", nil, err
	}

	sess := &models.Session{
		ID:        claims.ID,
		UserID:    u.ID,
		Token:     token,
		CreatedAt: now,
		ExpiresAt: expires,
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return "", nil, err
	}
	if err := s.store.TouchUser(ctx, u.ID, now); err != nil {
		return "", nil, err
	}

	s.log.Info("user logged in", zap.String("user_id", u.ID))
	sanitized := u.Sanitized()
	return token, &sanitized, nil
}

// Authenticate resolves a bearer token to its account. The token must
// parse, verify against the signing secret, and match a live session.
func (s *Service) Authenticate(ctx context.Context, token string) (*models.User, error) {
	if token == "" {
		return nil, ErrUnauthenticated
	}

	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrUnauthenticated
	}

	sess, err := s.store.GetSessionByToken(ctx, token)
	if errors.Is(err, store.ErrSessionNotFound) {
		return nil, ErrUnauthenticated
	}
	if err != nil {
		return nil, err
	}
	if time.Now().After(sess.ExpiresAt) {
		return nil, ErrUnauthenticated
	}

	u, err := s.store.GetUser(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}
	sanitized := u.Sanitized()
	return &sanitized, nil
}

// Get fetches a sanitized account by id
func (s *Service) Get(ctx context.Context, userID string) (*models.User, error) {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	sanitized := u.Sanitized()
	return &sanitized, nil
}
