package session

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrTokenNotFound is returned when no stored token matches the
	// submitted value for the session.
	ErrTokenNotFound = errors.New("invalid token")
	// ErrTokenExpired is returned when the token exists but its validity
	// window has passed.
	ErrTokenExpired = errors.New("token expired")
)

// Token is one rotating QR credential for a session. Immutable once created;
// rotation issues a new row and old ones simply expire.
type Token struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Value      string    `json:"value"`
	ValidFrom  time.Time `json:"valid_from"`
	ValidUntil time.Time `json:"valid_until"`
	CreatedAt  time.Time `json:"created_at"`
}

// TokenStore is the persistence surface for tokens.
type TokenStore interface {
	Insert(ctx context.Context, t *Token) error
	Find(ctx context.Context, sessionID, value string) (*Token, error)
}

// TokenService issues and validates rotating QR tokens.
type TokenService struct {
	store TokenStore
	ttl   time.Duration
}

// NewTokenService creates a service with the given validity window.
func NewTokenService(store TokenStore, ttl time.Duration) *TokenService {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &TokenService{store: store, ttl: ttl}
}

// Issue mints a fresh token for the session. Earlier tokens stay valid until
// their own windows lapse.
func (s *TokenService) Issue(ctx context.Context, sessionID string, now time.Time) (*Token, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	t := &Token{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Value:      base64.RawURLEncoding.EncodeToString(buf),
		ValidFrom:  now,
		ValidUntil: now.Add(s.ttl),
	}
	if err := s.store.Insert(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks a submitted token value against the session's issued
// tokens. A token is good for any number of students until it expires;
// duplicate attendance is prevented downstream, not here.
func (s *TokenService) Validate(ctx context.Context, sessionID, value string, now time.Time) error {
	if value == "" {
		return ErrTokenNotFound
	}
	t, err := s.store.Find(ctx, sessionID, value)
	if err != nil {
		return err
	}
	if t == nil {
		return ErrTokenNotFound
	}
	if now.After(t.ValidUntil) {
		return ErrTokenExpired
	}
	return nil
}

// TokenRepository persists tokens in Postgres.
type TokenRepository struct {
	db *sql.DB
}

// NewTokenRepository creates a repo.
func NewTokenRepository(db *sql.DB) *TokenRepository {
	return &TokenRepository{db: db}
}

// Insert writes a new token row.
func (r *TokenRepository) Insert(ctx context.Context, t *Token) error {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO session_tokens (id, session_id, value, valid_from, valid_until)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING created_at
	`, t.ID, t.SessionID, t.Value, t.ValidFrom, t.ValidUntil)
	return row.Scan(&t.CreatedAt)
}

// Find returns the token matching (session, value), or nil.
func (r *TokenRepository) Find(ctx context.Context, sessionID, value string) (*Token, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, session_id, value, valid_from, valid_until, created_at
		FROM session_tokens WHERE session_id = $1 AND value = $2
	`, sessionID, value)
	var t Token
	if err := row.Scan(&t.ID, &t.SessionID, &t.Value, &t.ValidFrom, &t.ValidUntil, &t.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}
