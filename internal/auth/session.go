package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"
)

// SessionStore persists API sessions keyed by the SHA-256 hash of the token,
// so a leaked store never yields usable credentials.
type SessionStore interface {
	Save(ctx context.Context, record SessionRecord) error
	Get(ctx context.Context, tokenHash string) (SessionRecord, bool, error)
	Delete(ctx context.Context, tokenHash string) error
	PurgeExpired(ctx context.Context, now time.Time) error
}

// SessionRecord is a stored API session for a subject.
type SessionRecord struct {
	TokenHash string
	SubjectID string
	ExpiresAt time.Time
}

// SessionOption configures a SessionManager instance.
type SessionOption func(*SessionManager)

// WithStore injects a custom SessionStore implementation.
func WithStore(store SessionStore) SessionOption {
	return func(m *SessionManager) {
		m.store = store
	}
}

// WithTokenLength sets the number of random bytes in new session tokens.
func WithTokenLength(length int) SessionOption {
	return func(m *SessionManager) {
		if length > 0 {
			m.tokenLength = length
		}
	}
}

// WithSessionClock overrides the time source, for tests.
func WithSessionClock(now func() time.Time) SessionOption {
	return func(m *SessionManager) {
		if now != nil {
			m.now = now
		}
	}
}

// SessionManager issues opaque API sessions that authorize a subject to
// request playback tokens.
type SessionManager struct {
	store       SessionStore
	ttl         time.Duration
	tokenLength int
	now         func() time.Time
}

// NewSessionManager constructs a SessionManager. It defaults to a 12 hour
// TTL and an in-memory store.
func NewSessionManager(ttl time.Duration, opts ...SessionOption) *SessionManager {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	manager := &SessionManager{
		ttl:         ttl,
		tokenLength: 32,
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(manager)
		}
	}
	if manager.store == nil {
		manager.store = NewMemorySessionStore()
	}
	return manager
}

// Create issues a new session token for subjectID.
func (m *SessionManager) Create(ctx context.Context, subjectID string) (string, time.Time, error) {
	if subjectID == "" {
		return "", time.Time{}, ErrInvalidSubjectID
	}
	token, hashed, err := generateHashedSessionToken(m.tokenLength)
	if err != nil {
		return "", time.Time{}, err
	}
	expiresAt := m.now().Add(m.ttl).UTC()
	if err := m.store.Save(ctx, SessionRecord{TokenHash: hashed, SubjectID: subjectID, ExpiresAt: expiresAt}); err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// Validate returns the subject bound to token when the session is live.
// Expired sessions are deleted on access.
func (m *SessionManager) Validate(ctx context.Context, token string) (string, bool, error) {
	hashed, err := HashSessionToken(token)
	if err != nil {
		return "", false, nil
	}
	record, ok, err := m.store.Get(ctx, hashed)
	if err != nil || !ok {
		return "", false, err
	}
	if !m.now().Before(record.ExpiresAt) {
		_ = m.store.Delete(ctx, hashed)
		return "", false, nil
	}
	return record.SubjectID, true, nil
}

// Revoke deletes the session for token.
func (m *SessionManager) Revoke(ctx context.Context, token string) error {
	hashed, err := HashSessionToken(token)
	if err != nil {
		return nil
	}
	return m.store.Delete(ctx, hashed)
}

// PurgeExpired removes any expired sessions from the backing store.
func (m *SessionManager) PurgeExpired(ctx context.Context) error {
	return m.store.PurgeExpired(ctx, m.now())
}

// Ping verifies the underlying store is reachable when it exposes a ping method.
func (m *SessionManager) Ping(ctx context.Context) error {
	if m == nil || m.store == nil {
		return nil
	}
	if pinger, ok := m.store.(interface{ Ping(context.Context) error }); ok {
		return pinger.Ping(ctx)
	}
	return nil
}

func generateToken(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// ErrInvalidSubjectID is returned when creating a session without a subject.
var ErrInvalidSubjectID = errors.New("subject id is required")
