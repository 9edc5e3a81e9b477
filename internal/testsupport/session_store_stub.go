package testsupport

import (
	"context"
	"sync"
	"time"

	"bitriver-vod/internal/auth"
)

// SessionStoreStub is an in-memory auth.SessionStore for tests. It allows
// seeding raw tokens and injecting store failures.
type SessionStoreStub struct {
	mu       sync.RWMutex
	sessions map[string]auth.SessionRecord
	err      error
}

var _ auth.SessionStore = (*SessionStoreStub)(nil)

// NewSessionStoreStub constructs a SessionStoreStub with empty state.
func NewSessionStoreStub() *SessionStoreStub {
	return &SessionStoreStub{sessions: make(map[string]auth.SessionRecord)}
}

// FailWith makes every store call return err until it is called with nil.
func (s *SessionStoreStub) FailWith(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *SessionStoreStub) Save(_ context.Context, record auth.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	record.ExpiresAt = record.ExpiresAt.UTC()
	s.sessions[record.TokenHash] = record
	return nil
}

func (s *SessionStoreStub) Get(_ context.Context, tokenHash string) (auth.SessionRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return auth.SessionRecord{}, false, s.err
	}
	record, ok := s.sessions[tokenHash]
	return record, ok, nil
}

func (s *SessionStoreStub) Delete(_ context.Context, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	delete(s.sessions, tokenHash)
	return nil
}

func (s *SessionStoreStub) PurgeExpired(_ context.Context, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	for hash, record := range s.sessions {
		if !now.Before(record.ExpiresAt) {
			delete(s.sessions, hash)
		}
	}
	return nil
}

// Seed stores a session for the raw token, overriding any existing entry.
func (s *SessionStoreStub) Seed(token, subjectID string, expiresAt time.Time) {
	hashed, err := auth.HashSessionToken(token)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.sessions[hashed] = auth.SessionRecord{TokenHash: hashed, SubjectID: subjectID, ExpiresAt: expiresAt.UTC()}
	s.mu.Unlock()
}

// Len reports how many sessions are stored.
func (s *SessionStoreStub) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Ping reports the injected failure, if any.
func (s *SessionStoreStub) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}
