package auth

import (
	"context"
	"sync"
	"time"
)

// MemorySessionStore keeps sessions in process memory. It suits single
// instance deployments and tests.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]SessionRecord
}

// NewMemorySessionStore constructs an in-memory store implementation.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]SessionRecord)}
}

func (s *MemorySessionStore) Save(_ context.Context, record SessionRecord) error {
	s.mu.Lock()
	s.sessions[record.TokenHash] = record
	s.mu.Unlock()
	return nil
}

func (s *MemorySessionStore) Get(_ context.Context, tokenHash string) (SessionRecord, bool, error) {
	s.mu.RLock()
	record, ok := s.sessions[tokenHash]
	s.mu.RUnlock()
	return record, ok, nil
}

func (s *MemorySessionStore) Delete(_ context.Context, tokenHash string) error {
	s.mu.Lock()
	delete(s.sessions, tokenHash)
	s.mu.Unlock()
	return nil
}

func (s *MemorySessionStore) PurgeExpired(_ context.Context, now time.Time) error {
	s.mu.Lock()
	for hash, record := range s.sessions {
		if !now.Before(record.ExpiresAt) {
			delete(s.sessions, hash)
		}
	}
	s.mu.Unlock()
	return nil
}

// Len reports the number of stored sessions.
func (s *MemorySessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Ping always reports success for the in-memory session store.
func (s *MemorySessionStore) Ping(context.Context) error {
	return nil
}
