package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
	now     func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry), now: time.Now}
}

// Claim implements Store.
func (s *MemoryStore) Claim(_ context.Context, e *Entry, staleAfter time.Duration) (bool, *Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if cur, ok := s.entries[e.Key]; ok {
		stale := cur.Status == StatusStarted && now.Sub(cur.UpdatedAt) > staleAfter
		if cur.Status != StatusRecoverable && !stale {
			cp := *cur
			return false, &cp, nil
		}
		cur.Status = StatusStarted
		cur.UpdatedAt = now
		return true, nil, nil
	}

	cp := *e
	cp.UpdatedAt = now
	s.entries[e.Key] = &cp
	return true, nil, nil
}

// Complete implements Store.
func (s *MemoryStore) Complete(_ context.Context, key string, status Status, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.entries[key]; ok {
		cur.Status = status
		cur.Result = result
		cur.UpdatedAt = s.now()
	}
	return nil
}

// DeleteExpired implements Store.
func (s *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for key, e := range s.entries {
		if e.ExpiresAt.Before(now) {
			delete(s.entries, key)
			n++
		}
	}
	return n, nil
}
