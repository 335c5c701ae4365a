package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Record is the quota state of one session window.
type Record struct {
	Count     int
	ResetTime time.Time
}

// Store is the quota store capability. Take must be atomic per session.
type Store interface {
	// Take consumes one unit for sessionID. When the session has no record or
	// its window has expired, a fresh window ending at now+window is started.
	// limited reports that the window was already exhausted; the record is
	// then returned unchanged.
	Take(ctx context.Context, sessionID string, now time.Time, limit int, window time.Duration) (rec Record, limited bool, err error)

	// Sweep removes records whose window ended before cutoff and returns
	// how many were removed.
	Sweep(ctx context.Context, cutoff time.Time) (int, error)

	Close() error
}

// MemoryStore keeps records in a process-local map.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Take(_ context.Context, sessionID string, now time.Time, limit int, window time.Duration) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[sessionID]
	if !ok || !now.Before(rec.ResetTime) {
		rec = Record{Count: 1, ResetTime: now.Add(window)}
		s.records[sessionID] = rec
		return rec, false, nil
	}
	if rec.Count >= limit {
		return rec, true, nil
	}
	rec.Count++
	s.records[sessionID] = rec
	return rec, false, nil
}

func (s *MemoryStore) Sweep(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, rec := range s.records {
		if rec.ResetTime.Before(cutoff) {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

// Len returns the number of live records.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *MemoryStore) Close() error { return nil }
