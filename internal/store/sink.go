package store

import (
	"sync"
	"time"
)

// Sink is the write-through boundary for durable presence rows. Writes
// are fire-and-forget: implementations must be time-bounded and must
// swallow failures, since presence correctness is defined by the
// in-memory registry, not the durable log. No read path is required.
type Sink interface {
	Upsert(userKey string, online bool, lastSeen time.Time)
}

// Record is one persisted presence row.
type Record struct {
	UserKey  string    `json:"user_key"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen"`
}

// MemorySink keeps presence rows in memory. Used in tests and when no
// Redis backend is configured.
type MemorySink struct {
	mu   sync.Mutex
	rows map[string]Record
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{rows: make(map[string]Record)}
}

// Upsert stores the row, keeping last_seen monotonic.
func (s *MemorySink) Upsert(userKey string, online bool, lastSeen time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.rows[userKey]; ok && prev.LastSeen.After(lastSeen) {
		lastSeen = prev.LastSeen
	}
	s.rows[userKey] = Record{UserKey: userKey, Online: online, LastSeen: lastSeen}
}

// Get returns the stored row for a user key.
func (s *MemorySink) Get(userKey string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[userKey]
	return r, ok
}

// Count returns the number of stored rows.
func (s *MemorySink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}
