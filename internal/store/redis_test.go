package store

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisSink(t *testing.T, ttl time.Duration) (*RedisSink, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisSink(client, ttl), mr
}

func TestRedisSinkUpsertOnline(t *testing.T) {
	s, mr := newTestRedisSink(t, 0)

	lastSeen := time.Now().UTC().Truncate(time.Second)
	s.Upsert("u1", true, lastSeen)

	raw, err := mr.Get("presence:u1")
	if err != nil {
		t.Fatalf("expected presence row in redis: %v", err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		t.Fatalf("failed to decode row: %v", err)
	}
	if !rec.Online || !rec.LastSeen.Equal(lastSeen) {
		t.Errorf("unexpected row: %+v", rec)
	}

	members, _ := mr.SMembers("online_users")
	if len(members) != 1 || members[0] != "u1" {
		t.Errorf("expected u1 in online set, got %v", members)
	}
}

func TestRedisSinkUpsertOffline(t *testing.T) {
	s, mr := newTestRedisSink(t, 0)

	s.Upsert("u1", true, time.Now())
	s.Upsert("u1", false, time.Now())

	members, _ := mr.SMembers("online_users")
	if len(members) != 0 {
		t.Errorf("expected empty online set after going offline, got %v", members)
	}

	// The last-seen row survives for historical display.
	if _, err := mr.Get("presence:u1"); err != nil {
		t.Errorf("expected presence row retained: %v", err)
	}
}

func TestRedisSinkTTL(t *testing.T) {
	s, mr := newTestRedisSink(t, time.Minute)

	s.Upsert("u1", true, time.Now())

	if ttl := mr.TTL("presence:u1"); ttl <= 0 || ttl > time.Minute {
		t.Errorf("expected ttl within a minute, got %v", ttl)
	}
}

func TestRedisSinkSwallowsFailures(t *testing.T) {
	s, mr := newTestRedisSink(t, 0)
	mr.Close()

	// Must not panic or block past its deadline.
	done := make(chan struct{})
	go func() {
		s.Upsert("u1", true, time.Now())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("upsert blocked after redis went away")
	}
}

func TestMemorySink(t *testing.T) {
	s := NewMemorySink()

	first := time.Unix(100, 0)
	later := time.Unix(200, 0)
	s.Upsert("u1", true, later)
	s.Upsert("u1", false, first) // stale write; last_seen stays monotonic

	rec, ok := s.Get("u1")
	if !ok {
		t.Fatalf("expected record for u1")
	}
	if rec.Online {
		t.Errorf("expected latest online flag to win")
	}
	if !rec.LastSeen.Equal(later) {
		t.Errorf("expected last seen to stay at %v, got %v", later, rec.LastSeen)
	}
	if s.Count() != 1 {
		t.Errorf("expected 1 record, got %d", s.Count())
	}
}
