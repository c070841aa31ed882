package presence

import (
	"testing"
	"time"
)

func TestMonitorMarksIdleConnectionsAway(t *testing.T) {
	r, er := newTestRegistry(t)
	authJoin(r, "c1", "u1")

	m := NewMonitor(r, 10*time.Millisecond, 20*time.Millisecond, time.Hour)
	time.Sleep(40 * time.Millisecond)
	m.Sweep()

	if r.Snapshot()[0].Status != StatusAway {
		t.Fatalf("expected user away after idle threshold")
	}
	if got := er.count(EventUpdated, "u1"); got != 1 {
		t.Fatalf("expected exactly 1 updated event, got %d", got)
	}

	// Repeated sweeps do not re-emit the transition.
	m.Sweep()
	if got := er.count(EventUpdated, "u1"); got != 1 {
		t.Fatalf("expected no duplicate away event, got %d", got)
	}
}

func TestMonitorEvictsDeadConnections(t *testing.T) {
	r, er := newTestRegistry(t)
	authJoin(r, "c1", "u1")

	m := NewMonitor(r, 10*time.Millisecond, 0, 30*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	m.Sweep()

	if r.AggregateCount() != 0 {
		t.Fatalf("expected user evicted after dead threshold")
	}
	if got := er.count(EventLeft, "u1"); got != 1 {
		t.Fatalf("expected exactly 1 left event, got %d", got)
	}

	// A second sweep sees nothing; Leave is idempotent for gone conns.
	m.Sweep()
	if got := er.count(EventLeft, "u1"); got != 1 {
		t.Fatalf("expected no duplicate left event, got %d", got)
	}
}

func TestMonitorEvictsOnlyLastConnectionEmitsLeft(t *testing.T) {
	r, er := newTestRegistry(t)
	authJoin(r, "tab1", "u1")
	time.Sleep(40 * time.Millisecond)
	// tab2 joins later and stays fresh.
	authJoin(r, "tab2", "u1")

	m := NewMonitor(r, 10*time.Millisecond, 0, 30*time.Millisecond)
	m.Sweep()

	if r.AggregateCount() != 1 {
		t.Fatalf("expected user still present via fresh tab")
	}
	if got := er.count(EventLeft, "u1"); got != 0 {
		t.Fatalf("expected no left event while a live tab remains, got %d", got)
	}
	if conns := r.ConnectionsOf("u1"); len(conns) != 1 || conns[0] != "tab2" {
		t.Fatalf("expected only tab2 to survive, got %v", conns)
	}
}

func TestMonitorHeartbeatKeepsConnectionAlive(t *testing.T) {
	r, _ := newTestRegistry(t)
	authJoin(r, "c1", "u1")

	m := NewMonitor(r, 5*time.Millisecond, 0, 40*time.Millisecond)
	go m.Run()
	defer m.Stop()

	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		r.Touch("c1")
		time.Sleep(10 * time.Millisecond)
	}

	if r.AggregateCount() != 1 {
		t.Fatalf("expected heartbeating user to stay present")
	}
}

func TestMonitorAwayDisabled(t *testing.T) {
	r, _ := newTestRegistry(t)
	authJoin(r, "c1", "u1")

	m := NewMonitor(r, 10*time.Millisecond, 0, time.Hour)
	time.Sleep(30 * time.Millisecond)
	m.Sweep()

	if r.Snapshot()[0].Status != StatusOnline {
		t.Fatalf("expected away transition disabled with zero threshold")
	}
}
