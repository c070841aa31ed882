package presence

import (
	"log"
	"time"
)

// Monitor is the single periodic worker that detects silently-dead
// connections. Browsers do not reliably deliver unload events, so
// client disconnect signals are treated as hints; the monitor is the
// authority. It snapshots per-connection activity and then applies
// transitions through the normal registry entry points, so it never
// holds the registry lock for a full sweep.
type Monitor struct {
	registry *Registry
	interval time.Duration
	away     time.Duration
	dead     time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// NewMonitor creates a Monitor sweeping every interval. Connections
// idle longer than away are marked away; connections idle longer than
// dead are evicted through Leave. An away duration of 0 disables the
// away transition.
func NewMonitor(registry *Registry, interval, away, dead time.Duration) *Monitor {
	return &Monitor{
		registry: registry,
		interval: interval,
		away:     away,
		dead:     dead,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run sweeps until Stop is called. It blocks; callers run it in a
// goroutine.
func (m *Monitor) Run() {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Stop halts the monitor and waits for the current sweep to finish.
func (m *Monitor) Stop() {
	close(m.stop)
	<-m.done
}

// Sweep runs one scan over all live connections.
func (m *Monitor) Sweep() {
	now := time.Now()
	for _, ca := range m.registry.Activity() {
		idle := now.Sub(ca.LastActive)
		switch {
		case idle >= m.dead:
			log.Printf("presence: evicting dead connection %s (idle %s)", ca.ID, idle.Round(time.Second))
			m.registry.Leave(ca.ID)
		case m.away > 0 && idle >= m.away && !ca.Away:
			m.registry.MarkAway(ca.ID)
		}
	}
}
