package presence

import (
	"sort"
	"sync"
	"time"
)

// entry is the mutable per-user record. The exported User type is a
// snapshot of one of these.
type entry struct {
	userKey          string
	profile          Profile
	group            Group
	conns            map[ConnID]struct{}
	currentPage      string
	firstConnectedAt time.Time
	lastActivityAt   time.Time
	status           Status
}

// connState tracks per-connection liveness. Activity is recorded per
// connection so the heartbeat monitor can evict a single dead tab
// without touching the user's other connections.
type connState struct {
	userKey    string
	lastActive time.Time
	away       bool
}

// Registry is the authoritative in-memory map of logical users to their
// live connection sets. All mutation goes through its methods; a single
// mutex serializes writers so two tabs joining or leaving for the same
// user cannot race into an inconsistent connection set.
type Registry struct {
	mu      sync.Mutex
	users   map[string]*entry
	conns   map[ConnID]*connState
	onEvent EventFunc

	includeAnonymous bool
	now              func() time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithAnonymousInSnapshot includes anonymous users in Snapshot results.
// They are always counted by AggregateCount regardless.
func WithAnonymousInSnapshot(include bool) RegistryOption {
	return func(r *Registry) {
		r.includeAnonymous = include
	}
}

// WithClock overrides the registry's time source. Used by tests.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		users: make(map[string]*entry),
		conns: make(map[ConnID]*connState),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnEvent sets the callback that receives presence events. Events are
// delivered after the mutation is applied, in mutation order. The
// callback must not call back into the Registry.
func (r *Registry) OnEvent(fn EventFunc) {
	r.mu.Lock()
	r.onEvent = fn
	r.mu.Unlock()
}

// Join adds a connection for the given identity. If the user key is
// already present the connection merges into the existing user
// (multi-tab); otherwise a new user is created. Profile and page are
// updated either way. Returns a snapshot of the resulting user.
func (r *Registry) Join(id ConnID, userKey string, group Group, profile Profile, page string) User {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()

	// A ConnID belongs to at most one user. If this connection is
	// already registered under a different key, detach it first.
	if cs, ok := r.conns[id]; ok && cs.userKey != userKey {
		r.removeConnLocked(id)
	}

	e, existed := r.users[userKey]
	if !existed {
		e = &entry{
			userKey:          userKey,
			conns:            make(map[ConnID]struct{}),
			firstConnectedAt: now,
			status:           StatusOnline,
		}
		r.users[userKey] = e
	}

	e.profile = profile
	e.group = group
	if page != "" {
		e.currentPage = page
	}
	e.conns[id] = struct{}{}
	r.touchLocked(e, now)
	e.status = StatusOnline

	r.conns[id] = &connState{userKey: userKey, lastActive: now}

	if existed {
		r.emitLocked(EventUpdated, e)
	} else {
		r.emitLocked(EventJoined, e)
	}
	return r.snapshotUserLocked(e)
}

// Leave removes a connection. The owning user is found by ConnID since
// the caller at disconnect time may not know the user key. Unknown
// ConnIDs are a benign no-op and emit no event, so duplicate or late
// disconnect signals are tolerated. When the user's last connection is
// removed the user is deleted and EventLeft fires.
func (r *Registry) Leave(id ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeConnLocked(id)
}

// removeConnLocked detaches a connection from its owner, deleting the
// owner when its connection set empties. Caller holds mu.
func (r *Registry) removeConnLocked(id ConnID) {
	cs, ok := r.conns[id]
	if !ok {
		return
	}
	delete(r.conns, id)

	e, ok := r.users[cs.userKey]
	if !ok {
		return
	}
	delete(e.conns, id)

	if len(e.conns) == 0 {
		delete(r.users, e.userKey)
		r.emitLocked(EventLeft, e)
		return
	}
	r.emitLocked(EventUpdated, e)
}

// UpdatePage records the client's current route. Last write wins.
// No-op if the connection is unknown (already gone).
func (r *Registry) UpdatePage(id ConnID, page string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cs, ok := r.conns[id]
	if !ok {
		return
	}
	e, ok := r.users[cs.userKey]
	if !ok {
		return
	}
	e.currentPage = page
	r.touchLocked(e, r.now())
	cs.lastActive = r.now()
	r.emitLocked(EventUpdated, e)
}

// Touch records a heartbeat for a connection, advancing activity
// timestamps. If the owning user was away it flips back to online and
// an EventUpdated fires; a heartbeat that only advances the clock emits
// no event. No-op for unknown connections.
func (r *Registry) Touch(id ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cs, ok := r.conns[id]
	if !ok {
		return
	}
	now := r.now()
	cs.lastActive = now
	cs.away = false

	e, ok := r.users[cs.userKey]
	if !ok {
		return
	}
	r.touchLocked(e, now)
	if e.status == StatusAway {
		e.status = StatusOnline
		r.emitLocked(EventUpdated, e)
	}
}

// MarkAway flags a connection as idle. When all of a user's connections
// are idle the user transitions to away and an EventUpdated fires (once
// per transition). Called by the heartbeat monitor.
func (r *Registry) MarkAway(id ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cs, ok := r.conns[id]
	if !ok {
		return
	}
	cs.away = true

	e, ok := r.users[cs.userKey]
	if !ok || e.status == StatusAway {
		return
	}
	for cid := range e.conns {
		if other, ok := r.conns[cid]; ok && !other.away {
			return
		}
	}
	e.status = StatusAway
	r.emitLocked(EventUpdated, e)
}

// Snapshot returns a consistent point-in-time view of all present
// users, ordered by first connection time (user key as tiebreak).
// Anonymous users are excluded unless the registry was configured to
// include them. No returned user ever has an empty connection set.
func (r *Registry) Snapshot() []User {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]User, 0, len(r.users))
	for _, e := range r.users {
		if e.group == GroupAnonymous && !r.includeAnonymous {
			continue
		}
		result = append(result, r.snapshotUserLocked(e))
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].FirstConnectedAt.Equal(result[j].FirstConnectedAt) {
			return result[i].FirstConnectedAt.Before(result[j].FirstConnectedAt)
		}
		return result[i].UserKey < result[j].UserKey
	})
	return result
}

// AggregateCount returns the number of present users regardless of
// group, for lightweight "N online" displays.
func (r *Registry) AggregateCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}

// ConnectionsOf returns the live connections for a user key, or nil if
// the user is absent.
func (r *Registry) ConnectionsOf(userKey string) []ConnID {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.users[userKey]
	if !ok {
		return nil
	}
	ids := make([]ConnID, 0, len(e.conns))
	for id := range e.conns {
		ids = append(ids, id)
	}
	return ids
}

// ConnActivity describes the liveness of one connection.
type ConnActivity struct {
	ID         ConnID
	LastActive time.Time
	Away       bool
}

// Activity returns per-connection activity for all live connections.
// The heartbeat monitor scans this copy instead of holding the registry
// lock for its full sweep.
func (r *Registry) Activity() []ConnActivity {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]ConnActivity, 0, len(r.conns))
	for id, cs := range r.conns {
		result = append(result, ConnActivity{ID: id, LastActive: cs.lastActive, Away: cs.away})
	}
	return result
}

// touchLocked advances the user's activity timestamp, keeping it
// monotonic. Caller holds mu.
func (r *Registry) touchLocked(e *entry, now time.Time) {
	if now.After(e.lastActivityAt) {
		e.lastActivityAt = now
	}
}

// emitLocked delivers an event snapshot to the registered callback.
// Caller holds mu; the callback only queues (see broadcast.Broadcaster)
// so holding the lock across it is safe and preserves mutation order.
func (r *Registry) emitLocked(t EventType, e *entry) {
	if r.onEvent == nil {
		return
	}
	r.onEvent(Event{Type: t, User: r.snapshotUserLocked(e)})
}

// snapshotUserLocked copies an entry into an exported User. Caller holds mu.
func (r *Registry) snapshotUserLocked(e *entry) User {
	conns := make([]ConnID, 0, len(e.conns))
	for id := range e.conns {
		conns = append(conns, id)
	}
	return User{
		UserKey:          e.userKey,
		Profile:          e.profile,
		Group:            e.group,
		Connections:      conns,
		CurrentPage:      e.currentPage,
		FirstConnectedAt: e.firstConnectedAt,
		LastActivityAt:   e.lastActivityAt,
		Status:           e.status,
	}
}
