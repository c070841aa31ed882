package presence

import "time"

// ConnID is an opaque identifier for one transport connection. IDs are
// never reused; a reconnecting tab gets a fresh ConnID.
type ConnID string

// Group classifies how a user's identity was established.
type Group string

const (
	GroupAuthenticated Group = "authenticated"
	GroupAnonymous     Group = "anonymous"
)

// Status is the liveness state of a present user. Offline is not a
// status: a user with no connections is simply absent from the registry.
type Status string

const (
	StatusOnline Status = "online"
	StatusAway   Status = "away"
)

// Profile holds display information for a user. Email is only set for
// authenticated users.
type Profile struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// User is a point-in-time snapshot of one logical user: the merged
// presence record spanning all of that user's open connections (tabs,
// devices). Snapshots are copies; mutating one has no effect on the
// registry.
type User struct {
	UserKey          string    `json:"user_key"`
	Profile          Profile   `json:"profile"`
	Group            Group     `json:"group"`
	Connections      []ConnID  `json:"connections"`
	CurrentPage      string    `json:"current_page,omitempty"`
	FirstConnectedAt time.Time `json:"first_connected_at"`
	LastActivityAt   time.Time `json:"last_activity_at"`
	Status           Status    `json:"status"`
}

// ConnCount returns the number of open connections in the snapshot.
func (u *User) ConnCount() int {
	return len(u.Connections)
}
