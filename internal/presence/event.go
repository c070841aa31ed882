package presence

// EventType describes what kind of registry mutation an Event reports.
type EventType string

const (
	// EventJoined fires when a previously-absent user gains their first
	// connection.
	EventJoined EventType = "joined"

	// EventLeft fires when a user's last connection is removed.
	EventLeft EventType = "left"

	// EventUpdated fires for every other observable mutation: an extra
	// tab joining or leaving, a page change, or a status transition.
	EventUpdated EventType = "updated"
)

// Event is a presence delta emitted by the registry after a mutation has
// been applied. User is a snapshot taken at emission time; for EventLeft
// its connection list is empty.
type Event struct {
	Type EventType `json:"type"`
	User User      `json:"user"`
}

// EventFunc receives registry events. It is invoked synchronously in
// mutation order and must not block; consumers queue internally.
type EventFunc func(Event)
