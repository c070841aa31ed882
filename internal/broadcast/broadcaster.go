package broadcast

import (
	"encoding/json"
	"errors"
	"log"
	"sync"

	"github.com/mdhira/presenced/internal/presence"
	"github.com/mdhira/presenced/internal/store"
)

// ErrTargetOffline is returned by Notify when the target user has no
// live connection. Notifications are best-effort signals, never queued
// for later delivery.
var ErrTargetOffline = errors.New("broadcast: target user is offline")

// subscriberBuffer is the number of deliveries that can be queued per
// subscriber before it is considered too slow and evicted.
const subscriberBuffer = 64

// Notification is a point-to-point payload delivered to one user's
// connections, e.g. an interactive "poke".
type Notification struct {
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

// Subscription is one observer's view of the broadcaster. Both channels
// are closed on Unsubscribe, or when the subscriber falls too far
// behind and is evicted.
type Subscription struct {
	Events        <-chan presence.Event
	Notifications <-chan Notification
}

type subscriber struct {
	events chan presence.Event
	notifs chan Notification
}

// Directory resolves a user key to its live connections. Satisfied by
// *presence.Registry.
type Directory interface {
	ConnectionsOf(userKey string) []presence.ConnID
}

// Broadcaster fans registry events out to every subscribed connection
// and to the persistence sink. Publish never blocks: events land in an
// unbounded FIFO drained by a single goroutine, which preserves the
// order mutations were applied in. A subscriber that cannot keep up is
// evicted (its channels closed) rather than allowed to stall delivery
// to everyone else.
type Broadcaster struct {
	dir  Directory
	sink store.Sink

	mu    sync.Mutex
	queue []presence.Event
	subs  map[presence.ConnID]*subscriber
	wake  chan struct{}
	stop  chan struct{}
	done  chan struct{}
}

// New creates a Broadcaster. The sink may be nil when no persistence is
// configured.
func New(dir Directory, sink store.Sink) *Broadcaster {
	return &Broadcaster{
		dir:  dir,
		sink: sink,
		subs: make(map[presence.ConnID]*subscriber),
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Publish enqueues an event for fan-out. Safe to call from the registry
// while it holds its own lock: this only appends and signals.
func (b *Broadcaster) Publish(ev presence.Event) {
	b.mu.Lock()
	b.queue = append(b.queue, ev)
	b.mu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Subscribe registers a connection as an observer and returns its
// delivery channels.
func (b *Broadcaster) Subscribe(id presence.ConnID) *Subscription {
	sub := &subscriber{
		events: make(chan presence.Event, subscriberBuffer),
		notifs: make(chan Notification, subscriberBuffer),
	}
	b.mu.Lock()
	if prev, ok := b.subs[id]; ok {
		closeSubscriber(prev)
	}
	b.subs[id] = sub
	b.mu.Unlock()
	return &Subscription{Events: sub.events, Notifications: sub.notifs}
}

// Unsubscribe removes an observer and closes its channels. No-op if the
// connection was never subscribed or already evicted.
func (b *Broadcaster) Unsubscribe(id presence.ConnID) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		closeSubscriber(sub)
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Notify delivers a payload to every live connection of the target
// user. Returns ErrTargetOffline when the target has none; the payload
// is never queued for a later reconnect.
func (b *Broadcaster) Notify(targetUserKey, fromUserKey string, payload json.RawMessage) error {
	ids := b.dir.ConnectionsOf(targetUserKey)
	if len(ids) == 0 {
		return ErrTargetOffline
	}

	n := Notification{From: fromUserKey, Payload: payload}
	b.mu.Lock()
	defer b.mu.Unlock()

	delivered := false
	for _, id := range ids {
		sub, ok := b.subs[id]
		if !ok {
			continue
		}
		select {
		case sub.notifs <- n:
			delivered = true
		default:
			// Best-effort signal; a full buffer drops it.
			log.Printf("broadcast: notify buffer full for connection %s, dropping", id)
		}
	}
	if !delivered {
		return ErrTargetOffline
	}
	return nil
}

// Run drains the event queue until Close is called, fanning each event
// out to subscribers and the sink. It blocks; callers run it in a
// goroutine.
func (b *Broadcaster) Run() {
	defer close(b.done)
	for {
		select {
		case <-b.stop:
			b.drain()
			return
		case <-b.wake:
			b.drain()
		}
	}
}

// Close stops the broadcaster after the pending queue is drained, then
// closes all subscriber channels.
func (b *Broadcaster) Close() {
	close(b.stop)
	<-b.done

	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[presence.ConnID]*subscriber)
	b.mu.Unlock()
	for _, sub := range subs {
		closeSubscriber(sub)
	}
}

// drain delivers all queued events in order.
func (b *Broadcaster) drain() {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.mu.Unlock()
			return
		}
		ev := b.queue[0]
		b.queue = b.queue[1:]

		var slow []presence.ConnID
		for id, sub := range b.subs {
			// The mutated user's own connections already know; they get
			// state via snapshot on join and their own acks.
			if owns(ev.User.Connections, id) {
				continue
			}
			select {
			case sub.events <- ev:
			default:
				slow = append(slow, id)
			}
		}
		evicted := make([]*subscriber, 0, len(slow))
		for _, id := range slow {
			evicted = append(evicted, b.subs[id])
			delete(b.subs, id)
		}
		b.mu.Unlock()

		for i, sub := range evicted {
			log.Printf("broadcast: evicting slow subscriber %s", slow[i])
			closeSubscriber(sub)
		}

		if b.sink != nil {
			// Written from the drain goroutine so rows land in event
			// order; the sink bounds its own writes and swallows failures.
			b.sink.Upsert(ev.User.UserKey, ev.Type != presence.EventLeft, ev.User.LastActivityAt)
		}
	}
}

func owns(conns []presence.ConnID, id presence.ConnID) bool {
	for _, c := range conns {
		if c == id {
			return true
		}
	}
	return false
}

func closeSubscriber(sub *subscriber) {
	close(sub.events)
	close(sub.notifs)
}
