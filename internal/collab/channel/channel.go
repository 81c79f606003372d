package channel

import (
	"encoding/json"
	"errors"
)

// Status reports the subscription lifecycle of a channel.
type Status string

const (
	// StatusSubscribed means the channel is live and presence is tracked.
	StatusSubscribed Status = "SUBSCRIBED"
	// StatusClosed means the channel was closed by either side.
	StatusClosed Status = "CLOSED"
	// StatusError means the channel failed; callers may resubscribe.
	StatusError Status = "CHANNEL_ERROR"
)

// PresenceEvent identifies a presence-domain notification.
type PresenceEvent string

const (
	// PresenceSync fires after the full presence snapshot changed.
	PresenceSync PresenceEvent = "sync"
	// PresenceJoin fires when a client's first entry appears.
	PresenceJoin PresenceEvent = "join"
	// PresenceLeave fires when a client's entry is removed.
	PresenceLeave PresenceEvent = "leave"
)

// ErrNotSubscribed is returned by operations requiring a live subscription.
var ErrNotSubscribed = errors.New("channel is not subscribed")

// Message is one received broadcast event.
type Message struct {
	Event   string
	Sender  string
	Payload json.RawMessage
}

// Options configures one client's view of a channel.
type Options struct {
	// PresenceKey is the key this client's presence entries are stored
	// under. Required for Track; empty disables presence for this client.
	PresenceKey string
	// SelfEcho controls whether this client's own broadcasts are
	// delivered back to it.
	SelfEcho bool
}

// Channel is one client's handle on a named topic.
//
// Handlers must be registered before Subscribe. All handlers are invoked on
// the channel's delivery goroutine, one event at a time, in arrival order.
type Channel interface {
	// Name returns the topic name.
	Name() string
	// OnBroadcast registers a handler for one broadcast event name.
	OnBroadcast(event string, handler func(Message))
	// OnPresence registers a handler for one presence event kind.
	OnPresence(event PresenceEvent, handler func())
	// Subscribe joins the topic. The status callback receives
	// StatusSubscribed once the subscription is live and StatusClosed or
	// StatusError on teardown or failure.
	Subscribe(status func(Status)) error
	// Track publishes or replaces this client's presence entry.
	Track(state any) error
	// Send broadcasts an event with a JSON-serializable payload.
	Send(event string, payload any) error
	// PresenceState returns the current presence snapshot: client key to
	// that key's entries, oldest first. A key usually has one entry;
	// reconnect races may briefly leave more than one.
	PresenceState() map[string][]json.RawMessage
	// Unsubscribe leaves the topic, removing this client's presence.
	// Safe to call more than once.
	Unsubscribe() error
}

// Opener mints channel handles by topic name.
type Opener interface {
	Channel(name string, opts Options) Channel
}
