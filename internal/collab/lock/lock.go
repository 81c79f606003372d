// Package lock implements the advisory field-lock protocol: exclusive edit
// access to one field of one document, derived from presence state on a
// channel shared by every client editing that field.
//
// The lock is cooperative: clients self-police through the is_editing flag
// in their presence entries, and there is no central arbiter. Because the
// presence channel is last-write-wins without compare-and-set, two clients
// calling RequestOpen inside the same presence propagation window can both
// briefly believe they hold the lock. That race is inherent to the protocol
// and is accepted for same-organization collaborators; the transport's own
// leave detection self-heals a crashed holder without heartbeats.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/caseforge/caseforge/internal/collab/channel"
)

// ErrNotConnected is returned by operations needing a live channel.
var ErrNotConnected = errors.New("lock channel is not connected")

const valueSyncEvent = "value-sync"

// Entry is one client's presence record on a field-lock channel.
type Entry struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Color     string `json:"color,omitempty"`
	IsEditing bool   `json:"is_editing"`
}

type valuePayload struct {
	Value  json.RawMessage `json:"value"`
	Sender string          `json:"sender"`
}

// ChannelName derives the shared topic for one (document, field) pair, so
// all clients editing that field converge on the same channel.
func ChannelName(docID, field string) string {
	return fmt.Sprintf("lock:%s:%s", docID, field)
}

// Coordinator is one client's handle on a field lock.
type Coordinator struct {
	mu        sync.Mutex
	ch        channel.Channel
	self      Entry
	connected bool
	closed    bool
	onValue   func(value json.RawMessage)
	onChange  func()
}

// New creates a coordinator for one (document, field) pair. Join must be
// called before any other operation.
func New(opener channel.Opener, docID, field string, self Entry) *Coordinator {
	ch := opener.Channel(ChannelName(docID, field), channel.Options{PresenceKey: self.ID})
	return &Coordinator{ch: ch, self: self}
}

// OnValue registers the handler receiving values committed by other
// clients. The editor applies them to its local field state.
func (c *Coordinator) OnValue(fn func(value json.RawMessage)) {
	c.mu.Lock()
	c.onValue = fn
	c.mu.Unlock()
}

// OnChange registers a handler fired whenever presence or connection state
// changes, so editors can re-derive LockHolder and connection affordances.
func (c *Coordinator) OnChange(fn func()) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// Join subscribes to the lock channel and, once confirmed, publishes this
// client's entry with is_editing false.
func (c *Coordinator) Join() error {
	c.ch.OnBroadcast(valueSyncEvent, c.handleValueSync)
	c.ch.OnPresence(channel.PresenceSync, c.notifyChange)
	c.ch.OnPresence(channel.PresenceLeave, c.notifyChange)

	return c.ch.Subscribe(func(status channel.Status) {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.connected = status == channel.StatusSubscribed
		c.mu.Unlock()

		if status == channel.StatusSubscribed {
			if err := c.ch.Track(c.setEditing(false)); err != nil {
				log.Printf("lock: track initial entry on %s: %v", c.ch.Name(), err)
			}
		}
		c.notifyChange()
	})
}

// RequestOpen tries to acquire the lock. It reports false when another
// client's entry shows is_editing, or when disconnected (a deliberate no-op
// so callers gate UI on connection state instead of handling errors).
func (c *Coordinator) RequestOpen() bool {
	c.mu.Lock()
	if !c.connected || c.closed {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	if _, held := c.LockHolder(); held {
		return false
	}

	if err := c.ch.Track(c.setEditing(true)); err != nil {
		log.Printf("lock: track is_editing on %s: %v", c.ch.Name(), err)
		c.setEditing(false)
		return false
	}
	return true
}

// Commit broadcasts the edited value to peers and releases the lock. The
// sender id rides along so receivers can drop the sender's own broadcast.
func (c *Coordinator) Commit(value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal committed value: %w", err)
	}
	c.mu.Lock()
	if !c.connected || c.closed {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.mu.Unlock()

	if err := c.ch.Send(valueSyncEvent, valuePayload{Value: raw, Sender: c.self.ID}); err != nil {
		return fmt.Errorf("broadcast committed value: %w", err)
	}
	return c.Release()
}

// Release publishes is_editing false without broadcasting a value, used on
// idle timeout or blur without commit.
func (c *Coordinator) Release() error {
	c.mu.Lock()
	if !c.connected || c.closed {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.mu.Unlock()

	if err := c.ch.Track(c.setEditing(false)); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

func (c *Coordinator) setEditing(editing bool) Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.self.IsEditing = editing
	return c.self
}

// LockHolder scans other clients' presence entries for one with is_editing
// set. When a presence race leaves more than one, the first in key order is
// treated as the holder.
func (c *Coordinator) LockHolder() (Entry, bool) {
	snapshot := c.ch.PresenceState()
	keys := make([]string, 0, len(snapshot))
	for key := range snapshot {
		if key == c.self.ID {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		entries := snapshot[key]
		if len(entries) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(entries[len(entries)-1], &entry); err != nil {
			log.Printf("lock: corrupt presence entry for %q on %s: %v", key, c.ch.Name(), err)
			continue
		}
		if entry.IsEditing {
			return entry, true
		}
	}
	return Entry{}, false
}

// Connected reports whether the lock channel subscription is live.
func (c *Coordinator) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Leave unsubscribes, removing this client's presence entry. Idempotent.
func (c *Coordinator) Leave() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	c.mu.Unlock()
	return c.ch.Unsubscribe()
}

func (c *Coordinator) handleValueSync(msg channel.Message) {
	var payload valuePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		log.Printf("lock: corrupt value-sync payload on %s: %v", c.ch.Name(), err)
		return
	}
	if payload.Sender == c.self.ID {
		return
	}

	c.mu.Lock()
	fn := c.onValue
	closed := c.closed
	c.mu.Unlock()
	if closed || fn == nil {
		return
	}
	fn(payload.Value)
}

func (c *Coordinator) notifyChange() {
	c.mu.Lock()
	fn := c.onChange
	closed := c.closed
	c.mu.Unlock()
	if closed || fn == nil {
		return
	}
	fn()
}
