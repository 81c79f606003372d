// Package presence maintains the process-wide directory of online users:
// who is connected, which page they are viewing and which record they are
// editing, derived from one global presence channel.
//
// The registry reflects best-effort eventual consistency. A user who
// force-closes without a graceful leave disappears only after the
// transport's own presence timeout, never instantly.
package presence

import (
	"encoding/json"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/caseforge/caseforge/internal/collab/channel"
)

// GlobalChannel is the topic every client of the application shares.
const GlobalChannel = "presence:global"

// DefaultThrottleWindow bounds page-change publish chatter.
const DefaultThrottleWindow = time.Second

// ErrNotConnected is returned by operations requiring a live registry.
var ErrNotConnected = errors.New("presence registry is not connected")

// EditingRef names the record a user is editing.
type EditingRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Entry is one client's record on the global presence channel.
type Entry struct {
	ID          string      `json:"id"`
	Email       string      `json:"email"`
	CurrentPage string      `json:"current_page"`
	Editing     *EditingRef `json:"editing"`
	LastSeen    int64       `json:"last_seen"`
}

// Registry is one process's handle on the global presence directory.
type Registry struct {
	opener channel.Opener
	window time.Duration
	clock  func() time.Time

	mu        sync.Mutex
	ch        channel.Channel
	self      Entry
	connected bool
	closed    bool
	lastPage  time.Time
	onChange  func()
}

// Option configures a Registry.
type Option func(*Registry)

// WithThrottleWindow overrides the page-change publish window.
func WithThrottleWindow(window time.Duration) Option {
	return func(r *Registry) {
		if window > 0 {
			r.window = window
		}
	}
}

// WithClock injects the time source, used by tests.
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// NewRegistry creates a disconnected registry over the given opener.
func NewRegistry(opener channel.Opener, opts ...Option) *Registry {
	r := &Registry{
		opener: opener,
		window: DefaultThrottleWindow,
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnChange registers a handler fired when the online-user set changes.
func (r *Registry) OnChange(fn func()) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// Connect subscribes to the global channel and, once confirmed, publishes
// an initial entry for this client with no editing target.
func (r *Registry) Connect(selfID, email, currentPage string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrNotConnected
	}
	if r.ch != nil {
		r.mu.Unlock()
		return errors.New("presence registry is already connected")
	}
	ch := r.opener.Channel(GlobalChannel, channel.Options{PresenceKey: selfID})
	r.ch = ch
	r.self = Entry{ID: selfID, Email: email, CurrentPage: currentPage}
	r.mu.Unlock()

	ch.OnPresence(channel.PresenceSync, r.notifyChange)
	ch.OnPresence(channel.PresenceLeave, r.notifyChange)

	return ch.Subscribe(func(status channel.Status) {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return
		}
		r.connected = status == channel.StatusSubscribed
		r.mu.Unlock()

		if status == channel.StatusSubscribed {
			r.publish(func(entry *Entry) {})
		}
		r.notifyChange()
	})
}

// OnPageChange re-publishes this client's entry with the new page. Publishes
// are throttled to one per window; calls inside the window are dropped, not
// queued, so a final location can be missed until the next qualifying call.
func (r *Registry) OnPageChange(path string) {
	r.mu.Lock()
	now := r.clock()
	if now.Sub(r.lastPage) < r.window {
		r.mu.Unlock()
		return
	}
	r.lastPage = now
	r.mu.Unlock()

	r.publish(func(entry *Entry) { entry.CurrentPage = path })
}

// TrackEditing marks this client as editing the given record.
func (r *Registry) TrackEditing(recordType, recordID string) {
	r.publish(func(entry *Entry) {
		entry.Editing = &EditingRef{Type: recordType, ID: recordID}
	})
}

// StopEditing clears this client's editing target.
func (r *Registry) StopEditing() {
	r.publish(func(entry *Entry) { entry.Editing = nil })
}

// OnlineUsers returns the most recent entry per distinct client key. When a
// reconnect race leaves multiple entries for one key, the greatest last_seen
// wins. Results are ordered by client id.
func (r *Registry) OnlineUsers() []Entry {
	r.mu.Lock()
	ch := r.ch
	r.mu.Unlock()
	if ch == nil {
		return nil
	}

	snapshot := ch.PresenceState()
	users := make([]Entry, 0, len(snapshot))
	for key, raws := range snapshot {
		var newest Entry
		found := false
		for _, raw := range raws {
			var entry Entry
			if err := json.Unmarshal(raw, &entry); err != nil {
				log.Printf("presence: corrupt entry for %q: %v", key, err)
				continue
			}
			if !found || entry.LastSeen > newest.LastSeen {
				newest = entry
				found = true
			}
		}
		if found {
			users = append(users, newest)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users
}

// UsersOnPage filters OnlineUsers by current page.
func (r *Registry) UsersOnPage(path string) []Entry {
	var users []Entry
	for _, entry := range r.OnlineUsers() {
		if entry.CurrentPage == path {
			users = append(users, entry)
		}
	}
	return users
}

// UsersEditing filters OnlineUsers by editing target.
func (r *Registry) UsersEditing(recordType, recordID string) []Entry {
	var users []Entry
	for _, entry := range r.OnlineUsers() {
		if entry.Editing != nil && entry.Editing.Type == recordType && entry.Editing.ID == recordID {
			users = append(users, entry)
		}
	}
	return users
}

// Connected reports whether the global channel subscription is live.
func (r *Registry) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

// Disconnect leaves the global channel, removing this client's entry.
// Idempotent.
func (r *Registry) Disconnect() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.connected = false
	ch := r.ch
	r.mu.Unlock()

	if ch == nil {
		return nil
	}
	return ch.Unsubscribe()
}

// publish re-tracks this client's entry after applying mutate, refreshing
// last_seen. Failures are logged, never propagated: presence is advisory.
func (r *Registry) publish(mutate func(entry *Entry)) {
	r.mu.Lock()
	if !r.connected || r.closed || r.ch == nil {
		r.mu.Unlock()
		return
	}
	mutate(&r.self)
	r.self.LastSeen = r.clock().UnixMilli()
	entry := r.self
	ch := r.ch
	r.mu.Unlock()

	if err := ch.Track(entry); err != nil {
		log.Printf("presence: track entry for %q: %v", entry.ID, err)
	}
}

func (r *Registry) notifyChange() {
	r.mu.Lock()
	fn := r.onChange
	closed := r.closed
	r.mu.Unlock()
	if closed || fn == nil {
		return
	}
	fn()
}
