package channel

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
)

// queueDepth bounds each subscriber's pending deliveries. A subscriber that
// falls this far behind starts losing events rather than blocking senders.
const queueDepth = 256

// Hub is an in-memory channel opener. All channels minted from one hub share
// its topics, so clients in the same process converge on the same rooms.
type Hub struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	name string
	// subs preserves subscription order so presence snapshots list
	// entries oldest first.
	subs []*memChannel
}

// NewHub creates an empty in-memory hub.
func NewHub() *Hub {
	return &Hub{topics: make(map[string]*topic)}
}

// Channel mints a handle on the named topic, creating the topic lazily.
func (h *Hub) Channel(name string, opts Options) Channel {
	return &memChannel{
		hub:       h,
		name:      name,
		opts:      opts,
		onMessage: make(map[string][]func(Message)),
		onEvent:   make(map[PresenceEvent][]func()),
		queue:     make(chan func(), queueDepth),
	}
}

func (h *Hub) topicLocked(name string) *topic {
	t, ok := h.topics[name]
	if !ok {
		t = &topic{name: name}
		h.topics[name] = t
	}
	return t
}

type memChannel struct {
	hub  *Hub
	name string
	opts Options

	onMessage map[string][]func(Message)
	onEvent   map[PresenceEvent][]func()
	status    func(Status)

	// Guarded by hub.mu.
	subscribed bool
	closed     bool
	tracked    json.RawMessage

	queue chan func()
}

func (c *memChannel) Name() string { return c.name }

func (c *memChannel) OnBroadcast(event string, handler func(Message)) {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	c.onMessage[event] = append(c.onMessage[event], handler)
}

func (c *memChannel) OnPresence(event PresenceEvent, handler func()) {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	c.onEvent[event] = append(c.onEvent[event], handler)
}

func (c *memChannel) Subscribe(status func(Status)) error {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()

	if c.closed {
		return ErrNotSubscribed
	}
	if c.subscribed {
		return fmt.Errorf("channel %q is already subscribed", c.name)
	}

	c.subscribed = true
	c.status = status
	t := c.hub.topicLocked(c.name)
	t.subs = append(t.subs, c)

	go c.dispatch()
	c.enqueueLocked(func() {
		if status != nil {
			status(StatusSubscribed)
		}
	})
	return nil
}

func (c *memChannel) Track(state any) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal presence state: %w", err)
	}

	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()

	if !c.subscribed || c.closed {
		return ErrNotSubscribed
	}
	if c.opts.PresenceKey == "" {
		return fmt.Errorf("channel %q has no presence key", c.name)
	}

	joined := c.tracked == nil
	c.tracked = payload

	t := c.hub.topicLocked(c.name)
	if joined {
		notifyPresenceLocked(t, PresenceJoin)
	}
	notifyPresenceLocked(t, PresenceSync)
	return nil
}

func (c *memChannel) Send(event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal broadcast payload: %w", err)
	}

	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()

	if !c.subscribed || c.closed {
		return ErrNotSubscribed
	}

	msg := Message{Event: event, Sender: c.opts.PresenceKey, Payload: raw}
	t := c.hub.topicLocked(c.name)
	for _, sub := range t.subs {
		if sub == c && !c.opts.SelfEcho {
			continue
		}
		sub.deliverLocked(msg)
	}
	return nil
}

func (c *memChannel) PresenceState() map[string][]json.RawMessage {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()

	snapshot := make(map[string][]json.RawMessage)
	t, ok := c.hub.topics[c.name]
	if !ok {
		return snapshot
	}
	for _, sub := range t.subs {
		if sub.tracked == nil || sub.opts.PresenceKey == "" {
			continue
		}
		entry := make(json.RawMessage, len(sub.tracked))
		copy(entry, sub.tracked)
		snapshot[sub.opts.PresenceKey] = append(snapshot[sub.opts.PresenceKey], entry)
	}
	return snapshot
}

func (c *memChannel) Unsubscribe() error {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	if !c.subscribed {
		return nil
	}
	c.subscribed = false

	t := c.hub.topicLocked(c.name)
	for i, sub := range t.subs {
		if sub == c {
			t.subs = append(t.subs[:i], t.subs[i+1:]...)
			break
		}
	}
	hadPresence := c.tracked != nil
	c.tracked = nil
	if hadPresence {
		notifyPresenceLocked(t, PresenceLeave)
		notifyPresenceLocked(t, PresenceSync)
	}
	if len(t.subs) == 0 {
		delete(c.hub.topics, c.name)
	}

	status := c.status
	c.enqueueFinalLocked(func() {
		if status != nil {
			status(StatusClosed)
		}
	})
	return nil
}

// deliverLocked queues a broadcast message for this subscriber's handlers.
// Callers hold hub.mu.
func (c *memChannel) deliverLocked(msg Message) {
	handlers := c.onMessage[msg.Event]
	if len(handlers) == 0 {
		return
	}
	c.enqueueLocked(func() {
		for _, handler := range handlers {
			handler(msg)
		}
	})
}

func notifyPresenceLocked(t *topic, event PresenceEvent) {
	for _, sub := range t.subs {
		handlers := sub.onEvent[event]
		if len(handlers) == 0 {
			continue
		}
		sub.enqueueLocked(func() {
			for _, handler := range handlers {
				handler()
			}
		})
	}
}

func (c *memChannel) enqueueLocked(fn func()) {
	if c.closed {
		return
	}
	select {
	case c.queue <- fn:
	default:
		log.Printf("channel: %q subscriber backlog full, dropping event", c.name)
	}
}

// enqueueFinalLocked queues the terminal status callback and closes the
// queue so the dispatch goroutine drains and exits.
func (c *memChannel) enqueueFinalLocked(fn func()) {
	select {
	case c.queue <- fn:
	default:
	}
	close(c.queue)
}

func (c *memChannel) dispatch() {
	for fn := range c.queue {
		fn()
	}
}
