// Package ws implements the channel contract over a relay websocket
// connection. Each channel handle owns one connection; on transport failure
// the handle reconnects with exponential backoff, rejoins and re-tracks its
// presence state.
package ws

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"golang.org/x/net/websocket"

	"github.com/caseforge/caseforge/internal/collab/channel"
	"github.com/caseforge/caseforge/internal/relay"
)

// Dialer mints channels backed by one relay endpoint. It implements
// channel.Opener.
type Dialer struct {
	wsURL  string
	origin string
}

// NewDialer builds a dialer for a relay endpoint. The URL may use an http,
// https, ws or wss scheme and should point at the relay's /ws path.
func NewDialer(rawURL string) (*Dialer, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	origin := *parsed
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws":
		origin.Scheme = "http"
	case "wss":
		origin.Scheme = "https"
	default:
		return nil, fmt.Errorf("unsupported relay url scheme %q", parsed.Scheme)
	}
	origin.Path = ""
	return &Dialer{wsURL: parsed.String(), origin: origin.String()}, nil
}

// Channel returns a handle on name. The connection is not opened until
// Subscribe.
func (d *Dialer) Channel(name string, opts channel.Options) channel.Channel {
	client := strings.TrimSpace(opts.PresenceKey)
	if client == "" {
		// The relay needs a member identity even for presence-less
		// subscribers.
		client = uuid.NewString()
	}
	return &wsChannel{
		dialer:     d,
		name:       name,
		opts:       opts,
		client:     client,
		onMessage:  make(map[string][]func(channel.Message)),
		onPresence: make(map[channel.PresenceEvent][]func()),
		presence:   make(map[string][]json.RawMessage),
	}
}

type wsChannel struct {
	dialer *Dialer
	name   string
	opts   channel.Options
	client string

	writeMu sync.Mutex
	encoder *json.Encoder

	mu         sync.Mutex
	conn       *websocket.Conn
	status     func(channel.Status)
	onMessage  map[string][]func(channel.Message)
	onPresence map[channel.PresenceEvent][]func()
	presence   map[string][]json.RawMessage
	tracked    json.RawMessage
	hasTracked bool
	started    bool
	live       bool
	closed     bool
}

func (c *wsChannel) Name() string { return c.name }

func (c *wsChannel) OnBroadcast(event string, handler func(channel.Message)) {
	if handler == nil {
		return
	}
	c.mu.Lock()
	c.onMessage[event] = append(c.onMessage[event], handler)
	c.mu.Unlock()
}

func (c *wsChannel) OnPresence(event channel.PresenceEvent, handler func()) {
	if handler == nil {
		return
	}
	c.mu.Lock()
	c.onPresence[event] = append(c.onPresence[event], handler)
	c.mu.Unlock()
}

func (c *wsChannel) Subscribe(status func(channel.Status)) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("channel %q is closed", c.name)
	}
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("channel %q is already subscribed", c.name)
	}
	c.started = true
	c.status = status
	c.mu.Unlock()

	go c.run()
	return nil
}

// run owns the connection lifecycle: dial, join, read until failure, then
// back off and start over. It exits only once the channel is closed.
func (c *wsChannel) run() {
	for {
		if c.isClosed() {
			return
		}
		conn, err := c.connect()
		if err != nil {
			return
		}
		c.readLoop(conn)
		if c.isClosed() {
			return
		}
		c.setDisconnected()
		c.notify(channel.StatusError)
	}
}

func (c *wsChannel) connect() (*websocket.Conn, error) {
	var conn *websocket.Conn
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0
	err := backoff.Retry(func() error {
		if c.isClosed() {
			return backoff.Permanent(fmt.Errorf("channel closed"))
		}
		dialed, err := websocket.Dial(c.dialer.wsURL, "", c.dialer.origin)
		if err != nil {
			return err
		}
		conn = dialed
		return nil
	}, policy)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return nil, fmt.Errorf("channel closed")
	}
	c.conn = conn
	c.mu.Unlock()

	c.writeMu.Lock()
	c.encoder = json.NewEncoder(conn)
	c.writeMu.Unlock()

	if err := c.writeFrame(relay.Frame{
		Type:     relay.FrameJoin,
		Channel:  c.name,
		Client:   c.client,
		SelfEcho: c.opts.SelfEcho,
	}); err != nil {
		_ = conn.Close()
		return conn, nil
	}
	return conn, nil
}

func (c *wsChannel) readLoop(conn *websocket.Conn) {
	decoder := json.NewDecoder(conn)
	for {
		var frame relay.Frame
		if err := decoder.Decode(&frame); err != nil {
			_ = conn.Close()
			return
		}
		switch frame.Type {
		case relay.FrameJoined:
			c.handleJoined()
		case relay.FramePresence:
			c.handlePresence(frame)
		case relay.FrameBroadcast:
			c.handleBroadcast(frame)
		case relay.FrameError:
			log.Printf("ws: channel %q relay error: %s", c.name, frame.Message)
		}
	}
}

func (c *wsChannel) handleJoined() {
	c.mu.Lock()
	c.live = true
	retrack := c.hasTracked
	state := c.tracked
	c.mu.Unlock()

	c.notify(channel.StatusSubscribed)
	if retrack {
		if err := c.writeFrame(relay.Frame{
			Type:    relay.FrameTrack,
			Channel: c.name,
			Payload: state,
		}); err != nil {
			log.Printf("ws: channel %q re-track: %v", c.name, err)
		}
	}
}

func (c *wsChannel) handlePresence(frame relay.Frame) {
	var snap relay.PresenceSnapshot
	if err := json.Unmarshal(frame.Payload, &snap); err != nil {
		log.Printf("ws: channel %q decode presence snapshot: %v", c.name, err)
		return
	}

	c.mu.Lock()
	c.presence = snap
	handlers := append([]func(){}, c.onPresence[channel.PresenceEvent(frame.Event)]...)
	c.mu.Unlock()

	for _, handler := range handlers {
		handler()
	}
}

func (c *wsChannel) handleBroadcast(frame relay.Frame) {
	c.mu.Lock()
	handlers := append([]func(channel.Message){}, c.onMessage[frame.Event]...)
	c.mu.Unlock()

	msg := channel.Message{Event: frame.Event, Sender: frame.Client, Payload: frame.Payload}
	for _, handler := range handlers {
		handler(msg)
	}
}

func (c *wsChannel) Track(state any) error {
	if c.opts.PresenceKey == "" {
		return fmt.Errorf("channel %q has no presence key", c.name)
	}
	body, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal presence state: %w", err)
	}

	c.mu.Lock()
	if c.closed || !c.started {
		c.mu.Unlock()
		return channel.ErrNotSubscribed
	}
	c.tracked = body
	c.hasTracked = true
	live := c.live
	c.mu.Unlock()

	if !live {
		// Queued; sent on the next successful join.
		return nil
	}
	return c.writeFrame(relay.Frame{Type: relay.FrameTrack, Channel: c.name, Payload: body})
}

func (c *wsChannel) Send(event string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	c.mu.Lock()
	live := c.live && !c.closed
	c.mu.Unlock()
	if !live {
		return channel.ErrNotSubscribed
	}
	return c.writeFrame(relay.Frame{
		Type:    relay.FrameBroadcast,
		Channel: c.name,
		Event:   event,
		Payload: body,
	})
}

func (c *wsChannel) PresenceState() map[string][]json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := make(map[string][]json.RawMessage, len(c.presence))
	for key, entries := range c.presence {
		snap[key] = append([]json.RawMessage(nil), entries...)
	}
	return snap
}

func (c *wsChannel) Unsubscribe() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.live = false
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = c.writeFrame(relay.Frame{Type: relay.FrameLeave, Channel: c.name})
		_ = conn.Close()
	}
	c.notify(channel.StatusClosed)
	return nil
}

func (c *wsChannel) writeFrame(frame relay.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.encoder == nil {
		return channel.ErrNotSubscribed
	}
	return c.encoder.Encode(frame)
}

func (c *wsChannel) notify(status channel.Status) {
	c.mu.Lock()
	fn := c.status
	c.mu.Unlock()
	if fn != nil {
		fn(status)
	}
}

func (c *wsChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *wsChannel) setDisconnected() {
	c.mu.Lock()
	c.live = false
	c.conn = nil
	c.mu.Unlock()
}
