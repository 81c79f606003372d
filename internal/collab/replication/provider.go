// Package replication synchronizes a replicated document and its awareness
// set across all clients of a room channel, using a request/response
// bootstrap plus incremental broadcast.
//
// The provider never interprets document content: deltas are opaque byte
// blobs from the replicated-document capability, base64-framed for the
// channel. Origin tags prevent relay loops: changes applied from a remote
// delta are tagged remote and the local listeners ignore them, so nothing a
// peer sent is ever rebroadcast.
package replication

import (
	"encoding/base64"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/caseforge/caseforge/internal/collab/channel"
	"github.com/caseforge/caseforge/internal/crdt"
)

// State is the provider's connection state.
type State int

const (
	// StateDisconnected is the initial and post-failure state.
	StateDisconnected State = iota
	// StateConnecting means Subscribe was issued but not yet confirmed.
	StateConnecting
	// StateConnected means the channel is live but the document has not
	// been bootstrapped from a peer yet.
	StateConnected
	// StateSynced means the document reflects room state, either from a
	// peer's sync response or by self-declaring an empty room synced.
	StateSynced
	// StateDestroyed is terminal.
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSynced:
		return "synced"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// DefaultSyncFallback is how long a fresh connection waits for a peer's
// sync response before treating "no peers yet" as a valid synced empty room.
const DefaultSyncFallback = time.Second

const (
	eventUpdate       = "update"
	eventAwareness    = "awareness"
	eventSyncRequest  = "sync-request"
	eventSyncResponse = "sync-response"
)

// Document is the replicated-document capability the provider consumes.
type Document interface {
	ApplyUpdate(update []byte, origin string) error
	EncodeStateAsUpdate() ([]byte, error)
	OnUpdate(fn func(update []byte, origin string))
}

// Awareness is the awareness-set capability the provider consumes.
type Awareness interface {
	ClientID() int64
	OnUpdate(fn func(change crdt.AwarenessChange, origin string))
	SetLocalStateField(field string, value any)
	RemoveLocalStateField(field string)
	EncodeAwarenessUpdate(clients []int64) ([]byte, error)
	ApplyAwarenessUpdate(update []byte, origin string) error
	RemoveAwarenessStates(clients []int64, origin string)
	States() map[int64]map[string]any
}

// Timer is the armed fallback handle, injectable for tests.
type Timer interface {
	Stop() bool
}

type updatePayload struct {
	Data   string `json:"data"`
	Client string `json:"client"`
}

type syncRequestPayload struct {
	Client string `json:"client"`
}

type syncResponsePayload struct {
	Data string `json:"data"`
	To   string `json:"to"`
}

// Provider owns one document room: it rebroadcasts local document and
// awareness changes and applies incoming ones, bootstrapping full state from
// the first responding peer.
type Provider struct {
	doc       Document
	awareness Awareness
	ch        channel.Channel
	clientID  string
	fallback  time.Duration
	newTimer  func(d time.Duration, fn func()) Timer

	mu            sync.Mutex
	connected     bool
	synced        bool
	destroyed     bool
	state         State
	fallbackTimer Timer
	statusSubs    []func(State)
	syncSubs      []func()
}

// Option configures a Provider.
type Option func(*Provider)

// WithSyncFallback overrides the bootstrap fallback duration.
func WithSyncFallback(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.fallback = d
		}
	}
}

// WithTimerFactory replaces the fallback timer source, used by tests.
func WithTimerFactory(factory func(d time.Duration, fn func()) Timer) Option {
	return func(p *Provider) {
		if factory != nil {
			p.newTimer = factory
		}
	}
}

// RoomChannel derives the topic name for a document room.
func RoomChannel(room string) string {
	return "room:" + room
}

// New creates a provider for one document room. The string client id
// identifies this provider on the channel; the awareness client id is the
// numeric identity inside the awareness set.
func New(opener channel.Opener, room, clientID string, doc Document, awareness Awareness, opts ...Option) *Provider {
	p := &Provider{
		doc:       doc,
		awareness: awareness,
		clientID:  clientID,
		fallback:  DefaultSyncFallback,
		newTimer: func(d time.Duration, fn func()) Timer {
			return time.AfterFunc(d, fn)
		},
		state: StateDisconnected,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.ch = opener.Channel(RoomChannel(room), channel.Options{PresenceKey: clientID})

	doc.OnUpdate(p.relayDocUpdate)
	awareness.OnUpdate(p.relayAwarenessUpdate)
	return p
}

// Connect subscribes to the room channel. Once confirmed the provider
// requests full state from peers and arms the sync fallback.
func (p *Provider) Connect() error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return nil
	}
	if p.state != StateDisconnected {
		p.mu.Unlock()
		return nil
	}
	p.state = StateConnecting
	p.mu.Unlock()
	p.notifyStatus()

	p.ch.OnBroadcast(eventUpdate, p.handleUpdate)
	p.ch.OnBroadcast(eventAwareness, p.handleAwareness)
	p.ch.OnBroadcast(eventSyncRequest, p.handleSyncRequest)
	p.ch.OnBroadcast(eventSyncResponse, p.handleSyncResponse)

	return p.ch.Subscribe(p.handleStatus)
}

func (p *Provider) handleStatus(status channel.Status) {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	if status == channel.StatusSubscribed {
		p.connected = true
		p.state = StateConnected
		p.armFallbackLocked()
	} else {
		p.connected = false
		p.synced = false
		p.state = StateDisconnected
		p.stopFallbackLocked()
	}
	p.mu.Unlock()
	p.notifyStatus()

	if status == channel.StatusSubscribed {
		if err := p.ch.Send(eventSyncRequest, syncRequestPayload{Client: p.clientID}); err != nil {
			log.Printf("replication: send sync request on %s: %v", p.ch.Name(), err)
		}
	}
}

func (p *Provider) armFallbackLocked() {
	p.stopFallbackLocked()
	p.fallbackTimer = p.newTimer(p.fallback, func() {
		// No peer answered: an empty room is a valid synced state.
		p.markSynced()
	})
}

func (p *Provider) stopFallbackLocked() {
	if p.fallbackTimer != nil {
		p.fallbackTimer.Stop()
		p.fallbackTimer = nil
	}
}

// relayDocUpdate rebroadcasts local document changes. Remote-tagged changes
// were applied from a peer's delta and must not be sent again.
func (p *Provider) relayDocUpdate(update []byte, origin string) {
	if origin == crdt.OriginRemote {
		return
	}
	p.mu.Lock()
	ok := p.connected && !p.destroyed
	p.mu.Unlock()
	if !ok {
		return
	}

	payload := updatePayload{Data: base64.StdEncoding.EncodeToString(update), Client: p.clientID}
	if err := p.ch.Send(eventUpdate, payload); err != nil {
		log.Printf("replication: send update on %s: %v", p.ch.Name(), err)
	}
}

func (p *Provider) relayAwarenessUpdate(change crdt.AwarenessChange, origin string) {
	if origin == crdt.OriginRemote {
		return
	}
	p.mu.Lock()
	ok := p.connected && !p.destroyed
	p.mu.Unlock()
	if !ok {
		return
	}

	clients := make([]int64, 0, len(change.Added)+len(change.Updated)+len(change.Removed))
	clients = append(clients, change.Added...)
	clients = append(clients, change.Updated...)
	clients = append(clients, change.Removed...)
	update, err := p.awareness.EncodeAwarenessUpdate(clients)
	if err != nil {
		log.Printf("replication: encode awareness update: %v", err)
		return
	}

	payload := updatePayload{Data: base64.StdEncoding.EncodeToString(update), Client: p.clientID}
	if err := p.ch.Send(eventAwareness, payload); err != nil {
		log.Printf("replication: send awareness on %s: %v", p.ch.Name(), err)
	}
}

func (p *Provider) handleUpdate(msg channel.Message) {
	if p.isDestroyed() {
		return
	}
	var payload updatePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		log.Printf("replication: corrupt update payload on %s: %v", p.ch.Name(), err)
		return
	}
	if payload.Client == p.clientID {
		return
	}
	update, err := base64.StdEncoding.DecodeString(payload.Data)
	if err != nil {
		log.Printf("replication: undecodable update from %q: %v", payload.Client, err)
		return
	}
	if err := p.doc.ApplyUpdate(update, crdt.OriginRemote); err != nil {
		log.Printf("replication: apply update from %q: %v", payload.Client, err)
	}
}

func (p *Provider) handleAwareness(msg channel.Message) {
	if p.isDestroyed() {
		return
	}
	var payload updatePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		log.Printf("replication: corrupt awareness payload on %s: %v", p.ch.Name(), err)
		return
	}
	if payload.Client == p.clientID {
		return
	}
	update, err := base64.StdEncoding.DecodeString(payload.Data)
	if err != nil {
		log.Printf("replication: undecodable awareness from %q: %v", payload.Client, err)
		return
	}
	if err := p.awareness.ApplyAwarenessUpdate(update, crdt.OriginRemote); err != nil {
		log.Printf("replication: apply awareness from %q: %v", payload.Client, err)
	}
}

// handleSyncRequest answers a newly joined peer with the full document
// state, addressed to the requester so other peers ignore it.
func (p *Provider) handleSyncRequest(msg channel.Message) {
	if p.isDestroyed() {
		return
	}
	var payload syncRequestPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		log.Printf("replication: corrupt sync request on %s: %v", p.ch.Name(), err)
		return
	}
	if payload.Client == p.clientID || payload.Client == "" {
		return
	}

	state, err := p.doc.EncodeStateAsUpdate()
	if err != nil {
		log.Printf("replication: encode state for %q: %v", payload.Client, err)
		return
	}
	response := syncResponsePayload{
		Data: base64.StdEncoding.EncodeToString(state),
		To:   payload.Client,
	}
	if err := p.ch.Send(eventSyncResponse, response); err != nil {
		log.Printf("replication: send sync response to %q: %v", payload.Client, err)
	}
}

func (p *Provider) handleSyncResponse(msg channel.Message) {
	if p.isDestroyed() {
		return
	}
	var payload syncResponsePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		log.Printf("replication: corrupt sync response on %s: %v", p.ch.Name(), err)
		return
	}
	if payload.To != p.clientID {
		return
	}
	state, err := base64.StdEncoding.DecodeString(payload.Data)
	if err != nil {
		log.Printf("replication: undecodable sync response: %v", err)
		return
	}
	if err := p.doc.ApplyUpdate(state, crdt.OriginRemote); err != nil {
		log.Printf("replication: apply sync response: %v", err)
		return
	}
	p.markSynced()
}

func (p *Provider) markSynced() {
	p.mu.Lock()
	if p.destroyed || p.synced || !p.connected {
		p.mu.Unlock()
		return
	}
	p.synced = true
	p.state = StateSynced
	p.stopFallbackLocked()
	subs := p.syncSubs
	p.syncSubs = nil
	p.mu.Unlock()

	p.notifyStatus()
	for _, fn := range subs {
		fn()
	}
}

// IsConnected reports whether the room channel subscription is live.
func (p *Provider) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// IsSynced reports whether the document reflects room state.
func (p *Provider) IsSynced() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.synced
}

// CurrentState returns the provider state.
func (p *Provider) CurrentState() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// OnStatus registers a callback invoked on every state transition.
func (p *Provider) OnStatus(fn func(State)) {
	if fn == nil {
		return
	}
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.statusSubs = append(p.statusSubs, fn)
	p.mu.Unlock()
}

// OnSync registers a callback for the sync transition, firing immediately
// when already synced.
func (p *Provider) OnSync(fn func()) {
	if fn == nil {
		return
	}
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	if p.synced {
		p.mu.Unlock()
		fn()
		return
	}
	p.syncSubs = append(p.syncSubs, fn)
	p.mu.Unlock()
}

// SetAwarenessState merges the given fields into this client's awareness
// state, superseding previous values field by field.
func (p *Provider) SetAwarenessState(partial map[string]any) {
	if p.isDestroyed() {
		return
	}
	for field, value := range partial {
		p.awareness.SetLocalStateField(field, value)
	}
}

// ClearAwarenessCursor drops this client's cursor from its awareness state.
func (p *Provider) ClearAwarenessCursor() {
	if p.isDestroyed() {
		return
	}
	p.awareness.RemoveLocalStateField("cursor")
}

// AwarenessStates returns every known client's awareness state.
func (p *Provider) AwarenessStates() map[int64]map[string]any {
	if p.isDestroyed() {
		return nil
	}
	return p.awareness.States()
}

// Destroy tears the provider down: removes this client's awareness entry,
// tells peers, unsubscribes and clears all callbacks. Idempotent; every
// handler checks the destroyed flag, so in-flight deliveries no-op.
func (p *Provider) Destroy() {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.destroyed = true
	p.state = StateDestroyed
	wasConnected := p.connected
	p.connected = false
	p.synced = false
	p.stopFallbackLocked()
	statusSubs := p.statusSubs
	p.statusSubs = nil
	p.syncSubs = nil
	p.mu.Unlock()

	self := p.awareness.ClientID()
	p.awareness.RemoveAwarenessStates([]int64{self}, "destroy")
	if wasConnected {
		if update, err := p.awareness.EncodeAwarenessUpdate([]int64{self}); err == nil {
			payload := updatePayload{Data: base64.StdEncoding.EncodeToString(update), Client: p.clientID}
			if err := p.ch.Send(eventAwareness, payload); err != nil {
				log.Printf("replication: send awareness removal on %s: %v", p.ch.Name(), err)
			}
		}
	}
	if err := p.ch.Unsubscribe(); err != nil {
		log.Printf("replication: unsubscribe %s: %v", p.ch.Name(), err)
	}

	for _, fn := range statusSubs {
		fn(StateDestroyed)
	}
}

func (p *Provider) isDestroyed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroyed
}

func (p *Provider) notifyStatus() {
	p.mu.Lock()
	state := p.state
	subs := make([]func(State), len(p.statusSubs))
	copy(subs, p.statusSubs)
	p.mu.Unlock()

	for _, fn := range subs {
		fn(state)
	}
}
