package crdt

import (
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// AwarenessChange describes which clients an awareness update touched.
type AwarenessChange struct {
	Added   []int64
	Updated []int64
	Removed []int64
}

type awarenessEntry struct {
	Client int64          `cbor:"id"`
	Clock  uint64         `cbor:"c"`
	State  map[string]any `cbor:"s,omitempty"`
}

type awarenessUpdate struct {
	Entries []awarenessEntry `cbor:"e"`
}

// Awareness holds per-client ephemeral state (identity, cursor) attached to
// a document. States exist only while their owner is connected; a client's
// state is superseded wholesale by each of its updates and removed on
// disconnect.
type Awareness struct {
	mu       sync.Mutex
	clientID int64
	states   map[int64]map[string]any
	clocks   map[int64]uint64
	subs     []func(change AwarenessChange, origin string)
}

// NewAwareness creates an awareness set for the given numeric client id.
func NewAwareness(clientID int64) *Awareness {
	return &Awareness{
		clientID: clientID,
		states:   make(map[int64]map[string]any),
		clocks:   make(map[int64]uint64),
	}
}

// ClientID returns the local client's numeric id.
func (a *Awareness) ClientID() int64 { return a.clientID }

// OnUpdate registers a listener for awareness changes.
func (a *Awareness) OnUpdate(fn func(change AwarenessChange, origin string)) {
	if fn == nil {
		return
	}
	a.mu.Lock()
	a.subs = append(a.subs, fn)
	a.mu.Unlock()
}

// SetLocalStateField sets one field of the local client's state, creating
// the state if absent.
func (a *Awareness) SetLocalStateField(field string, value any) {
	a.mu.Lock()
	state := a.states[a.clientID]
	added := state == nil
	if added {
		state = make(map[string]any)
		a.states[a.clientID] = state
	}
	state[field] = value
	a.clocks[a.clientID]++
	subs := a.subs
	a.mu.Unlock()

	change := AwarenessChange{Updated: []int64{a.clientID}}
	if added {
		change = AwarenessChange{Added: []int64{a.clientID}}
	}
	for _, fn := range subs {
		fn(change, OriginLocal)
	}
}

// RemoveLocalStateField deletes one field of the local client's state.
func (a *Awareness) RemoveLocalStateField(field string) {
	a.mu.Lock()
	state, ok := a.states[a.clientID]
	if !ok {
		a.mu.Unlock()
		return
	}
	if _, present := state[field]; !present {
		a.mu.Unlock()
		return
	}
	delete(state, field)
	a.clocks[a.clientID]++
	subs := a.subs
	a.mu.Unlock()

	for _, fn := range subs {
		fn(AwarenessChange{Updated: []int64{a.clientID}}, OriginLocal)
	}
}

// States returns a copy of every known client state.
func (a *Awareness) States() map[int64]map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[int64]map[string]any, len(a.states))
	for client, state := range a.states {
		copied := make(map[string]any, len(state))
		for field, value := range state {
			copied[field] = value
		}
		out[client] = copied
	}
	return out
}

// EncodeAwarenessUpdate encodes the current state of the given clients.
// Clients without a state are encoded as removals.
func (a *Awareness) EncodeAwarenessUpdate(clients []int64) ([]byte, error) {
	a.mu.Lock()
	u := awarenessUpdate{Entries: make([]awarenessEntry, 0, len(clients))}
	for _, client := range clients {
		u.Entries = append(u.Entries, awarenessEntry{
			Client: client,
			Clock:  a.clocks[client],
			State:  a.states[client],
		})
	}
	payload, err := cbor.Marshal(u)
	a.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("encode awareness update: %w", err)
	}
	return payload, nil
}

// ApplyAwarenessUpdate merges an encoded awareness update. Stale entries
// (clock not newer than the known one) are ignored.
func (a *Awareness) ApplyAwarenessUpdate(payload []byte, origin string) error {
	var u awarenessUpdate
	if err := cbor.Unmarshal(payload, &u); err != nil {
		return fmt.Errorf("decode awareness update: %w", err)
	}

	a.mu.Lock()
	var change AwarenessChange
	for _, entry := range u.Entries {
		_, hasState := a.states[entry.Client]
		if clock, seen := a.clocks[entry.Client]; seen && entry.Clock <= clock {
			continue
		}
		a.clocks[entry.Client] = entry.Clock
		if entry.State == nil {
			if hasState {
				delete(a.states, entry.Client)
				change.Removed = append(change.Removed, entry.Client)
			}
			continue
		}
		a.states[entry.Client] = entry.State
		if hasState {
			change.Updated = append(change.Updated, entry.Client)
		} else {
			change.Added = append(change.Added, entry.Client)
		}
	}
	subs := a.subs
	a.mu.Unlock()

	if len(change.Added)+len(change.Updated)+len(change.Removed) == 0 {
		return nil
	}
	for _, fn := range subs {
		fn(change, origin)
	}
	return nil
}

// RemoveAwarenessStates drops the given clients' states, notifying
// listeners. Used on disconnect and teardown.
func (a *Awareness) RemoveAwarenessStates(clients []int64, origin string) {
	a.mu.Lock()
	var removed []int64
	for _, client := range clients {
		if _, ok := a.states[client]; !ok {
			continue
		}
		delete(a.states, client)
		a.clocks[client]++
		removed = append(removed, client)
	}
	subs := a.subs
	a.mu.Unlock()

	if len(removed) == 0 {
		return
	}
	for _, fn := range subs {
		fn(AwarenessChange{Removed: removed}, origin)
	}
}
