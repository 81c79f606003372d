// Package crdt implements the replicated-document capability the
// collaboration core consumes: a last-writer-wins field map whose updates are
// opaque byte blobs that can be applied in any order, any number of times,
// and converge, plus an ephemeral awareness set for per-client metadata.
//
// Updates are CBOR-encoded register writes ordered by (lamport clock, actor).
package crdt

import (
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// Origin tags distinguish local edits from applied remote deltas so
// listeners can suppress rebroadcast loops.
const (
	OriginLocal  = "local"
	OriginRemote = "remote"
)

type register struct {
	Value any    `cbor:"v"`
	Clock uint64 `cbor:"c"`
	Actor string `cbor:"a"`
}

type write struct {
	Path string `cbor:"p"`
	register
}

type update struct {
	Writes []write `cbor:"w"`
}

// Doc is a replicated field map. All clients in a room own it jointly; local
// edits and applied remote updates both converge through the same register
// merge, so no further locking is needed around document content.
type Doc struct {
	mu    sync.Mutex
	actor string
	clock uint64
	regs  map[string]register
	subs  []func(update []byte, origin string)
}

// NewDoc creates an empty document owned by the given actor id.
func NewDoc(actor string) *Doc {
	return &Doc{
		actor: actor,
		regs:  make(map[string]register),
	}
}

// OnUpdate registers a listener invoked after every mutation with the
// encoded delta and the origin tag of the change.
func (d *Doc) OnUpdate(fn func(update []byte, origin string)) {
	if fn == nil {
		return
	}
	d.mu.Lock()
	d.subs = append(d.subs, fn)
	d.mu.Unlock()
}

// Set writes a value at a path as a local edit and notifies listeners with
// an update carrying just that write.
func (d *Doc) Set(path string, value any) error {
	d.mu.Lock()
	d.clock++
	reg := register{Value: value, Clock: d.clock, Actor: d.actor}
	d.regs[path] = reg
	payload, err := cbor.Marshal(update{Writes: []write{{Path: path, register: reg}}})
	subs := d.subs
	d.mu.Unlock()

	if err != nil {
		return fmt.Errorf("encode update: %w", err)
	}
	for _, fn := range subs {
		fn(payload, OriginLocal)
	}
	return nil
}

// Get returns the value at a path.
func (d *Doc) Get(path string) (any, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	reg, ok := d.regs[path]
	if !ok {
		return nil, false
	}
	return reg.Value, true
}

// Snapshot returns the current value of every path.
func (d *Doc) Snapshot() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]any, len(d.regs))
	for path, reg := range d.regs {
		out[path] = reg.Value
	}
	return out
}

// ApplyUpdate merges an encoded update into the document. Applying the same
// update twice, or two updates in either order, converges to the same state.
// Listeners are notified with the given origin only when state changed.
func (d *Doc) ApplyUpdate(payload []byte, origin string) error {
	var u update
	if err := cbor.Unmarshal(payload, &u); err != nil {
		return fmt.Errorf("decode update: %w", err)
	}

	d.mu.Lock()
	changed := false
	for _, w := range u.Writes {
		if w.Clock > d.clock {
			d.clock = w.Clock
		}
		current, ok := d.regs[w.Path]
		if ok && !current.losesTo(w.register) {
			continue
		}
		d.regs[w.Path] = w.register
		changed = true
	}
	subs := d.subs
	d.mu.Unlock()

	if !changed {
		return nil
	}
	for _, fn := range subs {
		fn(payload, origin)
	}
	return nil
}

// EncodeStateAsUpdate encodes the full document as one update blob, used to
// bootstrap newly joined peers.
func (d *Doc) EncodeStateAsUpdate() ([]byte, error) {
	d.mu.Lock()
	u := update{Writes: make([]write, 0, len(d.regs))}
	for path, reg := range d.regs {
		u.Writes = append(u.Writes, write{Path: path, register: reg})
	}
	d.mu.Unlock()

	payload, err := cbor.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return payload, nil
}

// losesTo reports whether r is superseded by other under LWW ordering.
func (r register) losesTo(other register) bool {
	if r.Clock != other.Clock {
		return r.Clock < other.Clock
	}
	return r.Actor < other.Actor
}
