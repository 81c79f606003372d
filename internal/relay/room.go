package relay

import (
	"encoding/json"
	"sort"
	"sync"
)

type wsPeer struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func newWSPeer(encoder *json.Encoder) *wsPeer {
	return &wsPeer{encoder: encoder}
}

func (p *wsPeer) writeFrame(frame Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(frame)
}

type member struct {
	client   string
	selfEcho bool
	tracked  bool
	joinSeq  int64
	presence json.RawMessage
}

type roomHub struct {
	mu    sync.Mutex
	rooms map[string]*channelRoom
}

func newRoomHub() *roomHub {
	return &roomHub{rooms: make(map[string]*channelRoom)}
}

func (h *roomHub) room(name string) *channelRoom {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[name]
	if ok {
		return room
	}

	room = newChannelRoom(name)
	h.rooms[name] = room
	return room
}

func (h *roomHub) drop(name string) {
	h.mu.Lock()
	delete(h.rooms, name)
	h.mu.Unlock()
}

type channelRoom struct {
	mu      sync.Mutex
	name    string
	nextSeq int64
	members map[*wsPeer]*member
}

func newChannelRoom(name string) *channelRoom {
	return &channelRoom{
		name:    name,
		members: make(map[*wsPeer]*member),
	}
}

func (r *channelRoom) join(peer *wsPeer, client string, selfEcho bool) {
	r.mu.Lock()
	r.nextSeq++
	r.members[peer] = &member{client: client, selfEcho: selfEcho, joinSeq: r.nextSeq}
	r.mu.Unlock()
}

func (r *channelRoom) leave(peer *wsPeer) (hadPresence bool, empty bool) {
	r.mu.Lock()
	m, ok := r.members[peer]
	if ok {
		hadPresence = m.tracked
		delete(r.members, peer)
	}
	empty = len(r.members) == 0
	r.mu.Unlock()
	return hadPresence, empty
}

func (r *channelRoom) track(peer *wsPeer, state json.RawMessage) bool {
	r.mu.Lock()
	m, ok := r.members[peer]
	if ok {
		m.tracked = true
		m.presence = state
	}
	r.mu.Unlock()
	return ok
}

// snapshot groups tracked presence entries by client key, join order
// preserved within a key.
func (r *channelRoom) snapshot() PresenceSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	tracked := make([]*member, 0, len(r.members))
	for _, m := range r.members {
		if m.tracked {
			tracked = append(tracked, m)
		}
	}
	sort.Slice(tracked, func(i, j int) bool { return tracked[i].joinSeq < tracked[j].joinSeq })

	snap := make(PresenceSnapshot, len(tracked))
	for _, m := range tracked {
		snap[m.client] = append(snap[m.client], m.presence)
	}
	return snap
}

// fanOut writes frame to every member except those excluded by the filter.
// Write failures are the reader loop's problem to notice.
func (r *channelRoom) fanOut(frame Frame, skip func(peer *wsPeer, m *member) bool) {
	r.mu.Lock()
	targets := make([]*wsPeer, 0, len(r.members))
	for peer, m := range r.members {
		if skip != nil && skip(peer, m) {
			continue
		}
		targets = append(targets, peer)
	}
	r.mu.Unlock()

	for _, peer := range targets {
		_ = peer.writeFrame(frame)
	}
}
