package relay

import "encoding/json"

// Frame types exchanged between relay and clients. Clients send join, leave,
// track and broadcast; the relay sends joined, presence, broadcast and error.
const (
	FrameJoin      = "join"
	FrameLeave     = "leave"
	FrameTrack     = "track"
	FrameBroadcast = "broadcast"
	FrameJoined    = "joined"
	FramePresence  = "presence"
	FrameError     = "error"
)

// Frame is one wire message. The relay never interprets broadcast payloads;
// presence frames carry the room's full presence snapshot.
type Frame struct {
	Type     string          `json:"type"`
	Channel  string          `json:"channel,omitempty"`
	Event    string          `json:"event,omitempty"`
	Client   string          `json:"client,omitempty"`
	SelfEcho bool            `json:"self_echo,omitempty"`
	Message  string          `json:"message,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// PresenceSnapshot is the payload of a presence frame: client key to that
// key's entries, oldest first.
type PresenceSnapshot map[string][]json.RawMessage
