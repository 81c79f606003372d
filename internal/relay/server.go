// Package relay serves the websocket broadcast fabric that collaboration
// channels ride on. Each websocket connection joins named channels, tracks a
// presence state and exchanges opaque broadcast payloads; the relay fans
// frames out to every other member of the channel. An optional Redis bridge
// republishes broadcasts across relay instances.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/net/websocket"
)

const (
	maxDecodeErrorsPerConn = 5
	maxFramePayloadBytes   = 256 * 1024
	maxFramesPerSecond     = 500

	redisChannelPrefix = "relay:"
	redisPublishWait   = 2 * time.Second
)

// Options configures a relay server. Redis is optional; when set, broadcasts
// are mirrored to other relay instances through pub/sub. InstanceID
// distinguishes this instance's own mirrored messages so they are not
// re-delivered locally.
type Options struct {
	Redis      *redis.Client
	InstanceID string
}

// Server is a websocket relay. Zero value is not usable; use New.
type Server struct {
	hub        *roomHub
	redis      *redis.Client
	instanceID string
}

func New(opts Options) *Server {
	return &Server{
		hub:        newRoomHub(),
		redis:      opts.Redis,
		instanceID: opts.InstanceID,
	}
}

// Handler returns the relay's HTTP routes: a health check on /up and the
// websocket endpoint on /ws.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		s.handleWSConn(conn)
	})

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		wsHandler.ServeHTTP(w, r)
	})

	return mux
}

// Run blocks until ctx is cancelled. When a Redis client is configured it
// consumes mirrored broadcasts from other instances for the lifetime of ctx.
func (s *Server) Run(ctx context.Context) error {
	if s.redis == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	sub := s.redis.PSubscribe(ctx, redisChannelPrefix+"*")
	defer func() {
		_ = sub.Close()
	}()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("relay: redis subscription closed")
			}
			s.handleMirrored(msg)
		}
	}
}

type mirroredBroadcast struct {
	Instance string          `json:"instance"`
	Channel  string          `json:"channel"`
	Event    string          `json:"event"`
	Client   string          `json:"client"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

func (s *Server) handleMirrored(msg *redis.Message) {
	var env mirroredBroadcast
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		log.Printf("relay: decode mirrored broadcast: %v", err)
		return
	}
	if env.Instance == s.instanceID {
		return
	}
	room := s.hub.room(env.Channel)
	frame := Frame{
		Type:    FrameBroadcast,
		Channel: env.Channel,
		Event:   env.Event,
		Client:  env.Client,
		Payload: env.Payload,
	}
	room.fanOut(frame, func(_ *wsPeer, m *member) bool {
		return m.client == env.Client
	})
}

func (s *Server) mirror(channel, event, client string, payload json.RawMessage) {
	if s.redis == nil {
		return
	}
	env := mirroredBroadcast{
		Instance: s.instanceID,
		Channel:  channel,
		Event:    event,
		Client:   client,
		Payload:  payload,
	}
	body, err := json.Marshal(env)
	if err != nil {
		log.Printf("relay: encode mirrored broadcast: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisPublishWait)
	defer cancel()
	if err := s.redis.Publish(ctx, redisChannelPrefix+channel, body).Err(); err != nil {
		log.Printf("relay: publish mirrored broadcast channel=%q: %v", channel, err)
	}
}

func (s *Server) handleWSConn(conn *websocket.Conn) {
	defer func() {
		_ = conn.Close()
	}()

	decoder := json.NewDecoder(conn)
	peer := newWSPeer(json.NewEncoder(conn))
	joined := make(map[string]*channelRoom)

	defer func() {
		for name, room := range joined {
			s.leaveRoom(name, room, peer)
		}
	}()

	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var frame Frame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			_ = writeRelayError(peer, "", "invalid frame payload")
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			_ = writeRelayError(peer, frame.Channel, "payload too large")
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			_ = writeRelayError(peer, frame.Channel, "rate limit exceeded")
			return
		}

		channelName := strings.TrimSpace(frame.Channel)
		if channelName == "" {
			_ = writeRelayError(peer, "", "channel is required")
			continue
		}

		switch frame.Type {
		case FrameJoin:
			client := strings.TrimSpace(frame.Client)
			if client == "" {
				_ = writeRelayError(peer, channelName, "client is required")
				continue
			}
			room := s.hub.room(channelName)
			room.join(peer, client, frame.SelfEcho)
			joined[channelName] = room
			_ = peer.writeFrame(Frame{Type: FrameJoined, Channel: channelName})
			_ = peer.writeFrame(presenceFrame(channelName, "sync", room.snapshot()))
		case FrameLeave:
			room, ok := joined[channelName]
			if !ok {
				continue
			}
			delete(joined, channelName)
			s.leaveRoom(channelName, room, peer)
		case FrameTrack:
			room, ok := joined[channelName]
			if !ok {
				_ = writeRelayError(peer, channelName, "not joined")
				continue
			}
			room.track(peer, frame.Payload)
			snap := room.snapshot()
			room.fanOut(presenceFrame(channelName, "join", snap), nil)
			room.fanOut(presenceFrame(channelName, "sync", snap), nil)
		case FrameBroadcast:
			room, ok := joined[channelName]
			if !ok {
				_ = writeRelayError(peer, channelName, "not joined")
				continue
			}
			event := strings.TrimSpace(frame.Event)
			if event == "" {
				_ = writeRelayError(peer, channelName, "event is required")
				continue
			}
			sender := ""
			out := Frame{
				Type:    FrameBroadcast,
				Channel: channelName,
				Event:   event,
				Payload: frame.Payload,
			}
			room.fanOut(out, func(target *wsPeer, m *member) bool {
				if target != peer {
					return false
				}
				sender = m.client
				return !m.selfEcho
			})
			s.mirror(channelName, event, sender, frame.Payload)
		default:
			_ = writeRelayError(peer, channelName, fmt.Sprintf("unknown frame type %q", frame.Type))
		}
	}
}

func (s *Server) leaveRoom(name string, room *channelRoom, peer *wsPeer) {
	hadPresence, empty := room.leave(peer)
	if hadPresence {
		snap := room.snapshot()
		room.fanOut(presenceFrame(name, "leave", snap), nil)
		room.fanOut(presenceFrame(name, "sync", snap), nil)
	}
	if empty {
		s.hub.drop(name)
	}
}

func presenceFrame(channel, event string, snap PresenceSnapshot) Frame {
	return Frame{
		Type:    FramePresence,
		Channel: channel,
		Event:   event,
		Payload: mustJSON(snap),
	}
}

func writeRelayError(peer *wsPeer, channel, message string) error {
	return peer.writeFrame(Frame{Type: FrameError, Channel: channel, Message: message})
}

func mustJSON(v any) json.RawMessage {
	body, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("relay: marshal frame payload: %v", err))
	}
	return body
}
