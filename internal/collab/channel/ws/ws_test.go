package ws

import (
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/caseforge/caseforge/internal/collab/channel"
	"github.com/caseforge/caseforge/internal/relay"
)

func newRelayDialer(t *testing.T) (*Dialer, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(relay.New(relay.Options{}).Handler())
	t.Cleanup(srv.Close)

	dialer, err := NewDialer(srv.URL + "/ws")
	if err != nil {
		t.Fatalf("new dialer: %v", err)
	}
	return dialer, srv
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type statusLog struct {
	mu       sync.Mutex
	statuses []channel.Status
}

func (l *statusLog) record(status channel.Status) {
	l.mu.Lock()
	l.statuses = append(l.statuses, status)
	l.mu.Unlock()
}

func (l *statusLog) count(status channel.Status) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, s := range l.statuses {
		if s == status {
			n++
		}
	}
	return n
}

func subscribeWait(t *testing.T, ch channel.Channel) *statusLog {
	t.Helper()
	log := &statusLog{}
	if err := ch.Subscribe(log.record); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() {
		_ = ch.Unsubscribe()
	})
	waitFor(t, "subscription", func() bool {
		return log.count(channel.StatusSubscribed) > 0
	})
	return log
}

func TestNewDialerRejectsUnknownScheme(t *testing.T) {
	if _, err := NewDialer("ftp://relay/ws"); err == nil {
		t.Fatal("expected error for ftp scheme")
	}
}

func TestBroadcastBetweenChannels(t *testing.T) {
	dialer, _ := newRelayDialer(t)

	sender := dialer.Channel("room:case-1", channel.Options{PresenceKey: "alice"})
	receiver := dialer.Channel("room:case-1", channel.Options{PresenceKey: "bob"})

	var mu sync.Mutex
	var got []channel.Message
	receiver.OnBroadcast("update", func(msg channel.Message) {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
	})

	subscribeWait(t, sender)
	subscribeWait(t, receiver)

	if err := sender.Send("update", map[string]string{"data": "abc"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	waitFor(t, "broadcast delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if got[0].Event != "update" {
		t.Fatalf("event = %q, want update", got[0].Event)
	}
	var payload map[string]string
	if err := json.Unmarshal(got[0].Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["data"] != "abc" {
		t.Fatalf("payload = %v", payload)
	}
}

func TestSenderDoesNotReceiveOwnBroadcast(t *testing.T) {
	dialer, _ := newRelayDialer(t)

	ch := dialer.Channel("room:case-1", channel.Options{PresenceKey: "alice"})
	var mu sync.Mutex
	echoes := 0
	ch.OnBroadcast("update", func(channel.Message) {
		mu.Lock()
		echoes++
		mu.Unlock()
	})
	subscribeWait(t, ch)

	if err := ch.Send("update", map[string]string{"data": "abc"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if echoes != 0 {
		t.Fatalf("received %d echoes of own broadcast, want 0", echoes)
	}
}

func TestTrackPropagatesPresence(t *testing.T) {
	dialer, _ := newRelayDialer(t)

	first := dialer.Channel("room:case-1", channel.Options{PresenceKey: "alice"})
	second := dialer.Channel("room:case-1", channel.Options{PresenceKey: "bob"})

	var mu sync.Mutex
	joins := 0
	second.OnPresence(channel.PresenceJoin, func() {
		mu.Lock()
		joins++
		mu.Unlock()
	})

	subscribeWait(t, first)
	subscribeWait(t, second)

	if err := first.Track(map[string]string{"name": "Alice"}); err != nil {
		t.Fatalf("track: %v", err)
	}

	waitFor(t, "presence join", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return joins > 0
	})
	waitFor(t, "presence snapshot", func() bool {
		_, ok := second.PresenceState()["alice"]
		return ok
	})
}

func TestUnsubscribeRemovesPresence(t *testing.T) {
	dialer, _ := newRelayDialer(t)

	first := dialer.Channel("room:case-1", channel.Options{PresenceKey: "alice"})
	second := dialer.Channel("room:case-1", channel.Options{PresenceKey: "bob"})

	var mu sync.Mutex
	leaves := 0
	second.OnPresence(channel.PresenceLeave, func() {
		mu.Lock()
		leaves++
		mu.Unlock()
	})

	subscribeWait(t, first)
	subscribeWait(t, second)

	if err := first.Track(map[string]string{"name": "Alice"}); err != nil {
		t.Fatalf("track: %v", err)
	}
	waitFor(t, "presence snapshot", func() bool {
		_, ok := second.PresenceState()["alice"]
		return ok
	})

	if err := first.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}

	waitFor(t, "presence leave", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return leaves > 0
	})
	waitFor(t, "presence removal", func() bool {
		_, ok := second.PresenceState()["alice"]
		return !ok
	})
}

func TestTrackBeforeSubscribeFails(t *testing.T) {
	dialer, _ := newRelayDialer(t)
	ch := dialer.Channel("room:case-1", channel.Options{PresenceKey: "alice"})
	if err := ch.Track(map[string]string{}); err == nil {
		t.Fatal("expected error for track before subscribe")
	}
}

func TestSendWhileDisconnectedFails(t *testing.T) {
	dialer, _ := newRelayDialer(t)
	ch := dialer.Channel("room:case-1", channel.Options{PresenceKey: "alice"})
	if err := ch.Send("update", map[string]string{}); err == nil {
		t.Fatal("expected error for send before subscribe")
	}
}

func TestReconnectRejoinsAndRetracks(t *testing.T) {
	dialer, srv := newRelayDialer(t)

	first := dialer.Channel("room:case-1", channel.Options{PresenceKey: "alice"})
	log := subscribeWait(t, first)
	if err := first.Track(map[string]string{"name": "Alice"}); err != nil {
		t.Fatalf("track: %v", err)
	}
	waitFor(t, "own presence", func() bool {
		_, ok := first.PresenceState()["alice"]
		return ok
	})

	// Kill every live connection to force the reconnect path.
	srv.CloseClientConnections()

	waitFor(t, "resubscription after reconnect", func() bool {
		return log.count(channel.StatusSubscribed) >= 2
	})

	// A later joiner must see the re-tracked state, proving the channel
	// rejoined the relay rather than serving a stale cache.
	second := dialer.Channel("room:case-1", channel.Options{PresenceKey: "bob"})
	subscribeWait(t, second)
	waitFor(t, "peer sees re-tracked presence", func() bool {
		_, ok := second.PresenceState()["alice"]
		return ok
	})
}

func TestSecondSubscribeFails(t *testing.T) {
	dialer, _ := newRelayDialer(t)
	ch := dialer.Channel("room:case-1", channel.Options{PresenceKey: "alice"})
	subscribeWait(t, ch)
	if err := ch.Subscribe(func(channel.Status) {}); err == nil {
		t.Fatal("expected error for second subscribe")
	}
}
