package lock

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/caseforge/caseforge/internal/collab/channel"
)

func joinWait(t *testing.T, c *Coordinator) {
	t.Helper()
	if err := c.Join(); err != nil {
		t.Fatalf("join: %v", err)
	}
	waitFor(t, "subscription confirmed", c.Connected)
	t.Cleanup(func() {
		_ = c.Leave()
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRequestOpenRefusedWhileHeld(t *testing.T) {
	hub := channel.NewHub()
	a := New(hub, "doc-1", "title", Entry{ID: "alice", Name: "Alice"})
	b := New(hub, "doc-1", "title", Entry{ID: "bob", Name: "Bob"})
	joinWait(t, a)
	joinWait(t, b)

	if !a.RequestOpen() {
		t.Fatal("first open request refused")
	}
	waitFor(t, "lock visible to peer", func() bool {
		_, held := b.LockHolder()
		return held
	})

	if b.RequestOpen() {
		t.Fatal("open granted while peer holds the lock")
	}
	holder, _ := b.LockHolder()
	if holder.ID != "alice" {
		t.Fatalf("expected alice as holder, got %q", holder.ID)
	}
}

func TestCommitDeliversValueAndReleases(t *testing.T) {
	hub := channel.NewHub()
	a := New(hub, "doc-1", "title", Entry{ID: "alice"})
	b := New(hub, "doc-1", "title", Entry{ID: "bob"})

	received := make(chan string, 1)
	b.OnValue(func(value json.RawMessage) {
		var s string
		if err := json.Unmarshal(value, &s); err != nil {
			t.Errorf("unmarshal committed value: %v", err)
			return
		}
		received <- s
	})
	a.OnValue(func(json.RawMessage) {
		t.Error("sender received its own committed value")
	})

	joinWait(t, a)
	joinWait(t, b)

	if !a.RequestOpen() {
		t.Fatal("open request refused")
	}
	if err := a.Commit("new value"); err != nil {
		t.Fatalf("commit: %v", err)
	}

	select {
	case got := <-received:
		if got != "new value" {
			t.Fatalf("expected committed value, got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("peer never received the committed value")
	}

	waitFor(t, "lock released after commit", func() bool {
		_, held := b.LockHolder()
		return !held
	})
	if !b.RequestOpen() {
		t.Fatal("open refused after holder committed")
	}
}

func TestReleaseFreesLockWithoutValue(t *testing.T) {
	hub := channel.NewHub()
	a := New(hub, "doc-2", "motive", Entry{ID: "alice"})
	b := New(hub, "doc-2", "motive", Entry{ID: "bob"})
	b.OnValue(func(json.RawMessage) {
		t.Error("release must not broadcast a value")
	})

	joinWait(t, a)
	joinWait(t, b)

	if !a.RequestOpen() {
		t.Fatal("open request refused")
	}
	waitFor(t, "lock visible to peer", func() bool {
		_, held := b.LockHolder()
		return held
	})
	if err := a.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	waitFor(t, "lock released", func() bool {
		_, held := b.LockHolder()
		return !held
	})
	if !b.RequestOpen() {
		t.Fatal("open refused after release")
	}
}

func TestRequestOpenWhileDisconnectedIsNoOp(t *testing.T) {
	hub := channel.NewHub()
	c := New(hub, "doc-3", "body", Entry{ID: "alice"})
	if c.RequestOpen() {
		t.Fatal("open granted before join")
	}
}

func TestLeaveRemovesHolderEntry(t *testing.T) {
	hub := channel.NewHub()
	a := New(hub, "doc-4", "title", Entry{ID: "alice"})
	b := New(hub, "doc-4", "title", Entry{ID: "bob"})
	joinWait(t, a)
	joinWait(t, b)

	if !a.RequestOpen() {
		t.Fatal("open request refused")
	}
	waitFor(t, "lock visible to peer", func() bool {
		_, held := b.LockHolder()
		return held
	})

	// A crashed or departed holder self-heals via leave detection.
	if err := a.Leave(); err != nil {
		t.Fatalf("leave: %v", err)
	}
	waitFor(t, "holder entry removed", func() bool {
		_, held := b.LockHolder()
		return !held
	})
	if !b.RequestOpen() {
		t.Fatal("open refused after holder left")
	}
}
