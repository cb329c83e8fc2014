package activity

import (
	"testing"
	"time"

	"mqttsn/internal/types"
)

func TestClock_RecordSendAndReceive(t *testing.T) {
	c := New()
	peer := types.PeerContext{ClientID: "a"}
	t0 := time.Now()

	c.RecordSend(peer, t0, true)
	activityState, ok := c.Get(peer)
	if !ok {
		t.Fatalf("expected activity recorded")
	}
	if activityState.LastSent != t0 || activityState.LastActiveMessage != t0 {
		t.Fatalf("expected last_sent == last_active == t0, got %+v", activityState)
	}

	t1 := t0.Add(time.Second)
	c.RecordReceive(peer, t1, false)
	activityState, _ = c.Get(peer)
	if activityState.LastReceived != t1 {
		t.Fatalf("expected last_received updated")
	}
	if activityState.LastActiveMessage != t0 {
		t.Fatalf("expected last_active unchanged for non-active receive")
	}
}

// S6: idle timeout.
func TestClock_SweepFiresActiveTimeoutOnce(t *testing.T) {
	c := New()
	peer := types.PeerContext{ClientID: "idle"}
	base := time.Now()
	c.RecordReceive(peer, base, true)

	fired := 0
	c.Sweep(base.Add(500*time.Millisecond), 500*time.Millisecond, func(types.PeerContext) { fired++ })
	if fired != 0 {
		t.Fatalf("expected no timeout exactly at the boundary, got %d", fired)
	}

	c.Sweep(base.Add(600*time.Millisecond), 500*time.Millisecond, func(p types.PeerContext) {
		fired++
		if p != peer {
			t.Fatalf("unexpected peer in callback: %v", p)
		}
	})
	if fired != 1 {
		t.Fatalf("expected exactly one active_timeout, got %d", fired)
	}

	if _, ok := c.Get(peer); ok {
		t.Fatalf("expected activity entry removed after timeout")
	}

	// A second sweep must not re-fire for the same (now gone) peer.
	c.Sweep(base.Add(10*time.Second), 500*time.Millisecond, func(types.PeerContext) {
		t.Fatalf("unexpected second firing for already-evicted peer")
	})
}

func TestClock_PeerNeverActiveIsNeverSwept(t *testing.T) {
	c := New()
	peer := types.PeerContext{ClientID: "quiet"}
	c.RecordSend(peer, time.Now().Add(-time.Hour), false)

	c.Sweep(time.Now(), time.Millisecond, func(types.PeerContext) {
		t.Fatalf("must not fire active_timeout for a peer with no recorded active message")
	})
}
