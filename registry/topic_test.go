package registry

import (
	"errors"
	"testing"

	"mqttsn/internal/types"
)

var topicPeer = types.PeerContext{ClientID: "p"}

func TestInMemoryTopics_RegisterIsIdempotentPerPeerAndName(t *testing.T) {
	r := NewInMemoryTopics(nil)

	id1, err := r.Register(topicPeer, "sensors/temp")
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	id2, err := r.Register(topicPeer, "sensors/temp")
	if err != nil {
		t.Fatalf("second register failed: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected the same id for a repeated (peer, name), got %d and %d", id1, id2)
	}

	id3, err := r.Register(topicPeer, "sensors/humidity")
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if id3 == id1 {
		t.Fatalf("expected a distinct id for a distinct topic name")
	}
}

func TestInMemoryTopics_RegisterIsScopedPerPeer(t *testing.T) {
	r := NewInMemoryTopics(nil)
	other := types.PeerContext{ClientID: "other"}

	idA, _ := r.Register(topicPeer, "sensors/temp")
	idB, _ := r.Register(other, "sensors/temp")
	if idA != idB {
		t.Fatalf("two peers independently registering the same name both start from 1, got %d and %d", idA, idB)
	}

	nameA, err := r.Resolve(topicPeer, idA, Normal)
	if err != nil || nameA != "sensors/temp" {
		t.Fatalf("unexpected resolve for peer A: %q err=%v", nameA, err)
	}
	if _, err := r.Resolve(other, idA+100, Normal); !errors.Is(err, ErrTopicNotFound) {
		t.Fatalf("expected ErrTopicNotFound for an unregistered id, got %v", err)
	}
}

func TestInMemoryTopics_PredefinedResolvesWithoutRegistration(t *testing.T) {
	r := NewInMemoryTopics(map[uint16]string{5: "gateway/status"})

	name, err := r.Resolve(topicPeer, 5, Predefined)
	if err != nil || name != "gateway/status" {
		t.Fatalf("unexpected resolve: %q err=%v", name, err)
	}
	if _, err := r.Resolve(topicPeer, 6, Predefined); !errors.Is(err, ErrTopicNotFound) {
		t.Fatalf("expected ErrTopicNotFound for an unknown predefined id, got %v", err)
	}
}

func TestInMemoryTopics_Drop(t *testing.T) {
	r := NewInMemoryTopics(nil)
	id, _ := r.Register(topicPeer, "sensors/temp")

	r.Drop(topicPeer)

	if _, err := r.Resolve(topicPeer, id, Normal); !errors.Is(err, ErrTopicNotFound) {
		t.Fatalf("expected the registration dropped, got %v", err)
	}

	// A later registration from the same peer starts fresh, not from
	// where the dropped table left off.
	newID, err := r.Register(topicPeer, "sensors/temp")
	if err != nil {
		t.Fatalf("register after drop failed: %v", err)
	}
	if newID != id {
		t.Fatalf("expected the allocator to restart at 1 after Drop, got %d want %d", newID, id)
	}
}
