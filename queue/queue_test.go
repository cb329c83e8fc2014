package queue

import (
	"errors"
	"testing"

	"mqttsn/internal/types"
)

var peer = types.PeerContext{ClientID: "p"}

func TestInMemory_OfferPopIsFIFO(t *testing.T) {
	q := NewInMemory(0)
	a := &types.QueuedPublish{TopicPath: "a"}
	b := &types.QueuedPublish{TopicPath: "b"}

	if err := q.Offer(peer, a); err != nil {
		t.Fatalf("offer a failed: %v", err)
	}
	if err := q.Offer(peer, b); err != nil {
		t.Fatalf("offer b failed: %v", err)
	}
	if q.Len(peer) != 2 {
		t.Fatalf("expected len 2, got %d", q.Len(peer))
	}

	got, ok := q.Pop(peer)
	if !ok || got != a {
		t.Fatalf("expected a first, got %+v ok=%v", got, ok)
	}
	got, ok = q.Pop(peer)
	if !ok || got != b {
		t.Fatalf("expected b second, got %+v ok=%v", got, ok)
	}
	if _, ok := q.Pop(peer); ok {
		t.Fatalf("expected an empty queue")
	}
}

func TestInMemory_OfferRejectsPastCapacity(t *testing.T) {
	q := NewInMemory(1)
	if err := q.Offer(peer, &types.QueuedPublish{}); err != nil {
		t.Fatalf("first offer failed: %v", err)
	}
	if err := q.Offer(peer, &types.QueuedPublish{}); !errors.Is(err, ErrFull) {
		t.Fatalf("expected ErrFull, got %v", err)
	}
}

func TestInMemory_UnboundedWhenCapacityZero(t *testing.T) {
	q := NewInMemory(0)
	for i := 0; i < 100; i++ {
		if err := q.Offer(peer, &types.QueuedPublish{}); err != nil {
			t.Fatalf("offer %d failed: %v", i, err)
		}
	}
	if q.Len(peer) != 100 {
		t.Fatalf("expected 100 queued, got %d", q.Len(peer))
	}
}

func TestInMemory_RequeuePutsBackAtHeadBypassingCapacity(t *testing.T) {
	q := NewInMemory(1)
	first := &types.QueuedPublish{TopicPath: "first"}
	if err := q.Offer(peer, first); err != nil {
		t.Fatalf("offer failed: %v", err)
	}

	retry := &types.QueuedPublish{TopicPath: "retry"}
	q.Requeue(peer, retry)

	if q.Len(peer) != 2 {
		t.Fatalf("requeue must bypass the capacity check, got len %d", q.Len(peer))
	}
	got, _ := q.Pop(peer)
	if got != retry {
		t.Fatalf("expected the requeued entry at the head")
	}
}

func TestInMemory_Peek_DoesNotRemove(t *testing.T) {
	q := NewInMemory(0)
	p := &types.QueuedPublish{}
	q.Offer(peer, p)

	got, ok := q.Peek(peer)
	if !ok || got != p {
		t.Fatalf("unexpected peek result: %+v ok=%v", got, ok)
	}
	if q.Len(peer) != 1 {
		t.Fatalf("peek must not remove the entry")
	}
}

func TestInMemory_Drop(t *testing.T) {
	q := NewInMemory(0)
	q.Offer(peer, &types.QueuedPublish{})
	q.Drop(peer)
	if q.Len(peer) != 0 {
		t.Fatalf("expected an empty queue after Drop")
	}
}

func TestInMemory_QueuesAreIndependentPerPeer(t *testing.T) {
	q := NewInMemory(0)
	other := types.PeerContext{ClientID: "other"}
	q.Offer(peer, &types.QueuedPublish{})
	if q.Len(other) != 0 {
		t.Fatalf("peers must not share a queue")
	}
}
