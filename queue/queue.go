// Package queue holds the message-queue external collaborator: a
// per-peer bounded FIFO of queued publishes that the flush scheduler
// (internal/scheduler) drains. The core only ever depends on the
// Queue interface and the scheduler.QueueProcessor adapter in mqttsn
// that bridges the two.
package queue

import (
	"errors"
	"sync"

	"mqttsn/internal/types"
)

// ErrFull is returned by Offer when a peer's queue is already at
// capacity.
var ErrFull = errors.New("queue: peer queue is full")

// Queue is a per-peer bounded FIFO of publishes awaiting transmission.
type Queue interface {
	// Offer appends p to peer's queue, or returns ErrFull.
	Offer(peer types.PeerContext, p *types.QueuedPublish) error

	// Peek returns the head of peer's queue without removing it, or
	// false if the queue is empty.
	Peek(peer types.PeerContext) (*types.QueuedPublish, bool)

	// Pop removes and returns the head of peer's queue.
	Pop(peer types.PeerContext) (*types.QueuedPublish, bool)

	// Requeue puts p back at the head of peer's queue (a failed or
	// timed-out send being retried), bypassing the capacity check.
	Requeue(peer types.PeerContext, p *types.QueuedPublish)

	// Len reports how many publishes are queued for peer.
	Len(peer types.PeerContext) int

	// Drop discards every publish queued for peer.
	Drop(peer types.PeerContext)
}

// InMemory is a process-local Queue bounding each peer's FIFO at
// capacity entries.
type InMemory struct {
	capacity int

	mu    sync.Mutex
	queues map[types.PeerContext][]*types.QueuedPublish
}

func NewInMemory(capacity int) *InMemory {
	return &InMemory{
		capacity: capacity,
		queues:   make(map[types.PeerContext][]*types.QueuedPublish),
	}
}

func (q *InMemory) Offer(peer types.PeerContext, p *types.QueuedPublish) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	existing := q.queues[peer]
	if q.capacity > 0 && len(existing) >= q.capacity {
		return ErrFull
	}
	q.queues[peer] = append(existing, p)
	return nil
}

func (q *InMemory) Peek(peer types.PeerContext) (*types.QueuedPublish, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.queues[peer]
	if len(items) == 0 {
		return nil, false
	}
	return items[0], true
}

func (q *InMemory) Pop(peer types.PeerContext) (*types.QueuedPublish, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.queues[peer]
	if len(items) == 0 {
		return nil, false
	}
	head := items[0]
	q.queues[peer] = items[1:]
	return head, true
}

func (q *InMemory) Requeue(peer types.PeerContext, p *types.QueuedPublish) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queues[peer] = append([]*types.QueuedPublish{p}, q.queues[peer]...)
}

func (q *InMemory) Len(peer types.PeerContext) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[peer])
}

func (q *InMemory) Drop(peer types.PeerContext) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.queues, peer)
}

var _ Queue = (*InMemory)(nil)
