// Package test holds shared test helpers for the core state service:
// timeout-guarded waiting, stack dumps on a stuck shutdown, and an
// in-memory Transport pairing two peers without a real socket.
package test

import (
	"runtime"
	"sync"
	"testing"
	"time"

	"mqttsn/internal/types"
	"mqttsn/transport"
)

// WaitThisOrTimeout runs cb in its own goroutine and reports whether
// it finished before duration elapsed.
func WaitThisOrTimeout(cb func(), duration time.Duration) bool {
	done := make(chan bool, 1)
	go func() {
		cb()
		done <- true
	}()
	select {
	case <-done:
		return true
	case <-time.After(duration):
		return false
	}
}

// PrintStackTrace dumps every goroutine's stack into the test log,
// for diagnosing a shutdown that didn't complete within its deadline.
func PrintStackTrace(t *testing.T) {
	buf := make([]byte, 1<<16)
	n := runtime.Stack(buf, true)
	t.Errorf("%s", buf[:n])
}

// Link is a pair of in-memory Transport endpoints wired directly to
// each other: anything Sent on one side arrives in the other's
// Listen channel, keyed by the sender's own PeerContext. No socket,
// no serialization boundary -- the codec.Serialize/Parse round trip
// still happens on each side exactly as it would over UDP.
type Link struct {
	a, b *FakeTransport
}

// NewLink builds a connected pair. selfA/selfB are the PeerContext
// each side's Send calls will appear to originate from, as observed
// by the other side's Listen channel.
func NewLink(selfA, selfB types.PeerContext) (a, b *FakeTransport) {
	a = &FakeTransport{self: selfA, inbox: make(chan transport.Datagram, 64)}
	b = &FakeTransport{self: selfB, inbox: make(chan transport.Datagram, 64)}
	a.peer = b
	b.peer = a
	return a, b
}

// FakeTransport is a Transport that delivers frames directly to a
// paired FakeTransport's inbox, for deterministic tests that don't
// want a real socket.
type FakeTransport struct {
	self types.PeerContext
	peer *FakeTransport

	mu     sync.Mutex
	closed bool
	inbox  chan transport.Datagram
}

func (f *FakeTransport) Send(peer types.PeerContext, frame []byte) error {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	f.peer.inbox <- transport.Datagram{Peer: f.self, Frame: frame}
	return nil
}

func (f *FakeTransport) Listen() <-chan transport.Datagram { return f.inbox }

func (f *FakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	close(f.inbox)
	return nil
}

var _ transport.Transport = (*FakeTransport)(nil)
