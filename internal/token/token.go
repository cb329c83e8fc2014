// Package token implements Component A of the core state service: a
// single-shot rendezvous between the sender thread and the network
// response that resolves it.
package token

import (
	"errors"
	"sync"
	"time"

	"mqttsn/internal/types"
)

// ErrTimeout is returned by Await when the deadline elapses before
// the token resolves.
var ErrTimeout = errors.New("token: await deadline elapsed")

type state int

const (
	pending state = iota
	complete
	failed
)

// Token is a single-use synchronization object carrying the
// originating message and, eventually, a response or an error. The
// zero value is not usable; build one with New.
//
// Resolution is a closed channel rather than a sync.Cond: every
// waiter (there may be several, "wake all waiters")
// simply selects on the same closed channel, which is the idiomatic
// one-shot broadcast in Go.
type Token struct {
	mu       sync.Mutex
	state    state
	message  types.Message
	response types.Message
	err      error
	done     chan struct{}
}

var _ types.Token = (*Token)(nil)

// New creates a PENDING token carrying the originating message.
func New(message types.Message) *Token {
	return &Token{
		message: message,
		done:    make(chan struct{}),
	}
}

// Message returns the originating request this token was created for.
func (t *Token) Message() types.Message {
	return t.message
}

// Complete sets the response and marks the token COMPLETE, waking all
// waiters. Idempotent: a call after the token already resolved is a
// no-op.
func (t *Token) Complete(response types.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != pending {
		return
	}
	t.response = response
	t.state = complete
	close(t.done)
}

// Fail marks the token ERROR with reason, waking all waiters.
// Idempotent in the same way as Complete.
func (t *Token) Fail(reason error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != pending {
		return
	}
	t.err = reason
	t.state = failed
	close(t.done)
}

// IsComplete reports whether the token resolved successfully, without
// blocking.
func (t *Token) IsComplete() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == complete
}

// IsError reports whether the token resolved with an error, without
// blocking.
func (t *Token) IsError() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == failed
}

// Await blocks until the token is COMPLETE, ERROR, or the timeout
// elapses, whichever comes first.
//
// maxErrorRetryTime lower-bounds the effective wait: the caller's
// timeout is extended to max(timeout, maxErrorRetryTime) so
// error-retry pathways elsewhere in the system have room to finish
// even under an aggressive caller deadline. Once
// resolved, every subsequent Await (from any goroutine) returns the
// final outcome immediately, since t.done is already closed.
func (t *Token) Await(timeout, maxErrorRetryTime time.Duration) (types.Message, error) {
	effective := timeout
	if maxErrorRetryTime > effective {
		effective = maxErrorRetryTime
	}

	timer := time.NewTimer(effective)
	defer timer.Stop()

	select {
	case <-t.done:
	case <-timer.C:
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case complete:
		return t.response, nil
	case failed:
		return nil, t.err
	default:
		return nil, ErrTimeout
	}
}
