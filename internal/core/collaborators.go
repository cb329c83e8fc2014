package core

import "mqttsn/internal/types"

// Application is the asynchronous executor commit operations and
// advisory notifications are handed to. The protocol and timer
// threads never call into Application directly with blocking work;
// StateMachine always does so through its invoker.
type Application interface {
	// Deliver hands off one confirmed publish, inbound or outbound.
	Deliver(op types.CommitOperation)

	// ActiveTimeout fires when a peer's activity clock exceeds
	// active_context_timeout. Advisory: the application
	// decides whether to disconnect.
	ActiveTimeout(peer types.PeerContext)

	// RemoteDisconnect fires when a DISCONNECT arrives that didn't
	// validly answer the stored request.
	RemoteDisconnect(peer types.PeerContext)

	// MessageSendFailure fires when a requeueable publish exhausts
	// max_error_retries.
	MessageSendFailure(peer types.PeerContext, queued *types.QueuedPublish)

	// ConnectionLost fires when the reaper evicts a peer's entries
	// past max_time_inflight with retries already exhausted.
	ConnectionLost(peer types.PeerContext)

	// Requeued fires whenever the state machine puts a publish back
	// onto peer's queue via Requeuer, whether from an error response
	// or a reaper timeout. The queue itself has no notion of a flush
	// scheduler, so whatever drives one (mqttsn.Service) needs this
	// signal to know a peer that had gone idle has work again.
	Requeued(peer types.PeerContext)
}

// Requeuer is the narrow slice of the message queue's contract the
// state machine needs to put a failed or timed-out publish back at
// the head of its peer's queue, bypassing the capacity check a fresh
// Publish call would be subject to -- a retry must never lose to a
// newer publish racing it for the last slot. queue.Queue's own
// Requeue method satisfies this signature directly (mqttsn.Service
// still passes it through a thin requeuer wrapper).
type Requeuer interface {
	Requeue(peer types.PeerContext, p *types.QueuedPublish)
}

// AllowedToSend is the extension point of send-path step
// 1. A nil gate is equivalent to always returning true.
type AllowedToSend func(peer types.PeerContext, msg types.Message) bool
