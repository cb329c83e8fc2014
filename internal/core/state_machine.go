// Package core implements Component E of the per-peer message state
// service: the state machine orchestrating send, receive, and the
// reaper over the lower components. It is the only
// package that talks to every one of A-D plus the external
// collaborators (codec, transport, registry, queue, security).
package core

import (
	"errors"
	"time"

	"mqttsn/codec"
	"mqttsn/internal/activity"
	"mqttsn/internal/config"
	"mqttsn/internal/inflight"
	"mqttsn/internal/invoker"
	"mqttsn/internal/log"
	"mqttsn/internal/metrics"
	"mqttsn/internal/token"
	"mqttsn/internal/types"
	"mqttsn/security"
	"mqttsn/transport"
)

// maxSaturationRetries bounds the client-mode "wait on the oldest
// blocker and retry" loop with an explicit cap instead of unbounded
// recursion, so a pathologically long string of retries can't grow
// the stack; there is no further bound on the number of distinct
// peers a caller could be saturated against, only on retries against
// the *same* slot.
const maxSaturationRetries = 64

// StateMachine drives send_message, notify_received, and the reaper
// over the lower components.
type StateMachine struct {
	cfg       *config.Config
	log       log.Logger
	metrics   *metrics.Collectors
	codec     codec.Codec
	transport transport.Transport
	inflight  *inflight.Table
	activity  *activity.Clock
	app       Application
	requeue   Requeuer
	security  security.Service
	invoker   invoker.Invoker
	allowed   AllowedToSend
}

// New builds a StateMachine wiring every lower component together.
// allowed may be nil.
func New(
	cfg *config.Config,
	logger log.Logger,
	collectors *metrics.Collectors,
	c codec.Codec,
	tr transport.Transport,
	inf *inflight.Table,
	clk *activity.Clock,
	app Application,
	requeue Requeuer,
	sec security.Service,
	inv invoker.Invoker,
	allowed AllowedToSend,
) *StateMachine {
	return &StateMachine{
		cfg:       cfg,
		log:       logger,
		metrics:   collectors,
		codec:     c,
		transport: tr,
		inflight:  inf,
		activity:  clk,
		app:       app,
		requeue:   requeue,
		security:  sec,
		invoker:   inv,
		allowed:   allowed,
	}
}

// SendMessage implements send path.
func (sm *StateMachine) SendMessage(peer types.PeerContext, msg types.Message, queued *types.QueuedPublish) (types.Token, error) {
	if sm.allowed != nil && !sm.allowed(peer, msg) {
		return nil, ErrExpectationFailed
	}

	source := sm.codec.Classify(msg)
	if err := sm.awaitCapacity(peer, source); err != nil {
		return nil, err
	}

	var tok types.Token
	requiresResponse := sm.codec.RequiresResponse(msg)
	if requiresResponse {
		var err error
		tok, err = sm.markInflight(peer, msg, queued)
		if err != nil {
			return nil, err
		}
	}

	frame, err := sm.codec.Serialize(msg)
	if err != nil {
		if tok != nil {
			tok.Fail(err)
		}
		return nil, err
	}

	writeErr := sm.transport.Send(peer, frame)
	sm.onWriteComplete(peer, msg, queued, tok, requiresResponse, writeErr)
	if writeErr != nil {
		return tok, ErrTransportFailure
	}
	return tok, nil
}

// awaitCapacity implements step 3: when (peer, source) is saturated,
// client mode waits on the oldest blocker's token and retries (bounded
// by maxSaturationRetries instead of recursion); gateway mode fails
// immediately.
func (sm *StateMachine) awaitCapacity(peer types.PeerContext, source types.Direction) error {
	for i := 0; i < maxSaturationRetries; i++ {
		if sm.inflight.Count(peer, source) < sm.cfg.MaxMessagesInflight {
			return nil
		}
		if !sm.cfg.ClientMode {
			return ErrExpectationFailed
		}

		_, blocker, ok := sm.inflight.Oldest(peer, source)
		if !ok || blocker.Token == nil {
			return ErrExpectationFailed
		}
		if _, err := blocker.Token.Await(sm.cfg.MaxWait, sm.cfg.MaxErrorRetryTime); err != nil {
			return ErrExpectationFailed
		}
	}
	return ErrExpectationFailed
}

// markInflight implements mark_inflight, shared by the
// send path (step 4) and the receive path's Branch C pin.
func (sm *StateMachine) markInflight(peer types.PeerContext, msg types.Message, queued *types.QueuedPublish) (types.Token, error) {
	source := sm.codec.Classify(msg)
	if msg.Kind() == types.PUBLISH {
		if queued != nil {
			source = types.LOCAL
		} else {
			source = types.REMOTE
		}
	}

	id := msg.ID()
	if msg.NeedsID() && id == 0 {
		return sm.insertFresh(peer, source, msg, queued, 0, true)
	}
	if !msg.NeedsID() {
		id = types.WeakAttach
	}

	// Reuse the existing id's entry if one is live: this covers both a
	// DUP retransmit sharing the original id, and a QoS 2 continuation
	// (PUBREL sent after a kept PUBREC match) that must keep answering
	// the same caller's token rather than mint a fresh one.
	if existing, ok := sm.inflight.Get(peer, source, id); ok {
		existing.Message = msg
		return existing.Token, nil
	}
	return sm.insertFresh(peer, source, msg, queued, id, false)
}

func (sm *StateMachine) insertFresh(peer types.PeerContext, source types.Direction, msg types.Message, queued *types.QueuedPublish, id types.PacketId, allocate bool) (types.Token, error) {
	tok := token.New(msg)
	entry := &types.InflightEntry{
		Message:   msg,
		Source:    source,
		Token:     tok,
		Queued:    queued,
		CreatedAt: time.Now(),
	}

	if allocate {
		allocated, err := sm.inflight.AllocateAndAdd(peer, source, entry)
		if err == nil {
			msg.SetID(allocated)
			if queued != nil {
				queued.LastAssignedMsgID = allocated
			}
			return tok, nil
		}
		if errors.Is(err, inflight.ErrIdExhausted) {
			return nil, err
		}
		if source != types.REMOTE || !errors.Is(err, inflight.ErrCapacityExceeded) {
			return nil, ErrExpectationFailed
		}
		// REMOTE-direction overflow is tolerated: still
		// allocate an id, just bypass the capacity gate on insert.
		sm.log.WithFields(log.Fields{
			"peer":        peer,
			"direction":   source,
			"packet_kind": msg.Kind(),
		}).Warnf("remote inflight overflow, tolerating: %v", err)
		allocated, err = sm.inflight.NextID(peer, source)
		if err != nil {
			return nil, err
		}
		sm.inflight.AddTolerant(peer, source, allocated, entry)
		msg.SetID(allocated)
		return tok, nil
	}

	if err := sm.inflight.Add(peer, source, id, entry); err != nil {
		if source != types.REMOTE || !errors.Is(err, inflight.ErrCapacityExceeded) {
			return nil, ErrExpectationFailed
		}
		sm.log.WithFields(log.Fields{
			"peer":      peer,
			"direction": source,
			"packet_id": id,
		}).Warnf("remote inflight overflow, tolerating: %v", err)
		sm.inflight.AddTolerant(peer, source, id, entry)
		return tok, nil
	}
	return tok, nil
}

// onWriteComplete implements step 5: update the activity clock, and
// for publishes that don't require a response (QoS 0 outbound), emit
// the outbound commit directly since no PUBACK/PUBREC will ever do it.
func (sm *StateMachine) onWriteComplete(peer types.PeerContext, msg types.Message, queued *types.QueuedPublish, tok types.Token, requiresResponse bool, writeErr error) {
	if writeErr != nil {
		sm.log.WithFields(log.Fields{
			"peer":        peer,
			"packet_kind": msg.Kind(),
		}).Warnf("transport write failed: %v", writeErr)
		if tok != nil {
			tok.Fail(ErrTransportFailure)
		}
		return
	}

	active := sm.codec.IsActive(msg) && !sm.codec.IsError(msg)
	now := time.Now()
	sm.activity.RecordSend(peer, now, active)

	if !requiresResponse && msg.Kind() == types.PUBLISH {
		sm.dispatchCommit(types.CommitOperation{
			Peer:            peer,
			OriginalMessage: msg,
			Direction:       types.CommitOutbound,
		})
	}
}

// NotifyReceived implements receive path.
func (sm *StateMachine) NotifyReceived(peer types.PeerContext, msg types.Message) (types.Message, error) {
	active := sm.codec.IsActive(msg) && !sm.codec.IsError(msg)
	now := time.Now()
	sm.activity.RecordReceive(peer, now, active)

	sourceForLookup := types.REMOTE
	if !sm.originatesExchange(msg) {
		sourceForLookup = types.LOCAL
	}
	lookupID := msg.ID()
	if !msg.NeedsID() {
		lookupID = types.WeakAttach
	}

	entry, matched := sm.inflight.Get(peer, sourceForLookup, lookupID)
	terminal := sm.codec.IsTerminal(msg)

	switch {
	case matched && terminal:
		return sm.branchTerminal(peer, sourceForLookup, lookupID, entry, msg)
	case matched && !terminal:
		return sm.branchMidFlow(peer, entry, msg)
	default:
		return sm.branchUnmatched(peer, msg)
	}
}

// originatesExchange mirrors codec.Classify's sense but answers the
// receive path's own question: true for message
// kinds that originate an exchange, independent of who is sending them
// on this particular occasion.
func (sm *StateMachine) originatesExchange(msg types.Message) bool {
	return sm.codec.Classify(msg) == types.LOCAL
}

// branchTerminal implements Branch A: matched && terminal.
func (sm *StateMachine) branchTerminal(peer types.PeerContext, source types.Direction, id types.PacketId, entry *types.InflightEntry, msg types.Message) (types.Message, error) {
	removed, ok := sm.inflight.Remove(peer, source, id)
	if !ok {
		sm.log.WithFields(log.Fields{
			"peer":      peer,
			"direction": source,
			"packet_id": id,
		}).Warnf("entry reaped concurrently")
		return nil, nil
	}
	entry = removed

	if !sm.codec.ValidResponse(entry.Message, msg) {
		if msg.Kind() == types.DISCONNECT {
			if entry.Token != nil {
				entry.Token.Fail(ErrUnexpectedDisconnect)
			}
			sm.app.RemoteDisconnect(peer)
			return nil, nil
		}
		if entry.Token != nil {
			entry.Token.Fail(ErrInvalidResponse)
		}
		return nil, ErrInvalidResponse
	}

	isError := sm.codec.IsError(msg)
	if entry.Token != nil {
		if isError {
			entry.Token.Fail(ErrProtocolError)
		} else {
			entry.Token.Complete(msg)
		}
	}

	if isError && entry.Requeueable() {
		sm.handleRequeueOnError(peer, entry)
	}

	if !isError {
		switch msg.Kind() {
		case types.PUBREL:
			sm.dispatchInboundPublish(peer, entry.Message)
		case types.PUBACK:
			sm.dispatchCommit(types.CommitOperation{
				Peer:            peer,
				OriginalMessage: entry.Message,
				Direction:       types.CommitOutbound,
			})
		}
	}

	return entry.Message, nil
}

func (sm *StateMachine) handleRequeueOnError(peer types.PeerContext, entry *types.InflightEntry) {
	q := entry.Queued
	if q.RetryCount >= sm.cfg.MaxErrorRetries {
		sm.app.MessageSendFailure(peer, q)
		return
	}
	sm.requeue.Requeue(peer, q)
	if sm.metrics != nil {
		sm.metrics.Requeues.Inc()
	}
	sm.app.Requeued(peer)
}

// branchMidFlow implements Branch B: matched && !terminal (a
// mid-exchange response such as PUBREC). The entry is kept; the
// PUBREL/PUBCOMP turn still uses the same id.
func (sm *StateMachine) branchMidFlow(peer types.PeerContext, entry *types.InflightEntry, msg types.Message) (types.Message, error) {
	if msg.Kind() == types.PUBREC {
		sm.dispatchCommit(types.CommitOperation{
			Peer:            peer,
			OriginalMessage: entry.Message,
			Direction:       types.CommitOutbound,
		})
	}
	return nil, nil
}

// branchUnmatched implements Branch C: !matched, a peer-initiated frame.
func (sm *StateMachine) branchUnmatched(peer types.PeerContext, msg types.Message) (types.Message, error) {
	if msg.Kind() != types.PUBLISH {
		return nil, nil
	}

	qos, _ := sm.codec.PublishQoS(msg)
	if qos == 2 {
		if _, err := sm.markInflight(peer, msg, nil); err != nil {
			sm.log.WithFields(log.Fields{
				"peer":        peer,
				"packet_kind": msg.Kind(),
			}).Warnf("failed pinning inbound QoS 2 publish: %v", err)
		}
		return nil, nil
	}

	sm.dispatchInboundPublish(peer, msg)
	return nil, nil
}

// dispatchInboundPublish unwraps a publish's payload through the
// security service before handing it to the application; a failed
// unwrap drops the commit silently.
func (sm *StateMachine) dispatchInboundPublish(peer types.PeerContext, msg types.Message) {
	payload, _ := sm.codec.PublishPayload(msg)
	if payload != nil {
		unwrapped, err := sm.security.Unwrap(payload)
		if err != nil {
			sm.log.WithFields(log.Fields{
				"peer":        peer,
				"packet_kind": msg.Kind(),
			}).Warnf("security unwrap failed: %v", err)
			return
		}
		payload = unwrapped
	}
	sm.dispatchCommit(types.CommitOperation{
		Peer:            peer,
		Data:            payload,
		OriginalMessage: msg,
		Direction:       types.CommitInbound,
	})
}

// dispatchCommit hands op to the application executor off the
// protocol thread.
func (sm *StateMachine) dispatchCommit(op types.CommitOperation) {
	if sm.metrics != nil {
		sm.metrics.Commits.WithLabelValues(directionLabel(op.Direction)).Inc()
	}
	sm.invoker.Spawn(func() {
		sm.app.Deliver(op)
	})
}

func directionLabel(d types.CommitOperationKind) string {
	if d == types.CommitInbound {
		return "inbound"
	}
	return "outbound"
}

// ClearInflight implements the reaper's clear_inflight.
func (sm *StateMachine) ClearInflight(peer types.PeerContext, evictionTime time.Time) {
	removedLocal := sm.inflight.Sweep(peer, types.LOCAL, sm.cfg.MaxTimeInflight, evictionTime)
	sm.reapEntries(peer, removedLocal)

	if sm.cfg.ReapReceivingMessages {
		removedRemote := sm.inflight.Sweep(peer, types.REMOTE, sm.cfg.MaxTimeInflight, evictionTime)
		sm.reapEntries(peer, removedRemote)
	}
}

func (sm *StateMachine) reapEntries(peer types.PeerContext, removed []*types.InflightEntry) {
	for _, entry := range removed {
		if entry.Token != nil && !entry.Token.IsComplete() && !entry.Token.IsError() {
			entry.Token.Fail(token.ErrTimeout)
			if sm.metrics != nil {
				sm.metrics.TokenTimeouts.Inc()
			}
		}

		if !entry.Requeueable() || !sm.cfg.RequeueOnInflightTimeout {
			continue
		}

		q := entry.Queued
		lostConnection := q.RetryCount >= sm.cfg.MaxErrorRetries
		if lostConnection {
			q.RetryCount = 0
		}
		sm.requeue.Requeue(peer, q)
		if sm.metrics != nil {
			sm.metrics.Requeues.Inc()
		}
		sm.app.Requeued(peer)
		if lostConnection {
			sm.app.ConnectionLost(peer)
		}
	}
}

// Clear implements clear(peer): drop activity and let the caller drop
// any scheduler/LastUsedId state it owns. Inflight tables are purged
// separately via ClearInflight if desired.
func (sm *StateMachine) Clear(peer types.PeerContext) {
	sm.activity.Drop(peer)
}
