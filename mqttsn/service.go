// Package mqttsn wires Components A-E and the external collaborators
// into the one cohesive per-peer message state service: a Service that
// accepts application calls on one side, moves wire frames on the
// other, and keeps both client- and gateway-role peers in sync through
// internal/core's state machine: a context holder, a poweroff guard
// and a run/poll/process loop draining one inbound channel.
package mqttsn

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"mqttsn/codec"
	"mqttsn/codec/v12"
	"mqttsn/codec/v20"
	"mqttsn/internal/activity"
	"mqttsn/internal/config"
	"mqttsn/internal/core"
	"mqttsn/internal/inflight"
	"mqttsn/internal/invoker"
	"mqttsn/internal/log"
	"mqttsn/internal/metrics"
	"mqttsn/internal/scheduler"
	"mqttsn/internal/types"
	"mqttsn/queue"
	"mqttsn/registry"
	"mqttsn/security"
	"mqttsn/transport"
)

// PublishHandler receives every confirmed publish, inbound or
// outbound, off the protocol thread.
type PublishHandler func(op types.CommitOperation)

// Options configures a Service's collaborators. Every field but
// Transport has a working default (Codec falls back to the 1.2 codec);
// Transport must be supplied by the caller (a gateway's UDP listener,
// an in-memory fake for tests).
type Options struct {
	Config        *config.Config
	Logger        log.Logger
	Metrics       *metrics.Collectors
	Codec         codec.Codec
	Transport     transport.Transport
	Queue         queue.Queue
	Topics        registry.TopicRegistry
	Messages      registry.MessageRegistry
	Security      security.Service
	Invoker       invoker.Invoker
	OnPublish     PublishHandler
	AllowedToSend core.AllowedToSend
}

// CodecFor resolves the shared Codec implementation for a protocol
// version, used by callers building Options.Codec.
func CodecFor(v types.ProtocolVersion) codec.Codec {
	if v == types.V2_0 {
		return v20.New()
	}
	return v12.New()
}

// Service is the public facade: it owns the state machine, the flush
// scheduler, and every external collaborator, and exposes the
// client-role operations (Connect/Publish/Subscribe/...) applications
// call directly.
type Service struct {
	cfg       *config.Config
	log       log.Logger
	metrics   *metrics.Collectors
	codec     codec.Codec
	trans     transport.Transport
	sm        *core.StateMachine
	sched     *scheduler.Scheduler
	queue     queue.Queue
	topics    registry.TopicRegistry
	messages  registry.MessageRegistry
	security  security.Service
	inv       invoker.Invoker
	onPublish PublishHandler

	infl *inflight.Table

	mu      sync.Mutex
	started bool
	closeCh chan struct{}
	closed  bool
}

// New builds a Service. Run must be called to start draining the
// transport; closing it with Close stops both.
func New(opts Options) *Service {
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Logger == nil {
		opts.Logger = log.NewDefaultLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewCollectors("mqttsn")
	}
	if opts.Codec == nil {
		opts.Codec = v12.New()
	}
	if opts.Queue == nil {
		opts.Queue = queue.NewInMemory(opts.Config.MaxMessagesInflight * 16)
	}
	if opts.Topics == nil {
		opts.Topics = registry.NewInMemoryTopics(nil)
	}
	if opts.Messages == nil {
		opts.Messages = registry.NewInMemoryMessages()
	}
	if opts.Security == nil {
		opts.Security = security.Noop{}
	}
	if opts.Invoker == nil {
		opts.Invoker = invoker.Goroutine{}
	}
	if opts.OnPublish == nil {
		opts.OnPublish = func(types.CommitOperation) {}
	}

	svc := &Service{
		cfg:       opts.Config,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		codec:     opts.Codec,
		trans:     opts.Transport,
		queue:     opts.Queue,
		topics:    opts.Topics,
		messages:  opts.Messages,
		security:  opts.Security,
		inv:       opts.Invoker,
		onPublish: opts.OnPublish,
		closeCh:   make(chan struct{}),
	}

	clk := activity.New()
	inf := inflight.New(opts.Config.MaxMessagesInflight, opts.Config.MsgIDStart, opts.Metrics)
	svc.infl = inf
	svc.sm = core.New(opts.Config, opts.Logger, opts.Metrics, opts.Codec, opts.Transport,
		inf, clk, (*application)(svc), requeuer{svc.queue}, opts.Security, opts.Invoker, opts.AllowedToSend)

	svc.sched = scheduler.New(opts.Config.MinFlushTime, opts.Config.ActiveContextTimeout,
		&queueProcessor{svc: svc}, opts.Invoker, opts.Logger, opts.Metrics,
		func(peer types.PeerContext) time.Time {
			a, _ := clk.Get(peer)
			return a.LastReceived
		})

	go svc.sweepActivity(clk)

	return svc
}

// sweepActivity runs the idle-eviction pass of the activity clock, the
// inflight reaper, and the message registry's TTL tidy on one ticker
// until Close -- all three are periodic, peer-agnostic passes keyed
// off the same StateLoopTimeout.
func (s *Service) sweepActivity(clk *activity.Clock) {
	ticker := time.NewTicker(s.cfg.StateLoopTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-s.closeCh:
			return
		case <-ticker.C:
			now := time.Now()
			clk.Sweep(now, s.cfg.ActiveContextTimeout, func(peer types.PeerContext) {
				s.metrics.ActiveTimeouts.Inc()
				s.inv.Spawn(func() { s.onApplicationActiveTimeout(peer) })
			})
			for _, peer := range s.infl.Peers() {
				s.sm.ClearInflight(peer, now)
			}
			s.messages.Tidy(s.cfg.MaxTimeInflight)
		}
	}
}

func (s *Service) onApplicationActiveTimeout(peer types.PeerContext) {
	s.log.WithFields(log.Fields{"peer": peer}).Infof("exceeded active_context_timeout")
}

// Run starts draining the transport's inbound datagrams until Close.
// It blocks the calling goroutine; start it with `go svc.Run()`.
func (s *Service) Run() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	for {
		select {
		case <-s.closeCh:
			return
		case dg, ok := <-s.trans.Listen():
			if !ok {
				return
			}
			s.inv.Spawn(func() { s.handleDatagram(dg) })
		}
	}
}

func (s *Service) handleDatagram(dg transport.Datagram) {
	msg, err := s.codec.Parse(dg.Frame)
	if err != nil {
		s.log.WithFields(log.Fields{"peer": dg.Peer}).Warnf("failed to parse frame: %v", err)
		return
	}

	if _, err := s.sm.NotifyReceived(dg.Peer, msg); err != nil {
		s.log.WithFields(log.Fields{
			"peer":        dg.Peer,
			"packet_kind": msg.Kind(),
		}).Warnf("notify_received error: %v", err)
	}

	s.respondToRequest(dg.Peer, msg)
}

// respondToRequest synthesizes the minimal gateway-role acknowledgment
// a peer-initiated request expects. This is deliberately thin: full
// session/subscription bookkeeping sits outside the state service
// proper; it exists so the state machine's inflight/terminal
// bookkeeping on the peer's own eventual retry has something real to
// pair against in integration tests. Handles both wire versions since
// a Service only ever parses frames with the codec it was configured
// with, but a gateway process may run one Service per version.
func (s *Service) respondToRequest(peer types.PeerContext, msg types.Message) {
	switch m := msg.(type) {
	case *v12.Connect:
		s.sendFireAndForget(peer, &v12.Connack{ReturnCode: v12.Accepted})
	case *v20.Connect:
		s.sendFireAndForget(peer, &v20.Connack{ReturnCode: v20.Accepted})
	case *v12.Register:
		id, err := s.topics.Register(peer, m.TopicName)
		rc := v12.Accepted
		if err != nil {
			rc = v12.RejectedNotSupported
		}
		resp := &v12.Regack{TopicID: id, ReturnCode: rc}
		resp.SetID(m.ID())
		s.sendFireAndForget(peer, resp)
	case *v20.Register:
		id, err := s.topics.Register(peer, m.TopicName)
		rc := v20.Accepted
		if err != nil {
			rc = v20.RejectedNotSupported
		}
		resp := &v20.Regack{TopicID: id, ReturnCode: rc}
		resp.SetID(m.ID())
		s.sendFireAndForget(peer, resp)
	case *v12.Subscribe:
		resp := &v12.Suback{QoS: m.QoS, TopicID: m.TopicID, ReturnCode: v12.Accepted}
		resp.SetID(m.ID())
		s.sendFireAndForget(peer, resp)
	case *v20.Subscribe:
		resp := &v20.Suback{QoS: m.QoS, TopicID: m.TopicID, ReturnCode: v20.Accepted}
		resp.SetID(m.ID())
		s.sendFireAndForget(peer, resp)
	case *v12.Unsubscribe:
		resp := &v12.Unsuback{}
		resp.SetID(m.ID())
		s.sendFireAndForget(peer, resp)
	case *v20.Unsubscribe:
		resp := &v20.Unsuback{}
		resp.SetID(m.ID())
		s.sendFireAndForget(peer, resp)
	case *v12.Pingreq:
		s.sendFireAndForget(peer, &v12.Pingresp{})
	case *v20.Pingreq:
		s.sendFireAndForget(peer, &v20.Pingresp{})
	case *v12.Publish:
		switch m.QoS {
		case 1:
			resp := &v12.Puback{TopicID: m.TopicID, ReturnCode: v12.Accepted}
			resp.SetID(m.ID())
			s.sendFireAndForget(peer, resp)
		case 2:
			resp := &v12.Pubrec{}
			resp.SetID(m.ID())
			s.sendFireAndForget(peer, resp)
		}
	case *v20.Publish:
		switch m.QoS {
		case 1:
			resp := &v20.Puback{TopicID: m.TopicID, ReturnCode: v20.Accepted}
			resp.SetID(m.ID())
			s.sendFireAndForget(peer, resp)
		case 2:
			resp := &v20.Pubrec{}
			resp.SetID(m.ID())
			s.sendFireAndForget(peer, resp)
		}
	case *v12.Pubrel:
		resp := &v12.Pubcomp{}
		resp.SetID(m.ID())
		s.sendFireAndForget(peer, resp)
	case *v20.Pubrel:
		resp := &v20.Pubcomp{}
		resp.SetID(m.ID())
		s.sendFireAndForget(peer, resp)
	}
}

// sendFireAndForget writes a response that never enters the inflight
// table itself (CONNACK et al. answer somebody else's entry).
func (s *Service) sendFireAndForget(peer types.PeerContext, msg types.Message) {
	frame, err := s.codec.Serialize(msg)
	if err != nil {
		s.log.WithFields(log.Fields{
			"peer":        peer,
			"packet_kind": msg.Kind(),
		}).Errorf("failed to serialize response: %v", err)
		return
	}
	if err := s.trans.Send(peer, frame); err != nil {
		s.log.WithFields(log.Fields{
			"peer":        peer,
			"packet_kind": msg.Kind(),
		}).Warnf("failed to send response: %v", err)
	}
}

// Connect sends CONNECT and awaits CONNACK.
func (s *Service) Connect(peer types.PeerContext, clientID string, keepalive time.Duration, cleanSession bool) error {
	var msg types.Message
	if s.codec.Version() == types.V2_0 {
		msg = &v20.Connect{
			CleanSess: cleanSession,
			Duration:  uint16(keepalive / time.Second),
			ClientID:  clientID,
		}
	} else {
		msg = &v12.Connect{
			CleanSess: cleanSession,
			Duration:  uint16(keepalive / time.Second),
			ClientID:  clientID,
		}
	}
	tok, err := s.sm.SendMessage(peer, msg, nil)
	if err != nil {
		return err
	}
	_, err = tok.Await(s.cfg.MaxWait, s.cfg.MaxErrorRetryTime)
	return err
}

// Disconnect sends DISCONNECT without waiting for a reply (1.2/2.0
// both treat it as fire-and-forget from the client's side).
func (s *Service) Disconnect(peer types.PeerContext) error {
	var msg types.Message
	if s.codec.Version() == types.V2_0 {
		msg = &v20.Disconnect{}
	} else {
		msg = &v12.Disconnect{}
	}
	_, err := s.sm.SendMessage(peer, msg, nil)
	s.sm.Clear(peer)
	s.topics.Drop(peer)
	s.queue.Drop(peer)
	return err
}

// Publish enqueues payload for topic and schedules a flush; it does
// not block on delivery. The returned UUID keys the payload in the
// message registry and is the queued publish's UUID; the
// CommitOperation later delivered for this publish does not carry it
// (its UUID field is left nil).
func (s *Service) Publish(peer types.PeerContext, topic string, payload []byte, qos int, retained bool) uuid.UUID {
	id := s.messages.Put(payload)
	qp := &types.QueuedPublish{
		UUID:      id,
		TopicPath: topic,
		QoS:       qos,
		Retained:  retained,
	}
	if err := s.queue.Offer(peer, qp); err != nil {
		s.log.WithFields(log.Fields{
			"peer": peer,
			"uuid": id,
		}).Warnf("publish dropped, queue full: %v", err)
		s.messages.Delete(id)
		return uuid.Nil
	}
	s.sched.ScheduleFlush(peer)
	return id
}

// Subscribe sends SUBSCRIBE and awaits SUBACK.
func (s *Service) Subscribe(peer types.PeerContext, topic string, qos int) error {
	topicID, err := s.topics.Register(peer, topic)
	if err != nil {
		return err
	}
	var msg types.Message
	if s.codec.Version() == types.V2_0 {
		msg = &v20.Subscribe{QoS: qos, TopicIDType: v20.Normal, Topic: topic, TopicID: topicID}
	} else {
		msg = &v12.Subscribe{QoS: qos, TopicIDType: v12.Normal, Topic: topic, TopicID: topicID}
	}
	tok, err := s.sm.SendMessage(peer, msg, nil)
	if err != nil {
		return err
	}
	_, err = tok.Await(s.cfg.MaxWait, s.cfg.MaxErrorRetryTime)
	return err
}

// Unsubscribe sends UNSUBSCRIBE and awaits UNSUBACK.
func (s *Service) Unsubscribe(peer types.PeerContext, topic string) error {
	var msg types.Message
	if s.codec.Version() == types.V2_0 {
		msg = &v20.Unsubscribe{TopicIDType: v20.Normal, Topic: topic}
	} else {
		msg = &v12.Unsubscribe{TopicIDType: v12.Normal, Topic: topic}
	}
	tok, err := s.sm.SendMessage(peer, msg, nil)
	if err != nil {
		return err
	}
	_, err = tok.Await(s.cfg.MaxWait, s.cfg.MaxErrorRetryTime)
	return err
}

// Ping sends PINGREQ and awaits PINGRESP, the keepalive probe an
// application drives on its own timer.
func (s *Service) Ping(peer types.PeerContext, clientID string) error {
	var msg types.Message
	if s.codec.Version() == types.V2_0 {
		msg = &v20.Pingreq{ClientID: clientID}
	} else {
		msg = &v12.Pingreq{ClientID: clientID}
	}
	tok, err := s.sm.SendMessage(peer, msg, nil)
	if err != nil {
		return err
	}
	_, err = tok.Await(s.cfg.MaxWait, s.cfg.MaxErrorRetryTime)
	return err
}

// Close stops the receive loop and the activity sweep, and closes the
// transport. Idempotent.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.closeCh)
	s.mu.Unlock()

	if s.trans != nil {
		return s.trans.Close()
	}
	return nil
}

// application adapts Service to core.Application, keeping the
// callback surface (PublishHandler, logging-only notifications) out
// of the state machine's own package.
type application Service

func (a *application) Deliver(op types.CommitOperation) {
	(*Service)(a).onPublish(op)
}

func (a *application) ActiveTimeout(peer types.PeerContext) {
	(*Service)(a).onApplicationActiveTimeout(peer)
}

func (a *application) RemoteDisconnect(peer types.PeerContext) {
	(*Service)(a).log.WithFields(log.Fields{"peer": peer}).Infof("disconnected unexpectedly")
	(*Service)(a).sm.Clear(peer)
}

func (a *application) MessageSendFailure(peer types.PeerContext, queued *types.QueuedPublish) {
	(*Service)(a).log.WithFields(log.Fields{
		"peer":        peer,
		"uuid":        queued.UUID,
		"retry_count": queued.RetryCount,
	}).Warnf("giving up on publish after retries exhausted")
	(*Service)(a).messages.Delete(queued.UUID)
}

func (a *application) ConnectionLost(peer types.PeerContext) {
	(*Service)(a).log.WithFields(log.Fields{"peer": peer}).Warnf("connection presumed lost")
}

func (a *application) Requeued(peer types.PeerContext) {
	(*Service)(a).sched.ScheduleFlush(peer)
}

// requeuer adapts queue.Queue to core.Requeuer, routing the reaper's
// and the error-branch's retries through Requeue (head-of-queue,
// bypassing capacity) rather than Offer (tail-append, capacity
// bounded) -- a retry must win the race against a newer publish for
// the last slot in a full queue.
type requeuer struct {
	q queue.Queue
}

func (r requeuer) Requeue(peer types.PeerContext, p *types.QueuedPublish) {
	r.q.Requeue(peer, p)
}

// queueProcessor bridges queue.Queue to scheduler.QueueProcessor: one
// flush pops the head publish, resolves its topic id, wraps its
// payload through the security service, and hands it to the state
// machine to send.
type queueProcessor struct {
	svc *Service
}

func (p *queueProcessor) Process(peer types.PeerContext) scheduler.Result {
	qp, ok := p.svc.queue.Peek(peer)
	if !ok {
		return scheduler.RemoveProcess
	}

	payload, ok := p.svc.messages.Get(qp.UUID)
	if !ok {
		p.svc.log.WithFields(log.Fields{
			"peer": peer,
			"uuid": qp.UUID,
		}).Warnf("queued publish has no stored payload, dropping")
		p.svc.queue.Pop(peer)
		return p.nextResult(peer)
	}

	wrapped, err := p.svc.security.Wrap(payload)
	if err != nil {
		p.svc.log.WithFields(log.Fields{
			"peer": peer,
			"uuid": qp.UUID,
		}).Warnf("security wrap failed, dropping publish: %v", err)
		p.svc.queue.Pop(peer)
		p.svc.messages.Delete(qp.UUID)
		return p.nextResult(peer)
	}

	topicID, err := p.svc.topics.Register(peer, qp.TopicPath)
	if err != nil {
		p.svc.log.WithFields(log.Fields{
			"peer":  peer,
			"topic": qp.TopicPath,
		}).Warnf("topic registration failed: %v", err)
		return scheduler.BackoffProcess
	}

	var msg types.Message
	if p.svc.codec.Version() == types.V2_0 {
		m := &v20.Publish{Dup: qp.DUP(), QoS: qp.QoS, Retain: qp.Retained, TopicIDType: v20.Normal, TopicID: topicID, Data: wrapped}
		if qp.LastAssignedMsgID != 0 {
			m.SetID(qp.LastAssignedMsgID)
		}
		msg = m
	} else {
		m := &v12.Publish{Dup: qp.DUP(), QoS: qp.QoS, Retain: qp.Retained, TopicIDType: v12.Normal, TopicID: topicID, Data: wrapped}
		if qp.LastAssignedMsgID != 0 {
			m.SetID(qp.LastAssignedMsgID)
		}
		msg = m
	}

	qp.RetryCount++
	_, err = p.svc.sm.SendMessage(peer, msg, qp)
	if err != nil {
		p.svc.log.WithFields(log.Fields{
			"peer":        peer,
			"uuid":        qp.UUID,
			"retry_count": qp.RetryCount,
		}).Warnf("send failed, backing off: %v", err)
		return scheduler.BackoffProcess
	}

	p.svc.queue.Pop(peer)
	if qp.QoS == 0 {
		p.svc.messages.Delete(qp.UUID)
	}
	return p.nextResult(peer)
}

func (p *queueProcessor) nextResult(peer types.PeerContext) scheduler.Result {
	if p.svc.queue.Len(peer) > 0 {
		return scheduler.Reprocess
	}
	return scheduler.RemoveProcess
}
