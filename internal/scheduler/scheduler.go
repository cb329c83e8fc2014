// Package scheduler implements Component D of the core state service:
// a cooperative timer ensuring at most one outstanding flush task per
// peer, with jitter on first schedule and backoff on reschedule.
package scheduler

import (
	"math/rand"
	"sync"
	"time"

	"mqttsn/internal/invoker"
	"mqttsn/internal/log"
	"mqttsn/internal/metrics"
	"mqttsn/internal/types"
)

// Result is the outcome a QueueProcessor reports for one flush of a
// peer's queue.
type Result int

const (
	// RemoveProcess: drop the task from the per-peer slot.
	RemoveProcess Result = iota
	// Reprocess: reschedule after MinFlushTime.
	Reprocess
	// BackoffProcess: reschedule after max(100ms, MinFlushTime) unless
	// the peer has been silent past ActiveContextTimeout, in which
	// case drop.
	BackoffProcess
)

// QueueProcessor is the per-peer queue flush the scheduler drives. It
// is supplied by the message queue (an external collaborator per
// ); the scheduler only interprets its Result.
type QueueProcessor interface {
	Process(peer types.PeerContext) Result
}

// Scheduler ensures at most one live flush task per peer at any
// moment (testable property 8).
type Scheduler struct {
	minFlushTime         time.Duration
	activeContextTimeout time.Duration
	lastReceived         func(types.PeerContext) time.Time
	processor            QueueProcessor
	invoker              invoker.Invoker
	log                  log.Logger
	metrics              *metrics.Collectors

	mu    sync.Mutex
	tasks map[types.PeerContext]*task
}

type task struct {
	timer     *time.Timer
	cancelled bool
}

// New builds a Scheduler. lastReceived resolves a peer's
// PeerActivity.LastReceived for the BACKOFF_PROCESS rule; it is
// typically activity.Clock.Get(peer).LastReceived.
func New(
	minFlushTime, activeContextTimeout time.Duration,
	processor QueueProcessor,
	inv invoker.Invoker,
	logger log.Logger,
	collectors *metrics.Collectors,
	lastReceived func(types.PeerContext) time.Time,
) *Scheduler {
	return &Scheduler{
		minFlushTime:         minFlushTime,
		activeContextTimeout: activeContextTimeout,
		lastReceived:         lastReceived,
		processor:            processor,
		invoker:              inv,
		log:                  logger,
		metrics:              collectors,
		tasks:                make(map[types.PeerContext]*task),
	}
}

// ScheduleFlush enqueues a flush task for peer after a uniformly
// random delay in [1, 250]ms, unless one is already pending -- the
// jitter avoids thundering on gateway restart.
func (s *Scheduler) ScheduleFlush(peer types.PeerContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[peer]; exists {
		return
	}

	delay := time.Duration(1+rand.Intn(250)) * time.Millisecond
	t := &task{}
	t.timer = time.AfterFunc(delay, func() { s.run(peer) })
	s.tasks[peer] = t
	if s.metrics != nil {
		s.metrics.FlushesScheduled.Inc()
	}
}

// UnscheduleFlush cancels any pending task for peer and drops its
// handle, unconditionally, under the lock: remove-under-lock-then-
// cancel-if-present, so a racing scheduleFlush can never see a stale
// entry survive an unschedule.
func (s *Scheduler) UnscheduleFlush(peer types.PeerContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, exists := s.tasks[peer]
	if !exists {
		return
	}
	delete(s.tasks, peer)
	t.cancelled = true
	t.timer.Stop()
}

// run executes one flush task. It never blocks the timer goroutine on
// the queue processor beyond the processor's own call; a panic inside
// Process is treated as RemoveProcess and logged.
func (s *Scheduler) run(peer types.PeerContext) {
	s.mu.Lock()
	t, exists := s.tasks[peer]
	live := exists && !t.cancelled
	s.mu.Unlock()
	if !live {
		return
	}
	s.invoker.Spawn(func() {
		result := s.safeProcess(peer)
		s.handleResult(peer, result)
	})
}

func (s *Scheduler) safeProcess(peer types.PeerContext) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithFields(log.Fields{"peer": peer}).Errorf("flush task panicked: %v", r)
			result = RemoveProcess
		}
	}()
	return s.processor.Process(peer)
}

func (s *Scheduler) handleResult(peer types.PeerContext, result Result) {
	s.mu.Lock()
	t, exists := s.tasks[peer]
	if !exists || t.cancelled {
		s.mu.Unlock()
		return
	}

	resultLabel := "remove"
	switch result {
	case RemoveProcess:
		delete(s.tasks, peer)
		s.mu.Unlock()

	case Reprocess:
		resultLabel = "reprocess"
		delay := s.minFlushTime
		t.timer = time.AfterFunc(delay, func() { s.run(peer) })
		s.mu.Unlock()

	case BackoffProcess:
		resultLabel = "backoff"
		delta := time.Since(s.lastReceived(peer))
		if delta > s.activeContextTimeout {
			delete(s.tasks, peer)
			s.mu.Unlock()
			break
		}
		delay := s.minFlushTime
		if delay < 100*time.Millisecond {
			delay = 100 * time.Millisecond
		}
		t.timer = time.AfterFunc(delay, func() { s.run(peer) })
		s.mu.Unlock()

	default:
		s.mu.Unlock()
	}

	if s.metrics != nil {
		s.metrics.FlushesRun.WithLabelValues(resultLabel).Inc()
	}
}

// Pending reports whether a flush task is currently scheduled or
// running for peer -- used by tests asserting testable property 8.
func (s *Scheduler) Pending(peer types.PeerContext) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.tasks[peer]
	return exists
}
