// Package activity implements Component C of the core state service:
// the per-peer last-sent/last-received/last-active clock and the idle
// sweep that evicts peers past active_context_timeout.
package activity

import (
	"sync"
	"time"

	"mqttsn/internal/types"
)

// Clock tracks PeerActivity for every known peer behind a single
// RWMutex-guarded map -- updates are brief field writes, so one lock
// for the whole map is simpler than per-peer locks and never becomes
// the bottleneck.
type Clock struct {
	mu   sync.RWMutex
	data map[types.PeerContext]*types.PeerActivity
}

// New builds an empty Clock.
func New() *Clock {
	return &Clock{data: make(map[types.PeerContext]*types.PeerActivity)}
}

func (c *Clock) entry(peer types.PeerContext) *types.PeerActivity {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.data[peer]
	if !ok {
		e = &types.PeerActivity{}
		c.data[peer] = e
	}
	return e
}

// RecordSend updates last_sent on every successful transport write,
// and last_active additionally when the write was of an "active"
// message kind (excludes keepalives and error frames).
func (c *Clock) RecordSend(peer types.PeerContext, now time.Time, active bool) {
	e := c.entry(peer)
	c.mu.Lock()
	defer c.mu.Unlock()
	e.LastSent = now
	if active {
		e.LastActiveMessage = now
	}
}

// RecordReceive updates last_received on every received frame, and
// last_active additionally for non-error active frames.
func (c *Clock) RecordReceive(peer types.PeerContext, now time.Time, active bool) {
	e := c.entry(peer)
	c.mu.Lock()
	defer c.mu.Unlock()
	e.LastReceived = now
	if active {
		e.LastActiveMessage = now
	}
}

// Get returns a copy of the tracked activity for peer, and whether any
// activity has been recorded at all.
func (c *Clock) Get(peer types.PeerContext) (types.PeerActivity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.data[peer]
	if !ok {
		return types.PeerActivity{}, false
	}
	return *e, true
}

// Drop removes peer's activity entry, used by clear(peer).
func (c *Clock) Drop(peer types.PeerContext) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, peer)
}

// Sweep scans every tracked peer and invokes onTimeout for each whose
// LastActiveMessage is older than timeout relative to now, then drops
// that peer's entry. Peers that never recorded an active message are
// left alone -- only active_context_timeout against a real
// last_active fires.
func (c *Clock) Sweep(now time.Time, timeout time.Duration, onTimeout func(types.PeerContext)) {
	c.mu.Lock()
	var expired []types.PeerContext
	for peer, e := range c.data {
		if e.LastActiveMessage.IsZero() {
			continue
		}
		if now.Sub(e.LastActiveMessage) > timeout {
			expired = append(expired, peer)
			delete(c.data, peer)
		}
	}
	c.mu.Unlock()

	for _, peer := range expired {
		onTimeout(peer)
	}
}
