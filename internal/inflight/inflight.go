// Package inflight implements Component B of the core state service:
// the per-peer, per-direction inflight table and its contiguous-id
// allocator.
package inflight

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"mqttsn/internal/metrics"
	"mqttsn/internal/types"
)

// ErrCapacityExceeded is returned by Add/AllocateAndAdd when the
// entry would push count(peer, dir) past max_inflight (invariant I1).
var ErrCapacityExceeded = errors.New("inflight: capacity exceeded")

// ErrIdExhausted is returned when no free packet id remains in the
// usable range for a (peer, direction) pair.
var ErrIdExhausted = errors.New("inflight: id range exhausted")

type key struct {
	peer types.PeerContext
	dir  types.Direction
}

// perPeer bundles everything guarded by one peer's monitor: both
// direction tables, the allocator's cursor, and the capacity
// semaphores. A single lock across both directions keeps the
// "allocation and insert are atomic" guarantee trivial to reason
// about, at the cost of LOCAL and REMOTE contending the same
// mutex -- acceptable since both are short critical sections.
type perPeer struct {
	mu        sync.Mutex
	entries   map[types.Direction]map[types.PacketId]*types.InflightEntry
	lastUsed  map[types.Direction]types.PacketId
	semaphore map[types.Direction]*semaphore.Weighted
	// overflow tracks ids inserted by AddTolerant without holding a
	// semaphore permit (the REMOTE-direction capacity exception of
	// mark_inflight: "on REMOTE overflow log and proceed").
	// Remove/Sweep/Clear consult it so they never over-release a
	// permit that was never acquired.
	overflow map[types.Direction]map[types.PacketId]bool
}

func newPerPeer(maxInflight int64) *perPeer {
	return &perPeer{
		entries: map[types.Direction]map[types.PacketId]*types.InflightEntry{
			types.LOCAL:  make(map[types.PacketId]*types.InflightEntry),
			types.REMOTE: make(map[types.PacketId]*types.InflightEntry),
		},
		lastUsed: make(map[types.Direction]types.PacketId),
		semaphore: map[types.Direction]*semaphore.Weighted{
			types.LOCAL:  semaphore.NewWeighted(maxInflight),
			types.REMOTE: semaphore.NewWeighted(maxInflight),
		},
		overflow: map[types.Direction]map[types.PacketId]bool{
			types.LOCAL:  make(map[types.PacketId]bool),
			types.REMOTE: make(map[types.PacketId]bool),
		},
	}
}

// Table is the concurrent-safe inflight table for every peer. Build
// one with New.
type Table struct {
	maxInflight int
	msgIDStart  uint16
	metrics     *metrics.Collectors

	mu    sync.Mutex
	peers map[types.PeerContext]*perPeer
}

// New builds an empty Table. maxInflight and msgIDStart mirror
// max_messages_inflight and msg_id_start. collectors
// may be nil to disable metrics.
func New(maxInflight int, msgIDStart uint16, collectors *metrics.Collectors) *Table {
	return &Table{
		maxInflight: maxInflight,
		msgIDStart:  msgIDStart,
		metrics:     collectors,
		peers:       make(map[types.PeerContext]*perPeer),
	}
}

func (t *Table) peerState(peer types.PeerContext) *perPeer {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[peer]
	if !ok {
		p = newPerPeer(int64(t.maxInflight))
		t.peers[peer] = p
	}
	return p
}

// Add inserts entry under (peer, dir, id), failing with
// ErrCapacityExceeded when count(peer, dir) would exceed max_inflight.
func (t *Table) Add(peer types.PeerContext, dir types.Direction, id types.PacketId, entry *types.InflightEntry) error {
	p := t.peerState(peer)
	p.mu.Lock()
	defer p.mu.Unlock()
	return t.addLocked(p, peer, dir, id, entry)
}

func (t *Table) addLocked(p *perPeer, peer types.PeerContext, dir types.Direction, id types.PacketId, entry *types.InflightEntry) error {
	return t.insertLocked(p, dir, id, entry, false)
}

func (t *Table) insertLocked(p *perPeer, dir types.Direction, id types.PacketId, entry *types.InflightEntry, tolerant bool) error {
	table := p.entries[dir]
	if _, exists := table[id]; !exists {
		// The weighted semaphore is the capacity primitive (invariant
		// I1): one permit per occupied slot, acquired here and
		// released wherever an entry leaves the table.
		if !p.semaphore[dir].TryAcquire(1) {
			if !tolerant {
				return ErrCapacityExceeded
			}
			p.overflow[dir][id] = true
		}
	}
	table[id] = entry
	if t.metrics != nil {
		t.metrics.InflightOccupancy.WithLabelValues(dir.String()).Set(float64(len(table)))
	}
	return nil
}

// AddTolerant inserts entry under (peer, dir, id) even past capacity,
// for the one documented exception of mark_inflight:
// REMOTE-direction overflow is tolerated rather than rejected, since
// refusing to track a peer-initiated QoS 2 publish would silently
// break its delivery. Callers are expected to log a warning when this
// is invoked over capacity; AddTolerant itself never fails.
func (t *Table) AddTolerant(peer types.PeerContext, dir types.Direction, id types.PacketId, entry *types.InflightEntry) {
	p := t.peerState(peer)
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = t.insertLocked(p, dir, id, entry, true)
}

// Remove detaches and returns the entry at (peer, dir, id), if any.
func (t *Table) Remove(peer types.PeerContext, dir types.Direction, id types.PacketId) (*types.InflightEntry, bool) {
	p := t.peerState(peer)
	p.mu.Lock()
	defer p.mu.Unlock()
	table := p.entries[dir]
	entry, ok := table[id]
	if ok {
		delete(table, id)
		t.releaseLocked(p, dir, id)
		if t.metrics != nil {
			t.metrics.InflightOccupancy.WithLabelValues(dir.String()).Set(float64(len(table)))
		}
	}
	return entry, ok
}

// releaseLocked returns id's permit to dir's semaphore, unless it was
// inserted via AddTolerant without ever holding one.
func (t *Table) releaseLocked(p *perPeer, dir types.Direction, id types.PacketId) {
	if p.overflow[dir][id] {
		delete(p.overflow[dir], id)
		return
	}
	p.semaphore[dir].Release(1)
}

// Get inspects the entry at (peer, dir, id) without removing it.
func (t *Table) Get(peer types.PeerContext, dir types.Direction, id types.PacketId) (*types.InflightEntry, bool) {
	p := t.peerState(peer)
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[dir][id]
	return entry, ok
}

// Exists reports whether (peer, dir, id) is occupied.
func (t *Table) Exists(peer types.PeerContext, dir types.Direction, id types.PacketId) bool {
	_, ok := t.Get(peer, dir, id)
	return ok
}

// Count returns the number of occupied entries for (peer, dir).
func (t *Table) Count(peer types.PeerContext, dir types.Direction) int {
	p := t.peerState(peer)
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries[dir])
}

// CanAdmit is a non-mutating probe of whether (peer, dir) has room for
// one more entry: it acquires and immediately releases a permit, so
// the answer can be stale by the time the caller acts on it (another
// goroutine may race the same slot). Nothing in this module calls it:
// the send-path saturation check of step 3 reads Count instead, and
// the authoritative decision is still Add's own TryAcquire under the
// lock.
func (t *Table) CanAdmit(peer types.PeerContext, dir types.Direction) bool {
	p := t.peerState(peer)
	if p.semaphore[dir].TryAcquire(1) {
		p.semaphore[dir].Release(1)
		return true
	}
	return false
}

// NextID allocates the next packet id for (peer, dir), recording it as
// LastUsedId before returning. It does not insert into the table; pair it with
// Add under the same external synchronization, or use AllocateAndAdd.
func (t *Table) NextID(peer types.PeerContext, dir types.Direction) (types.PacketId, error) {
	p := t.peerState(peer)
	p.mu.Lock()
	defer p.mu.Unlock()
	return t.nextIDLocked(p, dir)
}

func (t *Table) nextIDLocked(p *perPeer, dir types.Direction) (types.PacketId, error) {
	table := p.entries[dir]
	start := types.PacketId(t.msgIDStart)

	floor := func(candidate types.PacketId) types.PacketId {
		candidate = candidate % 65536
		if candidate < start {
			candidate = start
		}
		return candidate
	}

	candidate := floor(p.lastUsed[dir] + 1)
	tried := 0
	maxTries := int(65536 - uint32(start) + 1)
	for {
		if _, occupied := table[candidate]; !occupied {
			break
		}
		tried++
		if tried > maxTries {
			if t.metrics != nil {
				t.metrics.IdExhausted.WithLabelValues(dir.String()).Inc()
			}
			return 0, ErrIdExhausted
		}
		candidate = floor(candidate + 1)
	}

	p.lastUsed[dir] = candidate
	if t.metrics != nil {
		t.metrics.IdAllocations.WithLabelValues(dir.String()).Inc()
	}
	return candidate, nil
}

// AllocateAndAdd allocates an id (via NextID's algorithm) and inserts
// entry under it, atomically with respect to every other AllocateAndAdd
// or Add on the same peer.
func (t *Table) AllocateAndAdd(peer types.PeerContext, dir types.Direction, entry *types.InflightEntry) (types.PacketId, error) {
	p := t.peerState(peer)
	p.mu.Lock()
	defer p.mu.Unlock()

	id, err := t.nextIDLocked(p, dir)
	if err != nil {
		return 0, err
	}
	if err := t.addLocked(p, peer, dir, id, entry); err != nil {
		return 0, err
	}
	return id, nil
}

// Clear drops every entry (both directions) and the LastUsedId cursor
// for peer, and returns the removed entries.
func (t *Table) Clear(peer types.PeerContext) []*types.InflightEntry {
	t.mu.Lock()
	p, ok := t.peers[peer]
	if ok {
		delete(t.peers, peer)
	}
	t.mu.Unlock()
	if !ok {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	var removed []*types.InflightEntry
	for dir, table := range p.entries {
		for id, entry := range table {
			removed = append(removed, entry)
			delete(table, id)
			t.releaseLocked(p, dir, id)
		}
	}
	return removed
}

// Sweep removes entries for (peer, dir) older than maxAge as of
// evictionTime and returns them. evictionTime.IsZero() forces a full
// clear regardless of age.
func (t *Table) Sweep(peer types.PeerContext, dir types.Direction, maxAge time.Duration, evictionTime time.Time) []*types.InflightEntry {
	p := t.peerState(peer)
	p.mu.Lock()
	defer p.mu.Unlock()

	table := p.entries[dir]
	var removed []*types.InflightEntry
	for id, entry := range table {
		if evictionTime.IsZero() || entry.CreatedAt.Add(maxAge).Before(evictionTime) {
			removed = append(removed, entry)
			delete(table, id)
			t.releaseLocked(p, dir, id)
		}
	}
	if t.metrics != nil {
		t.metrics.InflightOccupancy.WithLabelValues(dir.String()).Set(float64(len(table)))
	}
	return removed
}

// Oldest returns the id and entry with the earliest CreatedAt among
// (peer, dir)'s occupied slots, used by the send path's client-mode
// saturation retry.
func (t *Table) Oldest(peer types.PeerContext, dir types.Direction) (types.PacketId, *types.InflightEntry, bool) {
	p := t.peerState(peer)
	p.mu.Lock()
	defer p.mu.Unlock()

	var (
		bestID    types.PacketId
		best      *types.InflightEntry
		found     bool
	)
	for id, entry := range p.entries[dir] {
		if !found || entry.CreatedAt.Before(best.CreatedAt) {
			bestID, best, found = id, entry, true
		}
	}
	return bestID, best, found
}

// Peers lists every peer with live state in the table, a snapshot
// taken under the table lock.
func (t *Table) Peers() []types.PeerContext {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.PeerContext, 0, len(t.peers))
	for peer := range t.peers {
		out = append(out, peer)
	}
	return out
}
