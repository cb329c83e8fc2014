package inflight

import (
	"sync"
	"testing"
	"time"

	"mqttsn/internal/types"
)

func peer(name string) types.PeerContext {
	return types.PeerContext{ClientID: name, NetworkAddress: name + ":1884"}
}

func entryAt(t time.Time) *types.InflightEntry {
	return &types.InflightEntry{CreatedAt: t}
}

func TestTable_CapacityEnforced(t *testing.T) {
	tbl := New(2, 1, nil)
	p := peer("c1")

	if _, err := tbl.AllocateAndAdd(p, types.LOCAL, entryAt(time.Now())); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := tbl.AllocateAndAdd(p, types.LOCAL, entryAt(time.Now())); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := tbl.AllocateAndAdd(p, types.LOCAL, entryAt(time.Now())); err != ErrCapacityExceeded {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
	if count := tbl.Count(p, types.LOCAL); count != 2 {
		t.Fatalf("expected count 2, got %d", count)
	}
}

func TestTable_IdsUniqueUnderConcurrency(t *testing.T) {
	tbl := New(64, 1, nil)
	p := peer("c2")

	var wg sync.WaitGroup
	ids := make(chan types.PacketId, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := tbl.AllocateAndAdd(p, types.LOCAL, entryAt(time.Now()))
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[types.PacketId]bool)
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate id allocated: %d", id)
		}
		seen[id] = true
	}
	if len(seen) != 64 {
		t.Fatalf("expected 64 unique ids, got %d", len(seen))
	}
}

func TestTable_IdExhausted(t *testing.T) {
	tbl := New(3, 65534, nil)
	p := peer("c3")

	for i := 0; i < 2; i++ {
		if _, err := tbl.AllocateAndAdd(p, types.LOCAL, entryAt(time.Now())); err != nil {
			t.Fatalf("unexpected error allocating id %d: %v", i, err)
		}
	}
	// msg_id_start=65534 leaves only {65534, 65535} usable (WeakAttach
	// 65536 is synthetic and never allocated), so a third allocation
	// must exhaust the range.
	if _, err := tbl.AllocateAndAdd(p, types.LOCAL, entryAt(time.Now())); err != ErrIdExhausted {
		t.Fatalf("expected ErrIdExhausted, got %v", err)
	}
}

// S5: allocator floor behavior -- freeing an id below the cursor must
// not make the allocator reuse it; it keeps climbing from last_used.
func TestTable_AllocatorFloorIgnoresFreedLowerIds(t *testing.T) {
	tbl := New(3, 1, nil)
	p := peer("c4")

	var ids []types.PacketId
	for i := 0; i < 3; i++ {
		id, err := tbl.AllocateAndAdd(p, types.LOCAL, entryAt(time.Now()))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		ids = append(ids, id)
	}
	if ids[0] != 1 || ids[1] != 2 || ids[2] != 3 {
		t.Fatalf("expected ids 1,2,3 got %v", ids)
	}

	if _, ok := tbl.Remove(p, types.LOCAL, 2); !ok {
		t.Fatalf("expected to remove id 2")
	}

	next, err := tbl.NextID(p, types.LOCAL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next != 4 {
		t.Fatalf("expected next id 4 (not reusing freed id 2), got %d", next)
	}
}

func TestTable_ClearRemovesEverythingAndResetsAllocator(t *testing.T) {
	tbl := New(4, 1, nil)
	p := peer("c5")

	tbl.AllocateAndAdd(p, types.LOCAL, entryAt(time.Now()))
	tbl.AllocateAndAdd(p, types.REMOTE, entryAt(time.Now()))

	removed := tbl.Clear(p)
	if len(removed) != 2 {
		t.Fatalf("expected 2 removed entries, got %d", len(removed))
	}
	if tbl.Count(p, types.LOCAL) != 0 || tbl.Count(p, types.REMOTE) != 0 {
		t.Fatalf("expected empty tables after Clear")
	}

	id, err := tbl.NextID(p, types.LOCAL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != 1 {
		t.Fatalf("expected allocator reset to 1 after Clear, got %d", id)
	}
}

func TestTable_SweepRespectsMaxAge(t *testing.T) {
	tbl := New(4, 1, nil)
	p := peer("c6")

	old := time.Now().Add(-time.Hour)
	fresh := time.Now()
	id1, _ := tbl.AllocateAndAdd(p, types.LOCAL, entryAt(old))
	id2, _ := tbl.AllocateAndAdd(p, types.LOCAL, entryAt(fresh))

	removed := tbl.Sweep(p, types.LOCAL, time.Minute, time.Now())
	if len(removed) != 1 {
		t.Fatalf("expected 1 entry evicted, got %d", len(removed))
	}
	if tbl.Exists(p, types.LOCAL, id1) {
		t.Fatalf("expected old entry %d evicted", id1)
	}
	if !tbl.Exists(p, types.LOCAL, id2) {
		t.Fatalf("expected fresh entry %d kept", id2)
	}
}

func TestTable_SweepZeroEvictionTimeForcesFullClear(t *testing.T) {
	tbl := New(4, 1, nil)
	p := peer("c7")
	tbl.AllocateAndAdd(p, types.LOCAL, entryAt(time.Now()))

	removed := tbl.Sweep(p, types.LOCAL, time.Hour, time.Time{})
	if len(removed) != 1 {
		t.Fatalf("expected forced full clear to remove the entry")
	}
}

// Reaper idempotence (testable property 7): running a sweep twice
// with the same clock yields no further removals the second time.
func TestTable_SweepIsIdempotent(t *testing.T) {
	tbl := New(4, 1, nil)
	p := peer("c8")
	tbl.AllocateAndAdd(p, types.LOCAL, entryAt(time.Now().Add(-time.Hour)))

	cutoff := time.Now()
	first := tbl.Sweep(p, types.LOCAL, time.Minute, cutoff)
	second := tbl.Sweep(p, types.LOCAL, time.Minute, cutoff)

	if len(first) != 1 {
		t.Fatalf("expected first sweep to remove 1 entry, got %d", len(first))
	}
	if len(second) != 0 {
		t.Fatalf("expected second sweep to be a no-op, got %d removed", len(second))
	}
}
