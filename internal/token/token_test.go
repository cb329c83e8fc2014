package token

import (
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
	"mqttsn/internal/types"
)

type fakeMessage struct {
	id   types.PacketId
	kind types.MessageKind
}

func (f *fakeMessage) Kind() types.MessageKind { return f.kind }
func (f *fakeMessage) ID() types.PacketId      { return f.id }
func (f *fakeMessage) SetID(id types.PacketId) { f.id = id }
func (f *fakeMessage) NeedsID() bool           { return true }

func TestToken_CompleteWakesAwait(t *testing.T) {
	defer goleak.VerifyNone(t)

	req := &fakeMessage{id: 7, kind: types.PUBLISH}
	tok := New(req)

	resp := &fakeMessage{id: 7, kind: types.PUBACK}
	go func() {
		time.Sleep(10 * time.Millisecond)
		tok.Complete(resp)
	}()

	got, err := tok.Await(time.Second, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != types.Message(resp) {
		t.Fatalf("expected response %v, got %v", resp, got)
	}
	if !tok.IsComplete() {
		t.Fatalf("expected token to be complete")
	}
}

func TestToken_FailAfterCompleteIsNoOp(t *testing.T) {
	req := &fakeMessage{id: 1, kind: types.PUBLISH}
	tok := New(req)

	tok.Complete(&fakeMessage{id: 1, kind: types.PUBACK})
	tok.Fail(errors.New("should not apply"))

	if !tok.IsComplete() || tok.IsError() {
		t.Fatalf("expected Fail after Complete to be a no-op")
	}
}

func TestToken_CompleteAfterFailIsNoOp(t *testing.T) {
	req := &fakeMessage{id: 1, kind: types.PUBLISH}
	tok := New(req)

	tok.Fail(errors.New("protocol error"))
	tok.Complete(&fakeMessage{id: 1, kind: types.PUBACK})

	if !tok.IsError() || tok.IsComplete() {
		t.Fatalf("expected Complete after Fail to be a no-op")
	}
}

func TestToken_AwaitTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	tok := New(&fakeMessage{id: 2, kind: types.SUBSCRIBE})
	_, err := tok.Await(20*time.Millisecond, 0)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestToken_AwaitAfterResolutionReturnsImmediately(t *testing.T) {
	tok := New(&fakeMessage{id: 3, kind: types.PUBLISH})
	tok.Complete(&fakeMessage{id: 3, kind: types.PUBACK})

	start := time.Now()
	_, err := tok.Await(5*time.Second, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatalf("expected immediate return, took %v", time.Since(start))
	}
}

func TestToken_MultipleWaitersAllWake(t *testing.T) {
	defer goleak.VerifyNone(t)

	tok := New(&fakeMessage{id: 4, kind: types.PUBLISH})
	var wg sync.WaitGroup
	results := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, err := tok.Await(time.Second, 0)
			results[idx] = err
		}(i)
	}

	time.Sleep(10 * time.Millisecond)
	tok.Complete(&fakeMessage{id: 4, kind: types.PUBACK})
	wg.Wait()

	for i, err := range results {
		if err != nil {
			t.Fatalf("waiter %d got unexpected error: %v", i, err)
		}
	}
}

func TestToken_EffectiveWaitUsesMaxErrorRetryTime(t *testing.T) {
	tok := New(&fakeMessage{id: 5, kind: types.PUBLISH})
	start := time.Now()
	_, err := tok.Await(5*time.Millisecond, 60*time.Millisecond)
	elapsed := time.Since(start)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed < 50*time.Millisecond {
		t.Fatalf("expected wait to honor maxErrorRetryTime floor, elapsed %v", elapsed)
	}
}
