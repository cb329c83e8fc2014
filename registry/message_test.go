package registry

import (
	"testing"
	"time"
)

func TestInMemoryMessages_PutGetDelete(t *testing.T) {
	r := NewInMemoryMessages()

	id := r.Put([]byte("payload"))
	got, ok := r.Get(id)
	if !ok || string(got) != "payload" {
		t.Fatalf("unexpected get: %q ok=%v", got, ok)
	}

	r.Delete(id)
	if _, ok := r.Get(id); ok {
		t.Fatalf("expected the entry gone after Delete")
	}
}

func TestInMemoryMessages_TidyReapsOnlyExpiredEntries(t *testing.T) {
	r := NewInMemoryMessages()
	base := time.Now()
	r.now = func() time.Time { return base }

	old := r.Put([]byte("old"))

	r.now = func() time.Time { return base.Add(time.Hour) }
	fresh := r.Put([]byte("fresh"))

	reaped := r.Tidy(30 * time.Minute)
	if reaped != 1 {
		t.Fatalf("expected exactly one reaped entry, got %d", reaped)
	}
	if _, ok := r.Get(old); ok {
		t.Fatalf("expected the old entry reaped")
	}
	if _, ok := r.Get(fresh); !ok {
		t.Fatalf("expected the fresh entry kept")
	}
}
