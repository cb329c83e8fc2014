package security

import "testing"

func TestNoop_WrapUnwrapPassThrough(t *testing.T) {
	var s Service = Noop{}

	wrapped, err := s.Wrap([]byte("payload"))
	if err != nil {
		t.Fatalf("wrap failed: %v", err)
	}
	if string(wrapped) != "payload" {
		t.Fatalf("expected the payload unchanged, got %q", wrapped)
	}

	unwrapped, err := s.Unwrap(wrapped)
	if err != nil {
		t.Fatalf("unwrap failed: %v", err)
	}
	if string(unwrapped) != "payload" {
		t.Fatalf("expected the payload unchanged, got %q", unwrapped)
	}
}
