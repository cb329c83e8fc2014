// Package security holds the optional payload integrity wrap/unwrap
// collaborator. The core calls it around every outbound
// and inbound publish body when configured; Noop makes it a non-event
// for deployments that don't need it.
package security

// Service wraps and unwraps publish payloads, e.g. for an HMAC
// envelope or encryption-at-rest scheme. Unwrap must reject tampered
// input.
type Service interface {
	Wrap(payload []byte) ([]byte, error)
	Unwrap(payload []byte) ([]byte, error)
}

// Noop passes payloads through unchanged.
type Noop struct{}

func (Noop) Wrap(payload []byte) ([]byte, error)   { return payload, nil }
func (Noop) Unwrap(payload []byte) ([]byte, error) { return payload, nil }

var _ Service = Noop{}
