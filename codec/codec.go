// Package codec is the external collaborator contract for the wire
// codec: frame parse/serialize, and the classification rules the core
// state machine drives send/receive decisions from. Concrete
// encodings live in codec/v12 and codec/v20; the core only ever talks
// to this interface.
package codec

import "mqttsn/internal/types"

// Codec decodes/encodes one MQTT-SN protocol version and classifies
// messages for the state machine. Implementations must be stateless
// and safe for concurrent use.
type Codec interface {
	// Version reports which protocol version this codec implements.
	Version() types.ProtocolVersion

	// Parse decodes one length-prefixed frame.
	Parse(frame []byte) (types.Message, error)

	// Serialize encodes m into its wire frame, including the
	// length-prefix header (short or long form).
	Serialize(m types.Message) ([]byte, error)

	// IsTerminal reports whether m is a response that closes an
	// inflight exchange (CONNACK, SUBACK, UNSUBACK, REGACK, PUBACK,
	// PUBREL, PUBCOMP, DISCONNECT, WILL* acks, PINGRESP). An inbound
	// PUBREL is terminal for the REMOTE-direction entry that pins the
	// peer's QoS 2 PUBLISH, even though it also opens the PUBREL/PUBCOMP
	// leg.
	IsTerminal(m types.Message) bool

	// IsActive reports whether m advances a peer's liveness clock --
	// excludes keepalives (PINGREQ/PINGRESP) and error frames.
	IsActive(m types.Message) bool

	// IsError reports whether m is a response carrying a non-zero
	// return code.
	IsError(m types.Message) bool

	// ValidResponse reports whether response is an acceptable answer
	// to request (matching message kinds per the request/response
	// pairing, e.g. SUBSCRIBE/SUBACK, not SUBSCRIBE/REGACK).
	ValidResponse(request, response types.Message) bool

	// Classify reports the Direction/Source a message kind implies:
	// LOCAL for message kinds that originate exchanges (PUBLISH,
	// SUBSCRIBE, REGISTER, CONNECT, ...), REMOTE for responses we send
	// back to a peer-initiated exchange.
	Classify(m types.Message) types.Direction

	// ReturnCode extracts the return code carried by a response
	// message, if any.
	ReturnCode(m types.Message) (code int, ok bool)

	// RequiresResponse reports whether sending m should allocate a
	// WaitToken and await a reply.
	// Content-dependent for PUBLISH: only QoS > 0 requires one.
	RequiresResponse(m types.Message) bool

	// PublishQoS extracts the QoS level of a PUBLISH message; ok is
	// false for any other kind.
	PublishQoS(m types.Message) (qos int, ok bool)

	// PublishPayload extracts the application payload of a PUBLISH
	// message; ok is false for any other kind. The core passes this
	// through the security service before handing an inbound commit to
	// the application.
	PublishPayload(m types.Message) (payload []byte, ok bool)
}

// ReturnCode values shared by every codec implementation.
const (
	Accepted                = 0
	RejectedCongested       = 1
	RejectedInvalidTopicID  = 2
	RejectedNotSupported    = 3
)
