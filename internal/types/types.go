// Package types holds the data model shared by the core state service
// and the codec: PeerContext, PacketId, InflightEntry, WaitToken
// payloads, QueuedPublish and CommitOperation.
package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion distinguishes the two wire encodings the codec
// abstraction supports.
type ProtocolVersion int

const (
	V1_2 ProtocolVersion = iota
	V2_0
)

func (v ProtocolVersion) String() string {
	if v == V2_0 {
		return "2.0"
	}
	return "1.2"
}

// PeerContext is the opaque identity of a remote endpoint. It is
// equatable and hashable (a plain struct of comparable fields), so it
// can key a Go map directly.
type PeerContext struct {
	ClientID        string
	NetworkAddress  string
	ProtocolVersion ProtocolVersion
}

func (p PeerContext) String() string {
	return fmt.Sprintf("%s@%s[v%s]", p.ClientID, p.NetworkAddress, p.ProtocolVersion)
}

// PacketId is a 16-bit MQTT-SN message identifier. WeakAttach is the
// synthetic id used for inbound QoS 2 entries awaiting PUBREL; it is
// never transmitted.
type PacketId uint32

const WeakAttach PacketId = 65536

// Direction tells whether a peer originated an exchange (REMOTE, from
// our point of view as the receiver of the original request) or we
// did (LOCAL).
type Direction int

const (
	LOCAL Direction = iota
	REMOTE
)

func (d Direction) String() string {
	if d == REMOTE {
		return "remote"
	}
	return "local"
}

// Message is the minimal surface the core needs from a decoded wire
// frame. Concrete message kinds live in the codec packages; the core
// never inspects anything beyond this interface.
type Message interface {
	// Kind identifies the message type (PUBLISH, PUBACK, ...).
	Kind() MessageKind

	// ID returns the packet identifier carried on the wire, or 0 if
	// the message kind carries none.
	ID() PacketId

	// SetID assigns a packet identifier, used when the state machine
	// allocates one for an outbound message.
	SetID(PacketId)

	// NeedsID reports whether this message kind carries a packet id
	// at all (PINGREQ, DISCONNECT do not).
	NeedsID() bool
}

// MessageKind enumerates the wire message types, shared by both
// protocol-version codecs.
type MessageKind int

const (
	CONNECT MessageKind = iota
	CONNACK
	REGISTER
	REGACK
	PUBLISH
	PUBACK
	PUBCOMP
	PUBREC
	PUBREL
	SUBSCRIBE
	SUBACK
	UNSUBSCRIBE
	UNSUBACK
	DISCONNECT
	PINGREQ
	PINGRESP
	WILLTOPIC
	WILLTOPICRESP
	WILLMSG
	WILLMSGRESP
)

// InflightEntry tracks a request sent or received and not yet
// resolved.
type InflightEntry struct {
	Message   Message
	Source    Direction
	Token     Token
	Queued    *QueuedPublish
	CreatedAt time.Time
}

// Requeueable reports whether this entry can be re-offered to the
// message queue on failure or timeout (LOCAL PUBLISH entries only).
func (e *InflightEntry) Requeueable() bool {
	return e.Source == LOCAL && e.Queued != nil
}

// Token is the narrow view of internal/token.Token the data model
// needs, avoiding an import cycle between types and token: a
// single-shot rendezvous cell.
type Token interface {
	Complete(response Message)
	Fail(reason error)
	IsComplete() bool
	IsError() bool

	// Await blocks until the token resolves or the effective deadline
	// (max(timeout, maxErrorRetryTime)) elapses.
	Await(timeout, maxErrorRetryTime time.Duration) (Message, error)
}

// QueuedPublish is the message-queue's view of a publish awaiting (or
// having been) sent, referenced by LOCAL PUBLISH inflight entries.
type QueuedPublish struct {
	UUID             uuid.UUID
	TopicPath        string
	QoS              int
	Retained         bool
	RetryCount       int
	LastAssignedMsgID PacketId
}

// DUP reports whether the outbound publish must carry the DUP flag:
// true iff this is a retry (RetryCount > 1) or it already carries an
// id from a previous send.
func (q *QueuedPublish) DUP() bool {
	return q.RetryCount > 1 || q.LastAssignedMsgID > 0
}

// CommitOperationKind distinguishes an inbound delivery (to the
// application) from an outbound one (a "sent" notification).
type CommitOperationKind int

const (
	CommitInbound CommitOperationKind = iota
	CommitOutbound
)

// CommitOperation is created at commit points and consumed by the
// asynchronous application executor; it is never inspected by the
// protocol thread again.
type CommitOperation struct {
	Peer             PeerContext
	Data             []byte
	OriginalMessage  Message
	Direction        CommitOperationKind
	UUID             *uuid.UUID
}

// PeerActivity tracks the three optional monotonic timestamps a peer
// carries. A zero time.Time means "never observed".
type PeerActivity struct {
	LastActiveMessage time.Time
	LastSent          time.Time
	LastReceived      time.Time
}
