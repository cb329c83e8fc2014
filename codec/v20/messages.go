// Package v20 implements the MQTT-SN 2.0 wire codec: the same message
// kinds and classification rules as v12, widened with a FULL topic id
// type, an explicit MaxSNLength negotiated at CONNECT, and
// WILLTOPIC/WILLMSG folded directly into CONNECT instead of a
// separate request/response pair.
package v20

import "mqttsn/internal/types"

// TopicIdType widens v12's three-way enum with FULL: an inline UTF-8
// topic name carried in the frame itself rather than resolved through
// REGISTER, distinct from SHORT's fixed two-character form.
type TopicIdType int

const (
	Normal TopicIdType = iota
	Predefined
	Short
	Full
)

// ReturnCode mirrors v12's four values; the wire encoding is unchanged
// between protocol versions.
type ReturnCode int

const (
	Accepted ReturnCode = iota
	RejectedCongested
	RejectedInvalidTopicID
	RejectedNotSupported
)

type header struct {
	MsgID types.PacketId
}

func (h *header) ID() types.PacketId      { return h.MsgID }
func (h *header) SetID(id types.PacketId) { h.MsgID = id }
func (h *header) setMsgID(id types.PacketId) { h.MsgID = id }

// Connect carries the will negotiation and the max-frame-length
// advertisement inline, replacing 1.2's separate WILLTOPIC/WILLMSG
// round trip.
type Connect struct {
	Will        bool
	CleanSess   bool
	Duration    uint16
	MaxSNLength uint16
	ClientID    string

	WillTopic   string
	WillQoS     int
	WillRetain  bool
	WillMessage []byte
}

func (*Connect) Kind() types.MessageKind { return types.CONNECT }
func (*Connect) ID() types.PacketId      { return 0 }
func (*Connect) SetID(types.PacketId)    {}
func (*Connect) NeedsID() bool           { return false }

type Connack struct {
	ReturnCode ReturnCode
}

func (*Connack) Kind() types.MessageKind { return types.CONNACK }
func (*Connack) ID() types.PacketId      { return 0 }
func (*Connack) SetID(types.PacketId)    {}
func (*Connack) NeedsID() bool           { return false }

type Register struct {
	header
	TopicID   uint16
	TopicName string
}

func (*Register) Kind() types.MessageKind { return types.REGISTER }
func (*Register) NeedsID() bool           { return true }

type Regack struct {
	header
	TopicID    uint16
	ReturnCode ReturnCode
}

func (*Regack) Kind() types.MessageKind { return types.REGACK }
func (*Regack) NeedsID() bool           { return true }

// Publish carries TopicName instead of TopicID when TopicIDType is
// Full; the core only ever inspects QoS and Data through the codec
// interface, never the concrete struct.
type Publish struct {
	header
	Dup         bool
	QoS         int
	Retain      bool
	TopicIDType TopicIdType
	TopicID     uint16
	TopicName   string
	Data        []byte
}

func (*Publish) Kind() types.MessageKind { return types.PUBLISH }
func (*Publish) NeedsID() bool           { return true }

type Puback struct {
	header
	TopicID    uint16
	ReturnCode ReturnCode
}

func (*Puback) Kind() types.MessageKind { return types.PUBACK }
func (*Puback) NeedsID() bool           { return true }

type Pubrec struct{ header }

func (*Pubrec) Kind() types.MessageKind { return types.PUBREC }
func (*Pubrec) NeedsID() bool           { return true }

type Pubrel struct{ header }

func (*Pubrel) Kind() types.MessageKind { return types.PUBREL }
func (*Pubrel) NeedsID() bool           { return true }

type Pubcomp struct{ header }

func (*Pubcomp) Kind() types.MessageKind { return types.PUBCOMP }
func (*Pubcomp) NeedsID() bool           { return true }

type Subscribe struct {
	header
	Dup         bool
	QoS         int
	TopicIDType TopicIdType
	Topic       string
	TopicID     uint16
}

func (*Subscribe) Kind() types.MessageKind { return types.SUBSCRIBE }
func (*Subscribe) NeedsID() bool           { return true }

type Suback struct {
	header
	QoS        int
	TopicID    uint16
	ReturnCode ReturnCode
}

func (*Suback) Kind() types.MessageKind { return types.SUBACK }
func (*Suback) NeedsID() bool           { return true }

type Unsubscribe struct {
	header
	TopicIDType TopicIdType
	Topic       string
	TopicID     uint16
}

func (*Unsubscribe) Kind() types.MessageKind { return types.UNSUBSCRIBE }
func (*Unsubscribe) NeedsID() bool           { return true }

type Unsuback struct{ header }

func (*Unsuback) Kind() types.MessageKind { return types.UNSUBACK }
func (*Unsuback) NeedsID() bool           { return true }

type Disconnect struct {
	Duration uint16
}

func (*Disconnect) Kind() types.MessageKind { return types.DISCONNECT }
func (*Disconnect) ID() types.PacketId      { return 0 }
func (*Disconnect) SetID(types.PacketId)    {}
func (*Disconnect) NeedsID() bool           { return false }

type Pingreq struct {
	ClientID string
}

func (*Pingreq) Kind() types.MessageKind { return types.PINGREQ }
func (*Pingreq) ID() types.PacketId      { return 0 }
func (*Pingreq) SetID(types.PacketId)    {}
func (*Pingreq) NeedsID() bool           { return false }

type Pingresp struct{}

func (*Pingresp) Kind() types.MessageKind { return types.PINGRESP }
func (*Pingresp) ID() types.PacketId      { return 0 }
func (*Pingresp) SetID(types.PacketId)    {}
func (*Pingresp) NeedsID() bool           { return false }

var _ types.Message = (*Publish)(nil)
var _ types.Message = (*Connect)(nil)
