package v12

import (
	"encoding/binary"
	"errors"

	"mqttsn/internal/types"
)

// Wire message type octets, plus the supplemental kinds
// (WILL* negotiation, UNSUBSCRIBE/UNSUBACK) a complete 1.2
// implementation carries even though the distilled table only lists
// the core subset.
const (
	typeConnect       = 0x04
	typeConnack       = 0x05
	typeWilltopicreq  = 0x06
	typeWilltopic     = 0x07
	typeWillmsgreq    = 0x08
	typeWillmsg       = 0x09
	typeRegister      = 0x0A
	typeRegack        = 0x0B
	typePublish       = 0x0C
	typePuback        = 0x0D
	typePubcomp       = 0x0E
	typePubrec        = 0x0F
	typePubrel        = 0x10
	typeSubscribe     = 0x12
	typeSuback        = 0x13
	typeUnsubscribe   = 0x14
	typeUnsuback      = 0x15
	typePingreq       = 0x16
	typePingresp      = 0x17
	typeDisconnect    = 0x18
	typeWilltopicresp = 0x1B
	typeWillmsgresp   = 0x1D
)

var (
	ErrFrameTooShort    = errors.New("v12: frame shorter than its length prefix")
	ErrUnknownMsgType   = errors.New("v12: unknown message type")
	ErrUnsupportedValue = errors.New("v12: unsupported field value")
)

// Codec implements codec.Codec for MQTT-SN 1.2.
type Codec struct{}

func New() *Codec { return &Codec{} }

func (*Codec) Version() types.ProtocolVersion { return types.V1_2 }

// Parse decodes one length-prefixed frame: a 1-byte length (or 3-byte
// long form when the first byte is 0x01), a 1-byte message type, and
// the body.
func (c *Codec) Parse(frame []byte) (types.Message, error) {
	if len(frame) < 2 {
		return nil, ErrFrameTooShort
	}

	var totalLen int
	var headerLen int
	if frame[0] == 0x01 {
		if len(frame) < 4 {
			return nil, ErrFrameTooShort
		}
		totalLen = int(binary.BigEndian.Uint16(frame[1:3]))
		headerLen = 3
	} else {
		totalLen = int(frame[0])
		headerLen = 1
	}
	if len(frame) < totalLen {
		return nil, ErrFrameTooShort
	}

	msgType := frame[headerLen]
	body := frame[headerLen+1 : totalLen]
	return c.parseBody(msgType, body)
}

func (c *Codec) parseBody(msgType byte, body []byte) (types.Message, error) {
	switch msgType {
	case typeConnect:
		if len(body) < 4 {
			return nil, ErrFrameTooShort
		}
		flags := body[0]
		return &Connect{
			Will:      flags&0x08 != 0,
			CleanSess: flags&0x04 != 0,
			Duration:  binary.BigEndian.Uint16(body[2:4]),
			ClientID:  string(body[4:]),
		}, nil

	case typeConnack:
		if len(body) < 1 {
			return nil, ErrFrameTooShort
		}
		return &Connack{ReturnCode: ReturnCode(body[0])}, nil

	case typeRegister:
		if len(body) < 4 {
			return nil, ErrFrameTooShort
		}
		m := &Register{
			TopicID:   binary.BigEndian.Uint16(body[0:2]),
			TopicName: string(body[4:]),
		}
		m.MsgID = types.PacketId(binary.BigEndian.Uint16(body[2:4]))
		return m, nil

	case typeRegack:
		if len(body) < 5 {
			return nil, ErrFrameTooShort
		}
		m := &Regack{
			TopicID:    binary.BigEndian.Uint16(body[0:2]),
			ReturnCode: ReturnCode(body[4]),
		}
		m.MsgID = types.PacketId(binary.BigEndian.Uint16(body[2:4]))
		return m, nil

	case typePublish:
		if len(body) < 5 {
			return nil, ErrFrameTooShort
		}
		flags := body[0]
		m := &Publish{
			Dup:         flags&0x80 != 0,
			QoS:         int(flags>>5) & 0x03,
			Retain:      flags&0x10 != 0,
			TopicIDType: TopicIdType(flags & 0x03),
			TopicID:     binary.BigEndian.Uint16(body[1:3]),
			Data:        append([]byte(nil), body[5:]...),
		}
		m.MsgID = types.PacketId(binary.BigEndian.Uint16(body[3:5]))
		return m, nil

	case typePuback:
		if len(body) < 5 {
			return nil, ErrFrameTooShort
		}
		m := &Puback{
			TopicID:    binary.BigEndian.Uint16(body[0:2]),
			ReturnCode: ReturnCode(body[4]),
		}
		m.MsgID = types.PacketId(binary.BigEndian.Uint16(body[2:4]))
		return m, nil

	case typePubrec:
		return withID(&Pubrec{}, body)
	case typePubrel:
		return withID(&Pubrel{}, body)
	case typePubcomp:
		return withID(&Pubcomp{}, body)

	case typeSubscribe:
		if len(body) < 3 {
			return nil, ErrFrameTooShort
		}
		flags := body[0]
		m := &Subscribe{
			Dup:         flags&0x80 != 0,
			QoS:         int(flags>>5) & 0x03,
			TopicIDType: TopicIdType(flags & 0x03),
		}
		m.MsgID = types.PacketId(binary.BigEndian.Uint16(body[1:3]))
		rest := body[3:]
		if m.TopicIDType == Predefined || m.TopicIDType == Short {
			if len(rest) < 2 {
				return nil, ErrFrameTooShort
			}
			m.TopicID = binary.BigEndian.Uint16(rest[0:2])
		} else {
			m.Topic = string(rest)
		}
		return m, nil

	case typeSuback:
		if len(body) < 6 {
			return nil, ErrFrameTooShort
		}
		flags := body[0]
		m := &Suback{
			QoS:        int(flags>>5) & 0x03,
			TopicID:    binary.BigEndian.Uint16(body[1:3]),
			ReturnCode: ReturnCode(body[5]),
		}
		m.MsgID = types.PacketId(binary.BigEndian.Uint16(body[3:5]))
		return m, nil

	case typeUnsubscribe:
		if len(body) < 3 {
			return nil, ErrFrameTooShort
		}
		flags := body[0]
		m := &Unsubscribe{TopicIDType: TopicIdType(flags & 0x03)}
		m.MsgID = types.PacketId(binary.BigEndian.Uint16(body[1:3]))
		rest := body[3:]
		if m.TopicIDType == Predefined || m.TopicIDType == Short {
			if len(rest) < 2 {
				return nil, ErrFrameTooShort
			}
			m.TopicID = binary.BigEndian.Uint16(rest[0:2])
		} else {
			m.Topic = string(rest)
		}
		return m, nil

	case typeUnsuback:
		return withID(&Unsuback{}, body)

	case typeDisconnect:
		m := &Disconnect{}
		if len(body) >= 2 {
			m.Duration = binary.BigEndian.Uint16(body[0:2])
		}
		return m, nil

	case typePingreq:
		return &Pingreq{ClientID: string(body)}, nil
	case typePingresp:
		return &Pingresp{}, nil

	case typeWilltopic:
		if len(body) < 1 {
			return &Willtopic{}, nil
		}
		flags := body[0]
		return &Willtopic{
			QoS:    int(flags>>5) & 0x03,
			Retain: flags&0x10 != 0,
			Topic:  string(body[1:]),
		}, nil
	case typeWilltopicresp:
		if len(body) < 1 {
			return nil, ErrFrameTooShort
		}
		return &Willtopicresp{ReturnCode: ReturnCode(body[0])}, nil
	case typeWillmsg:
		return &Willmsg{Message: append([]byte(nil), body...)}, nil
	case typeWillmsgresp:
		if len(body) < 1 {
			return nil, ErrFrameTooShort
		}
		return &Willmsgresp{ReturnCode: ReturnCode(body[0])}, nil

	default:
		return nil, ErrUnknownMsgType
	}
}

func withID(m interface {
	types.Message
	setMsgID(types.PacketId)
}, body []byte) (types.Message, error) {
	if len(body) < 2 {
		return nil, ErrFrameTooShort
	}
	m.setMsgID(types.PacketId(binary.BigEndian.Uint16(body[0:2])))
	return m, nil
}

func (h *header) setMsgID(id types.PacketId) { h.MsgID = id }

// Serialize encodes m into its wire frame, including the length prefix.
func (c *Codec) Serialize(m types.Message) ([]byte, error) {
	body, msgType, err := c.encodeBody(m)
	if err != nil {
		return nil, err
	}

	total := len(body) + 2
	if total <= 255 {
		out := make([]byte, 0, total)
		out = append(out, byte(total), msgType)
		return append(out, body...), nil
	}

	out := make([]byte, 0, total+2)
	out = append(out, 0x01)
	lenBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(lenBuf, uint16(total+2))
	out = append(out, lenBuf...)
	out = append(out, msgType)
	return append(out, body...), nil
}

func (c *Codec) encodeBody(m types.Message) ([]byte, byte, error) {
	switch v := m.(type) {
	case *Connect:
		var flags byte
		if v.Will {
			flags |= 0x08
		}
		if v.CleanSess {
			flags |= 0x04
		}
		body := []byte{flags, 0x01}
		body = appendU16(body, v.Duration)
		body = append(body, []byte(v.ClientID)...)
		return body, typeConnect, nil

	case *Connack:
		return []byte{byte(v.ReturnCode)}, typeConnack, nil

	case *Register:
		body := appendU16(nil, v.TopicID)
		body = appendU16(body, uint16(v.MsgID))
		body = append(body, []byte(v.TopicName)...)
		return body, typeRegister, nil

	case *Regack:
		body := appendU16(nil, v.TopicID)
		body = appendU16(body, uint16(v.MsgID))
		body = append(body, byte(v.ReturnCode))
		return body, typeRegack, nil

	case *Publish:
		var flags byte
		if v.Dup {
			flags |= 0x80
		}
		flags |= byte(v.QoS&0x03) << 5
		if v.Retain {
			flags |= 0x10
		}
		flags |= byte(v.TopicIDType) & 0x03
		body := []byte{flags}
		body = appendU16(body, v.TopicID)
		body = appendU16(body, uint16(v.MsgID))
		body = append(body, v.Data...)
		return body, typePublish, nil

	case *Puback:
		body := appendU16(nil, v.TopicID)
		body = appendU16(body, uint16(v.MsgID))
		body = append(body, byte(v.ReturnCode))
		return body, typePuback, nil

	case *Pubrec:
		return appendU16(nil, uint16(v.MsgID)), typePubrec, nil
	case *Pubrel:
		return appendU16(nil, uint16(v.MsgID)), typePubrel, nil
	case *Pubcomp:
		return appendU16(nil, uint16(v.MsgID)), typePubcomp, nil

	case *Subscribe:
		var flags byte
		if v.Dup {
			flags |= 0x80
		}
		flags |= byte(v.QoS&0x03) << 5
		flags |= byte(v.TopicIDType) & 0x03
		body := []byte{flags}
		body = appendU16(body, uint16(v.MsgID))
		if v.TopicIDType == Predefined || v.TopicIDType == Short {
			body = appendU16(body, v.TopicID)
		} else {
			body = append(body, []byte(v.Topic)...)
		}
		return body, typeSubscribe, nil

	case *Suback:
		var flags byte
		flags |= byte(v.QoS&0x03) << 5
		body := []byte{flags}
		body = appendU16(body, v.TopicID)
		body = appendU16(body, uint16(v.MsgID))
		body = append(body, byte(v.ReturnCode))
		return body, typeSuback, nil

	case *Unsubscribe:
		flags := byte(v.TopicIDType) & 0x03
		body := []byte{flags}
		body = appendU16(body, uint16(v.MsgID))
		if v.TopicIDType == Predefined || v.TopicIDType == Short {
			body = appendU16(body, v.TopicID)
		} else {
			body = append(body, []byte(v.Topic)...)
		}
		return body, typeUnsubscribe, nil

	case *Unsuback:
		return appendU16(nil, uint16(v.MsgID)), typeUnsuback, nil

	case *Disconnect:
		if v.Duration == 0 {
			return nil, typeDisconnect, nil
		}
		return appendU16(nil, v.Duration), typeDisconnect, nil

	case *Pingreq:
		return []byte(v.ClientID), typePingreq, nil
	case *Pingresp:
		return nil, typePingresp, nil

	case *Willtopic:
		var flags byte
		flags |= byte(v.QoS&0x03) << 5
		if v.Retain {
			flags |= 0x10
		}
		body := []byte{flags}
		body = append(body, []byte(v.Topic)...)
		return body, typeWilltopic, nil
	case *Willtopicresp:
		return []byte{byte(v.ReturnCode)}, typeWilltopicresp, nil
	case *Willmsg:
		return append([]byte(nil), v.Message...), typeWillmsg, nil
	case *Willmsgresp:
		return []byte{byte(v.ReturnCode)}, typeWillmsgresp, nil

	default:
		return nil, 0, ErrUnsupportedValue
	}
}

func appendU16(buf []byte, v uint16) []byte {
	tmp := make([]byte, 2)
	binary.BigEndian.PutUint16(tmp, v)
	return append(buf, tmp...)
}

// originating reports whether kind is a message that originates an
// exchange (a request), as opposed to a response/continuation. This
// backs both Classify (send-path source) and, inverted, the
// source_for_lookup rule of the receive path.
func originating(kind types.MessageKind) bool {
	switch kind {
	case types.CONNECT, types.REGISTER, types.SUBSCRIBE, types.UNSUBSCRIBE,
		types.PUBLISH, types.PINGREQ, types.WILLTOPIC, types.WILLMSG,
		types.PUBREL:
		return true
	default:
		return false
	}
}

func (c *Codec) Classify(m types.Message) types.Direction {
	if originating(m.Kind()) {
		return types.LOCAL
	}
	return types.REMOTE
}

func (c *Codec) IsTerminal(m types.Message) bool {
	switch m.Kind() {
	case types.CONNACK, types.SUBACK, types.UNSUBACK, types.REGACK,
		types.PUBACK, types.PUBCOMP, types.PUBREL, types.DISCONNECT,
		types.WILLTOPICRESP, types.WILLMSGRESP, types.PINGRESP:
		return true
	default:
		return false
	}
}

// IsActive excludes keepalives and error frames from the liveness
// clock.
func (c *Codec) IsActive(m types.Message) bool {
	switch m.Kind() {
	case types.PINGREQ, types.PINGRESP:
		return false
	}
	return !c.IsError(m)
}

func (c *Codec) IsError(m types.Message) bool {
	code, ok := c.ReturnCode(m)
	return ok && code != Accepted_
}

const Accepted_ = int(Accepted)

func (c *Codec) ReturnCode(m types.Message) (int, bool) {
	switch v := m.(type) {
	case *Connack:
		return int(v.ReturnCode), true
	case *Regack:
		return int(v.ReturnCode), true
	case *Puback:
		return int(v.ReturnCode), true
	case *Suback:
		return int(v.ReturnCode), true
	case *Willtopicresp:
		return int(v.ReturnCode), true
	case *Willmsgresp:
		return int(v.ReturnCode), true
	default:
		return 0, false
	}
}

// ValidResponse reports whether response correctly answers request,
// per the request/response pairing implied by table.
func (c *Codec) ValidResponse(request, response types.Message) bool {
	switch request.Kind() {
	case types.CONNECT:
		return response.Kind() == types.CONNACK
	case types.REGISTER:
		return response.Kind() == types.REGACK
	case types.SUBSCRIBE:
		return response.Kind() == types.SUBACK
	case types.UNSUBSCRIBE:
		return response.Kind() == types.UNSUBACK
	case types.PUBLISH:
		// PUBREC never reaches here: it isn't terminal (IsTerminal),
		// so a QoS 2 entry's only terminal answer by the time
		// ValidResponse is consulted is PUBREL -- whether the entry is
		// the LOCAL side (rewritten to request=PUBREL by mark_inflight's
		// continuation reuse before PUBCOMP lands, handled by the
		// PUBREL case below) or the REMOTE-pinned inbound side (request
		// is still the original PUBLISH here).
		if pub, ok := request.(*Publish); ok {
			switch pub.QoS {
			case 1:
				return response.Kind() == types.PUBACK
			case 2:
				return response.Kind() == types.PUBREL
			}
		}
		return false
	case types.PUBREL:
		return response.Kind() == types.PUBCOMP
	case types.PINGREQ:
		return response.Kind() == types.PINGRESP
	case types.WILLTOPIC:
		return response.Kind() == types.WILLTOPICRESP
	case types.WILLMSG:
		return response.Kind() == types.WILLMSGRESP
	default:
		return false
	}
}

// PublishQoS returns m's QoS and true when m is a PUBLISH.
func (c *Codec) PublishQoS(m types.Message) (int, bool) {
	if pub, ok := m.(*Publish); ok {
		return pub.QoS, true
	}
	return 0, false
}

func (c *Codec) PublishPayload(m types.Message) ([]byte, bool) {
	if pub, ok := m.(*Publish); ok {
		return pub.Data, true
	}
	return nil, false
}

// RequiresResponse reports whether sending m should allocate a
// WaitToken and await a reply. This is
// content-dependent for PUBLISH (only QoS > 0 requires one) and kind-
// dependent for everything else.
func (c *Codec) RequiresResponse(m types.Message) bool {
	switch v := m.(type) {
	case *Publish:
		return v.QoS > 0
	case *Pingresp, *Connack, *Regack, *Puback, *Pubcomp, *Suback, *Unsuback,
		*Willtopicresp, *Willmsgresp:
		return false
	default:
		return true
	}
}
