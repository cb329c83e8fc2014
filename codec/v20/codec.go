package v20

import (
	"encoding/binary"
	"errors"

	"mqttsn/internal/types"
)

// Wire message type octets, identical to v12: the 2.0 draft keeps the
// same type-code table, only widening field encodings.
const (
	typeConnect     = 0x04
	typeConnack     = 0x05
	typeRegister    = 0x0A
	typeRegack      = 0x0B
	typePublish     = 0x0C
	typePuback      = 0x0D
	typePubcomp     = 0x0E
	typePubrec      = 0x0F
	typePubrel      = 0x10
	typeSubscribe   = 0x12
	typeSuback      = 0x13
	typeUnsubscribe = 0x14
	typeUnsuback    = 0x15
	typePingreq     = 0x16
	typePingresp    = 0x17
	typeDisconnect  = 0x18
)

const protocolID = 0x02

var (
	ErrFrameTooShort    = errors.New("v20: frame shorter than its length prefix")
	ErrUnknownMsgType   = errors.New("v20: unknown message type")
	ErrUnsupportedValue = errors.New("v20: unsupported field value")
)

// Codec implements codec.Codec for MQTT-SN 2.0.
type Codec struct{}

func New() *Codec { return &Codec{} }

func (*Codec) Version() types.ProtocolVersion { return types.V2_0 }

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
		if len(body) < 7 {
			return nil, ErrFrameTooShort
		}
		flags := body[0]
		m := &Connect{
			Will:        flags&0x08 != 0,
			CleanSess:   flags&0x04 != 0,
			WillRetain:  flags&0x10 != 0,
			WillQoS:     int(flags>>5) & 0x03,
			Duration:    binary.BigEndian.Uint16(body[2:4]),
			MaxSNLength: binary.BigEndian.Uint16(body[4:6]),
		}
		clientIDLen := int(body[6])
		rest := body[7:]
		if len(rest) < clientIDLen {
			return nil, ErrFrameTooShort
		}
		m.ClientID = string(rest[:clientIDLen])
		rest = rest[clientIDLen:]

		if m.Will {
			if len(rest) < 1 {
				return nil, ErrFrameTooShort
			}
			topicLen := int(rest[0])
			rest = rest[1:]
			if len(rest) < topicLen+2 {
				return nil, ErrFrameTooShort
			}
			m.WillTopic = string(rest[:topicLen])
			rest = rest[topicLen:]
			msgLen := int(binary.BigEndian.Uint16(rest[0:2]))
			rest = rest[2:]
			if len(rest) < msgLen {
				return nil, ErrFrameTooShort
			}
			m.WillMessage = append([]byte(nil), rest[:msgLen]...)
		}
		return m, nil

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
		}
		if m.TopicIDType == Full {
			nameLen := int(binary.BigEndian.Uint16(body[1:3]))
			if len(body) < 3+nameLen+2 {
				return nil, ErrFrameTooShort
			}
			m.TopicName = string(body[3 : 3+nameLen])
			m.MsgID = types.PacketId(binary.BigEndian.Uint16(body[3+nameLen : 5+nameLen]))
			m.Data = append([]byte(nil), body[5+nameLen:]...)
			return m, nil
		}
		m.TopicID = binary.BigEndian.Uint16(body[1:3])
		m.MsgID = types.PacketId(binary.BigEndian.Uint16(body[3:5]))
		m.Data = append([]byte(nil), body[5:]...)
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
		if v.WillRetain {
			flags |= 0x10
		}
		flags |= byte(v.WillQoS&0x03) << 5
		body := []byte{flags, protocolID}
		body = appendU16(body, v.Duration)
		body = appendU16(body, v.MaxSNLength)
		body = append(body, byte(len(v.ClientID)))
		body = append(body, []byte(v.ClientID)...)
		if v.Will {
			body = append(body, byte(len(v.WillTopic)))
			body = append(body, []byte(v.WillTopic)...)
			body = appendU16(body, uint16(len(v.WillMessage)))
			body = append(body, v.WillMessage...)
		}
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
		if v.TopicIDType == Full {
			body = appendU16(body, uint16(len(v.TopicName)))
			body = append(body, []byte(v.TopicName)...)
			body = appendU16(body, uint16(v.MsgID))
			body = append(body, v.Data...)
			return body, typePublish, nil
		}
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

	default:
		return nil, 0, ErrUnsupportedValue
	}
}

func appendU16(buf []byte, v uint16) []byte {
	tmp := make([]byte, 2)
	binary.BigEndian.PutUint16(tmp, v)
	return append(buf, tmp...)
}

// originating mirrors v12's predicate: 2.0 keeps the same
// classification even though WILLTOPIC/WILLMSG no longer round-trip
// as separate frames (Will negotiation rides inside CONNECT now).
func originating(kind types.MessageKind) bool {
	switch kind {
	case types.CONNECT, types.REGISTER, types.SUBSCRIBE, types.UNSUBSCRIBE,
		types.PUBLISH, types.PINGREQ, types.PUBREL:
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
		types.PINGRESP:
		return true
	default:
		return false
	}
}

func (c *Codec) IsActive(m types.Message) bool {
	switch m.Kind() {
	case types.PINGREQ, types.PINGRESP:
		return false
	}
	return !c.IsError(m)
}

func (c *Codec) IsError(m types.Message) bool {
	code, ok := c.ReturnCode(m)
	return ok && code != int(Accepted)
}

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
	default:
		return 0, false
	}
}

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
	default:
		return false
	}
}

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

func (c *Codec) RequiresResponse(m types.Message) bool {
	switch v := m.(type) {
	case *Publish:
		return v.QoS > 0
	case *Pingresp, *Connack, *Regack, *Puback, *Pubcomp, *Suback, *Unsuback:
		return false
	default:
		return true
	}
}
