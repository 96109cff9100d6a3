package overlay

import (
	"encoding/binary"
	"fmt"
)

// MessageType enumerates the wire message kinds named in §3.
type MessageType uint8

const (
	MsgPing MessageType = iota + 1
	MsgConnect
	MsgFindNodes
	MsgConnectSuccess
	MsgAck
	MsgRemove
	MsgClosestUpdate
	MsgClosestSubscribe
	MsgNodeLevel
)

// routingTypes are message types the handler deals with itself rather than
// handing to the application (§4.6 step 5, step "Handling as closest").
var routingTypes = map[MessageType]bool{
	MsgPing:             true,
	MsgConnect:          true,
	MsgFindNodes:        true,
	MsgConnectSuccess:   true,
	MsgAck:              true,
	MsgRemove:           true,
	MsgClosestUpdate:    true,
	MsgClosestSubscribe: true,
}

// IsRoutingType reports whether t is handled inline by the Message Handler
// rather than delivered to the application.
func (t MessageType) IsRoutingType() bool { return routingTypes[t] }

// Message is the tagged wire record of §3. Optional fields are represented
// as pointers; a nil pointer means absent on the wire.
type Message struct {
	Type               MessageType
	Request            bool
	Direct             bool
	SourceID           Identifier
	DestinationID      Identifier
	RelayID            *Identifier
	RelayConnectionID  *Identifier
	Replication        uint16
	RouteHistory       []Identifier
	Visited            bool
	HopsToLive         uint16
	ID                 uint32
	Data               []byte
	ClientNode         bool
	GroupClaim         *Identifier

	// unknown holds tags this build does not recognize, keyed by tag byte,
	// preserved verbatim so a forwarded message round-trips them (§6).
	unknown map[byte][]byte
}

// wire tags, one byte each, length-delimited payloads (§6).
const (
	tagType              byte = 1
	tagRequest           byte = 2
	tagDirect            byte = 3
	tagSourceID          byte = 4
	tagDestinationID     byte = 5
	tagRelayID           byte = 6
	tagRelayConnectionID byte = 7
	tagReplication       byte = 8
	tagRouteHistory      byte = 9
	tagVisited           byte = 10
	tagHopsToLive        byte = 11
	tagID                byte = 12
	tagData              byte = 13
	tagClientNode        byte = 14
	tagGroupClaim        byte = 15
)

func encodeBool(b bool) []byte {
	if b {
		return []byte{1}
	}
	return []byte{0}
}

func decodeBool(b []byte) bool {
	return len(b) > 0 && b[0] != 0
}

func writeTLV(buf []byte, tag byte, value []byte) []byte {
	buf = append(buf, tag)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(value)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, value...)
}

// Encode serializes m into the length-delimited, explicit-tag wire format
// of §6. Unknown tags captured on decode are re-emitted verbatim.
func (m *Message) Encode() []byte {
	buf := make([]byte, 0, 128+len(m.Data))

	buf = writeTLV(buf, tagType, []byte{byte(m.Type)})
	buf = writeTLV(buf, tagRequest, encodeBool(m.Request))
	buf = writeTLV(buf, tagDirect, encodeBool(m.Direct))
	buf = writeTLV(buf, tagSourceID, m.SourceID[:])
	buf = writeTLV(buf, tagDestinationID, m.DestinationID[:])
	if m.RelayID != nil {
		buf = writeTLV(buf, tagRelayID, m.RelayID[:])
	}
	if m.RelayConnectionID != nil {
		buf = writeTLV(buf, tagRelayConnectionID, m.RelayConnectionID[:])
	}
	var repl [2]byte
	binary.BigEndian.PutUint16(repl[:], m.Replication)
	buf = writeTLV(buf, tagReplication, repl[:])

	rh := make([]byte, 0, len(m.RouteHistory)*IDLength)
	for _, id := range m.RouteHistory {
		rh = append(rh, id[:]...)
	}
	buf = writeTLV(buf, tagRouteHistory, rh)

	buf = writeTLV(buf, tagVisited, encodeBool(m.Visited))

	var hops [2]byte
	binary.BigEndian.PutUint16(hops[:], m.HopsToLive)
	buf = writeTLV(buf, tagHopsToLive, hops[:])

	var idBuf [4]byte
	binary.BigEndian.PutUint32(idBuf[:], m.ID)
	buf = writeTLV(buf, tagID, idBuf[:])

	buf = writeTLV(buf, tagData, m.Data)
	buf = writeTLV(buf, tagClientNode, encodeBool(m.ClientNode))
	if m.GroupClaim != nil {
		buf = writeTLV(buf, tagGroupClaim, m.GroupClaim[:])
	}

	for tag, value := range m.unknown {
		buf = writeTLV(buf, tag, value)
	}

	return buf
}

// DecodeMessage parses the wire format produced by Encode. Unrecognized
// tags are retained so a subsequent Encode round-trips them unchanged.
func DecodeMessage(b []byte) (*Message, error) {
	m := &Message{}
	off := 0
	for off < len(b) {
		if off+5 > len(b) {
			return nil, fmt.Errorf("%w: truncated tag header", ErrMalformedMessage)
		}
		tag := b[off]
		length := binary.BigEndian.Uint32(b[off+1 : off+5])
		off += 5
		if off+int(length) > len(b) {
			return nil, fmt.Errorf("%w: truncated value for tag %d", ErrMalformedMessage, tag)
		}
		value := b[off : off+int(length)]
		off += int(length)

		switch tag {
		case tagType:
			if len(value) != 1 {
				return nil, fmt.Errorf("%w: bad type field", ErrMalformedMessage)
			}
			m.Type = MessageType(value[0])
		case tagRequest:
			m.Request = decodeBool(value)
		case tagDirect:
			m.Direct = decodeBool(value)
		case tagSourceID:
			if err := copyIdentifier(&m.SourceID, value); err != nil {
				return nil, err
			}
		case tagDestinationID:
			if err := copyIdentifier(&m.DestinationID, value); err != nil {
				return nil, err
			}
		case tagRelayID:
			var id Identifier
			if err := copyIdentifier(&id, value); err != nil {
				return nil, err
			}
			m.RelayID = &id
		case tagRelayConnectionID:
			var id Identifier
			if err := copyIdentifier(&id, value); err != nil {
				return nil, err
			}
			m.RelayConnectionID = &id
		case tagReplication:
			if len(value) != 2 {
				return nil, fmt.Errorf("%w: bad replication field", ErrMalformedMessage)
			}
			m.Replication = binary.BigEndian.Uint16(value)
		case tagRouteHistory:
			if len(value)%IDLength != 0 {
				return nil, fmt.Errorf("%w: bad route history field", ErrMalformedMessage)
			}
			for i := 0; i < len(value); i += IDLength {
				var id Identifier
				copy(id[:], value[i:i+IDLength])
				m.RouteHistory = append(m.RouteHistory, id)
			}
		case tagVisited:
			m.Visited = decodeBool(value)
		case tagHopsToLive:
			if len(value) != 2 {
				return nil, fmt.Errorf("%w: bad hops_to_live field", ErrMalformedMessage)
			}
			m.HopsToLive = binary.BigEndian.Uint16(value)
		case tagID:
			if len(value) != 4 {
				return nil, fmt.Errorf("%w: bad id field", ErrMalformedMessage)
			}
			m.ID = binary.BigEndian.Uint32(value)
		case tagData:
			m.Data = append([]byte(nil), value...)
		case tagClientNode:
			m.ClientNode = decodeBool(value)
		case tagGroupClaim:
			var id Identifier
			if err := copyIdentifier(&id, value); err != nil {
				return nil, err
			}
			m.GroupClaim = &id
		default:
			if m.unknown == nil {
				m.unknown = make(map[byte][]byte)
			}
			m.unknown[tag] = append([]byte(nil), value...)
		}
	}
	return m, nil
}

func copyIdentifier(dst *Identifier, value []byte) error {
	if len(value) != IDLength {
		return fmt.Errorf("%w: identifier field has length %d, want %d", ErrMalformedMessage, len(value), IDLength)
	}
	copy(dst[:], value)
	return nil
}

// PushRouteHistory appends self to the message's route history, trimming
// the oldest entry once the length exceeds maxRouteHistory (§4.6
// RecursiveSend). Appending is a no-op if self is already the last hop.
func (m *Message) PushRouteHistory(self Identifier, maxRouteHistory int) {
	if len(m.RouteHistory) > 0 && m.RouteHistory[len(m.RouteHistory)-1] == self {
		return
	}
	m.RouteHistory = append(m.RouteHistory, self)
	if len(m.RouteHistory) > maxRouteHistory {
		m.RouteHistory = m.RouteHistory[len(m.RouteHistory)-maxRouteHistory:]
	}
}

// LastHop returns the most recent entry in route history, if any.
func (m *Message) LastHop() (Identifier, bool) {
	if len(m.RouteHistory) == 0 {
		return Identifier{}, false
	}
	return m.RouteHistory[len(m.RouteHistory)-1], true
}
