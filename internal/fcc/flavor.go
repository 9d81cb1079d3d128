// Per-vendor FCC wire encodings, kept behind the small Flavor interface so
// the state machine in engine.go never branches on the dialect.
//
// The real byte layouts are server-specific and undocumented. The layouts
// below are internally consistent (type byte + big-endian length + fields,
// the general shape both deployed dialects use) so the state machine and
// tests have a concrete wire format to exercise; deploying against an
// actual Telecom or Huawei burst server requires substituting that
// vendor's exact bytes here.
package fcc

import (
	"encoding/binary"
	"fmt"
)

// EventKind classifies a parsed non-RTP datagram from the FCC server.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventSyncNotification
	EventTerminationAck
	EventReject
)

// ServerEvent is the decoded meaning of a flavor-specific control datagram.
type ServerEvent struct {
	Kind           EventKind
	HandoverSeq    uint16 // valid when Kind == EventSyncNotification
	MulticastGroup string // "ip:port", valid when Kind == EventSyncNotification, empty if client's configured group should be used
}

// Flavor encodes/decodes one vendor's FCC control-plane wire format.
type Flavor interface {
	Name() string
	EncodeRequest(clientAddr string, mcastGroup string) []byte
	EncodeTermination(sessionID uint32) []byte
	ParseServerDatagram(b []byte) (ServerEvent, error)
}

const (
	msgTypeRequest     = 0x01
	msgTypeTermination = 0x02
	msgTypeSyncNotify  = 0x10
	msgTypeTermAck     = 0x11
	msgTypeReject      = 0x1F
)

// telecomFlavor is the "Telecom" dialect: a flat header of
// {type:u8}{length:u16-be}{sessionID:u32-be}{payload}.
type telecomFlavor struct{}

func (telecomFlavor) Name() string { return "telecom" }

func (telecomFlavor) EncodeRequest(clientAddr, mcastGroup string) []byte {
	payload := []byte(clientAddr + "|" + mcastGroup)
	return encodeFrame(msgTypeRequest, 0, payload)
}

func (telecomFlavor) EncodeTermination(sessionID uint32) []byte {
	return encodeFrame(msgTypeTermination, sessionID, nil)
}

func (telecomFlavor) ParseServerDatagram(b []byte) (ServerEvent, error) {
	msgType, _, payload, err := decodeFrame(b)
	if err != nil {
		return ServerEvent{}, err
	}
	switch msgType {
	case msgTypeSyncNotify:
		if len(payload) < 2 {
			return ServerEvent{}, fmt.Errorf("fcc: telecom sync-notify payload too short")
		}
		return ServerEvent{Kind: EventSyncNotification, HandoverSeq: binary.BigEndian.Uint16(payload[:2])}, nil
	case msgTypeTermAck:
		return ServerEvent{Kind: EventTerminationAck}, nil
	case msgTypeReject:
		return ServerEvent{Kind: EventReject}, nil
	default:
		return ServerEvent{Kind: EventUnknown}, nil
	}
}

// huaweiFlavor is the "Huawei" dialect: the same framing with a one-byte
// flavor discriminant prefix distinguishing it on the wire, and the
// multicast group embedded in the sync notification (Telecom's sync-notify
// only carries the handover sequence; the client already knows its own
// group for Telecom, but Huawei deployments may redirect to a secondary
// group).
type huaweiFlavor struct{}

func (huaweiFlavor) Name() string { return "huawei" }

func (huaweiFlavor) EncodeRequest(clientAddr, mcastGroup string) []byte {
	payload := []byte(clientAddr + "|" + mcastGroup)
	frame := encodeFrame(msgTypeRequest, 0, payload)
	return append([]byte{0xA5}, frame...)
}

func (huaweiFlavor) EncodeTermination(sessionID uint32) []byte {
	frame := encodeFrame(msgTypeTermination, sessionID, nil)
	return append([]byte{0xA5}, frame...)
}

func (huaweiFlavor) ParseServerDatagram(b []byte) (ServerEvent, error) {
	if len(b) < 1 || b[0] != 0xA5 {
		return ServerEvent{}, fmt.Errorf("fcc: huawei datagram missing discriminant byte")
	}
	msgType, _, payload, err := decodeFrame(b[1:])
	if err != nil {
		return ServerEvent{}, err
	}
	switch msgType {
	case msgTypeSyncNotify:
		if len(payload) < 2 {
			return ServerEvent{}, fmt.Errorf("fcc: huawei sync-notify payload too short")
		}
		ev := ServerEvent{Kind: EventSyncNotification, HandoverSeq: binary.BigEndian.Uint16(payload[:2])}
		if len(payload) > 2 {
			ev.MulticastGroup = string(payload[2:])
		}
		return ev, nil
	case msgTypeTermAck:
		return ServerEvent{Kind: EventTerminationAck}, nil
	case msgTypeReject:
		return ServerEvent{Kind: EventReject}, nil
	default:
		return ServerEvent{Kind: EventUnknown}, nil
	}
}

func encodeFrame(msgType byte, sessionID uint32, payload []byte) []byte {
	buf := make([]byte, 1+2+4+len(payload))
	buf[0] = msgType
	binary.BigEndian.PutUint16(buf[1:3], uint16(4+len(payload)))
	binary.BigEndian.PutUint32(buf[3:7], sessionID)
	copy(buf[7:], payload)
	return buf
}

func decodeFrame(b []byte) (msgType byte, sessionID uint32, payload []byte, err error) {
	if len(b) < 7 {
		return 0, 0, nil, fmt.Errorf("fcc: frame too short")
	}
	msgType = b[0]
	length := binary.BigEndian.Uint16(b[1:3])
	sessionID = binary.BigEndian.Uint32(b[3:7])
	if int(length) < 4 || 3+int(length) > len(b) {
		return 0, 0, nil, fmt.Errorf("fcc: invalid frame length %d", length)
	}
	payload = b[7 : 3+int(length)]
	return msgType, sessionID, payload, nil
}

// ByName resolves a Flavor from the service.FCCFlavor-shaped string ("telecom"/"huawei").
func ByName(name string) (Flavor, error) {
	switch name {
	case "telecom":
		return telecomFlavor{}, nil
	case "huawei":
		return huaweiFlavor{}, nil
	default:
		return nil, fmt.Errorf("fcc: unknown flavor %q", name)
	}
}
