// NAT traversal for the unicast burst socket. Neither mode changes the
// state machine: both only affect which downstream address the request
// packet advertises to the server, and whether a hole-punch datagram is
// pre-sent so the server's burst can traverse the client-side NAT.
package fcc

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// NATMode selects how the engine advertises its downstream address.
type NATMode int

const (
	// NATNone advertises the socket's local bind address unchanged.
	NATNone NATMode = iota
	// NATHolePunch pre-sends an empty datagram to the server so the NAT
	// installs a mapping before the burst arrives; the advertised address
	// is still the local bind.
	NATHolePunch
	// NATPMP requests a UDP port mapping from the local gateway via
	// NAT-PMP and advertises the mapped external port instead.
	NATPMP
)

func (m NATMode) String() string {
	switch m {
	case NATHolePunch:
		return "holepunch"
	case NATPMP:
		return "pmp"
	default:
		return "none"
	}
}

// ParseNATMode resolves the --fcc-nat-mode flag vocabulary.
func ParseNATMode(s string) (NATMode, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return NATNone, nil
	case "holepunch":
		return NATHolePunch, nil
	case "pmp":
		return NATPMP, nil
	default:
		return NATNone, fmt.Errorf("fcc: unknown NAT mode %q", s)
	}
}

// HolePunchPacket is the datagram pre-sent to the FCC server under
// NATHolePunch. A zero payload is enough to open the mapping; the server
// ignores it.
func HolePunchPacket() []byte { return []byte{} }

// PMPPort is the NAT-PMP control port on the gateway (RFC 6886).
const PMPPort = 5351

const (
	pmpVersion     = 0
	pmpOpMapUDP    = 1
	pmpRespUDPMask = 128
	pmpResultOK    = 0
	pmpReqLen      = 12
	pmpRespLen     = 16
	pmpMapLifetime = 7200
)

// EncodePMPMapping builds a NAT-PMP UDP mapping request for internalPort,
// suggesting the same external port.
func EncodePMPMapping(internalPort uint16) []byte {
	b := make([]byte, pmpReqLen)
	b[0] = pmpVersion
	b[1] = pmpOpMapUDP
	binary.BigEndian.PutUint16(b[4:6], internalPort)
	binary.BigEndian.PutUint16(b[6:8], internalPort)
	binary.BigEndian.PutUint32(b[8:12], pmpMapLifetime)
	return b
}

// ParsePMPResponse decodes the gateway's mapping response and returns the
// external port the server should burst to.
func ParsePMPResponse(b []byte) (externalPort uint16, err error) {
	if len(b) < pmpRespLen {
		return 0, fmt.Errorf("fcc: NAT-PMP response too short (%d bytes)", len(b))
	}
	if b[0] != pmpVersion {
		return 0, fmt.Errorf("fcc: NAT-PMP version %d", b[0])
	}
	if b[1] != pmpRespUDPMask+pmpOpMapUDP {
		return 0, fmt.Errorf("fcc: unexpected NAT-PMP opcode 0x%02x", b[1])
	}
	if result := binary.BigEndian.Uint16(b[2:4]); result != pmpResultOK {
		return 0, fmt.Errorf("fcc: NAT-PMP mapping refused: result %d", result)
	}
	return binary.BigEndian.Uint16(b[10:12]), nil
}
