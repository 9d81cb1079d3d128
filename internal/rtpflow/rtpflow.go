// Package rtpflow implements RTP header decode/payload extraction and the
// duplicate/reorder acceptance window shared by every RTP ingress path
// (plain multicast, FCC unicast/multicast, RTSP interleaved). Header
// parsing rides pion/rtp.Packet.
package rtpflow

import (
	"fmt"

	"github.com/pion/rtp"
)

// ExtractPayload validates and extracts the media payload from a raw RTP
// datagram: version must be 2; payload start is
// 12 + 4*CSRC_count + (extension size if X=1); payload end is
// length - (last_byte if P=1 else 0). Packets with negative/zero effective
// payload, or whose extension claims bytes beyond the buffer, are rejected
// as malformed.
func ExtractPayload(raw []byte) (seq uint16, payload []byte, err error) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(raw); err != nil {
		return 0, nil, fmt.Errorf("rtpflow: malformed RTP header: %w", err)
	}
	if pkt.Version != 2 {
		return 0, nil, fmt.Errorf("rtpflow: unsupported RTP version %d", pkt.Version)
	}
	if len(pkt.Payload) == 0 {
		return 0, nil, fmt.Errorf("rtpflow: empty effective payload")
	}
	return pkt.SequenceNumber, pkt.Payload, nil
}

// Encode re-synthesizes an RTP packet from decoded fields. For packets
// with no extension and no padding the result is byte-identical to the
// packet the fields were decoded from.
func Encode(seq uint16, ts uint32, ssrc uint32, payloadType uint8, marker bool, payload []byte) ([]byte, error) {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    payloadType,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           ssrc,
		},
		Payload: payload,
	}
	return pkt.Marshal()
}

// ReorderWindow is the wrap threshold: a backward delta whose magnitude
// exceeds it is treated as a session reset rather than a late packet.
const ReorderWindow = 32768

// SeqTracker classifies incoming 16-bit sequence numbers as accept,
// duplicate, or late. Not safe for concurrent use: one tracker per ingress
// stream.
type SeqTracker struct {
	last   uint16
	seeded bool
}

// Decision is the outcome of evaluating a newly observed sequence number
// against the tracker's state.
type Decision int

const (
	// Accept means the packet should be forwarded and becomes the new
	// last-accepted sequence.
	Accept Decision = iota
	// Duplicate means d == 0: drop without counting as a gap.
	Duplicate
	// Late means d < 0 and |d| <= ReorderWindow: drop, packet arrived after
	// its window closed.
	Late
)

// Evaluate classifies seq and updates internal state when the packet is
// accepted (including the reset case). The very first packet observed
// after construction or after a Reset is always accepted.
func (t *SeqTracker) Evaluate(seq uint16) Decision {
	if !t.seeded {
		t.seeded = true
		t.last = seq
		return Accept
	}
	d := int16(seq - t.last)
	switch {
	case d == 0:
		return Duplicate
	case d > 0:
		t.last = seq
		return Accept
	default: // d < 0
		if -int32(d) > ReorderWindow {
			// past the wrap threshold: treat as a reset, accept and re-seed
			t.last = seq
			return Accept
		}
		return Late
	}
}

// Reset clears the tracker so the next Evaluate call behaves like the first
// packet of a new session.
func (t *SeqTracker) Reset() {
	t.seeded = false
}
