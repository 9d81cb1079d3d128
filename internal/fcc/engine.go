// Package fcc implements the Fast Channel Change unicast-burst ->
// multicast-join handover engine. A burst server unicasts a recent
// key-frame-aligned prefix of the channel so the decoder starts
// immediately; the client joins the multicast group in parallel and
// switches over once the two streams meet at the server-advertised
// handover sequence. The state machine below is flavor-agnostic; Flavor
// implementations in flavor.go supply the vendor wire encodings.
package fcc

import (
	"fmt"
	"sort"
	"time"

	"github.com/stackia/rtp2httpd-sub003/internal/logging"
	"github.com/stackia/rtp2httpd-sub003/internal/rtpflow"
)

var log = logging.New("fcc")

// State is one node of the handover state machine. Transitions never go
// backward.
type State int

const (
	StateInit State = iota
	StateRequested
	StateUnicastPending
	StateMcastRequested
	StateMcastTransition
	StateMcastActive
	StateError
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateRequested:
		return "Requested"
	case StateUnicastPending:
		return "UnicastPending"
	case StateMcastRequested:
		return "McastRequested"
	case StateMcastTransition:
		return "McastTransition"
	case StateMcastActive:
		return "McastActive"
	case StateError:
		return "Error"
	case StateDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// pendingPacket is a retained multicast packet buffered during
// McastTransition, keyed by sequence for ordered, deduplicated flush.
type pendingPacket struct {
	seq     uint16
	payload []byte
}

// maxPendingList bounds the McastTransition buffering window: once this
// many multicast packets are pending, the handover completes even if the
// unicast stream never reached the advertised sequence.
const maxPendingList = 256

// DefaultIdleTimeout is the receive-idle timeout while in Requested or
// UnicastPending; past it the session falls back to a plain multicast join.
const DefaultIdleTimeout = 5 * time.Second

// OnForward is called with every payload the engine decides to forward to
// the client, in forwarding order.
type OnForward func(payload []byte)

// OnTransition is called on every state transition with the full trace so
// far, newest last. The worker uses it to push a status update for each
// transition.
type OnTransition func(trace []State)

// Engine drives one client's FCC session. It owns no sockets directly;
// callers feed it datagrams via HandleUnicast/HandleMulticast and read its
// State()/forwarded output via the OnForward callback, keeping it testable
// without real network I/O and reusable from the worker's readiness loop.
type Engine struct {
	flavor Flavor

	state State
	trace []State

	unicastTracker rtpflow.SeqTracker
	mcastTracker   rtpflow.SeqTracker

	handoverSeq    uint16
	haveHandover   bool
	redirectGroup  string
	pending        []pendingPacket
	termSent       bool
	sessionID      uint32
	lastUnicastSeq uint16
	haveLastSeq    bool

	onForward    OnForward
	onTransition OnTransition
}

// New constructs an Engine in StateInit for the given flavor.
func New(flavor Flavor, sessionID uint32, onForward OnForward, onTransition OnTransition) *Engine {
	e := &Engine{
		flavor:       flavor,
		state:        StateInit,
		sessionID:    sessionID,
		onForward:    onForward,
		onTransition: onTransition,
	}
	e.trace = append(e.trace, StateInit)
	return e
}

// State returns the engine's current state.
func (e *Engine) State() State { return e.state }

// Trace returns the full transition history, used for the status row.
func (e *Engine) Trace() []State { return append([]State(nil), e.trace...) }

func (e *Engine) transition(to State) {
	if to == e.state {
		return
	}
	e.state = to
	e.trace = append(e.trace, to)
	if e.onTransition != nil {
		e.onTransition(e.Trace())
	}
}

// RequestPacket returns the flavor-specific request datagram to unicast to
// the FCC server, and transitions Init -> Requested.
func (e *Engine) RequestPacket(clientAddr, mcastGroup string) []byte {
	e.transition(StateRequested)
	return e.flavor.EncodeRequest(clientAddr, mcastGroup)
}

// HandleUnicast processes one datagram received from the FCC unicast
// socket. It may be RTP media or a flavor-specific control datagram;
// the flavor decoder is consulted only once the RTP header validator
// rejects the packet. RTP's version bits (first two bits = 2) let the
// validator fail fast on control frames.
func (e *Engine) HandleUnicast(raw []byte) error {
	if e.state != StateRequested && e.state != StateUnicastPending && e.state != StateMcastRequested && e.state != StateMcastTransition {
		return nil
	}
	if seq, payload, err := rtpflow.ExtractPayload(raw); err == nil {
		if e.state == StateRequested {
			e.transition(StateUnicastPending)
		}
		switch e.unicastTracker.Evaluate(seq) {
		case rtpflow.Accept:
			e.lastUnicastSeq = seq
			e.haveLastSeq = true
			if e.state == StateMcastTransition || e.state == StateMcastRequested {
				e.forwardAndCheckHandover(seq, payload)
			} else {
				e.onForward(payload)
			}
		}
		return nil
	}

	ev, err := e.flavor.ParseServerDatagram(raw)
	if err != nil {
		return fmt.Errorf("fcc: unrecognized unicast datagram: %w", err)
	}
	switch ev.Kind {
	case EventSyncNotification:
		e.handoverSeq = ev.HandoverSeq
		e.haveHandover = true
		e.redirectGroup = ev.MulticastGroup
		e.transition(StateMcastRequested)
	case EventReject:
		e.transition(StateError)
	}
	return nil
}

// HandleMulticast processes one datagram received on the joined multicast
// group. Before McastRequested it is ignored (the join hasn't happened
// yet); during McastRequested/McastTransition it is buffered, retained but
// not yet forwarded; once McastActive it forwards directly like plain RTP
// ingress.
func (e *Engine) HandleMulticast(raw []byte) error {
	seq, payload, err := rtpflow.ExtractPayload(raw)
	if err != nil {
		return fmt.Errorf("fcc: malformed multicast RTP: %w", err)
	}
	switch e.state {
	case StateMcastActive:
		if e.mcastTracker.Evaluate(seq) == rtpflow.Accept {
			e.onForward(payload)
		}
		return nil
	case StateMcastRequested:
		e.transition(StateMcastTransition)
		fallthrough
	case StateMcastTransition:
		e.bufferPending(seq, payload)
		e.checkHandoverFromPendingWatermark()
		return nil
	default:
		return nil // too early; drop (no multicast join issued yet)
	}
}

// forwardAndCheckHandover is called for unicast packets while in
// McastRequested/McastTransition: it forwards the unicast payload and, once
// the unicast sequence reaches the handover point, flushes buffered
// multicast packets and completes the switchover.
func (e *Engine) forwardAndCheckHandover(seq uint16, payload []byte) {
	e.onForward(payload)
	if e.haveHandover && !seqLess(seq, e.handoverSeq) {
		e.completeHandover()
	}
}

func (e *Engine) checkHandoverFromPendingWatermark() {
	if len(e.pending) >= maxPendingList {
		e.completeHandover()
	}
}

// completeHandover flushes the buffered multicast list in sequence order,
// deduplicating against the last forwarded unicast sequence, then enters
// McastActive.
func (e *Engine) completeHandover() {
	sort.Slice(e.pending, func(i, j int) bool { return seqLess(e.pending[i].seq, e.pending[j].seq) })
	for _, p := range e.pending {
		if e.haveLastSeq && !seqLess(e.lastUnicastSeq, p.seq) {
			continue // already delivered via unicast
		}
		if e.mcastTracker.Evaluate(p.seq) == rtpflow.Accept {
			e.onForward(p.payload)
		}
	}
	e.pending = nil
	e.transition(StateMcastActive)
}

func (e *Engine) bufferPending(seq uint16, payload []byte) {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	e.pending = append(e.pending, pendingPacket{seq: seq, payload: cp})
}

// TerminationPacket returns the flavor-specific termination datagram to
// send to the FCC server once McastActive is reached, releasing server-side
// burst resources, or nil if it has already been produced. The caller
// transmits the returned bytes.
func (e *Engine) TerminationPacket() []byte {
	if e.termSent || e.state != StateMcastActive {
		return nil
	}
	e.termSent = true
	return e.flavor.EncodeTermination(e.sessionID)
}

// Timeout transitions the engine to Error on receive-idle timeout in
// Requested/UnicastPending. Callers then fall back to a direct multicast
// join and record it via MarkFallbackActive.
func (e *Engine) Timeout() {
	if e.state == StateRequested || e.state == StateUnicastPending {
		e.transition(StateError)
	}
}

// MarkFallbackActive records that, after an Error, the engine fell back to
// a plain multicast join and is now delivering media that way.
func (e *Engine) MarkFallbackActive() {
	if e.state == StateError {
		e.state = StateMcastActive
		e.trace = append(e.trace, StateMcastActive)
		if e.onTransition != nil {
			e.onTransition(e.Trace())
		}
	}
}

// RedirectGroup returns the alternate multicast group advertised in the
// sync notification, or "" when the session's configured group applies.
// Only the Huawei dialect ever populates it.
func (e *Engine) RedirectGroup() string { return e.redirectGroup }

// Disconnect marks a terminal Disconnected state (client went away).
func (e *Engine) Disconnect() {
	e.transition(StateDisconnected)
}

// seqLess reports whether a precedes b under 16-bit wraparound arithmetic,
// i.e. whether (b - a) as a signed 16-bit delta is positive.
func seqLess(a, b uint16) bool {
	return int16(b-a) > 0
}
