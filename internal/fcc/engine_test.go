package fcc

import (
	"testing"

	"github.com/stackia/rtp2httpd-sub003/internal/rtpflow"
)

func rtpDatagram(t *testing.T, seq uint16, payload string) []byte {
	t.Helper()
	raw, err := rtpflow.Encode(seq, uint32(seq)*90, 0x1234, 33, false, []byte(payload))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return raw
}

func TestFlavorRoundTrip(t *testing.T) {
	for _, name := range []string{"telecom", "huawei"} {
		fl, err := ByName(name)
		if err != nil {
			t.Fatalf("ByName(%q): %v", name, err)
		}
		req := fl.EncodeRequest("1.2.3.4:5555", "239.1.1.1:5000")
		if len(req) == 0 {
			t.Fatalf("%s: EncodeRequest returned empty", name)
		}
		term := fl.EncodeTermination(42)
		ev, err := fl.ParseServerDatagram(term)
		if err == nil {
			// termination frames round-trip as unknown server events, not an error;
			// a real server never sends its own termination frame back, this just
			// exercises decodeFrame's length bookkeeping.
			_ = ev
		}
	}
}

func TestFlavorSyncNotifyParsesHandoverSeq(t *testing.T) {
	fl, _ := ByName("telecom")
	frame := encodeFrame(msgTypeSyncNotify, 7, []byte{0x01, 0x2C})
	ev, err := fl.ParseServerDatagram(frame)
	if err != nil {
		t.Fatalf("ParseServerDatagram: %v", err)
	}
	if ev.Kind != EventSyncNotification || ev.HandoverSeq != 0x012C {
		t.Fatalf("ev = %+v", ev)
	}
}

func TestEngineFullHandoverTrace(t *testing.T) {
	fl, _ := ByName("telecom")
	var forwarded []string
	var traces [][]State
	e := New(fl, 1, func(p []byte) { forwarded = append(forwarded, string(p)) }, func(tr []State) {
		traces = append(traces, append([]State(nil), tr...))
	})

	e.RequestPacket("1.2.3.4:5555", "239.1.1.1:5000")
	if e.State() != StateRequested {
		t.Fatalf("State() = %v, want Requested", e.State())
	}

	// unicast emits ..., H-1 (handover H = 10)
	for seq := uint16(5); seq < 10; seq++ {
		if err := e.HandleUnicast(rtpDatagram(t, seq, "u")); err != nil {
			t.Fatalf("HandleUnicast(%d): %v", seq, err)
		}
	}
	if e.State() != StateUnicastPending {
		t.Fatalf("State() = %v, want UnicastPending", e.State())
	}

	// sync notification announces handover at seq 10
	sync := encodeFrame(msgTypeSyncNotify, 1, []byte{0x00, 0x0A})
	if err := e.HandleUnicast(sync); err != nil {
		t.Fatalf("HandleUnicast(sync): %v", err)
	}
	if e.State() != StateMcastRequested {
		t.Fatalf("State() = %v, want McastRequested", e.State())
	}

	// multicast emits H-2, H-1, H, H+1 while still in transition
	for _, seq := range []uint16{8, 9, 10, 11} {
		if err := e.HandleMulticast(rtpDatagram(t, seq, "m")); err != nil {
			t.Fatalf("HandleMulticast(%d): %v", seq, err)
		}
	}
	if e.State() != StateMcastTransition {
		t.Fatalf("State() = %v, want McastTransition", e.State())
	}

	// unicast reaches handover seq -> flush + switchover
	if err := e.HandleUnicast(rtpDatagram(t, 10, "u")); err != nil {
		t.Fatalf("HandleUnicast(10): %v", err)
	}
	if e.State() != StateMcastActive {
		t.Fatalf("State() = %v, want McastActive", e.State())
	}

	// post-handover multicast continues forwarding directly
	if err := e.HandleMulticast(rtpDatagram(t, 12, "m")); err != nil {
		t.Fatalf("HandleMulticast(12): %v", err)
	}

	wantForwarded := []string{"u", "u", "u", "u", "u", "u", "m", "m"}
	if len(forwarded) != len(wantForwarded) {
		t.Fatalf("forwarded = %v, want %v", forwarded, wantForwarded)
	}

	if pkt := e.TerminationPacket(); len(pkt) == 0 {
		t.Fatal("expected a non-empty termination packet once McastActive is reached")
	}
	if pkt := e.TerminationPacket(); pkt != nil {
		t.Fatal("expected nil termination packet on second call (fcc_term_sent guard)")
	}
}

func TestEngineTimeoutFallsBackToMulticast(t *testing.T) {
	// fallback trace: Init -> Requested -> Error -> McastActive
	fl, _ := ByName("telecom")
	e := New(fl, 1, func([]byte) {}, nil)
	e.RequestPacket("1.2.3.4:5555", "239.1.1.1:5000")
	e.Timeout()
	if e.State() != StateError {
		t.Fatalf("State() = %v, want Error", e.State())
	}
	e.MarkFallbackActive()
	if e.State() != StateMcastActive {
		t.Fatalf("State() = %v, want McastActive", e.State())
	}
	trace := e.Trace()
	want := []State{StateInit, StateRequested, StateError, StateMcastActive}
	if len(trace) != len(want) {
		t.Fatalf("Trace() = %v, want %v", trace, want)
	}
	for i := range want {
		if trace[i] != want[i] {
			t.Fatalf("Trace() = %v, want %v", trace, want)
		}
	}
}

func TestEngineTransitionsNeverGoBackward(t *testing.T) {
	fl, _ := ByName("huawei")
	e := New(fl, 1, func([]byte) {}, nil)
	e.RequestPacket("a", "b")
	e.Timeout()
	// a second Timeout() call in a non-timeout-eligible state must be a no-op
	e.Timeout()
	if e.State() != StateError {
		t.Fatalf("State() = %v, want Error", e.State())
	}
}
