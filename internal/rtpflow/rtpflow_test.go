package rtpflow

import "testing"

func TestEncodeExtractRoundTrip(t *testing.T) {
	raw, err := Encode(100, 9000, 0xdeadbeef, 33, false, []byte("ABCDE"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	seq, payload, err := ExtractPayload(raw)
	if err != nil {
		t.Fatalf("ExtractPayload: %v", err)
	}
	if seq != 100 {
		t.Errorf("seq = %d, want 100", seq)
	}
	if string(payload) != "ABCDE" {
		t.Errorf("payload = %q, want ABCDE", payload)
	}
}

func TestExtractPayloadRejectsMalformed(t *testing.T) {
	if _, _, err := ExtractPayload([]byte{0x01, 0x02}); err == nil {
		t.Fatal("expected error for truncated header")
	}
}

func TestSeqTrackerFirstPacketAlwaysAccepted(t *testing.T) {
	var tr SeqTracker
	if got := tr.Evaluate(500); got != Accept {
		t.Fatalf("first Evaluate() = %v, want Accept", got)
	}
}

func TestSeqTrackerDuplicateDropped(t *testing.T) {
	var tr SeqTracker
	tr.Evaluate(100)
	if got := tr.Evaluate(100); got != Duplicate {
		t.Fatalf("Evaluate(100) = %v, want Duplicate", got)
	}
}

func TestSeqTrackerDropsRepeatedSequences(t *testing.T) {
	// 100, 100, 101, 101, 102 -> accept 100, 101, 102 only.
	var tr SeqTracker
	seqs := []uint16{100, 100, 101, 101, 102}
	var accepted []uint16
	for _, s := range seqs {
		if tr.Evaluate(s) == Accept {
			accepted = append(accepted, s)
		}
	}
	want := []uint16{100, 101, 102}
	if len(accepted) != len(want) {
		t.Fatalf("accepted = %v, want %v", accepted, want)
	}
	for i := range want {
		if accepted[i] != want[i] {
			t.Fatalf("accepted = %v, want %v", accepted, want)
		}
	}
}

func TestSeqTrackerLateDroppedWithinWindow(t *testing.T) {
	var tr SeqTracker
	tr.Evaluate(1000)
	if got := tr.Evaluate(999); got != Late {
		t.Fatalf("Evaluate(999) = %v, want Late", got)
	}
}

func TestSeqTrackerWrapAroundAccepted(t *testing.T) {
	// sequence at 0xFFFF followed by 0x0000 is accepted (wrap).
	var tr SeqTracker
	tr.Evaluate(0xFFFF)
	if got := tr.Evaluate(0x0000); got != Accept {
		t.Fatalf("Evaluate(0x0000) after 0xFFFF = %v, want Accept", got)
	}
}

func TestSeqTrackerLargeBackwardJumpTreatedAsReset(t *testing.T) {
	var tr SeqTracker
	tr.Evaluate(40000)
	// backward delta magnitude > 32768 => reset, accept and re-seed
	if got := tr.Evaluate(100); got != Accept {
		t.Fatalf("Evaluate(100) after large backward jump = %v, want Accept (reset)", got)
	}
}

func TestSeqTrackerResetGuard(t *testing.T) {
	// After an explicit Reset, the next packet is treated as the first of a
	// new session regardless of its value relative to the prior session.
	var tr SeqTracker
	tr.Evaluate(5000)
	tr.Reset()
	if got := tr.Evaluate(1); got != Accept {
		t.Fatalf("Evaluate(1) after Reset = %v, want Accept", got)
	}
}
