package mcastjoin

import "testing"

func TestJoinRejectsNonMulticastAddress(t *testing.T) {
	if _, err := Join("10.0.0.1:5000", "", ""); err == nil {
		t.Fatal("expected error for non-multicast group address")
	}
}

func TestJoinRejectsMalformedAddress(t *testing.T) {
	if _, err := Join("not-an-address", "", ""); err == nil {
		t.Fatal("expected error for malformed group address")
	}
}

func TestJoinRejectsBadSourceAddress(t *testing.T) {
	if _, err := Join("239.1.1.1:5000", "not-an-ip", ""); err == nil {
		t.Fatal("expected error for malformed source address")
	}
}
