package httpfront

import (
	"bufio"
	"strings"
	"testing"
)

func TestAuthenticateRejectsMissingToken(t *testing.T) {
	req := mustRequest(t, "GET /rtp/239.1.1.1:5000 HTTP/1.1\r\n\r\n")
	if Authenticate(req, "secret", "") {
		t.Fatal("expected rejection without r2h-token")
	}
}

func TestAuthenticateAcceptsMatchingToken(t *testing.T) {
	req := mustRequest(t, "GET /rtp/239.1.1.1:5000?r2h-token=secret HTTP/1.1\r\n\r\n")
	if !Authenticate(req, "secret", "") {
		t.Fatal("expected acceptance with matching r2h-token")
	}
}

func TestAuthenticateHostFilter(t *testing.T) {
	raw := "GET /status HTTP/1.1\r\nHost: gateway.internal\r\n\r\n"
	req, err := ParseRequest(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if Authenticate(req, "", "internal") != true {
		t.Fatal("expected acceptance for matching host filter")
	}
	if Authenticate(req, "", "example.com") != false {
		t.Fatal("expected rejection for non-matching host filter")
	}
}

func TestAuthenticateNoRestrictions(t *testing.T) {
	req := mustRequest(t, "GET /status HTTP/1.1\r\n\r\n")
	if !Authenticate(req, "", "") {
		t.Fatal("expected acceptance when no token/filter configured")
	}
}
