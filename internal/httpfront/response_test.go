package httpfront

import (
	"bytes"
	"strings"
	"testing"
)

func TestWriteHeaderFraming(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteHeader(&buf, 200, "text/plain", "X-Test: 1"); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	out := buf.String()
	if !strings.HasPrefix(out, "HTTP/1.1 200 OK\r\n") {
		t.Fatalf("status line: %q", out)
	}
	if !strings.Contains(out, "Server: "+ServerHeader+"\r\n") {
		t.Fatalf("missing Server header: %q", out)
	}
	if !strings.Contains(out, "Content-Type: text/plain\r\n") {
		t.Fatalf("missing Content-Type: %q", out)
	}
	if !strings.Contains(out, "X-Test: 1\r\n") {
		t.Fatalf("missing extra header: %q", out)
	}
	if !strings.HasSuffix(out, "Connection: close\r\n\r\n") {
		t.Fatalf("missing terminator: %q", out)
	}
}

func TestWriteErrorBody(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteError(&buf, 400); err != nil {
		t.Fatalf("WriteError: %v", err)
	}
	if !strings.Contains(buf.String(), "400 Bad Request") {
		t.Fatalf("body missing status text: %q", buf.String())
	}
}

func TestWriteJSONContentLength(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteJSON(&buf, 200, []byte(`{"a":1}`)); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	if !strings.Contains(buf.String(), "Content-Length: 7\r\n") {
		t.Fatalf("buf = %q", buf.String())
	}
	if !strings.HasSuffix(buf.String(), `{"a":1}`) {
		t.Fatalf("body not appended: %q", buf.String())
	}
}
