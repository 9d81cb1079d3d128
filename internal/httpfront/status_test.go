package httpfront

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stackia/rtp2httpd-sub003/internal/statusplane"
)

func TestWriteVersion(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteVersion(&buf); err != nil {
		t.Fatalf("WriteVersion: %v", err)
	}
	if !strings.Contains(buf.String(), `"module":`) {
		t.Fatalf("buf = %q", buf.String())
	}
}

func TestWriteSnapshotJSONRoundTrips(t *testing.T) {
	plane := statusplane.New(4, 8, 10)
	plane.Claim(1, "1.2.3.4:5555", "/channels/news")

	var buf bytes.Buffer
	if err := WriteSnapshotJSON(&buf, plane.Snapshot()); err != nil {
		t.Fatalf("WriteSnapshotJSON: %v", err)
	}
	body := buf.String()
	idx := strings.Index(body, "\r\n\r\n")
	if idx < 0 {
		t.Fatalf("no header terminator: %q", body)
	}
	var snap statusplane.Snapshot
	if err := json.Unmarshal([]byte(body[idx+4:]), &snap); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if snap.TotalClients != 1 || len(snap.Clients) != 1 {
		t.Fatalf("snap = %+v", snap)
	}
}

func TestWriteSnapshotPageEscapesHTML(t *testing.T) {
	plane := statusplane.New(2, 4, 10)
	plane.Claim(1, "1.2.3.4:5555", "<script>alert(1)</script>")

	var buf bytes.Buffer
	if err := WriteSnapshotPage(&buf, plane.Snapshot()); err != nil {
		t.Fatalf("WriteSnapshotPage: %v", err)
	}
	if strings.Contains(buf.String(), "<script>alert(1)</script>") {
		t.Fatal("expected service URL to be HTML-escaped")
	}
}
