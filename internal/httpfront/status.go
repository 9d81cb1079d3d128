package httpfront

import (
	"encoding/json"
	"fmt"
	"html"
	"io"
	"runtime"
	"strings"

	"github.com/stackia/rtp2httpd-sub003/internal/statusplane"
)

// ModulePath is stamped at build time (or left at its default for tests);
// /api/version reports it alongside the Go runtime version.
var ModulePath = "github.com/stackia/rtp2httpd-sub003"

// VersionInfo is the /api/version JSON body.
type VersionInfo struct {
	Module string `json:"module"`
	Go     string `json:"go_version"`
}

// WriteVersion serves /api/version.
func WriteVersion(w io.Writer) error {
	body, _ := json.Marshal(VersionInfo{Module: ModulePath, Go: runtime.Version()})
	return WriteJSON(w, 200, body)
}

// WriteSnapshotJSON serves /api/status.json: a single-shot render of the
// same Snapshot payload the SSE stream pushes on every notify edge,
// typically the cross-worker merged view internal/worker assembles from
// local state plus ctrlrpc Snapshot calls to sibling worker processes.
func WriteSnapshotJSON(w io.Writer, snap statusplane.Snapshot) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return WriteJSON(w, 200, body)
}

// WriteSnapshotPage serves /status: a minimal HTML table rendering of the
// snapshot as it stands when the page is requested. The page references
// /status/sse only as a script source; nothing on the page applies the
// stream's events to the table, so it does not refresh itself.
func WriteSnapshotPage(w io.Writer, snap statusplane.Snapshot) error {
	var b strings.Builder
	b.WriteString("<!doctype html><html><head><title>rtp2httpd-sub003 status</title></head><body>")
	fmt.Fprintf(&b, "<h1>Clients: %d / %d</h1><table border=1><tr><th>worker</th><th>addr</th><th>service</th><th>state</th><th>bytes</th><th>bw (Bps)</th></tr>", snap.TotalClients, snap.MaxClients)
	for _, row := range snap.Clients {
		fmt.Fprintf(&b, "<tr><td>%d</td><td>%s</td><td>%s</td><td>%s</td><td>%d</td><td>%.0f</td></tr>",
			row.WorkerID, html.EscapeString(row.ClientAddr), html.EscapeString(row.ServiceURL), row.State, row.BytesSent, row.BandwidthBps)
	}
	b.WriteString("</table><h2>Recent log</h2><ul>")
	for _, entry := range snap.RecentLogs {
		fmt.Fprintf(&b, "<li>[%s] %s</li>", entry.Level, html.EscapeString(entry.Message))
	}
	b.WriteString("</ul><script src=\"/status/sse\"></script></body></html>")
	return WriteHTML(w, 200, []byte(b.String()))
}
