package worker

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackia/rtp2httpd-sub003/internal/config"
	"github.com/stackia/rtp2httpd-sub003/internal/httpfront"
	"github.com/stackia/rtp2httpd-sub003/internal/outqueue"
	"github.com/stackia/rtp2httpd-sub003/internal/service"
)

func testWorker(t *testing.T, mutate func(*config.Config)) *Worker {
	t.Helper()
	cfg := config.Default()
	cfg.PoolSize = 64
	if mutate != nil {
		mutate(cfg)
	}
	return New(0, cfg, service.NewRegistry())
}

// readStatusLine reads and returns the "HTTP/1.1 <code> ..." line from r.
func readStatusLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	return line
}

// readResponseHeaders reads header lines up to and including the blank line
// terminating the header block, returning them keyed by name.
func readResponseHeaders(t *testing.T, r *bufio.Reader) map[string]string {
	t.Helper()
	headers := map[string]string{}
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			return headers
		}
		if i := strings.Index(line, ":"); i >= 0 {
			headers[strings.TrimSpace(line[:i])] = strings.TrimSpace(line[i+1:])
		}
	}
}

func TestServeStreamRejectsAtCapacity(t *testing.T) {
	w := testWorker(t, func(c *config.Config) { c.MaxClients = 0 })

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	d := &service.Descriptor{Variant: service.VariantHTTPProxy, GroupAddr: "127.0.0.1:1", Path: "/"}
	done := make(chan struct{})
	go func() {
		w.serveStream(context.Background(), serverConn, d, &httpfront.Request{})
		close(done)
	}()

	br := bufio.NewReader(clientConn)
	assert.Contains(t, readStatusLine(t, br), "503")
	headers := readResponseHeaders(t, br)
	if cl, ok := headers["Content-Length"]; ok {
		n, err := strconv.Atoi(cl)
		require.NoError(t, err)
		body := make([]byte, n)
		_, err = io.ReadFull(br, body)
		require.NoError(t, err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("serveStream did not return after rejecting at capacity")
	}
}

func TestServeStreamStreamsHTTPProxyVariant(t *testing.T) {
	const body = "hello from upstream"
	upstream := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(rw, body)
	}))
	defer upstream.Close()

	w := testWorker(t, nil)
	d := &service.Descriptor{
		Variant:   service.VariantHTTPProxy,
		GroupAddr: strings.TrimPrefix(upstream.URL, "http://"),
		Path:      "/",
	}

	serverConn, clientConn := net.Pipe()
	done := make(chan struct{})
	go func() {
		w.serveStream(context.Background(), serverConn, d, &httpfront.Request{})
		close(done)
	}()

	br := bufio.NewReader(clientConn)
	assert.Contains(t, readStatusLine(t, br), "200")
	readResponseHeaders(t, br)
	got := make([]byte, len(body))
	_, err := io.ReadFull(br, got)
	require.NoError(t, err)
	assert.Equal(t, body, string(got))

	clientConn.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("serveStream did not return after client disconnect")
	}
}

func TestEnqueueCopyWatermarkPauseAndResume(t *testing.T) {
	w := testWorker(t, func(c *config.Config) {
		c.HighWatermark = 100
		c.LowWatermark = 20
	})
	out := outqueue.New(w.pool, 64, w.cfg.HighWatermark, w.cfg.LowWatermark)
	defer out.Close()

	payload := bytes.Repeat([]byte{0xAB}, 40)
	require.NoError(t, w.enqueueCopy(out, payload))
	assert.False(t, out.ShouldPause(), "40 bytes queued must stay under the 100-byte high watermark")

	require.NoError(t, w.enqueueCopy(out, payload))
	require.NoError(t, w.enqueueCopy(out, payload))
	assert.True(t, out.ShouldPause(), "120 bytes queued must trip the 100-byte high watermark")

	bw := &budgetWriter{budget: 40}
	n, err := out.DrainTo(bw)
	require.NoError(t, err)
	assert.EqualValues(t, 40, n)
	assert.True(t, out.ShouldPause(), "80 bytes still queued must hold the latch above the 20-byte low watermark")

	bw = &budgetWriter{budget: 200}
	_, err = out.DrainTo(bw)
	require.NoError(t, err)
	assert.False(t, out.ShouldPause(), "queue drained to/below the low watermark must resume ingress")
}

// budgetWriter accepts at most budget bytes in total, then reports a
// zero-length write, forcing DrainTo to stop mid-queue.
type budgetWriter struct {
	budget  int
	written []byte
}

func (w *budgetWriter) Write(p []byte) (int, error) {
	n := len(p)
	if n > w.budget {
		n = w.budget
	}
	w.budget -= n
	w.written = append(w.written, p[:n]...)
	return n, nil
}

func TestDrainLoopUpdatesPlaneAndStopsOnCancel(t *testing.T) {
	w := testWorker(t, nil)
	out := outqueue.New(w.pool, 64, w.cfg.HighWatermark, w.cfg.LowWatermark)
	defer out.Close()

	slot, key := w.plane.Claim(w.ID, "client-addr", "/svc")
	require.GreaterOrEqual(t, slot, 0)
	defer w.plane.Release(slot)

	payload := bytes.Repeat([]byte{0x01}, 16)
	require.NoError(t, w.enqueueCopy(out, payload))

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go w.drainLoop(ctx, serverConn, out, slot, done)

	got := make([]byte, len(payload))
	_, err := io.ReadFull(clientConn, got)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	require.Eventually(t, func() bool {
		_, row, ok := w.plane.RowByKey(key)
		return ok && row.BytesSent == int64(len(payload))
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("drainLoop did not stop after context cancellation")
	}
}

func TestHandleConnDispatchesByRouteKind(t *testing.T) {
	w := testWorker(t, nil)

	cases := []struct {
		name       string
		request    string
		wantStatus string
	}{
		{"version", "GET /api/version HTTP/1.1\r\n\r\n", "200"},
		{"status", "GET /status HTTP/1.1\r\n\r\n", "200"},
		{"management-disconnect", "GET /api/disconnect?key=missing HTTP/1.1\r\n\r\n", "200"},
		{"not-found", "GET /nope HTTP/1.1\r\n\r\n", "404"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			serverConn, clientConn := net.Pipe()
			go func() {
				_, _ = io.WriteString(clientConn, tc.request)
			}()
			done := make(chan struct{})
			go func() {
				w.handleConn(context.Background(), serverConn)
				close(done)
			}()

			resp, err := io.ReadAll(clientConn)
			require.NoError(t, err)
			select {
			case <-done:
			case <-time.After(time.Second):
				t.Fatal("handleConn did not return")
			}
			assert.Contains(t, string(resp), tc.wantStatus)
		})
	}
}
