package httpfront

import (
	"fmt"
	"io"
	"net/http"
)

// ServerHeader is the Server: value stamped on every response.
const ServerHeader = "rtp2httpd-sub003"

// WriteHeader writes a status line plus the Server/Content-Type/
// Connection-close headers, followed by the blank line terminating the
// header block. extra are additional header lines (already "Name: value"
// formatted) appended before the blank line.
func WriteHeader(w io.Writer, status int, contentType string, extra ...string) error {
	if _, err := fmt.Fprintf(w, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status)); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "Server: %s\r\n", ServerHeader); err != nil {
		return err
	}
	if contentType != "" {
		if _, err := fmt.Fprintf(w, "Content-Type: %s\r\n", contentType); err != nil {
			return err
		}
	}
	for _, h := range extra {
		if _, err := fmt.Fprintf(w, "%s\r\n", h); err != nil {
			return err
		}
	}
	if _, err := io.WriteString(w, "Connection: close\r\n\r\n"); err != nil {
		return err
	}
	return nil
}

// WriteError writes a minimal status-only response body for the given
// status code, used for 400/403/404/503 terminal responses.
func WriteError(w io.Writer, status int) error {
	body := fmt.Sprintf("%d %s\n", status, http.StatusText(status))
	if err := WriteHeader(w, status, "text/plain", fmt.Sprintf("Content-Length: %d", len(body))); err != nil {
		return err
	}
	_, err := io.WriteString(w, body)
	return err
}

// WriteJSON writes a full JSON response with Content-Length framing, used
// by /api/status.json, /api/version, and management route responses.
func WriteJSON(w io.Writer, status int, body []byte) error {
	if err := WriteHeader(w, status, "application/json", fmt.Sprintf("Content-Length: %d", len(body))); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// WriteHTML writes a full HTML response with Content-Length framing, used
// by /status.
func WriteHTML(w io.Writer, status int, body []byte) error {
	if err := WriteHeader(w, status, "text/html; charset=utf-8", fmt.Sprintf("Content-Length: %d", len(body))); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}
