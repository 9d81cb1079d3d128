// Package httpfront implements the HTTP front end: a hand-rolled
// request-line/header parser (the worker feeds it bytes as they arrive,
// rather than handing the connection to net/http's server loop, so the
// size limits and connection lifecycle stay under this package's control),
// routing, override-merge, and response framing.
package httpfront

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/stackia/rtp2httpd-sub003/internal/queryparam"
)

// Request-line and header block caps; exceeding either is a 400.
const (
	MaxURLLen    = 1024
	MaxHeaderLen = 1024
)

// ErrBadRequest is returned by ParseRequest when a size limit or malformed
// line is encountered; callers respond 400 and close.
var ErrBadRequest = errors.New("httpfront: bad request")

// Request is the normalized result of parsing one HTTP request line plus
// the recognized headers: Host, User-Agent, Connection. Unrecognized
// headers are read (to maintain framing) but discarded.
type Request struct {
	Method     string
	Path       string
	RawQuery   string
	Query      *queryparam.Map
	Host       string
	UserAgent  string
	Connection string
}

// ParseRequest reads one HTTP/1.x request from br, enforcing the size
// caps. It stops at the blank line terminating the header block and does
// not consume a request body; none of the routes this gateway serves
// expect one.
func ParseRequest(br *bufio.Reader) (*Request, error) {
	line, err := readLimitedLine(br, MaxURLLen+64)
	if err != nil {
		return nil, ErrBadRequest
	}
	method, target, err := parseRequestLine(line)
	if err != nil {
		return nil, err
	}
	if len(target) > MaxURLLen {
		return nil, ErrBadRequest
	}

	path, rawQuery := splitTarget(target)
	q, err := queryparam.Parse(rawQuery)
	if err != nil {
		return nil, ErrBadRequest
	}

	req := &Request{Method: method, Path: path, RawQuery: rawQuery, Query: q}

	var headerBytes int
	for {
		hline, err := readLimitedLine(br, MaxHeaderLen-headerBytes+2)
		if err != nil {
			return nil, ErrBadRequest
		}
		headerBytes += len(hline) + 2
		if headerBytes > MaxHeaderLen {
			return nil, ErrBadRequest
		}
		if hline == "" {
			break
		}
		name, value, ok := splitHeader(hline)
		if !ok {
			continue
		}
		switch strings.ToLower(name) {
		case "host":
			req.Host = value
		case "user-agent":
			req.UserAgent = value
		case "connection":
			req.Connection = value
		}
	}
	return req, nil
}

func parseRequestLine(line string) (method, target string, err error) {
	parts := strings.Fields(line)
	if len(parts) != 3 {
		return "", "", ErrBadRequest
	}
	if parts[0] != "GET" && parts[0] != "POST" {
		return "", "", fmt.Errorf("httpfront: unsupported method %q: %w", parts[0], ErrBadRequest)
	}
	if !strings.HasPrefix(parts[2], "HTTP/1.") {
		return "", "", ErrBadRequest
	}
	return parts[0], parts[1], nil
}

func splitTarget(target string) (path, rawQuery string) {
	if i := strings.IndexByte(target, '?'); i >= 0 {
		return target[:i], target[i+1:]
	}
	return target, ""
}

func splitHeader(line string) (name, value string, ok bool) {
	i := strings.IndexByte(line, ':')
	if i < 0 {
		return "", "", false
	}
	return line[:i], strings.TrimSpace(line[i+1:]), true
}

// readLimitedLine reads one CRLF- or LF-terminated line, stripping the
// terminator, and fails with ErrBadRequest when the line read (terminator
// included) is longer than limit bytes. The whole line is read before the
// length is checked. This is the mechanism behind the request-line/header
// caps.
func readLimitedLine(br *bufio.Reader, limit int) (string, error) {
	chunk, err := br.ReadString('\n')
	if len(chunk) > limit {
		return "", ErrBadRequest
	}
	if err != nil {
		return "", err
	}
	return strings.TrimRight(chunk, "\r\n"), nil
}
