package httpfront

import (
	"errors"
	"strings"

	"github.com/stackia/rtp2httpd-sub003/internal/service"
)

// ErrNotFound is returned when no route matches and dynamic routing is
// disabled or fails to parse the path.
var ErrNotFound = errors.New("httpfront: no matching route")

// RouteKind distinguishes what a matched route serves.
type RouteKind int

const (
	RouteStatusPage RouteKind = iota
	RouteStatusSSE
	RouteStatusJSON
	RouteVersion
	RouteManagement
	RouteService
)

// RouteResult is the outcome of routing one parsed Request.
type RouteResult struct {
	Kind           RouteKind
	ManagementName string // "disconnect" or "loglevel", set when Kind == RouteManagement
	Descriptor     *service.Descriptor
}

// Router resolves request paths: fixed management/status routes first,
// then a configured-URL lookup, then (if enabled) dynamic parsing of
// /rtp/, /udp/, /rtsp/, /http/.
type Router struct {
	Registry       *service.Registry
	DynamicEnabled bool
}

// NewRouter builds a Router over reg, an already-populated inline service
// registry (possibly empty).
func NewRouter(reg *service.Registry, dynamicEnabled bool) *Router {
	return &Router{Registry: reg, DynamicEnabled: dynamicEnabled}
}

// Route resolves req.Path/req.Query to a RouteResult, performing the
// override-merge when a configured service is matched and the request
// carries query parameters.
func (rt *Router) Route(req *Request) (*RouteResult, error) {
	switch req.Path {
	case "/status":
		return &RouteResult{Kind: RouteStatusPage}, nil
	case "/status/sse":
		return &RouteResult{Kind: RouteStatusSSE}, nil
	case "/api/status.json":
		return &RouteResult{Kind: RouteStatusJSON}, nil
	case "/api/version":
		return &RouteResult{Kind: RouteVersion}, nil
	case "/api/disconnect":
		return &RouteResult{Kind: RouteManagement, ManagementName: "disconnect"}, nil
	case "/api/loglevel":
		return &RouteResult{Kind: RouteManagement, ManagementName: "loglevel"}, nil
	}

	if rt.Registry != nil {
		if d := rt.Registry.Lookup(req.Path); d != nil {
			merged := d
			if len(req.Query.Keys()) > 0 {
				merged = service.ApplyOverride(d, req.Query)
			}
			return &RouteResult{Kind: RouteService, Descriptor: merged}, nil
		}
	}

	if rt.DynamicEnabled {
		if route, rest, ok := splitDynamicRoute(req.Path); ok {
			d, err := service.ParseDynamic(route, rest, req.Query, req.Path+queryString(req.RawQuery))
			if err != nil {
				return nil, err
			}
			return &RouteResult{Kind: RouteService, Descriptor: d}, nil
		}
	}

	return nil, ErrNotFound
}

func queryString(raw string) string {
	if raw == "" {
		return ""
	}
	return "?" + raw
}

// splitDynamicRoute recognizes the four dynamic route prefixes and strips
// the prefix, returning the route name and the remaining path segment
// ParseDynamic expects.
func splitDynamicRoute(path string) (route, rest string, ok bool) {
	for _, prefix := range []string{"rtp", "udp", "rtsp", "http"} {
		full := "/" + prefix + "/"
		if strings.HasPrefix(path, full) {
			return prefix, strings.TrimPrefix(path, full), true
		}
	}
	return "", "", false
}

// CheckCapacity is the stream admission gate; callers respond 503 when it
// reports false.
func CheckCapacity(totalClients, maxClients int) bool {
	return totalClients < maxClients
}
