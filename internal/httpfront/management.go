// Management route dispatch: a name→handler map for /api/disconnect and
// /api/loglevel, registered once at startup and looked up per request.
package httpfront

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"

	"github.com/stackia/rtp2httpd-sub003/internal/queryparam"
	"github.com/stackia/rtp2httpd-sub003/internal/statusplane"
)

// Deps bundles everything a management handler needs to act.
type Deps struct {
	Plane *statusplane.Plane

	// Disconnect reaches the worker owning the connection key (possibly this
	// one, possibly another worker via internal/ctrlrpc) and reports whether
	// it found a matching connection.
	Disconnect func(ctx context.Context, connectionKey string) (bool, error)

	// SetLogLevel mutates process-wide verbosity, broadcasting to every
	// worker over internal/ctrlrpc.
	SetLogLevel func(ctx context.Context, level int) error
}

// ManagementFunc answers one management request and renders its own JSON
// body.
type ManagementFunc func(ctx context.Context, q *queryparam.Map, deps *Deps) (status int, body []byte)

// ManagementRegistry maps management route names to handlers.
type ManagementRegistry struct {
	mu       sync.RWMutex
	handlers map[string]ManagementFunc
}

// NewManagementRegistry returns an empty registry.
func NewManagementRegistry() *ManagementRegistry {
	return &ManagementRegistry{handlers: make(map[string]ManagementFunc)}
}

// Register adds a named handler.
func (r *ManagementRegistry) Register(name string, fn ManagementFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = fn
}

// Dispatch looks up and invokes the handler registered under name.
func (r *ManagementRegistry) Dispatch(ctx context.Context, name string, q *queryparam.Map, deps *Deps) (status int, body []byte, ok bool) {
	r.mu.RLock()
	fn, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return 0, nil, false
	}
	status, body = fn(ctx, q, deps)
	return status, body, true
}

// NewDefaultRegistry wires the two built-in management routes.
func NewDefaultRegistry() *ManagementRegistry {
	r := NewManagementRegistry()
	r.Register("disconnect", disconnectHandler)
	r.Register("loglevel", logLevelHandler)
	return r
}

type disconnectResult struct {
	Found bool `json:"found"`
}

func disconnectHandler(ctx context.Context, q *queryparam.Map, deps *Deps) (int, []byte) {
	key, ok := q.Get("key")
	if !ok || key == "" {
		return 400, []byte(`{"error":"missing key"}`)
	}
	found, err := deps.Disconnect(ctx, key)
	if err != nil {
		return 500, []byte(`{"error":"internal"}`)
	}
	body, _ := json.Marshal(disconnectResult{Found: found})
	return 200, body
}

func logLevelHandler(ctx context.Context, q *queryparam.Map, deps *Deps) (int, []byte) {
	levelStr, ok := q.Get("level")
	if !ok {
		return 400, []byte(`{"error":"missing level"}`)
	}
	level, err := strconv.Atoi(levelStr)
	if err != nil || level < 0 || level > 4 {
		return 400, []byte(`{"error":"level must be 0..4"}`)
	}
	if err := deps.SetLogLevel(ctx, level); err != nil {
		return 500, []byte(`{"error":"internal"}`)
	}
	return 200, []byte(`{}`)
}
