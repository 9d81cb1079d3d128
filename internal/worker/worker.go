// Package worker implements one worker process's serving loop: connection
// lifecycle, ingress dispatch, and the cross-worker control fan-out. Each
// accepted connection runs in its own goroutine ("defer conn.Close()" plus
// a connection registry used only for out-of-band lookups like
// /api/disconnect), and each ingress source (multicast socket, FCC
// unicast/multicast pair, RTSP interleaved stream) is driven by blocking
// reads on its own goroutine: read upstream, forward to the output queue.
//
// A Worker owns its own packet Pool and its own local statusplane.Plane.
// Multiple Workers run as independent OS processes, each binding the
// shared listener via SO_REUSEPORT, so there is no cross-worker memory at
// all; the only cross-worker channel is internal/ctrlrpc, used to reach a
// sibling worker's owned connection (/api/disconnect), to broadcast a
// verbosity change (/api/loglevel), and to pull a sibling's status
// snapshot for the merged /status, /status/sse, and /api/status.json
// views.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"

	"github.com/stackia/rtp2httpd-sub003/internal/config"
	"github.com/stackia/rtp2httpd-sub003/internal/ctrlrpc"
	"github.com/stackia/rtp2httpd-sub003/internal/httpfront"
	"github.com/stackia/rtp2httpd-sub003/internal/logging"
	"github.com/stackia/rtp2httpd-sub003/internal/pool"
	"github.com/stackia/rtp2httpd-sub003/internal/service"
	"github.com/stackia/rtp2httpd-sub003/internal/statusplane"
)

var log = logging.New("worker")

// headerTimeout bounds how long a client may take to deliver its full
// request header block.
const headerTimeout = 5 * time.Second

// peerDialTimeout bounds how long a cross-worker ctrlrpc call (status
// merge, disconnect fan-out, loglevel broadcast) may block the HTTP
// connection serving the request that triggered it.
const peerDialTimeout = 500 * time.Millisecond

// Worker is one worker process's entire runtime state: its packet pool,
// local status plane, service registry, and the set of live connections it
// owns (keyed by connection key, for ctrlrpc.ControlServer.Disconnect).
type Worker struct {
	ID  int
	cfg *config.Config

	plane    *statusplane.Plane
	pool     *pool.Pool
	registry *service.Registry
	router   *httpfront.Router
	mgmt     *httpfront.ManagementRegistry

	mu    sync.Mutex
	conns map[string]context.CancelFunc

	draining atomic.Bool
}

// New constructs a Worker with its own pool and local status plane. reg is
// the process-wide inline service registry, parsed once at startup and
// shared read-only across every worker process via re-exec (see
// internal/supervisor); safe because Registry is never mutated after
// load.
func New(id int, cfg *config.Config, reg *service.Registry) *Worker {
	tableSize := cfg.MaxClients
	if tableSize < 64 {
		tableSize = 64
	}
	return &Worker{
		ID:       id,
		cfg:      cfg,
		plane:    statusplane.New(tableSize, 512, cfg.MaxClients),
		pool:     pool.NewPool(cfg.PoolSize),
		registry: reg,
		router:   httpfront.NewRouter(reg, cfg.OpenRouting),
		mgmt:     httpfront.NewDefaultRegistry(),
		conns:    make(map[string]context.CancelFunc),
	}
}

// Plane exposes the worker's local status plane, e.g. for the supervisor's
// startup log line or tests.
func (w *Worker) Plane() *statusplane.Plane { return w.plane }

// ctrlAddr returns this worker's own ctrlrpc listen address:
// cfg.CtrlRPCAddr with its port offset by the worker id, so every worker
// process can derive every sibling's address without an explicit peer
// list.
func (w *Worker) ctrlAddr() string { return workerCtrlAddr(w.cfg, w.ID) }

func workerCtrlAddr(cfg *config.Config, id int) string {
	host, portStr, err := net.SplitHostPort(cfg.CtrlRPCAddr)
	if err != nil {
		return cfg.CtrlRPCAddr
	}
	base, err := strconv.Atoi(portStr)
	if err != nil {
		return cfg.CtrlRPCAddr
	}
	return net.JoinHostPort(host, strconv.Itoa(base+id))
}

func peerAddrs(cfg *config.Config, selfID int) []string {
	var out []string
	for i := 0; i < cfg.WorkerCount; i++ {
		if i == selfID {
			continue
		}
		out = append(out, workerCtrlAddr(cfg, i))
	}
	return out
}

// ServeCtrlRPC starts this worker's ctrlrpc.ControlServer listener. It must
// be reachable before the worker starts accepting client connections, since
// a sibling may immediately try to reach it for a status merge.
func (w *Worker) ServeCtrlRPC() error {
	addr := w.ctrlAddr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("worker: ctrlrpc listen %s: %w", addr, err)
	}
	gs := grpc.NewServer()
	ctrlrpc.RegisterControlServer(gs, w)
	go func() {
		if err := gs.Serve(ln); err != nil {
			log.Warnf("worker %d: ctrlrpc server stopped: %v", w.ID, err)
		}
	}()
	log.Infof("worker %d: ctrlrpc listening on %s", w.ID, addr)
	return nil
}

// Serve runs the accept loop: each accepted connection becomes its own
// goroutine. Serve returns when ctx is cancelled or the listener is
// closed.
func (w *Worker) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return fmt.Errorf("worker %d: accept: %w", w.ID, err)
		}
		if w.draining.Load() {
			conn.Close()
			continue
		}
		go w.handleConn(ctx, conn)
	}
}

// --- ctrlrpc.ControlServer ---

func (w *Worker) Disconnect(_ context.Context, req *ctrlrpc.DisconnectRequest) (*ctrlrpc.DisconnectResponse, error) {
	w.mu.Lock()
	cancel, ok := w.conns[req.Key]
	w.mu.Unlock()
	if !ok {
		return &ctrlrpc.DisconnectResponse{Found: false}, nil
	}
	cancel()
	return &ctrlrpc.DisconnectResponse{Found: true}, nil
}

func (w *Worker) SetLogLevel(_ context.Context, req *ctrlrpc.SetLogLevelRequest) (*ctrlrpc.SetLogLevelResponse, error) {
	logging.SetLevel(logging.Level(req.Level))
	return &ctrlrpc.SetLogLevelResponse{}, nil
}

func (w *Worker) Drain(_ context.Context, req *ctrlrpc.DrainRequest) (*ctrlrpc.DrainResponse, error) {
	w.draining.Store(true)
	log.Infof("worker %d: draining, grace=%ds", w.ID, req.GracePeriodSeconds)
	return &ctrlrpc.DrainResponse{}, nil
}

func (w *Worker) Snapshot(_ context.Context, _ *ctrlrpc.SnapshotRequest) (*ctrlrpc.SnapshotResponse, error) {
	b, err := json.Marshal(w.plane.Snapshot())
	if err != nil {
		return nil, err
	}
	return &ctrlrpc.SnapshotResponse{JSON: b}, nil
}

// --- cross-worker fan-out helpers backing httpfront.Deps ---

// mergedSnapshot assembles the global status view from this worker's
// local plane plus a Snapshot RPC to every sibling worker process. A
// sibling that cannot be reached within peerDialTimeout is simply omitted
// from the merge: a slow sibling degrades to a stale read rather than
// blocking the request.
func (w *Worker) mergedSnapshot(ctx context.Context) statusplane.Snapshot {
	snap := w.plane.Snapshot()
	snap.MaxClients = w.cfg.MaxClients
	for _, addr := range peerAddrs(w.cfg, w.ID) {
		peer, ok := w.fetchPeerSnapshot(ctx, addr)
		if !ok {
			continue
		}
		snap.TotalClients += peer.TotalClients
		snap.Clients = append(snap.Clients, peer.Clients...)
		snap.RecentLogs = append(snap.RecentLogs, peer.RecentLogs...)
	}
	return snap
}

func (w *Worker) fetchPeerSnapshot(ctx context.Context, addr string) (statusplane.Snapshot, bool) {
	dctx, cancel := context.WithTimeout(ctx, peerDialTimeout)
	defer cancel()
	c, err := ctrlrpc.Dial(dctx, addr)
	if err != nil {
		return statusplane.Snapshot{}, false
	}
	defer c.Close()
	resp, err := c.Snapshot(dctx, &ctrlrpc.SnapshotRequest{})
	if err != nil {
		return statusplane.Snapshot{}, false
	}
	var peer statusplane.Snapshot
	if err := json.Unmarshal(resp.JSON, &peer); err != nil {
		return statusplane.Snapshot{}, false
	}
	return peer, true
}

// dispatchDisconnect backs /api/disconnect: try the local connection
// registry first, then fan out to every sibling worker, since the request
// may have landed on a different worker than the one owning the target
// connection key.
func (w *Worker) dispatchDisconnect(ctx context.Context, key string) (bool, error) {
	w.mu.Lock()
	cancel, ok := w.conns[key]
	w.mu.Unlock()
	if ok {
		cancel()
		return true, nil
	}
	for _, addr := range peerAddrs(w.cfg, w.ID) {
		dctx, cancel := context.WithTimeout(ctx, peerDialTimeout)
		c, err := ctrlrpc.Dial(dctx, addr)
		if err != nil {
			cancel()
			continue
		}
		resp, err := c.Disconnect(dctx, &ctrlrpc.DisconnectRequest{Key: key})
		c.Close()
		cancel()
		if err == nil && resp.Found {
			return true, nil
		}
	}
	return false, nil
}

// broadcastLogLevel backs /api/loglevel: mutate this process's verbosity,
// then push the same change to every sibling worker process so the filter
// holds across the whole gateway, not just the worker that answered the
// request.
func (w *Worker) broadcastLogLevel(ctx context.Context, level int) error {
	logging.SetLevel(logging.Level(level))
	for _, addr := range peerAddrs(w.cfg, w.ID) {
		dctx, cancel := context.WithTimeout(ctx, peerDialTimeout)
		c, err := ctrlrpc.Dial(dctx, addr)
		if err == nil {
			_, _ = c.SetLogLevel(dctx, &ctrlrpc.SetLogLevelRequest{Level: int32(level)})
			c.Close()
		}
		cancel()
	}
	return nil
}

func (w *Worker) managementDeps() *httpfront.Deps {
	return &httpfront.Deps{
		Plane:       w.plane,
		Disconnect:  w.dispatchDisconnect,
		SetLogLevel: w.broadcastLogLevel,
	}
}

// registerConn adds key -> cancel to the connection registry; the status
// slot itself is claimed by the caller. Symmetric with unregisterConn.
func (w *Worker) registerConn(key string, cancel context.CancelFunc) {
	w.mu.Lock()
	w.conns[key] = cancel
	w.mu.Unlock()
}

func (w *Worker) unregisterConn(key string) {
	w.mu.Lock()
	delete(w.conns, key)
	w.mu.Unlock()
}

// outqueueEntries is the fixed ring capacity backing each connection's
// outqueue.Queue; large enough to absorb a multi-MB high watermark's worth
// of 1536-byte packets.
const outqueueEntries = 4096
