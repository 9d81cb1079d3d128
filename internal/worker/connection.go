package worker

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/stackia/rtp2httpd-sub003/internal/config"
	"github.com/stackia/rtp2httpd-sub003/internal/fcc"
	"github.com/stackia/rtp2httpd-sub003/internal/httpfront"
	"github.com/stackia/rtp2httpd-sub003/internal/mcastjoin"
	"github.com/stackia/rtp2httpd-sub003/internal/outqueue"
	"github.com/stackia/rtp2httpd-sub003/internal/pool"
	"github.com/stackia/rtp2httpd-sub003/internal/rtpflow"
	"github.com/stackia/rtp2httpd-sub003/internal/rtsp"
	"github.com/stackia/rtp2httpd-sub003/internal/service"
	"github.com/stackia/rtp2httpd-sub003/internal/statusplane"
)

// sseRefreshInterval bounds the worst-case delay before a cross-worker
// change becomes visible on an /status/sse connection attached to a
// different worker than the one that changed: the local plane's own wake
// pipe is instant for same-worker changes, but a sibling's transition only
// arrives here on the next periodic re-merge.
const sseRefreshInterval = 200 * time.Millisecond

// rtspPauseDrainPoll bounds how often a paused TCP ingress (RTSP or the
// HTTP proxy) re-checks the output queue's watermark before resuming reads
// from its upstream.
const rtspPauseDrainPoll = 50 * time.Millisecond

// handleConn is the per-connection goroutine: parse the request, route it,
// serve until either side disconnects. One goroutine replaces the per-fd
// state machine; the scheduler is the readiness multiplexer.
func (w *Worker) handleConn(parent context.Context, conn net.Conn) {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(headerTimeout))
	br := bufio.NewReaderSize(conn, 2048)
	req, err := httpfront.ParseRequest(br)
	if err != nil {
		_ = httpfront.WriteError(conn, 400)
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	if !httpfront.Authenticate(req, w.cfg.BearerToken, w.cfg.HostFilter) {
		_ = httpfront.WriteError(conn, 403)
		return
	}

	route, err := w.router.Route(req)
	if err != nil {
		_ = httpfront.WriteError(conn, 404)
		return
	}

	switch route.Kind {
	case httpfront.RouteStatusPage:
		_ = httpfront.WriteSnapshotPage(conn, w.mergedSnapshot(parent))
	case httpfront.RouteStatusJSON:
		_ = httpfront.WriteSnapshotJSON(conn, w.mergedSnapshot(parent))
	case httpfront.RouteVersion:
		_ = httpfront.WriteVersion(conn)
	case httpfront.RouteStatusSSE:
		w.serveSSE(parent, conn)
	case httpfront.RouteManagement:
		w.serveManagement(parent, conn, route, req)
	case httpfront.RouteService:
		w.serveStream(parent, conn, route.Descriptor, req)
	default:
		_ = httpfront.WriteError(conn, 404)
	}
}

// serveSSE implements /status/sse. Every frame pushed here is the
// cross-worker merged snapshot, not just this worker's local view, so it
// re-renders on each local wake edge and on the periodic re-merge tick.
func (w *Worker) serveSSE(ctx context.Context, conn net.Conn) {
	if err := httpfront.WriteHeader(conn, 200, "text/event-stream", "Cache-Control: no-cache"); err != nil {
		return
	}
	obs := w.plane.Register()
	defer w.plane.Unregister(obs)

	ticker := time.NewTicker(sseRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-obs.Send:
			if !ok {
				return
			}
		case <-ticker.C:
		}
		body, err := json.Marshal(w.mergedSnapshot(ctx))
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(conn, "data: %s\n\n", body); err != nil {
			return
		}
	}
}

func (w *Worker) serveManagement(ctx context.Context, conn net.Conn, route *httpfront.RouteResult, req *httpfront.Request) {
	status, body, ok := w.mgmt.Dispatch(ctx, route.ManagementName, req.Query, w.managementDeps())
	if !ok {
		_ = httpfront.WriteError(conn, 404)
		return
	}
	_ = httpfront.WriteJSON(conn, status, body)
}

// serveStream runs admission control and the Claim/Release status-slot
// lifecycle, then dispatches to the ingress matching the descriptor's
// Variant. It blocks until the client disconnects, the upstream ends, or
// the connection is cancelled via /api/disconnect.
func (w *Worker) serveStream(ctx context.Context, conn net.Conn, d *service.Descriptor, req *httpfront.Request) {
	merged := w.mergedSnapshot(ctx)
	if !httpfront.CheckCapacity(merged.TotalClients, w.cfg.MaxClients) {
		_ = httpfront.WriteError(conn, 503)
		return
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	slot, connKey := w.plane.Claim(w.ID, conn.RemoteAddr().String(), d.SourceURL)
	if slot < 0 {
		_ = httpfront.WriteError(conn, 503)
		return
	}
	defer w.plane.Release(slot)
	w.registerConn(connKey, cancel)
	defer w.unregisterConn(connKey)
	w.plane.SetState(slot, statusplane.StateStreaming)

	if err := httpfront.WriteHeader(conn, 200, contentTypeFor(d)); err != nil {
		return
	}

	out := outqueue.New(w.pool, outqueueEntries, w.cfg.HighWatermark, w.cfg.LowWatermark)
	defer out.Close()

	drainDone := make(chan struct{})
	go w.drainLoop(connCtx, conn, out, slot, drainDone)

	switch d.Variant {
	case service.VariantMRTP:
		w.streamMRTP(connCtx, d, out)
	case service.VariantRTSP:
		w.streamRTSP(connCtx, d, out, req)
	case service.VariantHTTPProxy:
		w.streamHTTPProxy(connCtx, d, out)
	}

	cancel()
	<-drainDone
}

func contentTypeFor(d *service.Descriptor) string {
	if d.Variant == service.VariantHTTPProxy {
		return "application/octet-stream"
	}
	return "video/mp2t"
}

// drainLoop owns the client-facing write side of a stream connection: it
// repeatedly empties out onto conn, updating the status row's byte counter
// on every non-empty drain, and parks on out.Notify() between empty drains
// instead of busy-polling.
func (w *Worker) drainLoop(ctx context.Context, conn net.Conn, out *outqueue.Queue, slot int, done chan<- struct{}) {
	defer close(done)
	var total int64
	idle := time.NewTicker(time.Second)
	defer idle.Stop()
	for {
		n, err := out.DrainTo(conn)
		total += n
		if n > 0 {
			w.plane.UpdateBytes(slot, total)
		}
		if err != nil {
			return
		}
		if n == 0 {
			select {
			case <-ctx.Done():
				return
			case <-out.Notify():
			case <-idle.C:
				w.plane.UpdateBytes(slot, total)
			}
		}
	}
}

// enqueueCopy acquires a fresh pool buffer, copies payload into it, and
// enqueues it, releasing the worker's own reference afterward (the queue
// retains its own via outqueue.Enqueue's pool.Retain). Every ingress path
// funnels its forwarded bytes through this so queued entries are always
// pool-backed.
func (w *Worker) enqueueCopy(out *outqueue.Queue, payload []byte) error {
	buf, err := w.pool.Acquire()
	if err != nil {
		return err
	}
	n := copy(buf.Data[:], payload)
	buf.Length = n
	err = out.Enqueue(buf, 0, n)
	w.pool.Release(buf)
	return err
}

// streamMRTP serves the plain multicast ingress, or hands off to the FCC
// engine when the descriptor carries an fcc= server.
func (w *Worker) streamMRTP(ctx context.Context, d *service.Descriptor, out *outqueue.Queue) {
	if d.FCCServer != "" {
		w.streamFCC(ctx, d, out)
		return
	}
	w.streamPlainMulticast(ctx, d, out)
}

func (w *Worker) streamPlainMulticast(ctx context.Context, d *service.Descriptor, out *outqueue.Queue) {
	mc, err := mcastjoin.Join(d.GroupAddr, d.SourceSSM, w.cfg.MulticastIface)
	if err != nil {
		log.Warnf("worker %d: multicast join %s: %v", w.ID, d.GroupAddr, err)
		return
	}
	defer mc.Close()
	mc.StartRejoin(w.cfg.MulticastRejoin)

	go func() {
		<-ctx.Done()
		_ = mc.UDP.SetReadDeadline(time.Now())
	}()

	var tracker rtpflow.SeqTracker
	buf := make([]byte, pool.PayloadSize)
	for ctx.Err() == nil {
		_ = mc.UDP.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, _, err := mc.UDP.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() == nil {
				log.Warnf("worker %d: multicast read %s: %v", w.ID, d.GroupAddr, err)
			}
			return
		}
		// /udp/ targets carry bare MPEG-TS forwarded verbatim; everything
		// else is RTP and goes through the validator and sequence tracker.
		payload := buf[:n]
		if !d.RawUDP {
			seq, p, err := rtpflow.ExtractPayload(payload)
			if err != nil {
				continue
			}
			if tracker.Evaluate(seq) != rtpflow.Accept {
				continue
			}
			payload = p
		}
		if out.ShouldPause() {
			continue
		}
		if err := w.enqueueCopy(out, payload); err != nil {
			log.Debugf("worker %d: outqueue: %v", w.ID, err)
		}
	}
}

// streamFCC drives a fast-channel-change handover: unicast burst first,
// then a multicast join once the server signals handover, with the engine
// deciding when buffered multicast packets flush and unicast forwarding
// stops.
func (w *Worker) streamFCC(ctx context.Context, d *service.Descriptor, out *outqueue.Queue) {
	flavor, err := fcc.ByName(d.FCCFlavor.String())
	if err != nil {
		log.Warnf("worker %d: fcc: %v, falling back to plain multicast", w.ID, err)
		w.streamPlainMulticast(ctx, d, out)
		return
	}

	sessionUUID := uuid.New()
	sessionID := binary.BigEndian.Uint32(sessionUUID[:4])
	forward := func(payload []byte) {
		if out.ShouldPause() {
			return
		}
		if err := w.enqueueCopy(out, payload); err != nil {
			log.Debugf("worker %d: fcc enqueue: %v", w.ID, err)
		}
	}
	onTransition := func(trace []fcc.State) {
		w.plane.Log("info", fmt.Sprintf("fcc %s: %v", d.SourceURL, trace))
	}
	engine := fcc.New(flavor, sessionID, forward, onTransition)

	uconn, raddr, err := dialFCCUnicast(d.FCCServer, w.cfg)
	if err != nil {
		log.Warnf("worker %d: fcc dial: %v", w.ID, err)
		w.streamPlainMulticast(ctx, d, out)
		return
	}
	defer uconn.Close()

	natMode, err := fcc.ParseNATMode(w.cfg.FCCNatMode)
	if err != nil {
		log.Warnf("worker %d: %v, proceeding without NAT traversal", w.ID, err)
	}
	req := engine.RequestPacket(advertiseFCCAddr(uconn, raddr, natMode), d.GroupAddr)
	if _, err := uconn.WriteToUDP(req, raddr); err != nil {
		log.Warnf("worker %d: fcc send request: %v", w.ID, err)
		w.streamPlainMulticast(ctx, d, out)
		return
	}

	var mconn *mcastjoin.Conn
	defer func() {
		if mconn != nil {
			mconn.Close()
		}
	}()
	joinMulticast := func() {
		if mconn != nil {
			return
		}
		group := d.GroupAddr
		if rg := engine.RedirectGroup(); rg != "" {
			group = rg
		}
		mc, err := mcastjoin.Join(group, d.SourceSSM, w.cfg.MulticastIface)
		if err != nil {
			log.Warnf("worker %d: fcc multicast join %s: %v", w.ID, group, err)
			return
		}
		mconn = mc
		go w.pumpFCCMulticast(ctx, engine, mconn)
	}

	idleDeadline := time.Now().Add(fcc.DefaultIdleTimeout)
	ubuf := make([]byte, pool.PayloadSize)

	for ctx.Err() == nil {
		state := engine.State()
		if state == fcc.StateMcastActive {
			break
		}
		if state == fcc.StateMcastRequested || state == fcc.StateMcastTransition {
			joinMulticast()
		}

		_ = uconn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, _, err := uconn.ReadFromUDP(ubuf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if (state == fcc.StateRequested || state == fcc.StateUnicastPending) && time.Now().After(idleDeadline) {
					engine.Timeout()
					w.plane.Log("warn", fmt.Sprintf("fcc %s: idle timeout, falling back to multicast", d.SourceURL))
					engine.MarkFallbackActive()
					joinMulticast()
					break
				}
				continue
			}
			return
		}
		idleDeadline = time.Now().Add(fcc.DefaultIdleTimeout)
		if err := engine.HandleUnicast(ubuf[:n]); err != nil {
			log.Debugf("worker %d: fcc unicast: %v", w.ID, err)
		}
	}

	if term := engine.TerminationPacket(); term != nil {
		_, _ = uconn.WriteToUDP(term, raddr)
	}

	<-ctx.Done()
}

func (w *Worker) pumpFCCMulticast(ctx context.Context, engine *fcc.Engine, mconn *mcastjoin.Conn) {
	buf := make([]byte, pool.PayloadSize)
	for ctx.Err() == nil {
		_ = mconn.UDP.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, _, err := mconn.UDP.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		if err := engine.HandleMulticast(buf[:n]); err != nil {
			log.Debugf("fcc multicast: %v", err)
		}
	}
}

// dialFCCUnicast binds the burst socket (on the configured unicast
// interface's address when one is named, within the configured ephemeral
// port range when one is set) and resolves the server endpoint.
func dialFCCUnicast(serverAddr string, cfg *config.Config) (*net.UDPConn, *net.UDPAddr, error) {
	raddr, err := net.ResolveUDPAddr("udp", serverAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("worker: resolve fcc server %s: %w", serverAddr, err)
	}
	var laddrIP net.IP
	if cfg.UnicastIface != "" {
		laddrIP, err = ifaceIPv4(cfg.UnicastIface)
		if err != nil {
			return nil, nil, err
		}
	}
	if cfg.FCCPortRangeLo > 0 && cfg.FCCPortRangeHi >= cfg.FCCPortRangeLo {
		for port := cfg.FCCPortRangeLo; port <= cfg.FCCPortRangeHi; port++ {
			c, err := net.ListenUDP("udp", &net.UDPAddr{IP: laddrIP, Port: port})
			if err == nil {
				return c, raddr, nil
			}
		}
		return nil, nil, fmt.Errorf("worker: no free fcc port in %d-%d", cfg.FCCPortRangeLo, cfg.FCCPortRangeHi)
	}
	c, err := net.ListenUDP("udp", &net.UDPAddr{IP: laddrIP})
	if err != nil {
		return nil, nil, fmt.Errorf("worker: fcc unicast listen: %w", err)
	}
	return c, raddr, nil
}

// ifaceIPv4 returns the first IPv4 address assigned to the named interface.
func ifaceIPv4(name string) (net.IP, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("worker: unicast interface %q: %w", name, err)
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return nil, fmt.Errorf("worker: unicast interface %q addrs: %w", name, err)
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok {
			if v4 := ipn.IP.To4(); v4 != nil {
				return v4, nil
			}
		}
	}
	return nil, fmt.Errorf("worker: unicast interface %q has no IPv4 address", name)
}

// advertiseFCCAddr resolves the downstream address the request packet
// carries. Hole-punching pre-sends an empty datagram so the NAT installs a
// mapping before the burst arrives; PMP asks the local gateway for a port
// mapping and advertises the external port. Both degrade to the local bind
// address on any failure.
func advertiseFCCAddr(uconn *net.UDPConn, raddr *net.UDPAddr, mode fcc.NATMode) string {
	local := uconn.LocalAddr().(*net.UDPAddr)
	ip := local.IP
	if ip == nil || ip.IsUnspecified() {
		ip = outboundIP(raddr)
	}
	switch mode {
	case fcc.NATHolePunch:
		_, _ = uconn.WriteToUDP(fcc.HolePunchPacket(), raddr)
	case fcc.NATPMP:
		if ext, ok := requestPMPMapping(ip, local.Port); ok {
			return net.JoinHostPort(ip.String(), strconv.Itoa(int(ext)))
		}
	}
	return net.JoinHostPort(ip.String(), strconv.Itoa(local.Port))
}

// outboundIP learns which local address the kernel routes toward raddr.
func outboundIP(raddr *net.UDPAddr) net.IP {
	c, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return net.IPv4zero
	}
	defer c.Close()
	return c.LocalAddr().(*net.UDPAddr).IP
}

// requestPMPMapping asks the presumed gateway (x.y.z.1 on the local /24)
// to map internalPort, returning the external port on success.
func requestPMPMapping(localIP net.IP, internalPort int) (uint16, bool) {
	v4 := localIP.To4()
	if v4 == nil {
		return 0, false
	}
	gw := net.IPv4(v4[0], v4[1], v4[2], 1)
	c, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: gw, Port: fcc.PMPPort})
	if err != nil {
		return 0, false
	}
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(500 * time.Millisecond))
	if _, err := c.Write(fcc.EncodePMPMapping(uint16(internalPort))); err != nil {
		return 0, false
	}
	buf := make([]byte, 64)
	n, err := c.Read(buf)
	if err != nil {
		return 0, false
	}
	ext, err := fcc.ParsePMPResponse(buf[:n])
	if err != nil {
		return 0, false
	}
	return ext, true
}

// streamRTSP is the RTSP client ingress: describe, setup, play (with seek
// translation when requested), then forward interleaved media frames until
// the client goes away or the session ends.
func (w *Worker) streamRTSP(ctx context.Context, d *service.Descriptor, out *outqueue.Queue, req *httpfront.Request) {
	sess, err := rtsp.Dial(d.GroupAddr, d.Path, req.UserAgent, w.cfg.TZOffset)
	if err != nil {
		log.Warnf("worker %d: rtsp dial: %v", w.ID, err)
		return
	}
	defer sess.Teardown()

	if err := sess.Describe(); err != nil {
		log.Warnf("worker %d: rtsp describe: %v", w.ID, err)
		return
	}
	if err := sess.Setup(); err != nil {
		log.Warnf("worker %d: rtsp setup: %v", w.ID, err)
		return
	}

	seekValue, seekOffset := "", 0
	if d.Seek != nil {
		seekValue, seekOffset = d.Seek.Value, d.Seek.OffsetSecond
	}
	if err := sess.Play(seekValue, seekOffset); err != nil {
		log.Warnf("worker %d: rtsp play: %v", w.ID, err)
		return
	}

	go func() {
		<-ctx.Done()
		sess.Teardown()
	}()

	var tracker rtpflow.SeqTracker
	for ctx.Err() == nil {
		// Unlike the UDP ingress paths, an interleaved stream rides TCP, so
		// back-pressure can mean "stop reading" rather than "drop the
		// packet": holding off the next ReadInterleavedFrame call while the
		// queue is over its high watermark leaves the frame unread in the
		// kernel's TCP receive buffer. ShouldPause clears its own latch once
		// the drain reaches the low watermark, ending the wait.
		for out.ShouldPause() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(rtspPauseDrainPoll):
			}
		}

		frame, err := sess.ReadInterleavedFrame()
		if err != nil {
			if ctx.Err() == nil {
				log.Warnf("worker %d: rtsp read: %v", w.ID, err)
			}
			return
		}
		if frame.Channel != sess.RTPChannel() {
			continue
		}

		if sess.Protocol() == rtsp.ProtocolMP2T {
			if err := w.enqueueCopy(out, frame.Payload); err != nil {
				log.Debugf("worker %d: rtsp mp2t enqueue: %v", w.ID, err)
			}
			continue
		}

		seq, payload, err := rtpflow.ExtractPayload(frame.Payload)
		if err != nil {
			continue
		}
		if tracker.Evaluate(seq) != rtpflow.Accept {
			continue
		}
		if err := w.enqueueCopy(out, payload); err != nil {
			log.Debugf("worker %d: rtsp rtp enqueue: %v", w.ID, err)
		}
	}
}

// streamHTTPProxy serves the "http" dynamic route: a straight
// byte-for-byte relay of an upstream HTTP response body.
func (w *Worker) streamHTTPProxy(ctx context.Context, d *service.Descriptor, out *outqueue.Queue) {
	upstreamURL := "http://" + d.GroupAddr + d.Path
	if d.Query != nil {
		if qs := d.Query.Encode(); qs != "" {
			upstreamURL += "?" + qs
		}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, upstreamURL, nil)
	if err != nil {
		log.Warnf("worker %d: http-proxy request: %v", w.ID, err)
		return
	}
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		log.Warnf("worker %d: http-proxy dial: %v", w.ID, err)
		return
	}
	defer resp.Body.Close()

	buf := make([]byte, pool.PayloadSize)
	for ctx.Err() == nil {
		for out.ShouldPause() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(rtspPauseDrainPoll):
			}
		}
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if e := w.enqueueCopy(out, buf[:n]); e != nil {
				log.Debugf("worker %d: http-proxy enqueue: %v", w.ID, e)
			}
		}
		if err != nil {
			return
		}
	}
}
