// Package statusplane implements the client status table, the bounded log
// ring, and the observer notification mechanism behind /status and
// /status/sse. Plane.run() is the single select loop that owns the
// observer set; a wake fires on every state transition or new log entry,
// never on a byte-counter update, and observers coalesce bursts into one
// JSON refresh pass.
package statusplane

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// State is a connection lifecycle tag shown in status rows.
type State string

const (
	StateReadReqLine State = "ReadReqLine"
	StateReadHeaders State = "ReadHeaders"
	StateRoute       State = "Route"
	StateStreaming   State = "Streaming"
	StateSseActive   State = "SseActive"
	StateClosing     State = "Closing"
)

// ClientRow is one row of the status table.
type ClientRow struct {
	WorkerID      int
	ClientAddr    string
	ServiceURL    string
	State         State
	BytesSent     int64
	LastUpdate    time.Time
	BandwidthBps  float64
	ConnectionKey string // opaque key for /api/disconnect, generated via uuid
}

type slot struct {
	mu     sync.Mutex
	inUse  bool
	row    ClientRow
	prevTs time.Time
	prevBy int64
}

// LogEntry is one row of the bounded log ring.
type LogEntry struct {
	Level     string
	Timestamp time.Time
	Message   string
}

// logRing is a fixed-capacity, overwrite-oldest ring buffer. A small lock
// guards the write index; the entry counter stays atomic for fast reads.
type logRing struct {
	mu      sync.Mutex
	entries []LogEntry
	writeAt int
	count   int64 // total entries ever written, for callers computing "new since"
}

func newLogRing(capacity int) *logRing {
	return &logRing{entries: make([]LogEntry, capacity)}
}

func (r *logRing) Append(e LogEntry) {
	r.mu.Lock()
	r.entries[r.writeAt] = e
	r.writeAt = (r.writeAt + 1) % len(r.entries)
	r.mu.Unlock()
	atomic.AddInt64(&r.count, 1)
}

// Recent returns up to n most recent entries, oldest first.
func (r *logRing) Recent(n int) []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	cap := len(r.entries)
	if n > cap {
		n = cap
	}
	total := atomic.LoadInt64(&r.count)
	if int64(n) > total {
		n = int(total)
	}
	out := make([]LogEntry, n)
	for i := 0; i < n; i++ {
		idx := (r.writeAt - n + i + cap) % cap
		out[i] = r.entries[idx]
	}
	return out
}

// Observer is a registered SSE (or /api/status.json poller's one-shot)
// consumer. Send receives coalesced JSON snapshot bytes.
type Observer struct {
	Send chan []byte
	id   string
}

// Plane is the process-wide status region: client table + log ring + the
// notify/observer hub. Each worker process owns one Plane, shared by every
// connection goroutine in it; cross-process views are merged at read time
// over ctrlrpc.
type Plane struct {
	slots      []slot
	log        *logRing
	maxClients int

	totalClients int64 // atomic

	register   chan *Observer
	unregister chan *Observer
	notify     chan struct{}

	mu        sync.Mutex
	observers map[*Observer]bool
}

// New allocates a Plane with capacity rows and the given log ring capacity.
// capacity is the shared status table's fixed slot count (one row per
// concurrently possible client, independent of MaxClients admission control,
// which is enforced by the HTTP front).
func New(capacity, logCapacity, maxClients int) *Plane {
	p := &Plane{
		slots:      make([]slot, capacity),
		log:        newLogRing(logCapacity),
		maxClients: maxClients,
		register:   make(chan *Observer),
		unregister: make(chan *Observer),
		notify:     make(chan struct{}, 1),
		observers:  make(map[*Observer]bool),
	}
	go p.run()
	return p
}

// run is the Plane's single select loop: it owns the observer set and, on
// each coalesced notify edge, fans the same snapshot bytes out to every
// observer.
func (p *Plane) run() {
	for {
		select {
		case o := <-p.register:
			p.mu.Lock()
			p.observers[o] = true
			p.mu.Unlock()

		case o := <-p.unregister:
			p.mu.Lock()
			if p.observers[o] {
				delete(p.observers, o)
				close(o.Send)
			}
			p.mu.Unlock()

		case <-p.notify:
			snap := p.Snapshot()
			b, err := json.Marshal(snap)
			if err != nil {
				continue
			}
			p.mu.Lock()
			for o := range p.observers {
				select {
				case o.Send <- b:
				default:
					// slow observer: drop this edge, it will catch the next one
				}
			}
			p.mu.Unlock()
		}
	}
}

// wake posts a single non-blocking notification; when one is already
// pending the edge is dropped, since observers will see the later one
// anyway.
func (p *Plane) wake() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Register attaches a new SSE (or long-poll) observer and returns it; the
// caller reads from Observer.Send until it closes.
func (p *Plane) Register() *Observer {
	o := &Observer{Send: make(chan []byte, 8), id: uuid.NewString()}
	p.register <- o
	return o
}

// Unregister detaches an observer.
func (p *Plane) Unregister(o *Observer) {
	p.unregister <- o
}

// Claim finds the first free slot, marks it owned by workerID, and
// returns its index and a freshly generated connection key. Returns -1 if
// the table is full.
func (p *Plane) Claim(workerID int, clientAddr, serviceURL string) (int, string) {
	for i := range p.slots {
		s := &p.slots[i]
		s.mu.Lock()
		if !s.inUse {
			s.inUse = true
			s.row = ClientRow{
				WorkerID:      workerID,
				ClientAddr:    clientAddr,
				ServiceURL:    serviceURL,
				State:         StateReadReqLine,
				LastUpdate:    time.Now(),
				ConnectionKey: uuid.NewString(),
			}
			key := s.row.ConnectionKey
			s.mu.Unlock()
			atomic.AddInt64(&p.totalClients, 1)
			p.wake()
			return i, key
		}
		s.mu.Unlock()
	}
	return -1, ""
}

// Release frees slot i, decrementing total_clients.
func (p *Plane) Release(i int) {
	if i < 0 || i >= len(p.slots) {
		return
	}
	s := &p.slots[i]
	s.mu.Lock()
	if s.inUse {
		s.inUse = false
		s.row = ClientRow{}
		atomic.AddInt64(&p.totalClients, -1)
	}
	s.mu.Unlock()
	p.wake()
}

// SetState mutates slot i's state tag, waking observers when the tag
// actually changed.
func (p *Plane) SetState(i int, st State) {
	if i < 0 || i >= len(p.slots) {
		return
	}
	s := &p.slots[i]
	s.mu.Lock()
	changed := s.inUse && s.row.State != st
	if s.inUse {
		s.row.State = st
		s.row.LastUpdate = time.Now()
	}
	s.mu.Unlock()
	if changed {
		p.wake()
	}
}

// UpdateBytes reports a new bytes-sent value for slot i. This is the
// hot-path update and never wakes observers; it only recomputes the
// short-window bandwidth field when at least one second has elapsed since
// the previous sample.
func (p *Plane) UpdateBytes(i int, bytesSent int64) {
	if i < 0 || i >= len(p.slots) {
		return
	}
	s := &p.slots[i]
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inUse {
		return
	}
	now := time.Now()
	s.row.BytesSent = bytesSent
	if !s.prevTs.IsZero() {
		if delta := now.Sub(s.prevTs); delta >= time.Second {
			s.row.BandwidthBps = float64(bytesSent-s.prevBy) / delta.Seconds()
			s.prevTs = now
			s.prevBy = bytesSent
		}
	} else {
		s.prevTs = now
		s.prevBy = bytesSent
	}
	s.row.LastUpdate = now
}

// TotalClients returns the live client count, always equal to the number
// of in-use slots.
func (p *Plane) TotalClients() int {
	return int(atomic.LoadInt64(&p.totalClients))
}

// MaxClients returns the configured admission ceiling.
func (p *Plane) MaxClients() int { return p.maxClients }

// Log appends a log entry and always wakes observers.
func (p *Plane) Log(level, message string) {
	p.log.Append(LogEntry{Level: level, Timestamp: time.Now(), Message: message})
	p.wake()
}

// RecentLogs returns up to n most recent log entries, oldest first.
func (p *Plane) RecentLogs(n int) []LogEntry {
	return p.log.Recent(n)
}

// RowByKey scans for the row matching connectionKey, resolving a
// connection key to its owning slot.
func (p *Plane) RowByKey(connectionKey string) (int, ClientRow, bool) {
	for i := range p.slots {
		s := &p.slots[i]
		s.mu.Lock()
		if s.inUse && s.row.ConnectionKey == connectionKey {
			row := s.row
			s.mu.Unlock()
			return i, row, true
		}
		s.mu.Unlock()
	}
	return -1, ClientRow{}, false
}

// Snapshot is the JSON shape served by both /status/sse and
// /api/status.json.
type Snapshot struct {
	TotalClients int         `json:"total_clients"`
	MaxClients   int         `json:"max_clients"`
	Clients      []ClientRow `json:"clients"`
	RecentLogs   []LogEntry  `json:"recent_logs"`
}

// Snapshot renders the current table + recent log tail, the same payload
// /status/sse pushes on every notify edge and /api/status.json serves
// single-shot.
func (p *Plane) Snapshot() Snapshot {
	rows := make([]ClientRow, 0, len(p.slots))
	for i := range p.slots {
		s := &p.slots[i]
		s.mu.Lock()
		if s.inUse {
			rows = append(rows, s.row)
		}
		s.mu.Unlock()
	}
	return Snapshot{
		TotalClients: p.TotalClients(),
		MaxClients:   p.maxClients,
		Clients:      rows,
		RecentLogs:   p.log.Recent(50),
	}
}
