// Package outqueue implements the per-connection bounded output queue and
// its high/low watermark back-pressure rule.
package outqueue

import (
	"container/ring"
	"errors"
	"io"
	"sync"

	"github.com/stackia/rtp2httpd-sub003/internal/pool"
)

// ErrQueueFull is returned by Enqueue when the ring has no free slots left
// (distinct from the watermark back-pressure signal, which callers should
// check with ShouldPause before ever calling Enqueue).
var ErrQueueFull = errors.New("outqueue: ring full")

// entry is one queued write: a buffer reference plus the byte window still
// to be sent from it.
type entry struct {
	buf    *pool.Buffer
	offset int
	length int
}

// Queue is a bounded ring of entries plus a running total of queued bytes
// used to evaluate the high/low watermark rule. One ingress goroutine
// enqueues while one drain goroutine empties it, so all internal state is
// guarded by mu. DrainTo must only ever be called from a single goroutine:
// it drops the lock around the actual socket write, relying on being the
// sole mutator of the head entry.
type Queue struct {
	pool *pool.Pool

	mu   sync.Mutex
	r    *ring.Ring // each ring.Value is *entry, nil when the slot is empty
	cap  int
	len  int
	head *ring.Ring // next entry to drain
	tail *ring.Ring // next empty slot to fill

	queuedBytes int64
	high        int64
	low         int64
	paused      bool

	notify chan struct{}
}

// New returns a Queue of capacity cap entries, with the given high/low
// watermark thresholds in bytes.
func New(p *pool.Pool, capEntries int, high, low int64) *Queue {
	return &Queue{
		pool:   p,
		r:      ring.New(capEntries),
		cap:    capEntries,
		high:   high,
		low:    low,
		notify: make(chan struct{}, 1),
	}
}

// Notify returns the channel the drain side can wait on between DrainTo
// calls that found nothing queued. Enqueue pings it (non-blocking,
// coalescing like the status plane's wake pipe) so an idle writer goroutine
// doesn't have to busy-poll.
func (q *Queue) Notify() <-chan struct{} { return q.notify }

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.len
}

// QueuedBytes returns the total bytes currently queued across all entries.
func (q *Queue) QueuedBytes() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queuedBytes
}

// ShouldPause reports whether the ingress path for this connection must
// stop enqueuing. The latch trips when queued bytes exceed the high
// watermark and clears only once the drain brings them back to/below the
// low watermark, so a paused ingress resumes by re-polling the same call
// it paused on.
func (q *Queue) ShouldPause() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.paused {
		if q.queuedBytes <= q.low {
			q.paused = false
		}
	} else if q.queuedBytes > q.high {
		q.paused = true
	}
	return q.paused
}

// Enqueue appends buf[offset:offset+length] as a new entry, retaining a
// reference on buf (the caller's own reference is expected to be released
// separately, matching the ingress's "acquire, enqueue, release" pattern).
func (q *Queue) Enqueue(buf *pool.Buffer, offset, length int) error {
	q.mu.Lock()
	if q.len >= q.cap {
		q.mu.Unlock()
		return ErrQueueFull
	}
	q.pool.Retain(buf)
	if q.head == nil {
		q.head = q.r
		q.tail = q.r
	}
	q.tail.Value = &entry{buf: buf, offset: offset, length: length}
	q.tail = q.tail.Next()
	q.len++
	q.queuedBytes += int64(length)
	q.mu.Unlock()
	q.wake()
	return nil
}

// DrainTo writes queued entries to w in FIFO order, stopping at the first
// partial write, error, or when the queue empties. It returns the number of
// bytes written. Partial writes advance the head entry's offset so the next
// DrainTo call resumes mid-entry; a fully drained entry is retired (released
// back to the pool) exactly once. The lock is not held across the write
// itself, so a slow client never blocks the ingress side's Enqueue.
func (q *Queue) DrainTo(w io.Writer) (int64, error) {
	var written int64
	for {
		q.mu.Lock()
		if q.len == 0 {
			q.mu.Unlock()
			return written, nil
		}
		e := q.head.Value.(*entry)
		buf, offset, length := e.buf, e.offset, e.length
		q.mu.Unlock()

		n, err := w.Write(buf.Data[offset : offset+length])
		written += int64(n)

		q.mu.Lock()
		q.queuedBytes -= int64(n)
		e.offset += n
		e.length -= n
		retired := e.length == 0
		if retired {
			q.head.Value = nil
			q.head = q.head.Next()
			q.len--
		}
		q.mu.Unlock()

		if retired {
			q.pool.Release(buf)
		}
		if err != nil {
			return written, err
		}
		if n < length {
			return written, nil
		}
	}
}

// Close releases every still-queued buffer exactly once, for connection
// teardown.
func (q *Queue) Close() {
	q.mu.Lock()
	var bufs []*pool.Buffer
	for q.len > 0 {
		e := q.head.Value.(*entry)
		bufs = append(bufs, e.buf)
		q.head.Value = nil
		q.head = q.head.Next()
		q.len--
	}
	q.queuedBytes = 0
	q.mu.Unlock()
	for _, b := range bufs {
		q.pool.Release(b)
	}
}
