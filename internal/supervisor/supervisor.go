// Package supervisor runs the multi-process model: N worker processes
// sharing the listening socket via SO_REUSEPORT, each a full re-exec of
// this same binary (a live Go runtime cannot fork() without re-entering
// main), respawned on crash with linear backoff.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/stackia/rtp2httpd-sub003/internal/logging"
)

var log = logging.New("supervisor")

// WorkerIDEnv is the environment variable the supervisor sets on each
// re-exec'd child to tell it which worker id it is and that it should run
// in worker mode rather than supervisor mode. Workers are otherwise
// identical, differing only in id.
const WorkerIDEnv = "RTP2HTTPD_WORKER_ID"

// Supervisor re-execs the current binary once per configured worker and
// restarts any worker that exits unexpectedly.
type Supervisor struct {
	args           []string
	workerCount    int
	respawn        bool
	respawnBackoff time.Duration

	mu      sync.Mutex
	cancels map[int]context.CancelFunc
}

// New returns a Supervisor that will re-exec the current binary with args
// (typically os.Args[1:]; each child's id travels in WorkerIDEnv)
// once per worker in 0..workerCount-1.
func New(args []string, workerCount int, respawn bool, respawnBackoff time.Duration) *Supervisor {
	return &Supervisor{
		args:           args,
		workerCount:    workerCount,
		respawn:        respawn,
		respawnBackoff: respawnBackoff,
		cancels:        make(map[int]context.CancelFunc),
	}
}

// Run launches every configured worker and blocks until ctx is cancelled,
// respawning any worker that exits while ctx remains live.
func (s *Supervisor) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for id := 0; id < s.workerCount; id++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			s.superviseWorker(ctx, id)
		}(id)
	}
	wg.Wait()
	return nil
}

func (s *Supervisor) superviseWorker(ctx context.Context, id int) {
	backoff := time.Duration(0)
	failures := 0
	for ctx.Err() == nil {
		start := time.Now()
		err := s.runOnce(ctx, id)
		if ctx.Err() != nil {
			return
		}
		if err == nil || time.Since(start) > 30*time.Second {
			// ran long enough to be considered healthy; reset backoff
			failures = 0
			backoff = 0
		} else {
			failures++
		}
		if !s.respawn {
			log.Errorf("worker %d exited (%v), respawn disabled", id, err)
			return
		}
		log.Warnf("worker %d exited (%v), respawning in %s (failure #%d)", id, err, backoff, failures)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff, s.respawnBackoff)
	}
}

// nextBackoff adds one second per failure, up to cap.
func nextBackoff(current, cap time.Duration) time.Duration {
	next := current + time.Second
	if next > cap {
		next = cap
	}
	return next
}

// runOnce re-execs the binary for worker id and waits for it to exit.
func (s *Supervisor) runOnce(ctx context.Context, id int) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("supervisor: resolve executable: %w", err)
	}

	childCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancels[id] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.cancels, id)
		s.mu.Unlock()
		cancel()
	}()

	cmd := exec.CommandContext(childCtx, exe, s.args...)
	cmd.Env = append(os.Environ(), WorkerIDEnv+"="+strconv.Itoa(id))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	log.Infof("starting worker %d: %s", id, exe)
	if err := cmd.Run(); err != nil {
		return err
	}
	return nil
}

// Stop cancels every worker's re-exec context, terminating the child
// processes. No ctrlrpc.Drain is sent to the workers first.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cancel := range s.cancels {
		cancel()
	}
}
