// Command gatewayd is the multicast-to-HTTP gateway's single entrypoint. It
// runs in one of two modes, chosen by the presence of
// supervisor.WorkerIDEnv: with no worker id set, it is the supervisor
// process that re-execs itself once per configured worker; with a worker
// id set, it is that worker, serving HTTP on every configured listen
// address via the shared SO_REUSEPORT socket.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/stackia/rtp2httpd-sub003/internal/config"
	"github.com/stackia/rtp2httpd-sub003/internal/logging"
	"github.com/stackia/rtp2httpd-sub003/internal/service"
	"github.com/stackia/rtp2httpd-sub003/internal/sockopt"
	"github.com/stackia/rtp2httpd-sub003/internal/supervisor"
	"github.com/stackia/rtp2httpd-sub003/internal/worker"
)

var log = logging.New("gatewayd")

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logging.SetLevel(logging.Level(cfg.Verbosity))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if idStr, ok := os.LookupEnv(supervisor.WorkerIDEnv); ok {
		id, err := strconv.Atoi(idStr)
		if err != nil {
			log.Fatalf("invalid %s=%q: %v", supervisor.WorkerIDEnv, idStr, err)
		}
		runWorker(ctx, id, cfg)
		return
	}
	runSupervisor(ctx, cfg)
}

func runSupervisor(ctx context.Context, cfg *config.Config) {
	sup := supervisor.New(os.Args[1:], cfg.WorkerCount, cfg.Respawn, cfg.RespawnBackoff)
	go func() {
		<-ctx.Done()
		sup.Stop()
	}()
	if err := sup.Run(ctx); err != nil {
		log.Fatalf("supervisor: %v", err)
	}
}

func runWorker(ctx context.Context, id int, cfg *config.Config) {
	reg := service.NewRegistry()
	for _, entry := range cfg.Services {
		path, serviceURL, ok := splitServiceEntry(entry)
		if !ok {
			log.Errorf("worker %d: malformed --service %q, want <path>=<scheme>://<target>", id, entry)
			continue
		}
		d, err := service.ParseInline(serviceURL)
		if err != nil {
			log.Errorf("worker %d: --service %q: %v", id, entry, err)
			continue
		}
		reg.Add(path, d)
	}

	w := worker.New(id, cfg, reg)
	if err := w.ServeCtrlRPC(); err != nil {
		log.Fatalf("worker %d: ctrlrpc listen: %v", id, err)
	}

	var wg sync.WaitGroup
	for _, addr := range cfg.ListenAddrs {
		ln, err := sockopt.Listen(ctx, "tcp", addr)
		if err != nil {
			log.Fatalf("worker %d: listen %s: %v", id, addr, err)
		}
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			if err := w.Serve(ctx, ln); err != nil {
				log.Errorf("worker %d: serve %s: %v", id, addr, err)
			}
		}(addr)
	}
	wg.Wait()
}

// splitServiceEntry splits a "<path>=<scheme>://<target>" --service flag
// value on its first '=', leaving the scheme's own "://" untouched.
func splitServiceEntry(entry string) (path, serviceURL string, ok bool) {
	for i := 0; i < len(entry); i++ {
		if entry[i] == '=' {
			return entry[:i], entry[i+1:], true
		}
	}
	return "", "", false
}
