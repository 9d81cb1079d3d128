// Package sockopt sets the SO_REUSEPORT option that lets every worker
// process bind the same listen address, so the kernel shards accepts
// across them.
package sockopt

import (
	"context"
	"net"
	"runtime"
	"syscall"

	"golang.org/x/sys/unix"
)

// ListenConfig returns a net.ListenConfig whose Control callback sets
// SO_REUSEADDR and, where supported, SO_REUSEPORT, so every worker can
// bind the same address and let the kernel shard incoming connections
// across them.
func ListenConfig() net.ListenConfig {
	return net.ListenConfig{Control: setReusePort}
}

// Listen is a convenience wrapper around ListenConfig().Listen.
func Listen(ctx context.Context, network, address string) (net.Listener, error) {
	lc := ListenConfig()
	return lc.Listen(ctx, network, address)
}

func setReusePort(_, _ string, c syscall.RawConn) error {
	var ctrlErr error
	err := c.Control(func(fd uintptr) {
		if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); e != nil {
			ctrlErr = e
			return
		}
		if runtime.GOOS == "linux" {
			if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); e != nil {
				ctrlErr = e
			}
		}
	})
	if err != nil {
		return err
	}
	return ctrlErr
}
