// Package mcastjoin implements multicast group membership for the plain
// RTP ingress and the FCC engine's late multicast join:
// SO_REUSEADDR/SO_REUSEPORT before bind via a net.ListenConfig.Control
// callback, then an ipv4.PacketConn group join, source-filtered when a
// source address is known.
package mcastjoin

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	"github.com/stackia/rtp2httpd-sub003/internal/logging"
)

var log = logging.New("mcastjoin")

// Conn is a joined multicast socket, optionally source-filtered, with an
// optional periodic-rejoin goroutine that re-sends the group membership
// message to survive certain router behaviors.
type Conn struct {
	UDP   *net.UDPConn
	pc    *ipv4.PacketConn
	group *net.UDPAddr
	src   *net.UDPAddr
	iface *net.Interface

	stop chan struct{}
	done chan struct{}
}

// Join binds a UDP socket on groupAddr's port with SO_REUSEADDR/
// SO_REUSEPORT set (so multiple workers can each join independently), then
// joins the multicast group. If sourceAddr is non-empty, a source-specific
// (SSM) join is attempted first, falling back to ASM if the kernel rejects
// it. ifaceName selects a specific interface; empty picks the first up,
// multicast-capable, non-loopback interface.
func Join(groupAddr, sourceAddr, ifaceName string) (*Conn, error) {
	host, portStr, err := net.SplitHostPort(groupAddr)
	if err != nil {
		return nil, fmt.Errorf("mcastjoin: bad group address %q: %w", groupAddr, err)
	}
	group := net.ParseIP(host)
	if group == nil || !group.IsMulticast() {
		return nil, fmt.Errorf("mcastjoin: %q is not a multicast address", host)
	}

	ifi, err := resolveInterface(ifaceName)
	if err != nil {
		return nil, err
	}

	lc := net.ListenConfig{Control: setReuseAddrPort}
	pconn, err := lc.ListenPacket(context.Background(), "udp4", ":"+portStr)
	if err != nil {
		return nil, fmt.Errorf("mcastjoin: listen: %w", err)
	}
	udpConn, ok := pconn.(*net.UDPConn)
	if !ok {
		pconn.Close()
		return nil, fmt.Errorf("mcastjoin: unexpected PacketConn type %T", pconn)
	}
	_ = udpConn.SetReadBuffer(4 << 20)

	pc := ipv4.NewPacketConn(udpConn)
	groupUDP := &net.UDPAddr{IP: group}

	var srcUDP *net.UDPAddr
	if sourceAddr != "" {
		srcIP := net.ParseIP(sourceAddr)
		if srcIP == nil {
			udpConn.Close()
			return nil, fmt.Errorf("mcastjoin: bad source address %q", sourceAddr)
		}
		srcUDP = &net.UDPAddr{IP: srcIP}
		if err := pc.JoinSourceSpecificGroup(ifi, groupUDP, srcUDP); err != nil {
			log.Warnf("SSM join %s@%s on %s failed, falling back to ASM: %v", groupAddr, sourceAddr, ifaceName, err)
			srcUDP = nil
			if err := pc.JoinGroup(ifi, groupUDP); err != nil {
				udpConn.Close()
				return nil, fmt.Errorf("mcastjoin: join group %s: %w", groupAddr, err)
			}
		}
	} else if err := pc.JoinGroup(ifi, groupUDP); err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("mcastjoin: join group %s: %w", groupAddr, err)
	}

	log.Infof("joined %s source=%q iface=%s", groupAddr, sourceAddr, ifaceName)

	return &Conn{
		UDP:   udpConn,
		pc:    pc,
		group: groupUDP,
		src:   srcUDP,
		iface: ifi,
	}, nil
}

// StartRejoin launches a goroutine that re-issues the join membership
// message every interval. interval <= 0 disables it.
func (c *Conn) StartRejoin(interval time.Duration) {
	if interval <= 0 {
		return
	}
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-ticker.C:
				c.rejoin()
			}
		}
	}()
}

func (c *Conn) rejoin() {
	var err error
	if c.src != nil {
		err = c.pc.JoinSourceSpecificGroup(c.iface, c.group, c.src)
	} else {
		err = c.pc.JoinGroup(c.iface, c.group)
	}
	if err != nil {
		log.Warnf("periodic rejoin of %s failed: %v", c.group, err)
	}
}

// Close leaves the multicast group and closes the socket, stopping any
// rejoin goroutine first.
func (c *Conn) Close() error {
	if c.stop != nil {
		close(c.stop)
		<-c.done
	}
	if c.src != nil {
		_ = c.pc.LeaveSourceSpecificGroup(c.iface, c.group, c.src)
	} else {
		_ = c.pc.LeaveGroup(c.iface, c.group)
	}
	return c.UDP.Close()
}

func resolveInterface(name string) (*net.Interface, error) {
	if name != "" {
		ifi, err := net.InterfaceByName(name)
		if err != nil {
			return nil, fmt.Errorf("mcastjoin: interface %q: %w", name, err)
		}
		return ifi, nil
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("mcastjoin: enumerate interfaces: %w", err)
	}
	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagUp != 0 && ifi.Flags&net.FlagMulticast != 0 && ifi.Flags&net.FlagLoopback == 0 {
			cp := ifi
			return &cp, nil
		}
	}
	return nil, nil // let the kernel pick the default route's interface
}

func setReuseAddrPort(_, _ string, c syscall.RawConn) error {
	var ctrlErr error
	err := c.Control(func(fd uintptr) {
		if e := syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1); e != nil {
			ctrlErr = e
			return
		}
		if runtime.GOOS != "windows" {
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
