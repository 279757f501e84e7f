//go:build linux || freebsd || openbsd || darwin || netbsd || dragonfly
// +build linux freebsd openbsd darwin netbsd dragonfly

// Package sockopt tunes OS socket receive buffer sizes for the S1 ingress
// listeners and the S2 receive socket,
// grounded on pkg/kernel's platform-split unix/non-unix files (runZeroInc-sockstats).
package sockopt

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// SetRecvBuffer sets SO_RCVBUF on the listener's underlying socket to at
// least bytes. The kernel may round the value up or cap it; errors here are
// non-fatal to the caller, which should log and continue with the OS default.
func SetRecvBuffer(l *net.TCPListener, bytes int) error {
	sc, err := l.SyscallConn()
	if err != nil {
		return fmt.Errorf("sockopt: get raw conn: %w", err)
	}
	var serr error
	if err := sc.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, bytes)
	}); err != nil {
		return fmt.Errorf("sockopt: control: %w", err)
	}
	if serr != nil {
		return fmt.Errorf("sockopt: setsockopt SO_RCVBUF: %w", serr)
	}
	return nil
}

// SetRecvBufferUDP is the UDP equivalent of SetRecvBuffer, used for the
// optional UDP ingress listener.
func SetRecvBufferUDP(c *net.UDPConn, bytes int) error {
	sc, err := c.SyscallConn()
	if err != nil {
		return fmt.Errorf("sockopt: get raw conn: %w", err)
	}
	var serr error
	if err := sc.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, bytes)
	}); err != nil {
		return fmt.Errorf("sockopt: control: %w", err)
	}
	if serr != nil {
		return fmt.Errorf("sockopt: setsockopt SO_RCVBUF: %w", serr)
	}
	return nil
}
