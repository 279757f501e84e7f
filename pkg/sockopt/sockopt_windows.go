//go:build windows

package sockopt

import "net"

// SetRecvBuffer is a no-op on Windows; net.TCPListener doesn't expose a
// portable way to tune SO_RCVBUF without pulling in windows-specific
// syscalls, and the default is adequate for the diode's traffic volumes.
func SetRecvBuffer(l *net.TCPListener, bytes int) error {
	return nil
}

// SetRecvBufferUDP is the Windows no-op counterpart of SetRecvBufferUDP.
func SetRecvBufferUDP(c *net.UDPConn, bytes int) error {
	return nil
}
