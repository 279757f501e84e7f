package diodelink

import (
	"context"
	"fmt"
	"net"
	"time"
)

// UDPLink is the real Link/ReceiveLink implementation: one UDP socket bound
// for the lifetime of its owner, matching spec.md §4.6's "owns one diode
// socket for its lifetime (bound to an ephemeral local port)".
type UDPLink struct {
	conn *net.UDPConn
	dst  *net.UDPAddr // nil for a ReceiveLink-only instance
}

// DialUDPLink binds an ephemeral local UDP socket and fixes dst as the send
// destination, for use by the Encapsulator (C6).
func DialUDPLink(dst *net.UDPAddr) (*UDPLink, error) {
	conn, err := net.DialUDP("udp", nil, dst)
	if err != nil {
		return nil, fmt.Errorf("diodelink: dial: %w", err)
	}
	return &UDPLink{conn: conn, dst: dst}, nil
}

// ListenUDPLink binds a UDP socket at addr for use by the Receiver (C7).
func ListenUDPLink(addr *net.UDPAddr) (*UDPLink, error) {
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("diodelink: listen: %w", err)
	}
	return &UDPLink{conn: conn}, nil
}

func (l *UDPLink) Send(ctx context.Context, b []byte) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = l.conn.SetWriteDeadline(dl)
		defer l.conn.SetWriteDeadline(time.Time{})
	}
	_, err := l.conn.Write(b)
	if err != nil {
		return fmt.Errorf("diodelink: send: %w", err)
	}
	return nil
}

func (l *UDPLink) ReceiveFrom(ctx context.Context) ([]byte, net.Addr, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = l.conn.SetReadDeadline(dl)
		defer l.conn.SetReadDeadline(time.Time{})
	}
	buf := make([]byte, 65535)
	n, addr, err := l.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, nil, fmt.Errorf("diodelink: receive: %w", err)
	}
	return buf[:n], addr, nil
}

func (l *UDPLink) LocalAddr() net.Addr {
	return l.conn.LocalAddr()
}

// Conn exposes the underlying *net.UDPConn so callers can tune
// platform-specific socket options (e.g. pkg/sockopt.SetRecvBufferUDP).
func (l *UDPLink) Conn() *net.UDPConn {
	return l.conn
}

func (l *UDPLink) Close() error {
	return l.conn.Close()
}
