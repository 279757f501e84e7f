// Package s1 implements the untrusted-network-facing half of the diode: the
// connection handler (C4), acceptor and UDP listener (C5), and Encapsulator
// (C6), grounded on the teacher's pkg/nspkt.Listener lifecycle (mutex-guarded
// bind/Serve/Close) and pkg/atlas.Server's errch/select run loop.
package s1

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"

	"github.com/pg9182/diode/pkg/wire"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
)

// maxFrameBytes returns the payload size the handler enforces before ever
// reaching the Encapsulator, kept equal to wire.MaxPayloadBytes so a chunk
// that passes the handler's oversize check never fails wire.Encode's own
// check downstream (spec.md §4.1's 0 ≤ N ≤ 1,000,000 bound).
func maxFrameBytes() int {
	if wire.MaxPayloadBytes > 0 {
		return wire.MaxPayloadBytes
	}
	return 1_000_000
}

// ClientSocket is the capability a Handler depends on, abstracted so tests
// can substitute an in-memory fake instead of a real TCP connection.
type ClientSocket interface {
	// ReadNonblocking reads the next available chunk, blocking only until
	// data or an error is available (not truly non-blocking in the OS
	// sense, but suspends the calling task rather than an OS thread, per
	// spec.md §5's cooperative scheduling model).
	ReadNonblocking() ([]byte, error)
	Close() error
	Peer() (ip netip.Addr, port uint16, err error)
}

// tcpClientSocket adapts a *net.TCPConn to ClientSocket.
type tcpClientSocket struct {
	conn *net.TCPConn
	r    *bufio.Reader
	buf  []byte
}

func newTCPClientSocket(conn *net.TCPConn) *tcpClientSocket {
	return &tcpClientSocket{
		conn: conn,
		r:    bufio.NewReaderSize(conn, 4096),
		buf:  make([]byte, maxFrameBytes()+1),
	}
}

func (s *tcpClientSocket) ReadNonblocking() ([]byte, error) {
	n, err := s.r.Read(s.buf)
	if n == 0 && err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, s.buf[:n])
	return out, err
}

func (s *tcpClientSocket) Close() error {
	return s.conn.Close()
}

func (s *tcpClientSocket) Peer() (netip.Addr, uint16, error) {
	ap, ok := s.conn.RemoteAddr().(*net.TCPAddr)
	if !ok || ap == nil {
		return netip.Addr{}, 0, fmt.Errorf("s1: no remote address")
	}
	addr, ok := netip.AddrFromSlice(ap.IP)
	if !ok {
		return netip.Addr{}, 0, fmt.Errorf("s1: unparseable remote address %v", ap.IP)
	}
	return addr.Unmap(), uint16(ap.Port), nil
}

// frameSink is the C6 Encapsulator's accepting surface, split out so tests
// can inject a recorder in place of a real Encapsulator.
type frameSink interface {
	Submit(ctx context.Context, srcIP netip.Addr, srcPort uint16, payload []byte)
}

// handlerState mirrors spec.md §4.4's opening/active/draining state machine.
type handlerState int

const (
	stateOpening handlerState = iota
	stateActive
	stateDraining
)

// Handler owns exactly one accepted connection for its entire lifetime.
// Handlers are ephemeral: spec.md §4.10 forbids ever restarting one, so a
// handler crash must terminate only its own connection.
type Handler struct {
	sock   ClientSocket
	sink   frameSink
	log    zerolog.Logger
	onOversize func()
}

// NewHandler constructs a Handler for an already-accepted socket, tagging
// its logger with a unique connection id the way the teacher's request
// handlers tag each request with hlog's xid-based request id.
func NewHandler(sock ClientSocket, sink frameSink, log zerolog.Logger, onOversize func()) *Handler {
	log = log.With().Str("conn_id", xid.New().String()).Logger()
	return &Handler{sock: sock, sink: sink, log: log, onOversize: onOversize}
}

// Run drives the handler's state machine to completion. It returns once the
// connection is fully drained (EOF, read error, or ctx cancellation), never
// panicking out to the caller: any panic in payload handling is recovered and
// treated as a normal connection close, per spec.md §4.4's crash isolation
// guarantee.
func (h *Handler) Run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error().Interface("panic", r).Msg("handler panic recovered; closing connection")
		}
		h.sock.Close()
	}()

	state := stateOpening
	ip, port, err := h.sock.Peer()
	if err != nil {
		h.log.Debug().Err(err).Msg("failed to resolve peer; closing")
		return // terminate as normal, spec.md §4.4
	}
	state = stateActive

	for state == stateActive {
		select {
		case <-ctx.Done():
			state = stateDraining
			continue
		default:
		}

		chunk, err := h.sock.ReadNonblocking()
		if len(chunk) > maxFrameBytes() {
			if h.onOversize != nil {
				h.onOversize()
			}
			chunk = nil
		}
		if len(chunk) > 0 {
			h.sink.Submit(ctx, ip, port, chunk)
		}
		if err != nil {
			if errors.Is(err, io.EOF) || isClosedOrReset(err) {
				state = stateDraining
			} else {
				h.log.Debug().Err(err).Msg("read error; draining")
				state = stateDraining
			}
		}
	}
}

func isClosedOrReset(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) || errors.Is(err, net.ErrClosed)
}
