package s1

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/pg9182/diode/pkg/metricsx"
	"github.com/pg9182/diode/pkg/ratelimit"
	"github.com/pg9182/diode/pkg/sockopt"
	"github.com/rs/zerolog"
)

// bindRetryAttempts and bindRetryInterval implement spec.md §7's BindError
// policy: fail fast only after a brief retry window, long enough to ride out
// an OS port release (e.g. the previous process's TIME_WAIT).
const (
	bindRetryAttempts = 20
	bindRetryInterval = 5 * time.Second
)

// BindError is returned by Acceptor.Bind when every retry attempt failed.
// Callers use this to distinguish an unrecoverable listen failure (spec.md
// §6 exit code 3) from a transient accept-loop error the supervisor should
// just restart.
type BindError struct {
	Err error
}

func (e *BindError) Error() string { return fmt.Sprintf("s1: bind: %v", e.Err) }
func (e *BindError) Unwrap() error { return e.Err }

// bindRetry calls bind repeatedly, bindRetryInterval apart, until it
// succeeds, the attempt budget is exhausted, or ctx is canceled.
func bindRetry[T any](ctx context.Context, bind func() (T, error)) (T, error) {
	var (
		v   T
		err error
	)
	for attempt := 1; attempt <= bindRetryAttempts; attempt++ {
		if v, err = bind(); err == nil {
			return v, nil
		}
		if attempt == bindRetryAttempts {
			break
		}
		select {
		case <-time.After(bindRetryInterval):
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
	return v, err
}

// GeoLookup resolves a connection source address to a (lat, lng), returning
// ok=false if the address isn't found (e.g. private ranges, or geo lookup
// disabled). It is satisfied by (*geoIP).Lookup in cmd/diode-s1, which wraps
// an opened *ip2x.DB.
type GeoLookup func(addr netip.Addr) (lat, lng float64, ok bool)

// Acceptor is C5: binds the TCP listener and optional UDP datagram ingress,
// applies the connection-intake limiter and concurrency cap, and hands off
// accepted sockets to ephemeral Handlers. Grounded on the teacher's
// pkg/nspkt.Listener bind/Serve/Close lifecycle.
type Acceptor struct {
	cfg       AcceptorConfig
	sink      frameSink
	metrics   metricsx.Sink
	log       zerolog.Logger
	geo       *metricsx.GeoCounter
	geoLookup GeoLookup

	intake *ratelimit.Bucket
	rcvBuf int

	mu       sync.Mutex
	sem      chan struct{} // len == current connections, cap == maxConn
	listener *net.TCPListener
	udpConn  *net.UDPConn
	closing  bool
	wg       sync.WaitGroup
}

// AcceptorConfig collects Acceptor's tunables (spec.md §4.3, §4.5).
type AcceptorConfig struct {
	TCPAddr            netip.AddrPort
	UDPAddr            netip.AddrPort // zero value: UDP ingress disabled
	IntakeRatePerSec   float64
	IntakeBurst        float64
	MaxConcurrentConns int
	RecvBufferBytes    int
	Geo                *metricsx.GeoCounter // nil disables geo-tagging
	GeoLookup          GeoLookup
}

// NewAcceptor creates an Acceptor. sink is the Encapsulator (C6) it submits
// accepted payloads to.
func NewAcceptor(cfg AcceptorConfig, sink frameSink, m metricsx.Sink, log zerolog.Logger) *Acceptor {
	if cfg.MaxConcurrentConns <= 0 {
		cfg.MaxConcurrentConns = 100
	}
	return &Acceptor{
		cfg:       cfg,
		sink:      sink,
		metrics:   m,
		log:       log,
		geo:       cfg.Geo,
		geoLookup: cfg.GeoLookup,
		intake:    ratelimit.NewBucket(cfg.IntakeRatePerSec, cfg.IntakeBurst, nil),
		rcvBuf:    cfg.RecvBufferBytes,
		sem:       make(chan struct{}, cfg.MaxConcurrentConns),
	}
}

// Bind opens the TCP listener (and, if configured, the UDP socket),
// retrying per the BindError policy above. It is idempotent: calling it
// again after a successful bind is a no-op. Separated from Serve so a
// caller (cmd/diode-s1) can bind once up front and exit distinctly on an
// unrecoverable bind failure, rather than looping it through the generic
// supervisor restart budget.
func (a *Acceptor) Bind(ctx context.Context) error {
	a.mu.Lock()
	alreadyBound := a.listener != nil
	a.mu.Unlock()
	if alreadyBound {
		return nil
	}

	ln, err := bindRetry(ctx, func() (*net.TCPListener, error) {
		return net.ListenTCP("tcp", net.TCPAddrFromAddrPort(a.cfg.TCPAddr))
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return &BindError{err}
	}
	if a.rcvBuf > 0 {
		if serr := sockopt.SetRecvBuffer(ln, a.rcvBuf); serr != nil {
			a.log.Debug().Err(serr).Msg("failed to tune SO_RCVBUF on TCP listener")
		}
	}

	var udp *net.UDPConn
	if a.cfg.UDPAddr.IsValid() && a.cfg.UDPAddr.Port() != 0 {
		udp, err = bindRetry(ctx, func() (*net.UDPConn, error) {
			return net.ListenUDP("udp", net.UDPAddrFromAddrPort(a.cfg.UDPAddr))
		})
		if err != nil {
			ln.Close()
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return &BindError{err}
		}
		if a.rcvBuf > 0 {
			if serr := sockopt.SetRecvBufferUDP(udp, a.rcvBuf); serr != nil {
				a.log.Debug().Err(serr).Msg("failed to tune SO_RCVBUF on UDP listener")
			}
		}
	}

	a.mu.Lock()
	a.listener = ln
	a.udpConn = udp
	a.closing = false
	a.mu.Unlock()
	return nil
}

// Run binds (if Bind hasn't already been called) and serves until ctx is
// canceled. It implements the permanent-restart child contract pkg/supervisor
// expects: a fatal socket error returns a non-nil error so the supervisor
// can restart it, while ctx cancellation returns nil (graceful shutdown).
func (a *Acceptor) Run(ctx context.Context) error {
	if err := a.Bind(ctx); err != nil {
		return err
	}
	return a.Serve(ctx)
}

// Serve runs the accept loop(s) against an already-bound Acceptor. Bind must
// have succeeded before calling this.
func (a *Acceptor) Serve(ctx context.Context) error {
	a.mu.Lock()
	ln := a.listener
	udp := a.udpConn
	a.closing = false
	a.mu.Unlock()

	if ln == nil {
		return fmt.Errorf("s1: acceptor: Serve called before a successful Bind")
	}

	errch := make(chan error, 2)
	go func() { errch <- a.serveTCP(ctx, ln) }()
	if udp != nil {
		go func() { errch <- a.serveUDP(ctx, udp) }()
	}

	select {
	case <-ctx.Done():
		a.mu.Lock()
		a.closing = true
		a.mu.Unlock()
		ln.Close()
		if udp != nil {
			udp.Close()
		}
		<-errch
		if udp != nil {
			<-errch
		}
		a.wg.Wait() // drain in-flight handlers, spec.md §4.10
		return nil
	case err := <-errch:
		return err
	}
}

func (a *Acceptor) serveTCP(ctx context.Context, ln *net.TCPListener) error {
	for {
		conn, err := ln.AcceptTCP()
		if err != nil {
			a.mu.Lock()
			closing := a.closing
			a.mu.Unlock()
			if closing || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Temporary() {
				a.log.Debug().Err(err).Msg("transient accept error, retrying")
				time.Sleep(10 * time.Millisecond)
				continue
			}
			return err // fatal, supervisor restarts per spec.md §4.5
		}

		if !a.intake.TryConsume(1) {
			conn.Close()
			a.metrics.ConnRejected()
			continue
		}

		select {
		case a.sem <- struct{}{}:
		default:
			conn.Close()
			a.metrics.ConnCapped()
			continue
		}

		a.wg.Add(1)
		go a.runHandler(ctx, conn)
	}
}

func (a *Acceptor) runHandler(ctx context.Context, conn *net.TCPConn) {
	defer a.wg.Done()
	defer func() { <-a.sem }()

	sock := newTCPClientSocket(conn)
	if a.geo != nil && a.geoLookup != nil {
		if ip, _, err := sock.Peer(); err == nil {
			if lat, lng, ok := a.geoLookup(ip); ok {
				a.geo.Inc(lat, lng)
			} else {
				a.geo.IncUnknown()
			}
		}
	}
	h := NewHandler(sock, a.sink, a.log, a.metrics.OversizeDropped)
	h.Run(ctx)
}

func (a *Acceptor) serveUDP(ctx context.Context, conn *net.UDPConn) error {
	buf := make([]byte, 65535)
	for {
		n, addr, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			a.mu.Lock()
			closing := a.closing
			a.mu.Unlock()
			if closing || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		a.sink.Submit(ctx, addr.Addr().Unmap(), addr.Port(), payload)
	}
}
