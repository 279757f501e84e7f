package s2

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pg9182/diode/pkg/diodelink"
	"github.com/pg9182/diode/pkg/metricsx"
	"github.com/pg9182/diode/pkg/sockopt"
	"github.com/rs/zerolog"
)

// bindRetryAttempts and bindRetryInterval implement spec.md §7's BindError
// policy: fail fast only after a brief retry window, long enough to ride out
// an OS port release.
const (
	bindRetryAttempts = 20
	bindRetryInterval = 5 * time.Second
)

// BindError is returned by BindUDPReceiver when every retry attempt failed,
// letting cmd/diode-s2 distinguish an unrecoverable listen failure (spec.md
// §6 exit code 3) from a transient receive-loop error the supervisor should
// just restart.
type BindError struct {
	Err error
}

func (e *BindError) Error() string { return fmt.Sprintf("s2: bind: %v", e.Err) }
func (e *BindError) Unwrap() error { return e.Err }

// Receiver is C7: reads the S2 receive link (bound beforehand, e.g. by
// BindUDPReceiver) and submits each datagram as a bounded task to the
// Decapsulator, never letting decapsulation work block the receive loop, per
// spec.md §4.7.
type Receiver struct {
	decap   *Decapsulator
	metrics metricsx.Sink
	log     zerolog.Logger

	tokens chan struct{} // bounded worker pool; buffered channel of tokens
	wg     sync.WaitGroup
}

// NewReceiver creates a Receiver with the given max in-flight decapsulation
// tasks (spec.md §4.7's "max 200 in-flight").
func NewReceiver(decap *Decapsulator, maxInFlight int, m metricsx.Sink, log zerolog.Logger) *Receiver {
	if maxInFlight <= 0 {
		maxInFlight = 200
	}
	return &Receiver{
		decap:   decap,
		metrics: m,
		log:     log,
		tokens:  make(chan struct{}, maxInFlight),
	}
}

// Run serves datagrams from an already-bound link until ctx is canceled
// (closing the link and returning nil), or a fatal receive error occurs
// (spec.md §4.10: Receiver restarts permanently under supervision).
func (r *Receiver) Run(ctx context.Context, link diodelink.ReceiveLink) error {
	errch := make(chan error, 1)
	go func() { errch <- r.serve(ctx, link) }()

	select {
	case <-ctx.Done():
		link.Close()
		<-errch
		r.wg.Wait() // drain in-flight decapsulation tasks before returning
		return nil
	case err := <-errch:
		return err
	}
}

func (r *Receiver) serve(ctx context.Context, link diodelink.ReceiveLink) error {
	for {
		datagram, _, err := link.ReceiveFrom(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		select {
		case r.tokens <- struct{}{}:
		default:
			r.metrics.S2SaturationDrops()
			continue
		}

		r.wg.Add(1)
		go func(d []byte) {
			defer r.wg.Done()
			defer func() { <-r.tokens }()
			r.decap.Handle(d)
		}(datagram)
	}
}

// ListenUDPReceiver is a convenience constructor binding a real UDP socket
// and tuning its receive buffer per the configured size. It makes a single
// bind attempt; callers wanting the BindError retry policy should use
// BindUDPReceiver instead.
func ListenUDPReceiver(addr *net.UDPAddr, recvBufBytes int) (*diodelink.UDPLink, error) {
	l, err := diodelink.ListenUDPLink(addr)
	if err != nil {
		return nil, err
	}
	if recvBufBytes > 0 {
		_ = sockopt.SetRecvBufferUDP(l.Conn(), recvBufBytes) // best-effort
	}
	return l, nil
}

// BindUDPReceiver binds the S2 UDP socket, retrying per spec.md §7's
// BindError policy: up to 20 attempts, 5s apart, before giving up. Intended
// to be called once at startup, before Receiver.Run is handed to the
// supervisor, so a permanently failed bind can exit the process distinctly
// (spec.md §6 exit code 3) rather than loop through generic restarts.
func BindUDPReceiver(ctx context.Context, addr *net.UDPAddr, recvBufBytes int) (*diodelink.UDPLink, error) {
	var (
		l   *diodelink.UDPLink
		err error
	)
	for attempt := 1; attempt <= bindRetryAttempts; attempt++ {
		if l, err = ListenUDPReceiver(addr, recvBufBytes); err == nil {
			return l, nil
		}
		if attempt == bindRetryAttempts {
			break
		}
		select {
		case <-time.After(bindRetryInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, &BindError{err}
}
