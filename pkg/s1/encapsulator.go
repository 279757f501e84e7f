package s1

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/pg9182/diode/pkg/diodelink"
	"github.com/pg9182/diode/pkg/dpi"
	"github.com/pg9182/diode/pkg/metricsx"
	"github.com/pg9182/diode/pkg/ratelimit"
	"github.com/pg9182/diode/pkg/wire"
	"github.com/rs/zerolog"
)

// HeartbeatPayload is the sentinel payload the heartbeat generator sends
// through the Encapsulator, exempt from DPI but still limiter-subject, per
// spec.md §4.9.
const HeartbeatPayload = "HEARTBEAT"

// backoffSchedule holds the retry delays for a transient send failure,
// spec.md §4.6 item 4: up to 3 retries, bounded to ~150ms total.
var backoffSchedule = []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}

// Encapsulator is C6: the single point through which all payloads leave S1.
// It is single-threaded-serialized by design (spec.md §5): Submit may be
// called from many goroutines at once and only enqueues onto an internal
// work queue, which Run drains one frame at a time, rather than taking a
// mutex around the processing itself, matching the
// teacher's preference for channel-serialized ownership over locking (see
// pkg/nspkt.Listener's single-goroutine Serve loop).
type Encapsulator struct {
	link       diodelink.Link
	classifier dpi.Classifier
	limiter    *ratelimit.Bucket
	metrics    metricsx.Sink
	log        zerolog.Logger

	queue     chan frameRequest
	done      chan struct{}
	closeDone sync.Once
}

type frameRequest struct {
	srcIP   netip.Addr
	srcPort uint16
	payload []byte
}

// NewEncapsulator creates an Encapsulator sending frames over link.
func NewEncapsulator(link diodelink.Link, classifier dpi.Classifier, limiter *ratelimit.Bucket, m metricsx.Sink, log zerolog.Logger) *Encapsulator {
	return &Encapsulator{
		link:       link,
		classifier: classifier,
		limiter:    limiter,
		metrics:    m,
		log:        log,
		queue:      make(chan frameRequest, 1024),
		done:       make(chan struct{}),
	}
}

// Submit enqueues a payload for encapsulation and send. It never blocks the
// caller beyond the queue's capacity, matching spec.md §5's "C4 handler
// suspends on submission to C6" — the suspension is bounded to queue space,
// not the serialized processing itself.
func (e *Encapsulator) Submit(ctx context.Context, srcIP netip.Addr, srcPort uint16, payload []byte) {
	select {
	case e.queue <- frameRequest{srcIP, srcPort, payload}:
	case <-ctx.Done():
	}
}

// Run drains the submit queue until ctx is canceled, processing each frame
// per spec.md §4.6's sequential contract. It is the Encapsulator's one
// goroutine, so heartbeats and connection traffic are strictly serialized
// through it.
func (e *Encapsulator) Run(ctx context.Context) error {
	defer e.closeDone.Do(func() { close(e.done) })
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-e.queue:
			e.process(ctx, req)
		}
	}
}

func (e *Encapsulator) process(ctx context.Context, req frameRequest) {
	if !e.limiter.TryConsume(1) {
		e.metrics.RateLimited()
		return
	}

	isHeartbeat := string(req.payload) == HeartbeatPayload
	if !isHeartbeat && !e.classifier.Accepts(req.payload) {
		// Limiter token already consumed above: spec.md §4.6 item 2 requires
		// this so rejected traffic can't be used to bypass rate limiting.
		e.metrics.DPIBlocked()
		return
	}

	frame, err := wire.Encode(net.IP(req.srcIP.AsSlice()), req.srcPort, req.payload)
	if err != nil {
		e.metrics.EncodeErrors()
		return
	}

	if err := e.sendWithBackoff(ctx, frame); err != nil {
		e.metrics.SendErrors()
		return
	}
	e.metrics.PacketsForwarded()
}

func (e *Encapsulator) sendWithBackoff(ctx context.Context, frame []byte) error {
	var lastErr error
	if lastErr = e.link.Send(ctx, frame); lastErr == nil {
		return nil
	}
	for _, d := range backoffSchedule {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
		if lastErr = e.link.Send(ctx, frame); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

// Wait blocks until Run has returned.
func (e *Encapsulator) Wait() {
	<-e.done
}
