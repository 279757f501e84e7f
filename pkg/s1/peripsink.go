package s1

import (
	"context"
	"net/netip"

	"github.com/pg9182/diode/pkg/metricsx"
	"github.com/pg9182/diode/pkg/ratelimit"
)

// PerIPGatedSink wraps a frame sink with the optional per-source-IP limiter
// from spec.md's Open Question 3, checked before the wrapped sink (which
// itself holds the mandatory global limiter). A nil limiter makes this a
// transparent passthrough, so the per-IP limiter can stay optional without
// every call site needing to special-case it.
type PerIPGatedSink struct {
	next    frameSink
	limiter *ratelimit.PerIPLimiter
	metrics metricsx.Sink
}

// NewPerIPGatedSink creates a PerIPGatedSink forwarding to next, gated by
// limiter if non-nil.
func NewPerIPGatedSink(next frameSink, limiter *ratelimit.PerIPLimiter, m metricsx.Sink) *PerIPGatedSink {
	return &PerIPGatedSink{next: next, limiter: limiter, metrics: m}
}

// Submit implements frameSink, rejecting srcIP's frame before it reaches the
// global limiter if the per-IP budget is exhausted.
func (s *PerIPGatedSink) Submit(ctx context.Context, srcIP netip.Addr, srcPort uint16, payload []byte) {
	if s.limiter != nil && !s.limiter.TryConsume(srcIP, 1) {
		s.metrics.RateLimited()
		return
	}
	s.next.Submit(ctx, srcIP, srcPort, payload)
}
