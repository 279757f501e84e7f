package s1

import (
	"context"
	"net/netip"
	"testing"

	"github.com/pg9182/diode/pkg/metricsx"
	"github.com/pg9182/diode/pkg/ratelimit"
)

type countingSink struct{ calls int }

func (s *countingSink) Submit(ctx context.Context, srcIP netip.Addr, srcPort uint16, payload []byte) {
	s.calls++
}

func TestPerIPGatedSinkPassthroughWhenLimiterNil(t *testing.T) {
	next := &countingSink{}
	s := NewPerIPGatedSink(next, nil, metricsx.NewVictoriaMetricsSink(nil))

	addr := netip.MustParseAddr("10.0.0.1")
	for i := 0; i < 10; i++ {
		s.Submit(context.Background(), addr, 1, []byte("x"))
	}
	if next.calls != 10 {
		t.Fatalf("calls = %d, want 10", next.calls)
	}
}

func TestPerIPGatedSinkBlocksOverBudgetIP(t *testing.T) {
	next := &countingSink{}
	limiter := ratelimit.NewPerIPLimiter(1, 1, 100, nil)
	s := NewPerIPGatedSink(next, limiter, metricsx.NewVictoriaMetricsSink(nil))

	addr := netip.MustParseAddr("10.0.0.1")
	s.Submit(context.Background(), addr, 1, []byte("x"))
	s.Submit(context.Background(), addr, 1, []byte("y"))

	if next.calls != 1 {
		t.Fatalf("calls = %d, want 1 (second should be rate limited)", next.calls)
	}
}

func TestPerIPGatedSinkIsolatesAddresses(t *testing.T) {
	next := &countingSink{}
	limiter := ratelimit.NewPerIPLimiter(1, 1, 100, nil)
	s := NewPerIPGatedSink(next, limiter, metricsx.NewVictoriaMetricsSink(nil))

	a := netip.MustParseAddr("10.0.0.1")
	b := netip.MustParseAddr("10.0.0.2")
	s.Submit(context.Background(), a, 1, []byte("x"))
	s.Submit(context.Background(), b, 1, []byte("y"))

	if next.calls != 2 {
		t.Fatalf("calls = %d, want 2 (different source IPs must not share budget)", next.calls)
	}
}
