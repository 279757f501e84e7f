package s1

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/pg9182/diode/pkg/metricsx"
	"github.com/rs/zerolog"
)

func TestAcceptorForwardsConnectionPayload(t *testing.T) {
	sink := &recordingSink{}
	m := metricsx.NewVictoriaMetricsSink(nil)

	a := NewAcceptor(AcceptorConfig{
		TCPAddr:            netip.MustParseAddrPort("127.0.0.1:0"),
		IntakeRatePerSec:   1000,
		IntakeBurst:        1000,
		MaxConcurrentConns: 10,
	}, sink, m, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)

	// bind first so we know the ephemeral port before Run's accept loop starts
	ln, err := net.ListenTCP("tcp", net.TCPAddrFromAddrPort(netip.MustParseAddrPort("127.0.0.1:0")))
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()
	a.cfg.TCPAddr = netip.MustParseAddrPort(addr.String())

	go func() { runErr <- a.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if _, err := conn.Write([]byte("payload")); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.Close()

	time.Sleep(50 * time.Millisecond)
	cancel()
	if err := <-runErr; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.calls) != 1 || sink.calls[0] != "payload" {
		t.Fatalf("calls = %v, want [payload]", sink.calls)
	}
}
