// Package heartbeat implements C9: the S1-side periodic heartbeat generator
// and the S2-side liveness monitor, grounded on pkg/clock's Clock/Ticker
// abstraction so the 300s/360s cadence is testable without real sleeps.
package heartbeat

import (
	"context"
	"net/netip"
	"time"

	"github.com/pg9182/diode/pkg/clock"
	"github.com/rs/zerolog"
)

// HeartbeatPayload is the sentinel payload recognized on both sides.
const HeartbeatPayload = "HEARTBEAT"

// Sender is the capability the Generator submits heartbeat frames through;
// satisfied by *s1.Encapsulator's Submit method.
type Sender interface {
	Submit(ctx context.Context, srcIP netip.Addr, srcPort uint16, payload []byte)
}

// heartbeatSrcIP is the placeholder source address heartbeat frames carry:
// the wire codec always requires a valid IPv4 header, but a heartbeat has no
// real client behind it, so loopback is used as an uninterpreted sentinel.
var heartbeatSrcIP = netip.MustParseAddr("127.0.0.1")

// Generator periodically enqueues a heartbeat frame through the
// Encapsulator. It has no source identity of its own.
type Generator struct {
	sender Sender
	ticker clock.Ticker
	log    zerolog.Logger
}

// NewGenerator creates a Generator firing every interval (default 300s per
// spec.md §4.9) using clk for its ticker.
func NewGenerator(sender Sender, clk clock.Clock, interval time.Duration, log zerolog.Logger) *Generator {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Generator{sender: sender, ticker: clk.NewTicker(interval), log: log}
}

// Run enqueues a heartbeat on every tick until ctx is canceled.
func (g *Generator) Run(ctx context.Context) error {
	defer g.ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-g.ticker.C():
			g.sender.Submit(ctx, heartbeatSrcIP, 0, []byte(HeartbeatPayload))
			g.log.Debug().Msg("sent heartbeat")
		}
	}
}
