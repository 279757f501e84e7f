// Package diodelink models the simulated diode link: the unreliable,
// unidirectional datagram channel spec.md §1 describes connecting S1's
// Encapsulator to S2's Receiver. It is the one capability interface (per
// spec.md §9's design notes) that lets the Encapsulator depend on
// `DiodeLink.Send` alone, substituting an in-memory fake for tests.
package diodelink

import (
	"context"
	"net"
)

// Link is the send-only capability the Encapsulator (C6) depends on. It
// deliberately has no Receive method: nothing on the S1 side ever reads from
// the link, which is what architecturally guarantees no signal flows back.
type Link interface {
	// Send transmits b to the diode destination. A transient failure
	// (e.g. a full kernel send queue) is reported via error so the caller
	// can apply its own retry/backoff policy (spec.md §4.6 item 4).
	Send(ctx context.Context, b []byte) error
	// LocalAddr reports the ephemeral local address the link is bound to.
	LocalAddr() net.Addr
	// Close releases the underlying socket.
	Close() error
}

// ReceiveLink is the complementary receive-only capability S2's Receiver
// (C7) depends on.
type ReceiveLink interface {
	// ReceiveFrom blocks until a datagram arrives or ctx is done, returning
	// the datagram and the address it arrived from.
	ReceiveFrom(ctx context.Context) ([]byte, net.Addr, error)
	Close() error
}
