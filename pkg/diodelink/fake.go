package diodelink

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
)

// FakeLink is an in-memory Link/ReceiveLink pair for tests, simulating the
// "unreliable, unidirectional datagram channel" spec.md §1 describes: it can
// drop or corrupt datagrams in transit according to a deterministic
// rand.Rand, so tests stay reproducible without real sleeps or real sockets.
// Datagrams that are not dropped are delivered in the order they were sent.
type FakeLink struct {
	mu       sync.Mutex
	queue    [][]byte
	closed   bool
	rng      *rand.Rand
	dropP    float64 // probability [0,1] a Send is silently dropped in transit
	corruptP float64 // probability [0,1] a delivered datagram has one bit flipped
	notify   chan struct{} // signaled (closed+replaced) on Send/Close
}

// NewFakeLink creates a FakeLink with the given deterministic seed and
// drop/corrupt probabilities (each in [0,1]; 1 drops or corrupts every
// datagram).
func NewFakeLink(seed int64, dropProbability, corruptProbability float64) *FakeLink {
	return &FakeLink{
		rng:      rand.New(rand.NewSource(seed)),
		dropP:    dropProbability,
		corruptP: corruptProbability,
		notify:   make(chan struct{}),
	}
}

func (f *FakeLink) Send(ctx context.Context, b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return fmt.Errorf("diodelink: fake link closed")
	}
	if f.rng.Float64() < f.dropP {
		return nil // dropped in transit; Send itself still "succeeds" from S1's view
	}
	cp := append([]byte(nil), b...)
	if f.rng.Float64() < f.corruptP && len(cp) > 0 {
		i := f.rng.Intn(len(cp))
		cp[i] ^= 1 << uint(f.rng.Intn(8))
	}
	f.queue = append(f.queue, cp)
	close(f.notify)
	f.notify = make(chan struct{})
	return nil
}

func (f *FakeLink) ReceiveFrom(ctx context.Context) ([]byte, net.Addr, error) {
	for {
		f.mu.Lock()
		if len(f.queue) > 0 {
			b := f.queue[0]
			f.queue = f.queue[1:]
			f.mu.Unlock()
			return b, fakeAddr{}, nil
		}
		if f.closed {
			f.mu.Unlock()
			return nil, nil, fmt.Errorf("diodelink: fake link closed")
		}
		wake := f.notify
		f.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
}

func (f *FakeLink) LocalAddr() net.Addr {
	return fakeAddr{}
}

func (f *FakeLink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	close(f.notify)
	return nil
}

type fakeAddr struct{}

func (fakeAddr) Network() string { return "fake" }
func (fakeAddr) String() string  { return "fake:0" }
