// Package integration wires the full S1 -> diode link -> S2 pipeline
// (Handler/Encapsulator feeding a diodelink.FakeLink into
// Receiver/Decapsulator/Writer) against spec.md §8's literal end-to-end
// scenarios, closing the gap a per-component unit test can't: each piece
// individually forwarding or dropping a frame correctly doesn't guarantee
// the assembled system does.
package integration

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pg9182/diode/pkg/clock"
	"github.com/pg9182/diode/pkg/diodelink"
	"github.com/pg9182/diode/pkg/dpi"
	"github.com/pg9182/diode/pkg/heartbeat"
	"github.com/pg9182/diode/pkg/ratelimit"
	"github.com/pg9182/diode/pkg/s1"
	"github.com/pg9182/diode/pkg/s2"
	"github.com/pg9182/diode/pkg/wire"
	"github.com/rs/zerolog"
)

// countingSink is a metricsx.Sink recording each reason's tally, the same
// fake-collaborator idiom pkg/s1's recordingSink uses, just widened to cover
// every counter the assembled pipeline can hit.
type countingSink struct {
	packetsForwarded    atomic.Int64
	rateLimited         atomic.Int64
	dpiBlocked          atomic.Int64
	encodeErrors        atomic.Int64
	sendErrors          atomic.Int64
	connRejected        atomic.Int64
	connCapped          atomic.Int64
	oversizeDropped     atomic.Int64
	malformedDrops      atomic.Int64
	integrityFailures   atomic.Int64
	diskFullDrops       atomic.Int64
	s2SaturationDrops   atomic.Int64
	heartbeatMissAlarms atomic.Int64
}

func (s *countingSink) PacketsForwarded()    { s.packetsForwarded.Add(1) }
func (s *countingSink) RateLimited()         { s.rateLimited.Add(1) }
func (s *countingSink) DPIBlocked()          { s.dpiBlocked.Add(1) }
func (s *countingSink) EncodeErrors()        { s.encodeErrors.Add(1) }
func (s *countingSink) SendErrors()          { s.sendErrors.Add(1) }
func (s *countingSink) ConnRejected()        { s.connRejected.Add(1) }
func (s *countingSink) ConnCapped()          { s.connCapped.Add(1) }
func (s *countingSink) OversizeDropped()     { s.oversizeDropped.Add(1) }
func (s *countingSink) MalformedDrops()      { s.malformedDrops.Add(1) }
func (s *countingSink) IntegrityFailures()   { s.integrityFailures.Add(1) }
func (s *countingSink) DiskFullDrops()       { s.diskFullDrops.Add(1) }
func (s *countingSink) S2SaturationDrops()   { s.s2SaturationDrops.Add(1) }
func (s *countingSink) HeartbeatMissAlarms() { s.heartbeatMissAlarms.Add(1) }

// fakeClientSocket adapts a canned payload sequence to s1.ClientSocket, the
// same role pkg/s1's own fakeSocket plays in its unit tests, just with a
// configurable source port so scenarios can pin it to 4444.
type fakeClientSocket struct {
	mu       sync.Mutex
	chunks   [][]byte
	sent     int
	peerIP   netip.Addr
	peerPort uint16
}

func (f *fakeClientSocket) ReadNonblocking() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sent >= len(f.chunks) {
		return nil, io.EOF
	}
	c := f.chunks[f.sent]
	f.sent++
	if f.sent >= len(f.chunks) {
		return c, io.EOF
	}
	return c, nil
}

func (f *fakeClientSocket) Close() error { return nil }

func (f *fakeClientSocket) Peer() (netip.Addr, uint16, error) {
	return f.peerIP, f.peerPort, nil
}

// pipeline assembles one instance of every component between a TCP client
// and a written .dat file, connected by a diodelink.FakeLink standing in for
// the real one-way UDP channel.
type pipeline struct {
	link *diodelink.FakeLink
	enc  *s1.Encapsulator
	sink *countingSink
	dir  string

	cancel   context.CancelFunc
	encDone  chan struct{}
	recvDone chan struct{}
}

func newPipeline(t *testing.T, allow []dpi.Tag, rate, burst float64, clk clock.Clock) *pipeline {
	t.Helper()

	dir := t.TempDir()
	link := diodelink.NewFakeLink(1, 0, 0)
	sink := &countingSink{}
	limiter := ratelimit.NewBucket(rate, burst, clk)
	classifier := dpi.Classifier{Allow: allow}
	enc := s1.NewEncapsulator(link, classifier, limiter, sink, zerolog.Nop())

	writer := s2.NewWriter(s2.NewOSFileSystem(dir), clk)
	monitor := heartbeat.NewMonitor(clk, 360*time.Second, sink, zerolog.Nop())
	decap := s2.NewDecapsulator(writer, monitor, nil, sink, zerolog.Nop())
	recv := s2.NewReceiver(decap, 200, sink, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	p := &pipeline{
		link:     link,
		enc:      enc,
		sink:     sink,
		dir:      dir,
		cancel:   cancel,
		encDone:  make(chan struct{}),
		recvDone: make(chan struct{}),
	}

	go func() { enc.Run(ctx); close(p.encDone) }()
	go func() { recv.Run(ctx, link); close(p.recvDone) }()

	t.Cleanup(p.stop)
	return p
}

func (p *pipeline) stop() {
	p.cancel()
	<-p.encDone
	<-p.recvDone
}

// submit drives one TCP connection's worth of payload through the real
// Handler, exactly as Acceptor.runHandler would for an accepted socket.
func (p *pipeline) submit(ip string, port uint16, payload []byte) {
	sock := &fakeClientSocket{chunks: [][]byte{payload}, peerIP: netip.MustParseAddr(ip), peerPort: port}
	h := s1.NewHandler(sock, p.enc, zerolog.Nop(), p.sink.OversizeDropped)
	h.Run(context.Background())
}

func (p *pipeline) files(t *testing.T) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		t.Fatalf("read data dir: %v", err)
	}
	return entries
}

func waitForFileCount(t *testing.T, p *pipeline, want int, timeout time.Duration) []os.DirEntry {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		entries := p.files(t)
		if len(entries) >= want || time.Now().After(deadline) {
			return entries
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitForCount(t *testing.T, get func() int64, want int64, timeout time.Duration) int64 {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if got := get(); got >= want || time.Now().After(deadline) {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
}

var dataFilenameRE = regexp.MustCompile(`^data_\d+_\d+_4444\.dat$`)

// TestHappyPathWritesSingleFile is spec.md §8 scenario 1.
func TestHappyPathWritesSingleFile(t *testing.T) {
	p := newPipeline(t, []dpi.Tag{dpi.Any}, 1000, 1000, nil)

	payload := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00, 0x00, 0x00, 0x0A}
	p.submit("10.0.0.5", 4444, payload)

	entries := waitForFileCount(t, p, 1, 2*time.Second)
	if len(entries) != 1 {
		t.Fatalf("files = %d, want exactly 1", len(entries))
	}
	if !dataFilenameRE.MatchString(entries[0].Name()) {
		t.Errorf("filename %q does not match data_\\d+_\\d+_4444.dat", entries[0].Name())
	}
	got, err := os.ReadFile(filepath.Join(p.dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("read written file: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("written payload = %x, want %x", got, payload)
	}
}

// TestDPIBlockCreatesNoFiles is spec.md §8 scenario 2.
func TestDPIBlockCreatesNoFiles(t *testing.T) {
	p := newPipeline(t, []dpi.Tag{dpi.Modbus}, 1000, 1000, nil)

	p.submit("10.0.0.5", 5555, []byte("GET / HTTP/1.0\r\n\r\n"))

	waitForCount(t, func() int64 { return p.sink.dpiBlocked.Load() }, 1, 2*time.Second)
	if got := p.sink.dpiBlocked.Load(); got != 1 {
		t.Fatalf("dpi_blocked = %d, want 1", got)
	}
	if entries := p.files(t); len(entries) != 0 {
		t.Fatalf("files = %d, want 0", len(entries))
	}
}

// TestIntegrityFailureCreatesNoFiles is spec.md §8 scenario 3: a manually
// crafted 14-byte datagram (valid header+payload, wrong trailing CRC32) is
// injected directly onto the diode link, simulating corruption in transit
// rather than anything S1 itself would ever produce.
func TestIntegrityFailureCreatesNoFiles(t *testing.T) {
	p := newPipeline(t, nil, 1000, 1000, nil)

	frame, err := wire.Encode(net.IPv4(10, 0, 0, 5).To4(), 4444, []byte{0xAA, 0xBB, 0xCC, 0xDD})
	if err != nil {
		t.Fatalf("encode base frame: %v", err)
	}
	if len(frame) != 14 {
		t.Fatalf("base frame length = %d, want 14", len(frame))
	}
	for i := len(frame) - wire.TrailerSize; i < len(frame); i++ {
		frame[i] ^= 0xFF
	}

	if err := p.link.Send(context.Background(), frame); err != nil {
		t.Fatalf("send crafted datagram: %v", err)
	}

	waitForCount(t, func() int64 { return p.sink.integrityFailures.Load() }, 1, 2*time.Second)
	if got := p.sink.integrityFailures.Load(); got != 1 {
		t.Fatalf("integrity_failures = %d, want 1", got)
	}
	if entries := p.files(t); len(entries) != 0 {
		t.Fatalf("files = %d, want 0", len(entries))
	}
}

// TestRateLimitBoundsAdmittedFrames is spec.md §8 scenario 4: a pinned fake
// clock holds the bucket's refill at zero, so offering 1000 frames "within
// 1s" never lets it top back up mid-burst.
func TestRateLimitBoundsAdmittedFrames(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	p := newPipeline(t, []dpi.Tag{dpi.Any}, 100, 100, clk)

	payload := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00, 0x00, 0x00, 0x0A}
	const offered = 1000
	for i := 0; i < offered; i++ {
		p.submit("10.0.0.9", 9999, payload)
	}

	processed := func() int64 { return p.sink.packetsForwarded.Load() + p.sink.rateLimited.Load() }
	waitForCount(t, processed, offered, 5*time.Second)
	if got := processed(); got != offered {
		t.Fatalf("encapsulator processed %d of %d offered frames", got, offered)
	}

	entries := waitForFileCount(t, p, int(p.sink.packetsForwarded.Load()), 2*time.Second)
	if len(entries) > 200 {
		t.Errorf("files = %d, want <= 200 (100 steady + 100 capacity)", len(entries))
	}
	if rl := p.sink.rateLimited.Load(); rl < 800 {
		t.Errorf("rate_limited = %d, want >= 800", rl)
	}
}

// TestOversizeBurstDropped is spec.md §8 scenario 5.
func TestOversizeBurstDropped(t *testing.T) {
	p := newPipeline(t, []dpi.Tag{dpi.Any}, 1000, 1000, nil)

	p.submit("10.0.0.5", 4444, make([]byte, 1_500_000))

	waitForCount(t, func() int64 { return p.sink.oversizeDropped.Load() }, 1, 2*time.Second)
	if got := p.sink.oversizeDropped.Load(); got != 1 {
		t.Fatalf("oversize_dropped = %d, want 1", got)
	}
	if entries := p.files(t); len(entries) != 0 {
		t.Fatalf("files = %d, want 0", len(entries))
	}
}

// TestHeartbeatAlarmTiming is spec.md §8 scenario 6: no heartbeat arrives
// after the monitor starts, and the alarm must still be silent at t=360s
// (the configured timeout, checked with a strict ">") but raised by t=370s.
func TestHeartbeatAlarmTiming(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	sink := &countingSink{}
	monitor := heartbeat.NewMonitor(clk, 360*time.Second, sink, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { monitor.Run(ctx); close(done) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	advanceAndSettle := func(d time.Duration) {
		clk.Advance(d)
		time.Sleep(20 * time.Millisecond) // let the monitor goroutine drain the fake ticker
	}

	for elapsed := time.Duration(0); elapsed < 360*time.Second; elapsed += 5 * time.Second {
		advanceAndSettle(5 * time.Second)
	}
	if got := sink.heartbeatMissAlarms.Load(); got != 0 {
		t.Fatalf("heartbeat_miss_alarms at t=360s = %d, want 0", got)
	}

	for elapsed := 360 * time.Second; elapsed < 370*time.Second; elapsed += 5 * time.Second {
		advanceAndSettle(5 * time.Second)
	}
	if got := sink.heartbeatMissAlarms.Load(); got < 1 {
		t.Fatalf("heartbeat_miss_alarms at t=370s = %d, want >= 1", got)
	}
}
