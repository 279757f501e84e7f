package s2

import (
	"net"
	"testing"
	"time"

	"github.com/pg9182/diode/pkg/clock"
	"github.com/pg9182/diode/pkg/metricsx"
	"github.com/pg9182/diode/pkg/wire"
	"github.com/rs/zerolog"
)

type fakeMonitor struct{ notified int }

func (m *fakeMonitor) NotifyHeartbeat() { m.notified++ }

func TestDecapsulatorWritesValidPayload(t *testing.T) {
	fs := newFakeFileSystem()
	clk := clock.NewFake(time.Unix(1, 0))
	w := NewWriter(fs, clk)
	m := metricsx.NewVictoriaMetricsSink(nil)
	d := NewDecapsulator(w, nil, nil, m, zerolog.Nop())

	frame, err := wire.Encode(net.ParseIP("10.0.0.5"), 4444, []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	d.Handle(frame)

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.files) != 1 {
		t.Fatalf("expected one stored payload, got %d", len(fs.files))
	}
}

func TestDecapsulatorRoutesHeartbeatToMonitor(t *testing.T) {
	fs := newFakeFileSystem()
	clk := clock.NewFake(time.Unix(1, 0))
	w := NewWriter(fs, clk)
	mon := &fakeMonitor{}
	m := metricsx.NewVictoriaMetricsSink(nil)
	d := NewDecapsulator(w, mon, nil, m, zerolog.Nop())

	frame, err := wire.Encode(net.ParseIP("10.0.0.5"), 4444, []byte(HeartbeatPayload))
	if err != nil {
		t.Fatal(err)
	}
	d.Handle(frame)

	if mon.notified != 1 {
		t.Fatalf("monitor notified %d times, want 1", mon.notified)
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.files) != 0 {
		t.Fatal("heartbeat frame must not be written to storage")
	}
}

func TestDecapsulatorDropsTooShort(t *testing.T) {
	fs := newFakeFileSystem()
	w := NewWriter(fs, clock.NewFake(time.Unix(1, 0)))
	m := metricsx.NewVictoriaMetricsSink(nil)
	d := NewDecapsulator(w, nil, nil, m, zerolog.Nop())

	d.Handle([]byte{0x01, 0x02})

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.files) != 0 {
		t.Fatal("expected no file written for an undecodable frame")
	}
}

type recordingAudit struct{ records []AuditRecord }

func (a *recordingAudit) Insert(r AuditRecord) error {
	a.records = append(a.records, r)
	return nil
}

func TestDecapsulatorRecordsAcceptedFrameToAudit(t *testing.T) {
	fs := newFakeFileSystem()
	clk := clock.NewFake(time.Unix(1, 0))
	w := NewWriter(fs, clk)
	audit := &recordingAudit{}
	m := metricsx.NewVictoriaMetricsSink(nil)
	d := NewDecapsulator(w, nil, audit, m, zerolog.Nop())

	frame, err := wire.Encode(net.ParseIP("10.0.0.5"), 4444, []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	d.Handle(frame)

	if len(audit.records) != 1 {
		t.Fatalf("expected one audit record, got %d", len(audit.records))
	}
	if audit.records[0].SrcIP != "10.0.0.5" || audit.records[0].SrcPort != 4444 {
		t.Fatalf("unexpected audit record: %+v", audit.records[0])
	}
}

func TestDecapsulatorDropsChecksumMismatch(t *testing.T) {
	fs := newFakeFileSystem()
	w := NewWriter(fs, clock.NewFake(time.Unix(1, 0)))
	m := metricsx.NewVictoriaMetricsSink(nil)
	d := NewDecapsulator(w, nil, nil, m, zerolog.Nop())

	frame, err := wire.Encode(net.ParseIP("10.0.0.5"), 4444, []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	frame[len(frame)-1] ^= 0xFF
	d.Handle(frame)

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.files) != 0 {
		t.Fatal("expected no file written for a corrupted frame")
	}
}
