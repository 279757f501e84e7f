package s2

import (
	"errors"

	"github.com/pg9182/diode/pkg/metricsx"
	"github.com/pg9182/diode/pkg/wire"
	"github.com/rs/zerolog"
)

// HeartbeatPayload mirrors s1.HeartbeatPayload; duplicated here (rather than
// imported) to keep S2 free of any dependency on S1's package, matching
// spec.md §2's leaf-first, no-cross-side-import layering.
const HeartbeatPayload = "HEARTBEAT"

// HeartbeatNotifier is the capability the Decapsulator uses to notify the
// heartbeat monitor (C9) that a heartbeat frame arrived.
type HeartbeatNotifier interface {
	NotifyHeartbeat()
}

// AuditRecorder is the optional capability that logs accepted frames to an
// audit trail (the ledger package), wired in only when Config.S2_Ledger is
// enabled; a nil AuditRecorder on Decapsulator means auditing is off.
type AuditRecorder interface {
	Insert(r AuditRecord) error
}

// AuditRecord is the subset of a written frame an AuditRecorder stores.
type AuditRecord struct {
	WallMS    int64
	SrcIP     string
	SrcPort   int
	PayloadSz int
	Filename  string
}

// Decapsulator implements C8's decode step: verify the frame, route
// heartbeats to the monitor, and otherwise hand payloads to a Writer.
type Decapsulator struct {
	writer  *Writer
	monitor HeartbeatNotifier
	audit   AuditRecorder
	metrics metricsx.Sink
	log     zerolog.Logger
}

// NewDecapsulator creates a Decapsulator writing accepted payloads via w and
// notifying monitor of heartbeats. audit may be nil to disable the audit
// trail.
func NewDecapsulator(w *Writer, monitor HeartbeatNotifier, audit AuditRecorder, m metricsx.Sink, log zerolog.Logger) *Decapsulator {
	return &Decapsulator{writer: w, monitor: monitor, audit: audit, metrics: m, log: log}
}

// Handle decodes and processes a single received datagram, per spec.md §4.8.
func (d *Decapsulator) Handle(datagram []byte) {
	frame, err := wire.Decode(datagram)
	if err != nil {
		switch {
		case errors.Is(err, wire.ErrChecksumMismatch):
			d.metrics.IntegrityFailures()
		default:
			d.metrics.MalformedDrops()
		}
		d.log.Debug().Err(err).Msg("dropping undecodable datagram")
		return
	}

	if string(frame.Payload) == HeartbeatPayload {
		if d.monitor != nil {
			d.monitor.NotifyHeartbeat()
		}
		return
	}

	name, err := d.writer.WritePayload(frame.SrcPort, frame.Payload)
	if err != nil {
		if errors.Is(err, ErrDiskFull) {
			d.metrics.DiskFullDrops()
		} else {
			d.log.Warn().Err(err).Msg("failed to write payload")
		}
		return
	}

	if d.audit != nil {
		rec := AuditRecord{
			WallMS:    d.writer.WallNow().UnixMilli(),
			SrcIP:     frame.SrcIP.String(),
			SrcPort:   int(frame.SrcPort),
			PayloadSz: len(frame.Payload),
			Filename:  name,
		}
		if err := d.audit.Insert(rec); err != nil {
			d.log.Warn().Err(err).Msg("failed to write audit record")
		}
	}
}
