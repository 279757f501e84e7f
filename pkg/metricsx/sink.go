package metricsx

import (
	"io"

	"github.com/VictoriaMetrics/metrics"
)

// Sink is the write-only metrics collaborator contract from spec.md §6: one
// counter per named reason a frame was forwarded or dropped. It must be
// concurrency-safe with best-effort semantics (spec.md §5) — VictoriaMetrics'
// own *metrics.Counter already satisfies that with a single atomic add, so
// no additional locking is layered on top here.
type Sink interface {
	PacketsForwarded()
	RateLimited()
	DPIBlocked()
	EncodeErrors()
	SendErrors()
	ConnRejected()
	ConnCapped()
	OversizeDropped()
	MalformedDrops()
	IntegrityFailures()
	DiskFullDrops()
	S2SaturationDrops()
	HeartbeatMissAlarms()
}

// VictoriaMetricsSink implements Sink on top of github.com/VictoriaMetrics/metrics,
// the same metrics library the teacher exposes at /metrics via
// metrics.WriteProcessMetrics and (*api0.Handler).WritePrometheus.
type VictoriaMetricsSink struct {
	set *metrics.Set

	packetsForwarded    *metrics.Counter
	rateLimited         *metrics.Counter
	dpiBlocked          *metrics.Counter
	encodeErrors        *metrics.Counter
	sendErrors          *metrics.Counter
	connRejected        *metrics.Counter
	connCapped          *metrics.Counter
	oversizeDropped     *metrics.Counter
	malformedDrops      *metrics.Counter
	integrityFailures   *metrics.Counter
	diskFullDrops       *metrics.Counter
	s2SaturationDrops   *metrics.Counter
	heartbeatMissAlarms *metrics.Counter
}

// NewVictoriaMetricsSink creates a Sink registering its counters in set. If
// set is nil, metrics.GetDefaultSet() is used, matching the teacher's habit
// of defaulting to the package-level set when a caller doesn't provide one.
func NewVictoriaMetricsSink(set *metrics.Set) *VictoriaMetricsSink {
	if set == nil {
		set = metrics.GetDefaultSet()
	}
	return &VictoriaMetricsSink{
		set:                 set,
		packetsForwarded:    set.NewCounter("diode_packets_forwarded_total"),
		rateLimited:         set.NewCounter("diode_rate_limited_total"),
		dpiBlocked:          set.NewCounter("diode_dpi_blocked_total"),
		encodeErrors:        set.NewCounter("diode_encode_errors_total"),
		sendErrors:          set.NewCounter("diode_send_errors_total"),
		connRejected:        set.NewCounter("diode_conn_rejected_total"),
		connCapped:          set.NewCounter("diode_conn_capped_total"),
		oversizeDropped:     set.NewCounter("diode_oversize_dropped_total"),
		malformedDrops:      set.NewCounter("diode_malformed_drops_total"),
		integrityFailures:   set.NewCounter("diode_integrity_failures_total"),
		diskFullDrops:       set.NewCounter("diode_disk_full_drops_total"),
		s2SaturationDrops:   set.NewCounter("diode_s2_saturation_drops_total"),
		heartbeatMissAlarms: set.NewCounter("diode_heartbeat_miss_alarms_total"),
	}
}

func (s *VictoriaMetricsSink) PacketsForwarded()    { s.packetsForwarded.Inc() }
func (s *VictoriaMetricsSink) RateLimited()         { s.rateLimited.Inc() }
func (s *VictoriaMetricsSink) DPIBlocked()          { s.dpiBlocked.Inc() }
func (s *VictoriaMetricsSink) EncodeErrors()        { s.encodeErrors.Inc() }
func (s *VictoriaMetricsSink) SendErrors()          { s.sendErrors.Inc() }
func (s *VictoriaMetricsSink) ConnRejected()        { s.connRejected.Inc() }
func (s *VictoriaMetricsSink) ConnCapped()          { s.connCapped.Inc() }
func (s *VictoriaMetricsSink) OversizeDropped()     { s.oversizeDropped.Inc() }
func (s *VictoriaMetricsSink) MalformedDrops()      { s.malformedDrops.Inc() }
func (s *VictoriaMetricsSink) IntegrityFailures()   { s.integrityFailures.Inc() }
func (s *VictoriaMetricsSink) DiskFullDrops()       { s.diskFullDrops.Inc() }
func (s *VictoriaMetricsSink) S2SaturationDrops()   { s.s2SaturationDrops.Inc() }
func (s *VictoriaMetricsSink) HeartbeatMissAlarms() { s.heartbeatMissAlarms.Inc() }

// WritePrometheus writes the set's metrics in Prometheus exposition format,
// the same shape as the teacher's (*api0.Handler).WritePrometheus.
func (s *VictoriaMetricsSink) WritePrometheus(w io.Writer) {
	s.set.WritePrometheus(w)
}
