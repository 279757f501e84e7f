package metricsx

import (
	"strings"

	"github.com/VictoriaMetrics/metrics"
	"github.com/mmcloughlin/geohash"
)

// GeoCounter is like a *metrics.Counter, but split by location using
// geohashes. pkg/s1's Acceptor feeds it the geolocation of each accepted
// connection's source IP (resolved through pkg/pg9182/ip2x), giving
// operators a rough map of where ingress traffic originates without adding
// any path back across the diode.
type GeoCounter struct {
	level uint
	ctr   []*metrics.Counter
	unk   *metrics.Counter
	set   *metrics.Set
	base  string
	arg   string
}

// NewGeoCounter creates a new GeoCounter writing to metrics in set named name,
// with level chars in the geohash.
func NewGeoCounter(set *metrics.Set, name string, level uint) *GeoCounter {
	if h, p := geohash.ConvertStringToInt(strings.Repeat("z", int(level))); h != 1<<(5*level)-1 || p != 5*uint(level) {
		panic("wtf") // this shouldn't happen... geohashes are base32, and int encoding is 5 bits per char
	}
	base, arg := splitName(name)
	return &GeoCounter{
		level: level,
		ctr:   make([]*metrics.Counter, 1<<(5*level)),
		unk:   set.NewCounter(formatName(base, arg, "geohash", "")),
		set:   set,
		base:  base,
		arg:   arg,
	}
}

// Inc increments the counter for the specified latitude and longitude.
func (c *GeoCounter) Inc(lat, lng float64) {
	c.Counter(lat, lng).Inc()
}

// Set sets the counter for the specified latitude and longitude.
func (c *GeoCounter) Set(lat, lng float64, v uint64) {
	c.Counter(lat, lng).Set(v)
}

// IncUnknown increments the unknown counter.
func (c *GeoCounter) IncUnknown() {
	c.unk.Inc()
}

// SetUnknown sets the unknown counter.
func (c *GeoCounter) SetUnknown(v uint64) {
	c.unk.Set(v)
}

// Counter gets the underlying counter for the specified latitude and longitude.
func (c *GeoCounter) Counter(lat, lng float64) *metrics.Counter {
	h := geohash.EncodeIntWithPrecision(lat, lng, c.level*5)
	if int(h) >= len(c.ctr) {
		return nil // wtf (this shouldn't even be possible, but we don't panic here for performance reasons)
	}
	m := c.ctr[h]
	if m == nil {
		m = c.set.NewCounter(formatName(c.base, c.arg, "geohash", geohash.EncodeWithPrecision(lat, lng, c.level)))
		c.ctr[h] = m
	}
	return m
}

// CounterUnknown gets the underlying counter for unknown positions.
func (c *GeoCounter) CounterUnknown() *metrics.Counter {
	return c.unk
}

