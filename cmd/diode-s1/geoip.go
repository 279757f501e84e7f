package main

import (
	"fmt"
	"net/netip"
	"os"

	"github.com/pg9182/diode/pkg/s1"
	"github.com/pg9182/ip2x"
)

// geoIP wraps a file-backed ip2location database, modeled on the teacher's
// ip2xMgr, trimmed to the single lat/lng lookup the geo-bucketed metrics
// need instead of full region mapping.
type geoIP struct {
	f  *os.File
	db *ip2x.DB
}

// loadGeoIP opens an ip2location database at name. An empty name disables
// geo lookups entirely (s1.GeoLookup returns ok=false for everything).
func loadGeoIP(name string) (*geoIP, error) {
	if name == "" {
		return nil, nil
	}
	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("open ip2location database: %w", err)
	}
	db, err := ip2x.New(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("parse ip2location database: %w", err)
	}
	return &geoIP{f: f, db: db}, nil
}

func (g *geoIP) Close() error {
	if g == nil || g.f == nil {
		return nil
	}
	return g.f.Close()
}

// Lookup implements s1.GeoLookup.
func (g *geoIP) Lookup(addr netip.Addr) (lat, lng float64, ok bool) {
	if g == nil || g.db == nil || addr.IsPrivate() || addr.IsLoopback() {
		return 0, 0, false
	}
	rec, err := g.db.Lookup(addr)
	if err != nil {
		return 0, 0, false
	}
	lat, ok1 := rec.GetFloat(ip2x.Latitude)
	lng, ok2 := rec.GetFloat(ip2x.Longitude)
	if !ok1 || !ok2 {
		return 0, 0, false
	}
	return lat, lng, true
}

var _ s1.GeoLookup = (*geoIP)(nil).Lookup
