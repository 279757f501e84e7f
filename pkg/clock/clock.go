// Package clock abstracts timekeeping so components can be tested without
// real sleeps and so wall-clock regressions can be simulated.
package clock

import "time"

// Clock is a capability interface over time, following the same
// inject-the-moving-part habit as the teacher's eax.UpdateMgr (Timeout,
// AutoUpdateBackoff) instead of calling time.Now directly throughout.
type Clock interface {
	// Now returns the current instant. Implementations must guarantee it is
	// monotonic for the purpose of measuring elapsed time (time.Time already
	// carries a monotonic reading when obtained from time.Now).
	Now() time.Time

	// WallNow returns a wall-clock timestamp for human-readable purposes
	// (e.g. file names). It may jump backwards; callers must never use it
	// for ordering or uniqueness.
	WallNow() time.Time

	// NewTicker returns a ticker that fires every d.
	NewTicker(d time.Duration) Ticker
}

// Ticker is the subset of *time.Ticker that components need.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Real is the production Clock backed by the time package.
type Real struct{}

func (Real) Now() time.Time     { return time.Now() }
func (Real) WallNow() time.Time { return time.Now() }

func (Real) NewTicker(d time.Duration) Ticker {
	return realTicker{time.NewTicker(d)}
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }
