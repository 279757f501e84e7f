// Package supervisor implements C10: the top-level supervision policy
// governing the diode's permanent children (acceptor, encapsulator,
// receiver, decapsulator, heartbeat generator/monitor), grounded on the
// teacher's (*atlas.Server).Run errch/select shutdown pattern, generalized
// from "one process, several listeners" to "bounded-restart children with
// backoff".
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pg9182/diode/pkg/clock"
	"github.com/rs/zerolog"
)

// Child is a supervised unit: a function that runs until ctx is canceled
// (returning nil) or it hits a fatal error (returning non-nil), at which
// point the supervisor decides whether to restart it.
type Child struct {
	Name string
	Run  func(ctx context.Context) error
}

// Supervisor restarts permanent children up to MaxRestarts times within
// Window, matching spec.md §4.10's "max_restarts = 50, window = 10s" policy.
// Ephemeral children (S1's per-connection Handlers) are not supervised here;
// they are started directly by the Acceptor and never restarted.
type Supervisor struct {
	MaxRestarts int
	Window      time.Duration
	Clock       clock.Clock
	Log         zerolog.Logger
}

// New creates a Supervisor with the given restart policy.
func New(maxRestarts int, window time.Duration, clk clock.Clock, log zerolog.Logger) *Supervisor {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Supervisor{MaxRestarts: maxRestarts, Window: window, Clock: clk, Log: log}
}

// Run starts all children concurrently and blocks until ctx is canceled
// (graceful shutdown, returns nil) or a child exhausts its restart budget
// (returns that child's last error).
func (s *Supervisor) Run(ctx context.Context, children []Child) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, len(children))

	for _, c := range children {
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.superviseOne(ctx, c)
		}()
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-ctx.Done():
		<-done
		return nil
	case err := <-errs:
		cancel()
		<-done
		if err != nil {
			return err
		}
		return nil
	}
}

// superviseOne runs one child, restarting it on failure until ctx is
// canceled or the restart budget for the rolling window is exhausted.
func (s *Supervisor) superviseOne(ctx context.Context, c Child) error {
	var restarts []time.Time

	for {
		err := s.runOnceRecovered(ctx, c)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			// A child returning nil without ctx being canceled is unexpected
			// for a permanent child; treat it as eligible for restart so a
			// transient "I finished early" bug doesn't silently stop coverage.
			err = fmt.Errorf("supervisor: child %q exited unexpectedly", c.Name)
		}

		now := s.Clock.Now()
		restarts = append(restarts, now)
		restarts = pruneOlderThan(restarts, now.Add(-s.Window))

		s.Log.Warn().Str("child", c.Name).Err(err).Int("restarts_in_window", len(restarts)).Msg("child exited, restarting")

		if len(restarts) > s.MaxRestarts {
			s.Log.Error().Str("child", c.Name).Msg("restart budget exhausted")
			return fmt.Errorf("supervisor: child %q exceeded %d restarts in %s: %w", c.Name, s.MaxRestarts, s.Window, err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(restartBackoff(len(restarts))):
		}
	}
}

// runOnceRecovered runs c.Run once, converting a panic into an error so one
// misbehaving child can never take down the process, matching the crash
// isolation spec.md gives S1 handlers, generalized here to every supervised
// child.
func (s *Supervisor) runOnceRecovered(ctx context.Context, c Child) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("supervisor: child %q panicked: %v", c.Name, r)
		}
	}()
	return c.Run(ctx)
}

func pruneOlderThan(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for _, t := range ts {
		if t.After(cutoff) {
			ts[i] = t
			i++
		}
	}
	return ts[:i]
}

// restartBackoff gives a brief, bounded pause before restarting, scaled to
// the restart count but capped low since the restart budget itself is the
// primary brake (spec.md's 50-in-10s policy).
func restartBackoff(restartCount int) time.Duration {
	d := time.Duration(restartCount) * 50 * time.Millisecond
	if d > time.Second {
		d = time.Second
	}
	return d
}
