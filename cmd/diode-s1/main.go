// Command diode-s1 runs the ingress side of the diode: the TCP/UDP
// acceptor and the single-queue encapsulator that puts frames on the wire
// toward diode-s2. Structured the way the teacher's cmd/atlas/main.go
// wires config, logging, and its server's Run loop together.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/VictoriaMetrics/metrics"
	"github.com/pg9182/diode/pkg/cmdutil"
	"github.com/pg9182/diode/pkg/config"
	"github.com/pg9182/diode/pkg/diodelink"
	"github.com/pg9182/diode/pkg/dpi"
	"github.com/pg9182/diode/pkg/heartbeat"
	"github.com/pg9182/diode/pkg/metricsx"
	"github.com/pg9182/diode/pkg/ratelimit"
	"github.com/pg9182/diode/pkg/s1"
	"github.com/pg9182/diode/pkg/supervisor"
	"github.com/pg9182/diode/pkg/wire"
	"github.com/spf13/pflag"
)

var opt struct {
	Help bool
}

func init() {
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
}

func main() {
	pflag.Parse()

	if pflag.NArg() > 1 || opt.Help {
		fmt.Printf("usage: %s [options] [env_file]\n\noptions:\n%s\n", os.Args[0], pflag.CommandLine.FlagUsages())
		if opt.Help {
			os.Exit(0)
		}
		os.Exit(2)
	}

	var e []string
	if pflag.NArg() == 0 {
		e = os.Environ()
	} else {
		x, err := cmdutil.ReadEnvFile(pflag.Arg(0))
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: read env file: %v\n", err)
			os.Exit(2)
		}
		e = x
	}

	var c config.Config
	if err := c.UnmarshalEnv(e, false); err != nil {
		fmt.Fprintf(os.Stderr, "error: parse config: %v\n", err)
		os.Exit(2)
	}
	if err := c.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "error: invalid config: %v\n", err)
		os.Exit(2)
	}

	log, reopen, err := cmdutil.ConfigureLogging(&c)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: configure logging: %v\n", err)
		os.Exit(2)
	}

	wire.MaxPayloadBytes = c.MaxPayloadBytes

	metricsSet := metrics.NewSet()
	sink := metricsx.NewVictoriaMetricsSink(metricsSet)

	geo, err := loadGeoIP(c.S1_GeoIP)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: load geoip database: %v\n", err)
		os.Exit(2)
	}
	defer geo.Close()

	var geoCounter *metricsx.GeoCounter
	var geoLookup s1.GeoLookup
	if geo != nil {
		geoCounter = metricsx.NewGeoCounter(metricsSet, "diode_s1_conn_geo", 3)
		geoLookup = geo.Lookup
	}

	link, err := diodelink.DialUDPLink(net.UDPAddrFromAddrPort(c.S2_Addr))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: dial diode link: %v\n", err)
		os.Exit(3)
	}
	defer link.Close()

	limiter := ratelimit.NewBucket(float64(c.MaxPacketsPerSec), float64(c.MaxPacketsPerSec), nil)
	classifier := dpi.Classifier{Allow: tagsFromStrings(c.AllowedProtocols)}
	enc := s1.NewEncapsulator(link, classifier, limiter, sink, log.With().Str("component", "encapsulator").Logger())

	var perIP *ratelimit.PerIPLimiter
	if c.S1_PerIPRateLimit {
		perIP = ratelimit.NewPerIPLimiter(float64(c.S1_PerIPRatePerSec), float64(c.S1_PerIPRatePerSec), c.S1_PerIPMaxTracked, nil)
	}
	sink1 := s1.NewPerIPGatedSink(enc, perIP, sink)

	acc := s1.NewAcceptor(s1.AcceptorConfig{
		TCPAddr:            c.S1_TCPAddr,
		UDPAddr:            c.S1_UDPAddr,
		IntakeRatePerSec:   float64(c.ConnIntakeRatePerSec),
		IntakeBurst:        float64(c.ConnIntakeBurst),
		MaxConcurrentConns: c.MaxConcurrentConns,
		RecvBufferBytes:    1 << 20,
		Geo:                geoCounter,
		GeoLookup:          geoLookup,
	}, sink1, sink, log.With().Str("component", "acceptor").Logger())

	hbgen := heartbeat.NewGenerator(enc, nil, c.HeartbeatInterval(), log.With().Str("component", "heartbeat-generator").Logger())

	if c.MetricsAddr != "" {
		if ln := cmdutil.ServeMetrics(c.MetricsAddr, metricsSet, log); ln != nil {
			defer ln.Close()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hch := make(chan os.Signal, 1)
	signal.Notify(hch, syscall.SIGHUP)
	go func() {
		for range hch {
			log.Info().Msg("got SIGHUP, reopening log file")
			if reopen != nil {
				reopen()
			}
		}
	}()

	// Bind once, with the BindError retry policy, before handing the
	// accept loop to the supervisor: a permanently failed bind is
	// unrecoverable (spec.md §6 exit code 3), not something the generic
	// restart budget should keep retrying forever.
	if err := acc.Bind(ctx); err != nil {
		var bindErr *s1.BindError
		if errors.As(err, &bindErr) {
			log.Error().Err(err).Msg("failed to bind acceptor after retrying")
			os.Exit(3)
		}
		// ctx was canceled (shutdown signal) while still retrying the bind.
		os.Exit(0)
	}

	sup := supervisor.New(c.MaxRestarts, c.RestartWindow, nil, log)

	err = sup.Run(ctx, []supervisor.Child{
		{Name: "encapsulator", Run: enc.Run},
		{Name: "acceptor", Run: acc.Serve},
		{Name: "heartbeat-generator", Run: hbgen.Run},
	})
	if err != nil {
		log.Error().Err(err).Msg("supervisor exited with error")
		os.Exit(1)
	}
	os.Exit(0)
}

func tagsFromStrings(ss []string) []dpi.Tag {
	tags := make([]dpi.Tag, 0, len(ss))
	for _, s := range ss {
		tags = append(tags, dpi.Tag(s))
	}
	return tags
}
