// Command diode-s2 runs the secure side of the diode: the bounded-pool
// receiver, decapsulator, atomic-write storage, and the heartbeat monitor
// that watches for a silent channel. Structured the way the teacher's
// cmd/atlas/main.go wires config, logging, and its server's Run loop
// together.
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
	"github.com/pg9182/diode/pkg/heartbeat"
	"github.com/pg9182/diode/pkg/ledger"
	"github.com/pg9182/diode/pkg/metricsx"
	"github.com/pg9182/diode/pkg/s2"
	"github.com/pg9182/diode/pkg/supervisor"
	"github.com/pg9182/diode/pkg/wire"

	_ "github.com/mattn/go-sqlite3"
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

	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "error: create data dir: %v\n", err)
		os.Exit(3)
	}

	metricsSet := metrics.NewSet()
	sink := metricsx.NewVictoriaMetricsSink(metricsSet)

	var audit s2.AuditRecorder
	if c.S2_Ledger {
		db, err := ledger.Open(c.S2_LedgerPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: open ledger database: %v\n", err)
			os.Exit(2)
		}
		defer db.Close()
		audit = ledger.NewRecorder(db)
	}

	writer := s2.NewWriter(s2.NewOSFileSystem(c.DataDir), nil)
	monitor := heartbeat.NewMonitor(nil, c.HeartbeatTimeout(), sink, log.With().Str("component", "heartbeat-monitor").Logger())
	decap := s2.NewDecapsulator(writer, monitor, audit, sink, log.With().Str("component", "decapsulator").Logger())
	recv := s2.NewReceiver(decap, c.S2_MaxInFlight, sink, log.With().Str("component", "receiver").Logger())

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
	// receive loop to the supervisor: a permanently failed bind is
	// unrecoverable (spec.md §6 exit code 3), not something the generic
	// restart budget should keep retrying forever.
	link, err := s2.BindUDPReceiver(ctx, net.UDPAddrFromAddrPort(c.S2_Addr), 1<<20)
	if err != nil {
		var bindErr *s2.BindError
		if errors.As(err, &bindErr) {
			log.Error().Err(err).Msg("failed to bind receiver after retrying")
			os.Exit(3)
		}
		// ctx was canceled (shutdown signal) while still retrying the bind.
		os.Exit(0)
	}
	defer link.Close()

	sup := supervisor.New(c.MaxRestarts, c.RestartWindow, nil, log)

	err = sup.Run(ctx, []supervisor.Child{
		{Name: "receiver", Run: func(ctx context.Context) error { return recv.Run(ctx, link) }},
		{Name: "heartbeat-monitor", Run: monitor.Run},
	})

	if ferr := writer.FlushBuffers(); ferr != nil {
		log.Error().Err(ferr).Msg("failed to flush buffers during shutdown")
	}

	if err != nil {
		log.Error().Err(err).Msg("supervisor exited with error")
		os.Exit(1)
	}
	os.Exit(0)
}
