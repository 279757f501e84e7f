package cmdutil

import (
	"bytes"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/VictoriaMetrics/metrics"
	"github.com/rs/zerolog"
)

// ServeMetrics starts a background HTTP listener exposing set (plus process
// metrics) at /metrics in Prometheus exposition format, grounded on the
// teacher's serveRest "/metrics" handler, trimmed down to the single
// unauthenticated endpoint (no MetricsSecret gate: the diode's metrics carry
// no player-identifying data, unlike the teacher's account/server-list
// counters).
func ServeMetrics(addr string, set *metrics.Set, log zerolog.Logger) net.Listener {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		var b bytes.Buffer
		metrics.WriteProcessMetrics(&b)
		set.WritePrometheus(&b)
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		w.Write(b.Bytes())
	})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to start metrics listener: %v\n", err)
		return nil
	}
	go func() {
		if err := http.Serve(ln, mux); err != nil {
			log.Debug().Err(err).Msg("metrics listener stopped")
		}
	}()
	return ln
}
