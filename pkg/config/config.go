// Package config loads the diode's Config snapshot, the one external
// collaborator contract spec.md §6 names explicitly. Loading it (env vars,
// optionally from a file) is itself an out-of-scope collaborator concern per
// spec.md §1, but the ambient stack is carried regardless of what the core's
// non-goals exclude, so this package exists and is modeled closely on the
// teacher's pkg/atlas/config.go.
package config

import (
	"fmt"
	"net/netip"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config holds every option from spec.md §6, plus the ambient additions
// (logging, audit ledger, geo metrics) that exist only because the ambient
// and domain stacks are carried regardless of spec.md's Non-goals.
type Config struct {
	// S1 ingress.
	S1_TCPAddr netip.AddrPort `env:"DIODE_S1_TCP_ADDR=0.0.0.0:8080"`
	S1_UDPAddr netip.AddrPort `env:"DIODE_S1_UDP_ADDR"` // unset: UDP ingress disabled

	// S2 egress / diode destination.
	S2_Addr netip.AddrPort `env:"DIODE_S2_ADDR=0.0.0.0:42001"`

	// Output directory for accepted payloads.
	DataDir string `env:"DIODE_DATA_DIR=."`

	// Allow-listed DPI protocol tags, comma-separated, from
	// {modbus,dnp3,mqtt,snmp,any}. Unknown tags are ignored. Empty means
	// accept-all ({any}).
	AllowedProtocols []string `env:"DIODE_ALLOWED_PROTOCOLS=any"`

	// Global ingress rate limit (packets/sec) and per-frame payload cap.
	MaxPacketsPerSec int `env:"DIODE_MAX_PACKETS_PER_SEC=1000"`
	MaxPayloadBytes  int `env:"DIODE_MAX_PAYLOAD_BYTES=1000000"`

	// Connection-intake limiter (S1 acceptor).
	ConnIntakeRatePerSec int `env:"DIODE_CONN_INTAKE_RATE_PER_SEC=10"`
	ConnIntakeBurst      int `env:"DIODE_CONN_INTAKE_BURST=100"`
	MaxConcurrentConns   int `env:"DIODE_MAX_CONCURRENT_CONNS=100"`

	// Optional per-source-IP limiter (Open Question 3). Disabled by default.
	S1_PerIPRateLimit    bool `env:"DIODE_S1_PER_IP_RATE_LIMIT"`
	S1_PerIPRatePerSec   int  `env:"DIODE_S1_PER_IP_RATE_PER_SEC=100"`
	S1_PerIPMaxTracked   int  `env:"DIODE_S1_PER_IP_MAX_TRACKED=10000"`

	// Heartbeat cadence and alarm threshold.
	HeartbeatIntervalMS int `env:"DIODE_HEARTBEAT_INTERVAL_MS=300000"`
	HeartbeatTimeoutMS  int `env:"DIODE_HEARTBEAT_TIMEOUT_MS=360000"`

	// S2 bounded worker pool.
	S2_MaxInFlight int `env:"DIODE_S2_MAX_IN_FLIGHT=200"`

	// Supervisor restart policy.
	MaxRestarts       int           `env:"DIODE_MAX_RESTARTS=50"`
	RestartWindow     time.Duration `env:"DIODE_RESTART_WINDOW=10s"`
	ShutdownDrainTime time.Duration `env:"DIODE_SHUTDOWN_DRAIN_TIME=5s"`

	// Ambient: logging, modeled on atlas.Config's LogLevel/LogStdout/LogFile.
	LogLevel        zerolog.Level `env:"DIODE_LOG_LEVEL=info"`
	LogStdout       bool          `env:"DIODE_LOG_STDOUT=true"`
	LogStdoutPretty bool          `env:"DIODE_LOG_STDOUT_PRETTY=true"`
	LogFile         string        `env:"DIODE_LOG_FILE"`
	LogFileGzipOld  bool          `env:"DIODE_LOG_FILE_GZIP_OLD=true"`

	// Ambient: optional domain-stack extras, off by default.
	S2_Ledger     bool   `env:"DIODE_S2_LEDGER"`
	S2_LedgerPath string `env:"DIODE_S2_LEDGER_PATH=./diode-ledger.db"`
	S1_GeoIP      string `env:"DIODE_S1_GEOIP"` // path to an ip2x database; empty disables geo metrics

	// Ambient: metrics/telemetry export, an external-collaborator concern
	// per spec.md §1 ("Out of scope"). Empty disables the /metrics listener.
	MetricsAddr string `env:"DIODE_METRICS_ADDR"`

	// For sd-notify-style readiness signaling, same field name/purpose as
	// the teacher's NotifySocket.
	NotifySocket string `env:"NOTIFY_SOCKET"`
}

// HeartbeatInterval and HeartbeatTimeout are convenience accessors
// converting the millisecond config fields to time.Duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMS) * time.Millisecond
}

func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutMS) * time.Millisecond
}

// Validate checks the S1 TCP and S2 ports are not 0 (the upper bound of
// 65535 is enforced by netip.AddrPort parsing during UnmarshalEnv), the
// global rate is positive, the payload cap is in (0, 1000000], and data_dir
// is not empty. It does not check that data_dir exists or is writable.
func (c *Config) Validate() error {
	if c.S1_TCPAddr.Port() == 0 {
		return fmt.Errorf("config: s1 tcp port must not be 0")
	}
	if c.S2_Addr.Port() == 0 {
		return fmt.Errorf("config: s2 port must not be 0")
	}
	if c.MaxPacketsPerSec <= 0 {
		return fmt.Errorf("config: max_packets_per_sec must be positive")
	}
	if c.MaxPayloadBytes <= 0 || c.MaxPayloadBytes > 1_000_000 {
		return fmt.Errorf("config: max_payload_bytes must be in (0, 1000000]")
	}
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir must not be empty")
	}
	return nil
}

// UnmarshalEnv unmarshals an array of "KEY=VALUE" strings into c, setting
// default values as appropriate, following the same env-tag reflection walk
// as pkg/atlas/config.go's UnmarshalEnv (key?=default unsettable-default
// convention included).
func (c *Config) UnmarshalEnv(es []string, incremental bool) error {
	em := map[string]string{}
	for _, e := range es {
		if strings.HasPrefix(e, "DIODE_") || strings.HasPrefix(e, "NOTIFY_SOCKET=") {
			if k, v, ok := strings.Cut(e, "="); ok {
				em[k] = v
			}
		}
	}

	cv := reflect.ValueOf(c).Elem()
	for _, ctf := range reflect.VisibleFields(cv.Type()) {
		env, ok := ctf.Tag.Lookup("env")
		if !ok {
			continue
		}

		var unsettable bool
		key, val, _ := strings.Cut(env, "=")
		if strings.HasSuffix(key, "?") {
			key = strings.TrimSuffix(key, "?")
			unsettable = true
		}
		if v, exists := em[key]; exists {
			if unsettable || v != "" {
				val = v
			}
			delete(em, key)
		} else if incremental {
			continue
		}

		switch cvf := cv.FieldByName(ctf.Name); cvf.Interface().(type) {
		case string:
			cvf.SetString(val)
		case int, int8, int16, int32, int64:
			if val == "" {
				cvf.SetInt(0)
			} else if v, err := strconv.ParseInt(val, 10, 64); err == nil {
				cvf.SetInt(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case bool:
			if val == "" {
				cvf.SetBool(false)
			} else if v, err := strconv.ParseBool(val); err == nil {
				cvf.SetBool(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case []string:
			if val == "" {
				cvf.Set(reflect.ValueOf([]string{}))
			} else {
				cvf.Set(reflect.ValueOf(strings.Split(val, ",")))
			}
		case zerolog.Level:
			if v, err := zerolog.ParseLevel(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case time.Duration:
			if v, err := time.ParseDuration(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case netip.AddrPort:
			if val == "" {
				cvf.Set(reflect.ValueOf(netip.AddrPort{}))
			} else if v, err := netip.ParseAddrPort(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else if len(val) != 0 && val[0] == ':' {
				if v, err := netip.ParseAddrPort("[::]" + val); err == nil {
					cvf.Set(reflect.ValueOf(v))
				} else {
					return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
				}
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		default:
			return fmt.Errorf("unhandled type %T (%s)", cvf.Interface(), env)
		}
	}
	for key, val := range em {
		if val != "" {
			return fmt.Errorf("unknown environment variable %q", key)
		}
	}
	return nil
}
