// Package cmdutil holds the small bootstrap helpers shared by cmd/diode-s1
// and cmd/diode-s2: logging setup and env-file reading, both modeled
// directly on the teacher's cmd/atlas/main.go and pkg/atlas/server.go's
// configureLogging, generalized here so both binaries don't duplicate them.
package cmdutil

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/pg9182/diode/pkg/config"
	"github.com/rs/zerolog"
)

// ConfigureLogging builds the process logger from c's logging fields,
// writing to stdout (optionally pretty-printed) and/or a log file. When a
// log file is configured it returns a reopen func, wired to SIGHUP, that
// closes the current file, renames it aside with a UTC timestamp suffix,
// gzips the renamed copy in the background, and opens a fresh log file.
func ConfigureLogging(c *config.Config) (l zerolog.Logger, reopen func(), err error) {
	var outputs []io.Writer
	if c.LogStdout {
		if c.LogStdoutPretty {
			outputs = append(outputs, zerolog.ConsoleWriter{Out: os.Stdout})
		} else {
			outputs = append(outputs, os.Stdout)
		}
	}
	if fn := c.LogFile; fn != "" {
		x := newReopenableWriter()
		if fn, err = filepath.Abs(fn); err != nil {
			return l, nil, fmt.Errorf("resolve log file: %w", err)
		}
		reopen = func() {
			x.swap(func(old io.Writer) io.Writer {
				if o, ok := old.(io.Closer); ok {
					o.Close()
					rotated := fn + "." + time.Now().UTC().Format("20060102T150405")
					if rerr := os.Rename(fn, rotated); rerr == nil {
						go compressRotatedLog(rotated)
					}
				}
				f, oerr := os.OpenFile(fn, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
				if oerr != nil {
					fmt.Fprintf(os.Stderr, "error: failed to open log file: %v\n", oerr)
					return nil
				}
				return f
			})
		}
		outputs = append(outputs, x)
		reopen()
	}
	if len(outputs) == 0 {
		outputs = append(outputs, io.Discard)
	}
	l = zerolog.New(zerolog.MultiLevelWriter(outputs...)).
		Level(c.LogLevel).
		With().
		Timestamp().
		Logger()
	return l, reopen, nil
}

// reopenableWriter lets a log file be swapped out from under an in-flight
// zerolog.Logger, for SIGHUP-triggered log rotation.
type reopenableWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func newReopenableWriter() *reopenableWriter {
	return &reopenableWriter{}
}

func (rw *reopenableWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.w == nil {
		return len(p), nil
	}
	return rw.w.Write(p)
}

func (rw *reopenableWriter) swap(fn func(io.Writer) io.Writer) {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	rw.w = fn(rw.w)
}

// compressRotatedLog gzips a log file rotated aside by a SIGHUP reopen and
// removes the uncompressed copy, mirroring the teacher's use of
// klauspost/compress for HAR capture output.
func compressRotatedLog(name string) {
	in, err := os.Open(name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: compress rotated log: open: %v\n", err)
		return
	}
	defer in.Close()

	out, err := os.Create(name + ".gz")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: compress rotated log: create: %v\n", err)
		return
	}
	defer out.Close()

	gw := gzip.NewWriter(out)
	if _, err := io.Copy(gw, in); err != nil {
		fmt.Fprintf(os.Stderr, "error: compress rotated log: write: %v\n", err)
		gw.Close()
		return
	}
	if err := gw.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "error: compress rotated log: flush: %v\n", err)
		return
	}
	os.Remove(name)
}
