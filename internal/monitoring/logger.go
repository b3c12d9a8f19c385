// Package monitoring fans one log destination out to every package's ops,
// diag and trace streams.
package monitoring

import (
	"fmt"
	"io"
	"strings"
)

// Level selects how many of the three streams are written.
type Level int

const (
	// LevelOps writes only actionable warnings and errors.
	LevelOps Level = iota
	// LevelDiag adds state transitions and configuration changes.
	LevelDiag
	// LevelTrace adds per-line and per-tick telemetry.
	LevelTrace
)

func (l Level) String() string {
	switch l {
	case LevelOps:
		return "ops"
	case LevelDiag:
		return "diag"
	case LevelTrace:
		return "trace"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// ParseLevel accepts "ops", "diag" or "trace". An empty string is "diag".
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ops", "warn", "error":
		return LevelOps, nil
	case "", "diag", "info":
		return LevelDiag, nil
	case "trace", "debug":
		return LevelTrace, nil
	}
	return LevelDiag, fmt.Errorf("unknown log level %q", s)
}

// StreamSetter is a package's SetLogWriters function.
type StreamSetter func(ops, diag, trace io.Writer)

// ConfigureStreams points each package's streams at w up to level and
// disables the rest.
func ConfigureStreams(w io.Writer, level Level, setters ...StreamSetter) {
	ops, diag, trace := w, io.Writer(nil), io.Writer(nil)
	if level >= LevelDiag {
		diag = w
	}
	if level >= LevelTrace {
		trace = w
	}
	for _, set := range setters {
		set(ops, diag, trace)
	}
}
