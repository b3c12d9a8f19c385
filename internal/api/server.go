// Package api serves the logger's HTTP surface: status, unified session
// control, the companion recorder contract and the clock peer endpoint.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/lightlog/internal/catalog"
	"github.com/banshee-data/lightlog/internal/clocksync"
	"github.com/banshee-data/lightlog/internal/companion"
	"github.com/banshee-data/lightlog/internal/fsutil"
	"github.com/banshee-data/lightlog/internal/instrument"
	"github.com/banshee-data/lightlog/internal/recorder"
	"github.com/banshee-data/lightlog/internal/serialmux"
	"github.com/banshee-data/lightlog/internal/session"
	"github.com/banshee-data/lightlog/internal/timeutil"
)

// ANSI escape codes for the request log
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Orchestrator is the session control the server drives.
type Orchestrator interface {
	Snapshot() session.Snapshot
	StartBoth(ctx context.Context, p session.StartParams) (session.Metadata, error)
	StopBoth(ctx context.Context) (session.Metadata, error)
	StartLeg(ctx context.Context, req companion.StartRequest) (companion.StartResponse, error)
	StopLeg(ctx context.Context, sessionID string) (companion.StopResponse, error)
}

// SurfaceStatus reports on the local instrument and recorder.
type SurfaceStatus interface {
	Health() instrument.Health
	Stats() (recorder.Stats, error)
}

// InstrumentControl connects and disconnects the serial instrument.
type InstrumentControl interface {
	Connect(port string, opts serialmux.PortOptions) error
	Disconnect() error
}

// Catalog lists recorded sessions.
type Catalog interface {
	Sessions(ctx context.Context, limit int) ([]catalog.Session, error)
	Offsets(ctx context.Context, syncID string) ([]catalog.Offset, error)
	Metadata(ctx context.Context, syncID string) (*session.Metadata, error)
}

// Defaults fill in start requests that omit a value.
type Defaults struct {
	Mission      string
	RateHz       float64
	RollInterval time.Duration
	SerialPort   string
	PortOptions  serialmux.PortOptions
}

// Options configures a Server. Orchestrator and Surface are required.
type Options struct {
	Orchestrator Orchestrator
	Surface      SurfaceStatus
	Instrument   InstrumentControl
	// ListPorts enumerates serial devices a client may connect to.
	ListPorts func() ([]string, error)
	Catalog   Catalog
	Defaults  Defaults

	// Root is the data directory; metadata downloads are confined to it.
	Root        string
	FS          fsutil.FileSystem
	Clock       timeutil.Clock
	Hostname    string
	ClockSource string
	Version     string
}

// Server holds the handlers' dependencies.
type Server struct {
	opts    Options
	started time.Time
}

// NewServer returns a Server. Unset FS, Clock and ClockSource take the
// real filesystem, the wall clock and "system".
func NewServer(opts Options) *Server {
	if opts.FS == nil {
		opts.FS = fsutil.OSFileSystem{}
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.ClockSource == "" {
		opts.ClockSource = "system"
	}
	return &Server{opts: opts, started: opts.Clock.Now()}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration. Polled
// status routes go to the trace stream; everything else to diag.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		logf := diagf
		if r.Method == http.MethodGet && quietPaths[r.URL.Path] {
			logf = tracef
		}
		logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

var quietPaths = map[string]bool{
	"/api/health":      true,
	"/api/stats":       true,
	"/api/session":     true,
	clocksync.TimePath: true,
}

// ServeMux returns the API routes.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc(clocksync.TimePath, s.handleTime)

	mux.HandleFunc("/api/session", s.handleSession)
	mux.HandleFunc("/api/session/start", s.handleSessionStart)
	mux.HandleFunc("/api/session/stop", s.handleSessionStop)
	mux.HandleFunc("/api/session/metadata", s.handleSessionMetadata)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/sessions/offsets", s.handleSessionOffsets)
	mux.HandleFunc("/api/sessions/metadata", s.handleCatalogMetadata)

	mux.HandleFunc(companion.StartPath, s.handleRecorderStart)
	mux.HandleFunc(companion.StopPath, s.handleRecorderStop)

	mux.HandleFunc("/api/instrument/connect", s.handleInstrumentConnect)
	mux.HandleFunc("/api/instrument/disconnect", s.handleInstrumentDisconnect)
	mux.HandleFunc("/api/instrument/ports", s.handleInstrumentPorts)
	return mux
}
