// Command lightlog records a surface light sensor and, through its in-water
// companion, runs unified two-sensor sessions with clock offset tracking.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/banshee-data/lightlog/internal/api"
	"github.com/banshee-data/lightlog/internal/catalog"
	"github.com/banshee-data/lightlog/internal/clocksync"
	"github.com/banshee-data/lightlog/internal/companion"
	"github.com/banshee-data/lightlog/internal/config"
	"github.com/banshee-data/lightlog/internal/fsutil"
	"github.com/banshee-data/lightlog/internal/instrument"
	"github.com/banshee-data/lightlog/internal/monitoring"
	"github.com/banshee-data/lightlog/internal/recorder"
	"github.com/banshee-data/lightlog/internal/serialmux"
	"github.com/banshee-data/lightlog/internal/session"
	"github.com/banshee-data/lightlog/internal/version"
)

var (
	configPath  = pflag.String("config", "", "Path to a .json, .jsonc, .yaml or .yml config file (see "+config.ExampleConfigPath+")")
	devMode     = pflag.Bool("dev", false, "Use a simulated instrument instead of the serial port")
	showVersion = pflag.Bool("version", false, "Print the version and exit")
	overrides   = config.RegisterFlags(pflag.CommandLine)
)

// simInterval is how often the dev-mode simulator emits a freerun line.
const simInterval = 100 * time.Millisecond

// openSimulator gives every connection its own simulator, which the
// transport closes on disconnect.
func openSimulator(string, serialmux.PortOptions) (serialmux.SerialMuxInterface, error) {
	sim := serialmux.NewSimulatedInstrument(serialmux.DefaultSimulatedConfig(), simInterval)
	return serialmux.NewSerialMux[*serialmux.SimulatedInstrument](sim), nil
}

// loadConfig reads path, or starts from defaults when path is empty, and
// applies the command-line overrides on top.
func loadConfig(path string, o *config.Overrides) (*config.Config, error) {
	cfg := config.Empty()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	if err := o.Apply(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func logStreams() []monitoring.StreamSetter {
	return []monitoring.StreamSetter{
		instrument.SetLogWriters,
		recorder.SetLogWriters,
		session.SetLogWriters,
		catalog.SetLogWriters,
		clocksync.SetLogWriters,
		api.SetLogWriters,
	}
}

// app is one logger process: the instrument, its recorder, the session
// orchestrator and the HTTP surface over them.
type app struct {
	cfg     *config.Config
	ctrl    *instrument.Controller
	rec     *recorder.Recorder
	orch    *session.Orchestrator
	cat     *catalog.Catalog
	dev     bool
	handler http.Handler
}

func newApp(cfg *config.Config, dev bool) (*app, error) {
	a := &app{cfg: cfg, dev: dev}

	ctrlOpts := instrument.Options{
		SensorID:      cfg.GetSensorID(),
		PromptTimeout: cfg.GetPromptTimeout(),
	}
	if dev {
		ctrlOpts.Open = openSimulator
	}
	a.ctrl = instrument.NewController(ctrlOpts)

	osfs := fsutil.OSFileSystem{}
	a.rec = recorder.New(recorder.Options{
		FS:               osfs,
		FlushInterval:    cfg.GetFlushInterval(),
		TargetChunkBytes: cfg.GetTargetChunkBytes(),
		RetainChunks:     cfg.GetRetainChunks(),
	})
	leg := session.NewSurfaceLeg(a.ctrl, a.rec, cfg.GetMode())

	if err := osfs.MkdirAll(cfg.GetDataRoot(), 0o755); err != nil {
		return nil, fmt.Errorf("create data root: %w", err)
	}
	cat, err := catalog.Open(cfg.GetCatalogPath())
	if err != nil {
		return nil, err
	}
	a.cat = cat

	hostname, err := os.Hostname()
	if err != nil {
		log.Printf("hostname unavailable, sessions will not name this host: %v", err)
	}

	sessOpts := session.Options{
		Surface:  leg,
		Log:      cat,
		FS:       osfs,
		Root:     cfg.GetDataRoot(),
		Hostname: hostname,
		Sync: clocksync.New(clocksync.Options{
			Samples: cfg.GetOffsetSamples(),
			MaxRTT:  cfg.GetMaxRTT(),
			Timeout: cfg.GetCompanionTimeout(),
		}),
	}
	if url := cfg.GetCompanionURL(); url != "" {
		sessOpts.Companion = companion.NewClient(url, nil, cfg.GetCompanionTimeout())
	}
	a.orch = session.New(sessOpts)

	srv := api.NewServer(api.Options{
		Orchestrator: a.orch,
		Surface:      leg,
		Instrument:   a.ctrl,
		ListPorts:    a.listPorts,
		Catalog:      cat,
		Defaults: api.Defaults{
			Mission:      cfg.GetMission(),
			RateHz:       cfg.GetRateHz(),
			RollInterval: cfg.GetRollInterval(),
			SerialPort:   a.serialPort(),
			PortOptions:  cfg.PortOptions(),
		},
		Root:     cfg.GetDataRoot(),
		FS:       osfs,
		Hostname: hostname,
		Version:  version.Version,
	})

	mux := http.NewServeMux()
	// admin debugging routes, reachable from loopback or over Tailscale
	if err := cat.AttachAdminRoutes(mux); err != nil {
		cat.Close()
		return nil, fmt.Errorf("attach catalog admin routes: %w", err)
	}
	a.ctrl.AttachAdminRoutes(mux)
	mux.Handle("/api/", srv.ServeMux())
	a.handler = api.LoggingMiddleware(mux)
	return a, nil
}

// serialPort is the configured port, or a placeholder path in dev mode where
// the simulator ignores it.
func (a *app) serialPort() string {
	if port := a.cfg.GetSerialPort(); port != "" {
		return port
	}
	if a.dev {
		return "/dev/simulated"
	}
	return ""
}

func (a *app) listPorts() ([]string, error) {
	if a.dev {
		return []string{"/dev/simulated"}, nil
	}
	return serialmux.ListPorts()
}

// connect opens the instrument when a port is known. A failure leaves the
// process serving so the port can be connected later over the API.
func (a *app) connect() {
	port := a.serialPort()
	if port == "" {
		log.Print("no serial_port configured; connect the instrument with POST /api/instrument/connect")
		return
	}
	if err := a.ctrl.Connect(port, a.cfg.PortOptions()); err != nil {
		log.Printf("failed to connect instrument on %s: %v", port, err)
		return
	}
	log.Printf("instrument connected on %s (sensor %s)", port, a.ctrl.SensorID())
}

// shutdown finalises an active session, unified or started by a peer,
// before releasing the instrument, the recorder and the catalog.
func (a *app) shutdown(ctx context.Context) {
	snap := a.orch.Snapshot()
	switch {
	case snap.Status != session.StatusRecording:
	case snap.Role == session.RoleCompanion:
		if _, err := a.orch.StopLeg(ctx, snap.SurfaceSessionID); err != nil {
			log.Printf("stopping companion leg %s on shutdown: %v", snap.SurfaceSessionID, err)
		} else {
			log.Printf("stopped companion leg %s on shutdown", snap.SurfaceSessionID)
		}
	default:
		md, err := a.orch.StopBoth(ctx)
		if err != nil {
			log.Printf("stopping session %s on shutdown: %v", md.SyncID, err)
		} else {
			log.Printf("stopped session %s on shutdown", md.SyncID)
		}
	}
	if err := a.rec.StopAll(); err != nil {
		log.Printf("stopping recorder sessions: %v", err)
	}
	if err := a.ctrl.Disconnect(); err != nil {
		log.Printf("disconnecting instrument: %v", err)
	}
	if err := a.cat.Close(); err != nil {
		log.Printf("closing catalog: %v", err)
	}
}

// Main
func main() {
	pflag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cfg, err := loadConfig(*configPath, overrides)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	monitoring.ConfigureStreams(os.Stderr, cfg.GetLogLevel(), logStreams()...)
	log.Print(version.String())

	a, err := newApp(cfg, *devMode)
	if err != nil {
		log.Fatalf("failed to start: %v", err)
	}
	a.connect()

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		server := &http.Server{
			Addr:    cfg.GetListen(),
			Handler: a.handler,
		}

		go func() {
			log.Printf("listening on %s", cfg.GetListen())
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()

	finalCtx, cancel := context.WithTimeout(context.Background(), 2*cfg.GetCompanionTimeout())
	defer cancel()
	a.shutdown(finalCtx)
	log.Printf("Graceful shutdown complete")
}
