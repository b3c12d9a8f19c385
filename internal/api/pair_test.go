package api

import (
	"bytes"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lightlog/internal/clocksync"
	"github.com/banshee-data/lightlog/internal/companion"
	"github.com/banshee-data/lightlog/internal/frame"
	"github.com/banshee-data/lightlog/internal/fsutil"
	"github.com/banshee-data/lightlog/internal/instrument"
	"github.com/banshee-data/lightlog/internal/recorder"
	"github.com/banshee-data/lightlog/internal/serialmux"
	"github.com/banshee-data/lightlog/internal/session"
)

// host is one logger process: simulated instrument, recorder on an
// in-memory filesystem and the HTTP API on a test server.
type host struct {
	sim  *serialmux.SimulatedInstrument
	ctrl *instrument.Controller
	leg  *session.SurfaceLeg
	orch *session.Orchestrator
	mem  *fsutil.MemoryFileSystem
	srv  *httptest.Server
}

func newHost(t *testing.T, name, peerURL string) *host {
	t.Helper()
	h := &host{
		sim: serialmux.NewSimulatedInstrument(serialmux.DefaultSimulatedConfig(), 0),
		mem: fsutil.NewMemoryFileSystem(),
	}
	h.ctrl = instrument.NewController(instrument.Options{Open: serialmux.SimulatedOpener(h.sim)})
	require.NoError(t, h.ctrl.Connect("/dev/sim", serialmux.PortOptions{}))
	t.Cleanup(func() { h.ctrl.Disconnect() })

	rec := recorder.New(recorder.Options{FS: h.mem, FlushInterval: 10 * time.Millisecond})
	t.Cleanup(func() { rec.StopAll() })
	h.leg = session.NewSurfaceLeg(h.ctrl, rec, frame.ModeFreerun)

	opts := session.Options{Surface: h.leg, FS: h.mem, Root: "/data", Hostname: name}
	if peerURL != "" {
		opts.Companion = companion.NewClient(peerURL, nil, 2*time.Second)
		opts.Sync = clocksync.New(clocksync.Options{Samples: 3, Interval: -1, MaxRTT: time.Second})
	}
	h.orch = session.New(opts)

	srv := NewServer(Options{
		Orchestrator: h.orch,
		Surface:      h.leg,
		Instrument:   h.ctrl,
		Root:         "/data",
		FS:           h.mem,
		Hostname:     name,
	})
	h.srv = httptest.NewServer(LoggingMiddleware(srv.ServeMux()))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *host) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	resp, err := http.Post(h.srv.URL+path, "application/json", &buf)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (h *host) record(t *testing.T, n int) {
	t.Helper()
	h.sim.EmitFreerun(n)
	require.Eventually(t, func() bool {
		st, err := h.leg.Stats()
		return err == nil && int(st.RowsWritten)+st.Queued == n
	}, 2*time.Second, 5*time.Millisecond)
}

func TestUnifiedSessionAcrossTwoHosts(t *testing.T) {
	inwater := newHost(t, "inwater", "")
	surface := newHost(t, "surface", inwater.srv.URL)

	resp := surface.post(t, "/api/session/start", map[string]any{"mission": "Reef Survey", "rate_hz": 10, "roll_interval_s": 60})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var started session.Metadata
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&started))

	assert.Equal(t, session.StatusRecording, surface.orch.Status())
	assert.Equal(t, session.StatusRecording, inwater.orch.Status())
	assert.Equal(t, session.RoleCompanion, inwater.orch.Snapshot().Role)

	iwID, ok := inwater.leg.Active()
	require.True(t, ok)
	assert.Equal(t, iwID, started.Sensors[session.SensorInWater].SessionID)

	// both clocks are this machine's, so the measured offset is near zero
	require.NotNil(t, started.ClockSync.InitialOffsetMs, "warnings: %v", started.Warnings)
	assert.Less(t, math.Abs(*started.ClockSync.InitialOffsetMs), 50.0)

	surface.record(t, 5)
	inwater.record(t, 3)

	resp = surface.post(t, "/api/session/stop", struct{}{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stopped sessionStopResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stopped))
	require.NotNil(t, stopped.Metadata)
	md := *stopped.Metadata

	assert.Equal(t, session.StatusIdle, surface.orch.Status())
	assert.Equal(t, session.StatusIdle, inwater.orch.Status())
	require.NotNil(t, md.Sensors[session.SensorSurface].Rows)
	assert.Equal(t, 5, *md.Sensors[session.SensorSurface].Rows)
	require.NotNil(t, md.Sensors[session.SensorInWater].Rows)
	assert.Equal(t, 3, *md.Sensors[session.SensorInWater].Rows)
	assert.NotNil(t, md.RecordingStopped)
	assert.Len(t, md.ClockSync.Measurements, 2)

	assert.True(t, surface.mem.Exists(filepath.Join(md.Directory, session.MetadataName)))
	rel, err := filepath.Rel("/data", md.Directory)
	require.NoError(t, err)
	get, err := http.Get(surface.srv.URL + "/api/session/metadata?dir=" + rel)
	require.NoError(t, err)
	defer get.Body.Close()
	assert.Equal(t, http.StatusOK, get.StatusCode)
}

func TestUnifiedSession_CompanionUnreachable(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()
	surface := newHost(t, "surface", deadURL)

	resp := surface.post(t, "/api/session/start", map[string]any{"mission": "Reef"})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, session.StatusIdle, surface.orch.Status())
	_, active := surface.leg.Active()
	assert.False(t, active, "the surface leg is torn down when the companion cannot start")
	assert.False(t, surface.sim.Streaming())
}
