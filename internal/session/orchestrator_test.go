package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
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
	"github.com/banshee-data/lightlog/internal/timeutil"
)

const root = "/data"

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type fakeCompanion struct {
	mu       sync.Mutex
	startErr error
	stopErr  error
	block    chan struct{}
	starts   []companion.StartRequest
	stops    []string
}

func (f *fakeCompanion) Start(ctx context.Context, req companion.StartRequest) (companion.StartResponse, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, req)
	if f.startErr != nil {
		return companion.StartResponse{}, f.startErr
	}
	return companion.StartResponse{SessionID: "iw-1", StartedAt: t0.Add(time.Second)}, nil
}

func (f *fakeCompanion) Stop(ctx context.Context, id string) (companion.StopResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, id)
	if f.stopErr != nil {
		return companion.StopResponse{}, f.stopErr
	}
	return companion.StopResponse{StoppedAt: t0.Add(time.Hour), Rows: 720, Chunks: 3}, nil
}

func (f *fakeCompanion) BaseURL() string { return "http://inwater:8080" }

type fakeSync struct {
	mu      sync.Mutex
	clock   *timeutil.MockClock
	offsets []*float64
	calls   int
}

func (f *fakeSync) MeasureOffset(ctx context.Context, baseURL string) clocksync.Measurement {
	f.mu.Lock()
	defer f.mu.Unlock()
	var off *float64
	if f.calls < len(f.offsets) {
		off = f.offsets[f.calls]
	}
	f.calls++
	m := clocksync.Measurement{Peer: baseURL, MeasuredAt: f.clock.Now(), PeerHostname: "inwater", PeerClockSource: "rtc"}
	if off == nil {
		m.Method = clocksync.MethodUnsynced
		m.FailureReason = clocksync.ReasonHighRTT
		return m
	}
	u := 1.5
	m.Method = clocksync.MethodRTTMidpoint
	m.OffsetMs, m.UncertaintyMs, m.ValidSamples = off, &u, 5
	return m
}

type fakeLog struct {
	mu     sync.Mutex
	starts []Metadata
	stops  []Metadata
}

func (f *fakeLog) RecordStart(_ context.Context, m Metadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, m)
	return nil
}

func (f *fakeLog) RecordStop(_ context.Context, m Metadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, m)
	return nil
}

func ptr(v float64) *float64 { return &v }

type harness struct {
	mem    *fsutil.MemoryFileSystem
	faults *fsutil.FaultyFileSystem
	rec    *recorder.Recorder
	clock  *timeutil.MockClock
	sim    *serialmux.SimulatedInstrument
	ctrl   *instrument.Controller
	leg    *SurfaceLeg
	comp   *fakeCompanion
	sync   *fakeSync
	log    *fakeLog
	orch   *Orchestrator
}

func newHarness(t *testing.T, withCompanion bool) *harness {
	t.Helper()
	h := &harness{
		mem:   fsutil.NewMemoryFileSystem(),
		clock: timeutil.NewMockClock(t0),
		sim:   serialmux.NewSimulatedInstrument(serialmux.DefaultSimulatedConfig(), 0),
		comp:  &fakeCompanion{},
		log:   &fakeLog{},
	}
	h.faults = fsutil.NewFaultyFileSystem(h.mem)
	h.sync = &fakeSync{clock: h.clock, offsets: []*float64{ptr(120), ptr(150)}}

	h.ctrl = instrument.NewController(instrument.Options{Open: serialmux.SimulatedOpener(h.sim)})
	require.NoError(t, h.ctrl.Connect("/dev/sim", serialmux.PortOptions{}))
	t.Cleanup(func() { h.ctrl.Disconnect() })

	n := 0
	rec := recorder.New(recorder.Options{
		FS:    h.faults,
		Clock: h.clock,
		NewID: func(time.Time) string { n++; return fmt.Sprintf("s%03d", n) },
	})
	t.Cleanup(func() { rec.StopAll() })
	h.rec = rec
	h.leg = NewSurfaceLeg(h.ctrl, rec, frame.ModeFreerun)

	opts := Options{
		Surface:     h.leg,
		Sync:        h.sync,
		Log:         h.log,
		FS:          h.mem,
		Clock:       h.clock,
		Root:        root,
		Hostname:    "surface-host",
		ClockSource: "gps",
		NewSyncID:   func() string { return "sync-1" },
	}
	if withCompanion {
		opts.Companion = h.comp
	}
	h.orch = New(opts)
	return h
}

// record emits n readings and waits until the recorder has them all.
func (h *harness) record(t *testing.T, n int) {
	t.Helper()
	h.sim.EmitFreerun(n)
	require.Eventually(t, func() bool {
		st, err := h.leg.Stats()
		return err == nil && int(st.RowsWritten)+st.Queued == n
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStartBothStopBoth(t *testing.T) {
	h := newHarness(t, true)
	params := StartParams{Mission: "Reef Survey", RateHz: 10, RollInterval: 30 * time.Second}

	md, err := h.orch.StartBoth(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, StatusRecording, h.orch.Status())
	assert.True(t, h.sim.Streaming())

	dir := filepath.Join(root, "Reef_Survey", "session_20260501_090000")
	assert.Equal(t, dir, md.Directory)
	assert.Equal(t, "sync-1", md.SyncID)
	assert.Equal(t, "session_20260501_090000", md.SessionName)

	surf := md.Sensors[SensorSurface]
	assert.Equal(t, "s001", surf.SessionID)
	assert.Equal(t, filepath.Join(dir, "surface_s001"), surf.Directory)
	assert.Equal(t, "gps", surf.ClockSource)
	assert.Equal(t, MethodReference, surf.OffsetMeasurementMethod)

	iw := md.Sensors[SensorInWater]
	assert.Equal(t, "iw-1", iw.SessionID)
	assert.Equal(t, filepath.Join(dir, "inwater_iw-1"), iw.Directory)
	assert.True(t, h.mem.Exists(iw.Directory))
	require.NotNil(t, iw.EstimatedOffsetMs)
	assert.Equal(t, 120.0, *iw.EstimatedOffsetMs)
	assert.Equal(t, "rtc", iw.ClockSource)
	assert.Equal(t, "inwater", iw.Hostname)

	require.Len(t, h.comp.starts, 1)
	assert.Equal(t, companion.StartRequest{Mission: "Reef Survey", RateHz: 10, RollIntervalS: 30}, h.comp.starts[0])

	onDisk, err := ReadMetadata(h.mem, dir)
	require.NoError(t, err)
	assert.Equal(t, MetadataVersion, onDisk.MetadataVersion)
	assert.Nil(t, onDisk.RecordingStopped)
	assert.Empty(t, onDisk.Warnings)

	snap := h.orch.Snapshot()
	assert.Equal(t, RoleUnified, snap.Role)
	assert.Equal(t, "s001", snap.SurfaceSessionID)
	require.NotNil(t, snap.Metadata)

	h.record(t, 25)
	h.clock.Advance(30 * time.Minute)

	md, err = h.orch.StopBoth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, h.orch.Status())
	assert.False(t, h.sim.Streaming())
	assert.Equal(t, instrument.ConfigMenu, h.ctrl.State())
	assert.Equal(t, []string{"iw-1"}, h.comp.stops)

	require.NotNil(t, md.RecordingStopped)
	require.NotNil(t, md.DurationS)
	assert.Equal(t, 1800.0, *md.DurationS)
	require.NotNil(t, md.Sensors[SensorSurface].Rows)
	assert.Equal(t, 25, *md.Sensors[SensorSurface].Rows)
	assert.Equal(t, 720, *md.Sensors[SensorInWater].Rows)
	assert.Equal(t, 120.0, *md.ClockSync.InitialOffsetMs)
	assert.Equal(t, 150.0, *md.ClockSync.FinalOffsetMs)
	require.NotNil(t, md.ClockSync.DriftMsPerHour)
	assert.InDelta(t, 60, *md.ClockSync.DriftMsPerHour, 1e-9)
	assert.Len(t, md.ClockSync.Measurements, 2)

	onDisk, err = ReadMetadata(h.mem, dir)
	require.NoError(t, err)
	assert.Equal(t, md.RecordingStopped.Unix(), onDisk.RecordingStopped.Unix())
	assert.True(t, h.mem.Exists(filepath.Join(dir, "surface_s001", recorder.CombinedName)))

	require.Len(t, h.log.starts, 1)
	require.Len(t, h.log.stops, 1)
	assert.Equal(t, "sync-1", h.log.stops[0].SyncID)
}

func TestStartBoth_SecondLegFailureLeavesNothing(t *testing.T) {
	h := newHarness(t, true)
	h.comp.startErr = errors.New("companion refused: battery low")

	_, err := h.orch.StartBoth(context.Background(), StartParams{Mission: "reef", RateHz: 10})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOrchestrationPartialFailure)

	var pf *PartialFailure
	require.ErrorAs(t, err, &pf)
	assert.Nil(t, pf.Surface)
	assert.ErrorContains(t, pf.InWater, "battery low")
	assert.NoError(t, pf.Cleanup)

	assert.Empty(t, h.mem.Files(root), "no session files may remain")
	assert.False(t, h.mem.Exists(filepath.Join(root, "reef", "session_20260501_090000")))
	assert.Equal(t, StatusIdle, h.orch.Status())
	assert.Equal(t, instrument.ConfigMenu, h.ctrl.State())
	assert.False(t, h.sim.Streaming(), "acquisition must not be left running")
	_, active := h.leg.Active()
	assert.False(t, active)
	assert.Empty(t, h.log.starts)

	// a clean retry works
	h.comp.startErr = nil
	_, err = h.orch.StartBoth(context.Background(), StartParams{Mission: "reef", RateHz: 10})
	require.NoError(t, err)
}

func TestStartBoth_RollbackAbortsStuckSurfaceLeg(t *testing.T) {
	h := newHarness(t, true)
	h.comp.startErr = errors.New("companion refused")
	h.faults.Fail("create", recorder.CombinedName, -1)

	_, err := h.orch.StartBoth(context.Background(), StartParams{Mission: "reef"})
	var pf *PartialFailure
	require.ErrorAs(t, err, &pf)
	assert.ErrorIs(t, pf.Cleanup, recorder.ErrRecorderIO, "the failed surface stop is reported")

	assert.Equal(t, StatusIdle, h.orch.Status())
	_, active := h.leg.Active()
	assert.False(t, active, "the leg is cleared even though its recorder could not stop")
	assert.Empty(t, h.rec.Active())
	assert.False(t, h.sim.Streaming())
	assert.Empty(t, h.mem.Files(root))

	h.comp.startErr = nil
	h.faults.Clear()
	_, err = h.orch.StartBoth(context.Background(), StartParams{Mission: "reef"})
	require.NoError(t, err)
	_, err = h.orch.StopBoth(context.Background())
	require.NoError(t, err)
}

func TestStartBoth_SurfaceFailure(t *testing.T) {
	h := newHarness(t, true)
	require.NoError(t, h.ctrl.Disconnect())

	_, err := h.orch.StartBoth(context.Background(), StartParams{Mission: "reef"})
	var pf *PartialFailure
	require.ErrorAs(t, err, &pf)
	assert.ErrorIs(t, pf.Surface, instrument.ErrInvalidState)
	assert.Nil(t, pf.InWater)
	assert.Empty(t, h.comp.starts, "the in-water leg is not started after a surface failure")
	assert.Empty(t, h.mem.Files(root))
	assert.Equal(t, StatusIdle, h.orch.Status())
}

func TestStartBoth_InvalidAndBusy(t *testing.T) {
	h := newHarness(t, true)

	_, err := h.orch.StartBoth(context.Background(), StartParams{Mission: "  "})
	assert.ErrorIs(t, err, ErrInvalidParams)
	_, err = h.orch.StartBoth(context.Background(), StartParams{Mission: "m", RateHz: -1})
	assert.ErrorIs(t, err, ErrInvalidParams)

	_, err = h.orch.StopBoth(context.Background())
	assert.ErrorIs(t, err, ErrNotRecording)

	_, err = h.orch.StartBoth(context.Background(), StartParams{Mission: "m"})
	require.NoError(t, err)
	_, err = h.orch.StartBoth(context.Background(), StartParams{Mission: "m"})
	assert.ErrorIs(t, err, ErrBusy)
}

func TestStartBoth_ArmedWhileStarting(t *testing.T) {
	h := newHarness(t, true)
	h.comp.block = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.StartBoth(context.Background(), StartParams{Mission: "m"})
		done <- err
	}()

	require.Eventually(t, func() bool { return h.orch.Status() == StatusArmed }, time.Second, time.Millisecond)
	close(h.comp.block)
	require.NoError(t, <-done)
	assert.Equal(t, StatusRecording, h.orch.Status())
}

func TestStartBoth_DistinctDirectoriesInSameSecond(t *testing.T) {
	h := newHarness(t, false)
	first, err := h.orch.StartBoth(context.Background(), StartParams{Mission: "m"})
	require.NoError(t, err)
	_, err = h.orch.StopBoth(context.Background())
	require.NoError(t, err)

	second, err := h.orch.StartBoth(context.Background(), StartParams{Mission: "m"})
	require.NoError(t, err)
	assert.NotEqual(t, first.Directory, second.Directory)
	assert.Equal(t, "session_20260501_090000_2", second.SessionName)
}

func TestStartBoth_UnsyncedOffsetIsNull(t *testing.T) {
	h := newHarness(t, true)
	h.sync.offsets = nil

	md, err := h.orch.StartBoth(context.Background(), StartParams{Mission: "m"})
	require.NoError(t, err, "a failed offset measurement never blocks recording")
	iw := md.Sensors[SensorInWater]
	assert.Nil(t, iw.EstimatedOffsetMs)
	assert.Equal(t, clocksync.MethodUnsynced, iw.OffsetMeasurementMethod)
	require.Len(t, md.Warnings, 1)
	assert.Contains(t, md.Warnings[0], clocksync.ReasonHighRTT)

	raw, err := h.mem.ReadFile(filepath.Join(md.Directory, MetadataName))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"estimated_offset_ms": null`)

	md, err = h.orch.StopBoth(context.Background())
	require.NoError(t, err)
	assert.Nil(t, md.ClockSync.DriftMsPerHour)
}

func TestStopBoth_CompanionFailureStillStopsSurface(t *testing.T) {
	h := newHarness(t, true)
	_, err := h.orch.StartBoth(context.Background(), StartParams{Mission: "m"})
	require.NoError(t, err)
	h.record(t, 5)

	h.comp.stopErr = errors.New("timeout")
	md, err := h.orch.StopBoth(context.Background())
	assert.ErrorIs(t, err, ErrOrchestrationPartialFailure)
	var pf *PartialFailure
	require.ErrorAs(t, err, &pf)
	assert.Nil(t, pf.Surface)
	assert.Error(t, pf.InWater)

	assert.False(t, h.sim.Streaming())
	assert.Equal(t, 5, *md.Sensors[SensorSurface].Rows)
	assert.Equal(t, "timeout", md.Sensors[SensorInWater].Error)
	assert.Nil(t, md.Sensors[SensorInWater].Rows)
	assert.NotEmpty(t, md.Warnings)
	assert.Equal(t, StatusIdle, h.orch.Status())

	onDisk, err := ReadMetadata(h.mem, md.Directory)
	require.NoError(t, err)
	assert.Equal(t, md.Warnings, onDisk.Warnings)
}

func TestStopBoth_RetryAfterSurfaceFailure(t *testing.T) {
	h := newHarness(t, true)
	h.sync.offsets = []*float64{ptr(120)}
	_, err := h.orch.StartBoth(context.Background(), StartParams{Mission: "m"})
	require.NoError(t, err)
	h.record(t, 2)

	h.faults.Fail("create", recorder.CombinedName, 1)
	md, err := h.orch.StopBoth(context.Background())
	var pf *PartialFailure
	require.ErrorAs(t, err, &pf)
	assert.ErrorIs(t, pf.Surface, recorder.ErrRecorderIO)
	assert.Nil(t, pf.InWater)
	assert.Equal(t, StatusRecording, h.orch.Status(), "the session stays open for another stop")
	assert.NotEmpty(t, md.Sensors[SensorSurface].Error)
	require.Len(t, md.ClockSync.Measurements, 2)
	assert.Nil(t, md.ClockSync.FinalOffsetMs)
	warnings := md.Warnings

	md, err = h.orch.StopBoth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, h.orch.Status())
	assert.Equal(t, 2, *md.Sensors[SensorSurface].Rows)
	assert.Empty(t, md.Sensors[SensorSurface].Error)
	assert.Len(t, md.ClockSync.Measurements, 2, "the final offset is measured once")
	assert.Equal(t, 2, h.sync.calls)
	assert.Equal(t, warnings, md.Warnings, "a retry adds no warnings for legs that already stopped")
	assert.Equal(t, []string{"iw-1"}, h.comp.stops, "the in-water leg is stopped once")
	require.Len(t, h.log.stops, 1)
}

func TestStopBoth_SnapshotDuringStop(t *testing.T) {
	h := newHarness(t, true)
	_, err := h.orch.StartBoth(context.Background(), StartParams{Mission: "m"})
	require.NoError(t, err)
	h.record(t, 3)
	h.comp.stopErr = errors.New("timeout")

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			if md := h.orch.Snapshot().Metadata; md != nil {
				_ = len(md.Sensors) + len(md.Warnings) + len(md.ClockSync.Measurements)
			}
		}
	}()

	md, err := h.orch.StopBoth(context.Background())
	close(done)
	wg.Wait()

	assert.ErrorIs(t, err, ErrOrchestrationPartialFailure)
	assert.Equal(t, StatusIdle, h.orch.Status())
	assert.Equal(t, "timeout", md.Sensors[SensorInWater].Error)
	assert.Nil(t, h.orch.Snapshot().Metadata)
}

func TestStopBoth_InstrumentLostStillStopsRecorder(t *testing.T) {
	h := newHarness(t, true)
	_, err := h.orch.StartBoth(context.Background(), StartParams{Mission: "m"})
	require.NoError(t, err)
	h.record(t, 3)

	h.sim.Unplug()
	require.Eventually(t, func() bool { return h.ctrl.State() == instrument.Disconnected }, time.Second, time.Millisecond)

	md, err := h.orch.StopBoth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, *md.Sensors[SensorSurface].Rows)
	assert.Equal(t, StatusIdle, h.orch.Status())
}

func TestNoCompanion(t *testing.T) {
	h := newHarness(t, false)
	md, err := h.orch.StartBoth(context.Background(), StartParams{Mission: "solo"})
	require.NoError(t, err)
	assert.NotContains(t, md.Sensors, SensorInWater)
	require.Len(t, md.Warnings, 1)

	md, err = h.orch.StopBoth(context.Background())
	require.NoError(t, err)
	assert.Nil(t, md.ClockSync.FinalOffsetMs)
	assert.Zero(t, h.sync.calls)
}

func TestStartLegStopLeg(t *testing.T) {
	h := newHarness(t, false)

	resp, err := h.orch.StartLeg(context.Background(), companion.StartRequest{Mission: "peer mission", RateHz: 5, RollIntervalS: 10})
	require.NoError(t, err)
	assert.Equal(t, "s001", resp.SessionID)
	assert.Equal(t, StatusRecording, h.orch.Status())
	assert.Equal(t, RoleCompanion, h.orch.Snapshot().Role)

	_, err = h.orch.StopBoth(context.Background())
	assert.ErrorIs(t, err, ErrNotRecording, "a companion leg is not a unified session")
	_, err = h.orch.StopLeg(context.Background(), "other")
	assert.ErrorIs(t, err, recorder.ErrUnknownSession)

	h.record(t, 4)
	stop, err := h.orch.StopLeg(context.Background(), "s001")
	require.NoError(t, err)
	assert.Equal(t, 4, stop.Rows)
	assert.Equal(t, 1, stop.Chunks)
	assert.Equal(t, StatusIdle, h.orch.Status())
	assert.True(t, h.mem.Exists(filepath.Join(root, "peer_mission", "s001", recorder.CombinedName)))

	_, err = h.orch.StopLeg(context.Background(), "s001")
	assert.ErrorIs(t, err, ErrNotRecording)
}

func TestPartialFailure(t *testing.T) {
	inner := errors.New("boom")
	pf := &PartialFailure{Op: "stop", Surface: inner}
	assert.ErrorIs(t, pf, ErrOrchestrationPartialFailure)
	assert.ErrorIs(t, pf, inner)
	assert.Equal(t, "stop failed: surface: boom", pf.Error())

	pf = &PartialFailure{Op: "start", InWater: inner, Cleanup: errors.New("rm")}
	assert.Equal(t, "start failed: inwater: boom; cleanup: rm", pf.Error())
}
