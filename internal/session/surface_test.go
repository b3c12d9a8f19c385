package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lightlog/internal/frame"
	"github.com/banshee-data/lightlog/internal/instrument"
	"github.com/banshee-data/lightlog/internal/recorder"
)

func TestSurfaceLeg_Lifecycle(t *testing.T) {
	h := newHarness(t, false)

	_, err := h.leg.Stop()
	assert.ErrorIs(t, err, instrument.ErrInvalidState)
	_, err = h.leg.Stats()
	assert.ErrorIs(t, err, instrument.ErrInvalidState)

	sess, err := h.leg.Start(recorder.StartParams{Mission: "lake", Root: root, RollInterval: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, "SIM00001", sess.SensorID, "sensor id defaults to the instrument's")
	id, ok := h.leg.Active()
	assert.True(t, ok)
	assert.Equal(t, sess.ID, id)
	assert.Equal(t, instrument.AcqFreerun, h.leg.Health().State)

	_, err = h.leg.Start(recorder.StartParams{Mission: "lake", Root: root})
	assert.ErrorIs(t, err, instrument.ErrInvalidState)

	h.record(t, 10)
	res, err := h.leg.Stop()
	require.NoError(t, err)
	assert.Equal(t, 10, res.TotalRows)
	_, ok = h.leg.Active()
	assert.False(t, ok)
}

func TestSurfaceLeg_DiscardsStaleReadings(t *testing.T) {
	h := newHarness(t, false)

	// acquire outside any session so readings pile up in the controller
	require.NoError(t, h.ctrl.StartAcquisition(frame.ModeFreerun, 0))
	h.sim.EmitFreerun(4)
	require.Eventually(t, func() bool { return h.ctrl.Health().Readings == 4 }, time.Second, time.Millisecond)
	require.NoError(t, h.ctrl.Stop())

	_, err := h.leg.Start(recorder.StartParams{Mission: "lake", Root: root})
	require.NoError(t, err)
	h.record(t, 2)

	res, err := h.leg.Stop()
	require.NoError(t, err)
	assert.Equal(t, 2, res.TotalRows)
}

func TestSurfaceLeg_PolledUsesRate(t *testing.T) {
	h := newHarness(t, false)
	leg := NewSurfaceLeg(h.ctrl, recorder.New(recorder.Options{FS: h.mem, Clock: h.clock}), frame.ModePolled)

	_, err := leg.Start(recorder.StartParams{Mission: "lake", Root: root, RateHz: 10})
	require.NoError(t, err)
	assert.Equal(t, instrument.AcqPolled, h.ctrl.State())
	_, err = leg.Stop()
	require.NoError(t, err)
}

func TestSurfaceLeg_AbortAfterFailedStop(t *testing.T) {
	h := newHarness(t, false)

	_, err := h.leg.Start(recorder.StartParams{Mission: "lake", Root: root})
	require.NoError(t, err)
	h.record(t, 3)

	h.faults.Fail("create", recorder.CombinedName, -1)
	_, err = h.leg.Stop()
	require.ErrorIs(t, err, recorder.ErrRecorderIO)
	_, ok := h.leg.Active()
	require.True(t, ok, "a failed stop keeps the session for a retry")

	require.NoError(t, h.leg.Abort())
	_, ok = h.leg.Active()
	assert.False(t, ok)
	assert.Empty(t, h.rec.Active())
	require.NoError(t, h.leg.Abort(), "aborting an idle leg is a no-op")

	h.faults.Clear()
	_, err = h.leg.Start(recorder.StartParams{Mission: "lake", Root: root})
	require.NoError(t, err)
}

func TestSurfaceLeg_AbortWhileAcquiring(t *testing.T) {
	h := newHarness(t, false)

	_, err := h.leg.Start(recorder.StartParams{Mission: "lake", Root: root})
	require.NoError(t, err)
	require.Eventually(t, h.sim.Streaming, time.Second, time.Millisecond)

	require.NoError(t, h.leg.Abort())
	assert.False(t, h.sim.Streaming())
	assert.Equal(t, instrument.ConfigMenu, h.ctrl.State())
	assert.Empty(t, h.rec.Active())
}
