// Package session runs unified recording sessions: the local surface
// instrument and the in-water companion recorder started and stopped as a
// pair, with their clocks correlated in a sync metadata document.
package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/lightlog/internal/clocksync"
	"github.com/banshee-data/lightlog/internal/companion"
	"github.com/banshee-data/lightlog/internal/fsutil"
	"github.com/banshee-data/lightlog/internal/recorder"
	"github.com/banshee-data/lightlog/internal/security"
	"github.com/banshee-data/lightlog/internal/timeutil"
)

// Status is the aggregate state of the pair.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusArmed     Status = "armed"
	StatusRecording Status = "recording"
)

// Role says what the current recording was started as.
type Role string

const (
	// RoleUnified is a StartBoth session.
	RoleUnified Role = "unified"
	// RoleCompanion is a surface-only session started by a peer through the
	// companion contract.
	RoleCompanion Role = "companion"
)

var (
	// ErrOrchestrationPartialFailure matches every *PartialFailure.
	ErrOrchestrationPartialFailure = errors.New("orchestration partial failure")
	// ErrBusy means a session is already starting or recording.
	ErrBusy = errors.New("a recording session is already active")
	// ErrNotRecording means there is nothing to stop.
	ErrNotRecording = errors.New("no recording session is active")
	// ErrInvalidParams rejects a start request before anything is created.
	ErrInvalidParams = errors.New("invalid session parameters")
)

// PartialFailure reports each leg's outcome independently.
type PartialFailure struct {
	Op      string
	Surface error
	InWater error
	// Cleanup is the error from tearing down after a failed start.
	Cleanup error
}

func (e *PartialFailure) Error() string {
	var parts []string
	if e.Surface != nil {
		parts = append(parts, "surface: "+e.Surface.Error())
	}
	if e.InWater != nil {
		parts = append(parts, "inwater: "+e.InWater.Error())
	}
	if e.Cleanup != nil {
		parts = append(parts, "cleanup: "+e.Cleanup.Error())
	}
	return fmt.Sprintf("%s failed: %s", e.Op, strings.Join(parts, "; "))
}

func (e *PartialFailure) Is(target error) bool { return target == ErrOrchestrationPartialFailure }

func (e *PartialFailure) Unwrap() []error {
	var errs []error
	for _, err := range []error{e.Surface, e.InWater, e.Cleanup} {
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Companion is the in-water leg's contract. *companion.Client implements it.
type Companion interface {
	Start(ctx context.Context, req companion.StartRequest) (companion.StartResponse, error)
	Stop(ctx context.Context, sessionID string) (companion.StopResponse, error)
	BaseURL() string
}

// OffsetMeasurer is implemented by *clocksync.Service.
type OffsetMeasurer interface {
	MeasureOffset(ctx context.Context, baseURL string) clocksync.Measurement
}

// SessionLog receives unified session starts and stops. Errors are logged
// and never fail the session.
type SessionLog interface {
	RecordStart(ctx context.Context, m Metadata) error
	RecordStop(ctx context.Context, m Metadata) error
}

// Options configures an Orchestrator.
type Options struct {
	Surface *SurfaceLeg
	// Companion is the in-water leg. When nil sessions record the surface
	// only and say so in their warnings.
	Companion Companion
	Sync      OffsetMeasurer
	Log       SessionLog
	FS        fsutil.FileSystem
	Clock     timeutil.Clock
	// Root is the data directory missions are created under.
	Root        string
	Hostname    string
	ClockSource string
	NewSyncID   func() string
}

// StartParams describes a unified session.
type StartParams struct {
	Mission      string
	RateHz       float64
	RollInterval time.Duration
}

// Snapshot is the orchestrator's view for status displays.
type Snapshot struct {
	Status           Status    `json:"status"`
	Role             Role      `json:"role,omitempty"`
	SurfaceSessionID string    `json:"surface_session_id,omitempty"`
	Metadata         *Metadata `json:"metadata,omitempty"`
}

// Orchestrator starts and stops the two legs together. Per-leg detail lives
// in each leg; the orchestrator only tracks the aggregate Status.
type Orchestrator struct {
	opts Options
	fs   fsutil.FileSystem
	clk  timeutil.Clock

	// opMu serialises start and stop.
	opMu sync.Mutex

	mu             sync.Mutex
	status         Status
	role           Role
	current        *Metadata
	surfaceStopped bool
	inwaterStopped bool
	// finalMeasured is set once StopBoth has taken the final offset, synced
	// or not, so a retried stop does not measure again.
	finalMeasured bool
}

// New returns an idle Orchestrator.
func New(opts Options) *Orchestrator {
	if opts.FS == nil {
		opts.FS = fsutil.OSFileSystem{}
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.Sync == nil {
		opts.Sync = clocksync.New(clocksync.Options{Clock: opts.Clock})
	}
	if opts.NewSyncID == nil {
		opts.NewSyncID = uuid.NewString
	}
	if opts.ClockSource == "" {
		opts.ClockSource = "system"
	}
	return &Orchestrator{opts: opts, fs: opts.FS, clk: opts.Clock, status: StatusIdle}
}

// Status returns the aggregate status.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Snapshot returns the status and, while recording, the session metadata.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	snap := Snapshot{Status: o.status, Role: o.role}
	if id, ok := o.opts.Surface.Active(); ok {
		snap.SurfaceSessionID = id
	}
	if o.current != nil {
		md := o.current.clone()
		snap.Metadata = &md
	}
	return snap
}

func (o *Orchestrator) arm() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status != StatusIdle {
		return fmt.Errorf("%w (%s)", ErrBusy, o.status)
	}
	o.status = StatusArmed
	return nil
}

func (o *Orchestrator) settle(s Status, role Role, md *Metadata) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.status, o.role, o.current = s, role, md
}

// sessionDir creates a fresh unified session directory for mission.
func (o *Orchestrator) sessionDir(mission string, now time.Time) (string, string, error) {
	base := filepath.Join(o.opts.Root, security.SanitizeFilename(mission))
	name := "session_" + now.UTC().Format("20060102_150405")
	for i := 2; o.fs.Exists(filepath.Join(base, name)); i++ {
		name = fmt.Sprintf("session_%s_%d", now.UTC().Format("20060102_150405"), i)
	}
	dir := filepath.Join(base, name)
	if err := security.ValidatePathWithinDirectory(dir, o.opts.Root); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if err := o.fs.MkdirAll(dir, 0o755); err != nil {
		return "", "", err
	}
	return dir, name, nil
}

// StartBoth starts the surface leg and then the in-water leg. If either
// fails, whatever was started is torn down and the session directory is
// removed before the failure is returned, so no half-started recording is
// left behind. On success the clock offset is measured once and the sync
// metadata is written.
func (o *Orchestrator) StartBoth(ctx context.Context, p StartParams) (Metadata, error) {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	if strings.TrimSpace(p.Mission) == "" {
		return Metadata{}, fmt.Errorf("%w: mission is required", ErrInvalidParams)
	}
	if p.RateHz < 0 || p.RollInterval < 0 {
		return Metadata{}, fmt.Errorf("%w: negative rate or roll interval", ErrInvalidParams)
	}
	if p.RollInterval == 0 {
		p.RollInterval = recorder.DefaultRollInterval
	}
	if err := o.arm(); err != nil {
		return Metadata{}, err
	}
	started := false
	defer func() {
		if !started {
			o.settle(StatusIdle, "", nil)
		}
	}()

	now := o.clk.Now()
	dir, name, err := o.sessionDir(p.Mission, now)
	if err != nil {
		return Metadata{}, &PartialFailure{Op: "start", Surface: fmt.Errorf("create session directory: %w", err)}
	}
	md := &Metadata{
		MetadataVersion:  MetadataVersion,
		SyncID:           o.opts.NewSyncID(),
		SessionName:      name,
		MissionName:      p.Mission,
		Directory:        dir,
		RateHz:           p.RateHz,
		RollIntervalS:    p.RollInterval.Seconds(),
		RecordingStarted: now,
		Sensors:          make(map[string]SensorInfo),
	}

	surf, err := o.opts.Surface.Start(recorder.StartParams{
		Mission:      p.Mission,
		RateHz:       p.RateHz,
		RollInterval: p.RollInterval,
		Root:         dir,
		Prefix:       "surface_",
	})
	if err != nil {
		pf := &PartialFailure{Op: "start", Surface: err, Cleanup: o.fs.RemoveAll(dir)}
		opsf("session %s: %v", name, pf)
		return Metadata{}, pf
	}
	zero := 0.0
	md.Sensors[SensorSurface] = SensorInfo{
		SessionID:               surf.ID,
		Directory:               surf.Dir,
		ClockSource:             o.opts.ClockSource,
		Hostname:                o.opts.Hostname,
		EstimatedOffsetMs:       &zero,
		OffsetUncertaintyMs:     &zero,
		OffsetMeasurementMethod: MethodReference,
		StartedAt:               surf.StartedAt,
	}

	if c := o.opts.Companion; c != nil {
		resp, err := c.Start(ctx, companion.StartRequest{
			Mission:       p.Mission,
			RateHz:        p.RateHz,
			RollIntervalS: p.RollInterval.Seconds(),
		})
		if err != nil {
			pf := &PartialFailure{Op: "start", InWater: err, Cleanup: o.rollbackSurface(dir)}
			opsf("session %s: %v", name, pf)
			return Metadata{}, pf
		}

		iwDir := filepath.Join(dir, "inwater_"+security.SanitizeFilename(resp.SessionID))
		if err := o.fs.MkdirAll(iwDir, 0o755); err != nil {
			md.warn("creating %s: %v", iwDir, err)
		}
		m := o.opts.Sync.MeasureOffset(ctx, c.BaseURL())
		md.Sensors[SensorInWater] = SensorInfo{
			SessionID:               resp.SessionID,
			Directory:               iwDir,
			ClockSource:             m.PeerClockSource,
			Hostname:                m.PeerHostname,
			EstimatedOffsetMs:       m.OffsetMs,
			OffsetUncertaintyMs:     m.UncertaintyMs,
			OffsetMeasurementMethod: m.Method,
			StartedAt:               resp.StartedAt,
		}
		md.ClockSync.InitialOffsetMs = m.OffsetMs
		md.ClockSync.Measurements = append(md.ClockSync.Measurements, m)
		if !m.Synced() {
			md.warn("initial clock offset unavailable: %s", m.FailureReason)
		}
	} else {
		md.warn("no companion recorder configured, recording surface only")
	}

	if err := writeMetadata(o.fs, md); err != nil {
		// recording continues; the stop path writes the document again
		md.warn("writing %s: %v", MetadataName, err)
	}
	if o.opts.Log != nil {
		if err := o.opts.Log.RecordStart(ctx, md.clone()); err != nil {
			opsf("session %s: session log: %v", name, err)
		}
	}

	started = true
	o.mu.Lock()
	o.surfaceStopped, o.inwaterStopped = false, o.opts.Companion == nil
	o.finalMeasured = false
	o.mu.Unlock()
	o.settle(StatusRecording, RoleUnified, md)
	diagf("session %s started in %s (sync %s)", name, dir, md.SyncID)
	return md.clone(), nil
}

// rollbackSurface tears down a surface leg started for a session whose
// in-water leg failed, then removes the session directory. A surface stop
// that fails is retried once after the removal; if that fails too the leg is
// aborted, so the leg and the recorder never keep a session whose directory
// is gone.
func (o *Orchestrator) rollbackSurface(dir string) error {
	_, serr := o.opts.Surface.Stop()
	rmErr := o.fs.RemoveAll(dir)
	if serr == nil {
		return rmErr
	}
	var abortErr error
	if _, err := o.opts.Surface.Stop(); err != nil {
		opsf("rollback: surface stop retry failed, aborting the leg: %v", err)
		abortErr = o.opts.Surface.Abort()
	}
	// the retry may have written into the removed directory
	return errors.Join(serr, abortErr, o.fs.RemoveAll(dir))
}

// StopBoth stops both legs concurrently. A failure on one leg does not keep
// the other from stopping. Once both have settled the sync metadata is
// updated with the stop times, the final clock offset and any warnings.
//
// If the surface recorder could not finish, the session stays recording and
// StopBoth may be called again; legs that already stopped are not stopped
// twice.
func (o *Orchestrator) StopBoth(ctx context.Context) (Metadata, error) {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	o.mu.Lock()
	if o.status != StatusRecording || o.role != RoleUnified {
		o.mu.Unlock()
		return Metadata{}, ErrNotRecording
	}
	// status readers clone o.current under o.mu, so the stop works on a copy
	// and publishes it below
	cur := o.current.clone()
	md := &cur
	stopSurface, stopInWater := !o.surfaceStopped, !o.inwaterStopped
	measureFinal := o.opts.Companion != nil && !o.finalMeasured
	o.mu.Unlock()

	var (
		wg               sync.WaitGroup
		surfRes          recorder.StopResult
		surfErr, iwErr   error
		iwRes            companion.StopResponse
		inwaterSessionID = md.Sensors[SensorInWater].SessionID
	)
	if stopSurface {
		wg.Add(1)
		go func() {
			defer wg.Done()
			surfRes, surfErr = o.opts.Surface.Stop()
		}()
	}
	if stopInWater {
		wg.Add(1)
		go func() {
			defer wg.Done()
			iwRes, iwErr = o.opts.Companion.Stop(ctx, inwaterSessionID)
		}()
	}
	wg.Wait()

	now := o.clk.Now()
	if stopSurface {
		info := md.Sensors[SensorSurface]
		info.Error = ""
		if surfErr != nil {
			info.Error = surfErr.Error()
			md.warn("surface leg stop: %v", surfErr)
		}
		if surfRes.SessionID != "" {
			rows, chunks := surfRes.TotalRows, surfRes.Chunks
			stopped := surfRes.StoppedAt
			info.Rows, info.Chunks, info.StoppedAt = &rows, &chunks, &stopped
			if surfRes.Abandoned > 0 {
				md.warn("surface leg abandoned %d chunks, see the manifest", surfRes.Abandoned)
			}
		}
		md.Sensors[SensorSurface] = info
	}
	if stopInWater {
		info := md.Sensors[SensorInWater]
		if iwErr != nil {
			info.Error = iwErr.Error()
			md.warn("inwater leg stop: %v", iwErr)
		} else {
			rows, chunks := iwRes.Rows, iwRes.Chunks
			stopped := iwRes.StoppedAt
			info.Rows, info.Chunks, info.StoppedAt = &rows, &chunks, &stopped
		}
		md.Sensors[SensorInWater] = info
	}

	if measureFinal {
		m := o.opts.Sync.MeasureOffset(ctx, o.opts.Companion.BaseURL())
		md.ClockSync.Measurements = append(md.ClockSync.Measurements, m)
		md.ClockSync.FinalOffsetMs = m.OffsetMs
		if !m.Synced() {
			md.warn("final clock offset unavailable: %s", m.FailureReason)
		} else if len(md.ClockSync.Measurements) > 1 {
			md.ClockSync.DriftMsPerHour = clocksync.Drift(md.ClockSync.Measurements[0], m)
		}
	}

	surfaceDone := !stopSurface || surfErr == nil || !o.surfaceStillActive()
	md.RecordingStopped = &now
	dur := now.Sub(md.RecordingStarted).Seconds()
	md.DurationS = &dur

	var writeErr error
	if err := writeMetadata(o.fs, md); err != nil {
		writeErr = fmt.Errorf("write %s: %w", MetadataName, err)
		opsf("session %s: %v", md.SessionName, writeErr)
	}

	o.mu.Lock()
	if stopSurface && surfaceDone {
		o.surfaceStopped = true
	}
	if stopInWater && iwErr == nil {
		o.inwaterStopped = true
	}
	if measureFinal {
		o.finalMeasured = true
	}
	o.current = md
	settled := o.surfaceStopped
	o.mu.Unlock()

	if settled {
		if o.opts.Log != nil {
			if err := o.opts.Log.RecordStop(ctx, md.clone()); err != nil {
				opsf("session %s: session log: %v", md.SessionName, err)
			}
		}
		o.settle(StatusIdle, "", nil)
		diagf("session %s stopped after %.1fs", md.SessionName, dur)
	}

	out := md.clone()
	if surfErr != nil || iwErr != nil {
		return out, &PartialFailure{Op: "stop", Surface: surfErr, InWater: iwErr}
	}
	return out, writeErr
}

func (o *Orchestrator) surfaceStillActive() bool {
	_, ok := o.opts.Surface.Active()
	return ok
}

// StartLeg starts a surface-only recording on behalf of a peer that uses
// this host as its companion recorder.
func (o *Orchestrator) StartLeg(ctx context.Context, req companion.StartRequest) (companion.StartResponse, error) {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	if strings.TrimSpace(req.Mission) == "" {
		return companion.StartResponse{}, fmt.Errorf("%w: mission is required", ErrInvalidParams)
	}
	if err := o.arm(); err != nil {
		return companion.StartResponse{}, err
	}
	sess, err := o.opts.Surface.Start(recorder.StartParams{
		Mission:      req.Mission,
		RateHz:       req.RateHz,
		RollInterval: time.Duration(req.RollIntervalS * float64(time.Second)),
		Root:         o.opts.Root,
	})
	if err != nil {
		if sess.Dir != "" {
			if rerr := o.fs.RemoveAll(sess.Dir); rerr != nil {
				opsf("companion leg: removing %s: %v", sess.Dir, rerr)
			}
		}
		o.settle(StatusIdle, "", nil)
		return companion.StartResponse{}, err
	}
	o.settle(StatusRecording, RoleCompanion, nil)
	diagf("companion leg %s started for a peer", sess.ID)
	return companion.StartResponse{SessionID: sess.ID, StartedAt: sess.StartedAt}, nil
}

// StopLeg stops a recording started with StartLeg.
func (o *Orchestrator) StopLeg(ctx context.Context, sessionID string) (companion.StopResponse, error) {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	o.mu.Lock()
	role := o.role
	o.mu.Unlock()
	id, ok := o.opts.Surface.Active()
	if role != RoleCompanion || !ok {
		return companion.StopResponse{}, ErrNotRecording
	}
	if id != sessionID {
		return companion.StopResponse{}, fmt.Errorf("%w: %s", recorder.ErrUnknownSession, sessionID)
	}

	res, err := o.opts.Surface.Stop()
	if _, still := o.opts.Surface.Active(); !still {
		o.settle(StatusIdle, "", nil)
	}
	if err != nil && res.SessionID == "" {
		return companion.StopResponse{}, err
	}
	if err != nil {
		opsf("companion leg %s: %v", sessionID, err)
	}
	return companion.StopResponse{StoppedAt: res.StoppedAt, Rows: res.TotalRows, Chunks: res.Chunks}, nil
}
