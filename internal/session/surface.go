package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/banshee-data/lightlog/internal/frame"
	"github.com/banshee-data/lightlog/internal/instrument"
	"github.com/banshee-data/lightlog/internal/recorder"
)

// Instrument is the part of *instrument.Controller the surface leg drives.
type Instrument interface {
	State() instrument.State
	SensorID() string
	StartAcquisition(mode frame.Mode, pollHz float64) error
	Stop() error
	Readings() <-chan frame.Reading
	Health() instrument.Health
}

// Recorder is the part of *recorder.Recorder the surface leg drives.
type Recorder interface {
	StartSession(p recorder.StartParams) (recorder.Session, error)
	AddReading(id string, r frame.Reading) error
	StopSession(id string) (recorder.StopResult, error)
	Abort(id string) error
	Stats(id string) (recorder.Stats, error)
}

// SurfaceLeg records the local instrument: it starts acquisition and pumps
// the controller's readings into a recorder session.
type SurfaceLeg struct {
	inst Instrument
	rec  Recorder
	mode frame.Mode

	mu       sync.Mutex
	id       string
	stopPump chan struct{}
	pumpDone chan struct{}
}

// NewSurfaceLeg returns a leg acquiring in mode.
func NewSurfaceLeg(inst Instrument, rec Recorder, mode frame.Mode) *SurfaceLeg {
	if mode == "" {
		mode = frame.ModeFreerun
	}
	return &SurfaceLeg{inst: inst, rec: rec, mode: mode}
}

// Start opens a recorder session and starts acquisition. The instrument must
// be connected and in its menu. On failure nothing is left recording, but
// the recorder's directory is left for the caller to remove.
func (s *SurfaceLeg) Start(p recorder.StartParams) (recorder.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.id != "" {
		return recorder.Session{}, fmt.Errorf("%w: surface leg already recording session %s", instrument.ErrInvalidState, s.id)
	}
	if st := s.inst.State(); st != instrument.ConfigMenu {
		return recorder.Session{}, fmt.Errorf("%w: instrument is %s, want %s", instrument.ErrInvalidState, st, instrument.ConfigMenu)
	}
	if p.SensorID == "" {
		p.SensorID = s.inst.SensorID()
	}

	sess, err := s.rec.StartSession(p)
	if err != nil {
		return recorder.Session{}, err
	}

	s.drainStale()
	stop, done := make(chan struct{}), make(chan struct{})
	go s.pump(sess.ID, stop, done)

	if err := s.inst.StartAcquisition(s.mode, p.RateHz); err != nil {
		close(stop)
		<-done
		if _, serr := s.rec.StopSession(sess.ID); serr != nil {
			opsf("surface: stopping recorder session %s after failed start: %v", sess.ID, serr)
		}
		return sess, fmt.Errorf("start acquisition: %w", err)
	}

	s.id = sess.ID
	s.stopPump, s.pumpDone = stop, done
	diagf("surface: recording session %s (%s)", sess.ID, s.mode)
	return sess, nil
}

// drainStale discards readings queued before this session started.
func (s *SurfaceLeg) drainStale() {
	for n := 0; ; n++ {
		select {
		case <-s.inst.Readings():
		default:
			if n > 0 {
				diagf("surface: discarded %d readings from before the session", n)
			}
			return
		}
	}
}

func (s *SurfaceLeg) pump(id string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	add := func(r frame.Reading) {
		if err := s.rec.AddReading(id, r); err != nil {
			opsf("surface: reading dropped: %v", err)
			return
		}
		tracef("surface: queued %.6f", r.Value)
	}
	for {
		select {
		case r := <-s.inst.Readings():
			add(r)
		case <-stop:
			for {
				select {
				case r := <-s.inst.Readings():
					add(r)
				default:
					return
				}
			}
		}
	}
}

// Stop ends acquisition and then stops the recorder session, whatever the
// instrument's outcome. An instrument that was no longer acquiring (for
// example after the connection was lost) is not an error.
func (s *SurfaceLeg) Stop() (recorder.StopResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.id == "" {
		return recorder.StopResult{}, fmt.Errorf("%w: surface leg is not recording", instrument.ErrInvalidState)
	}

	var errs []error
	if err := s.inst.Stop(); err != nil {
		if errors.Is(err, instrument.ErrInvalidState) {
			opsf("surface: instrument was not acquiring at stop: %v", err)
		} else {
			errs = append(errs, fmt.Errorf("stop acquisition: %w", err))
		}
	}

	if s.stopPump != nil {
		close(s.stopPump)
		<-s.pumpDone
		s.stopPump, s.pumpDone = nil, nil
	}

	res, err := s.rec.StopSession(s.id)
	if err != nil {
		// the recorder keeps the session; a later Stop retries it
		errs = append(errs, fmt.Errorf("stop recorder: %w", err))
		return res, errors.Join(errs...)
	}

	diagf("surface: session %s stopped with %d rows", s.id, res.TotalRows)
	s.id = ""
	return res, errors.Join(errs...)
}

// Abort clears the leg after a Stop that could not finish, dropping the
// recorder session without combining it. Acquisition and the pump are
// stopped if Stop did not get that far.
func (s *SurfaceLeg) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.id == "" {
		return nil
	}
	if s.stopPump != nil {
		if err := s.inst.Stop(); err != nil && !errors.Is(err, instrument.ErrInvalidState) {
			opsf("surface: stop acquisition on abort: %v", err)
		}
		close(s.stopPump)
		<-s.pumpDone
		s.stopPump, s.pumpDone = nil, nil
	}
	err := s.rec.Abort(s.id)
	if errors.Is(err, recorder.ErrUnknownSession) {
		err = nil
	}
	opsf("surface: session %s aborted", s.id)
	s.id = ""
	return err
}

// Active returns the current recorder session id, if any.
func (s *SurfaceLeg) Active() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id, s.id != ""
}

// Stats returns the recorder's liveness snapshot for the current session.
func (s *SurfaceLeg) Stats() (recorder.Stats, error) {
	s.mu.Lock()
	id := s.id
	s.mu.Unlock()
	if id == "" {
		return recorder.Stats{}, fmt.Errorf("%w: surface leg is not recording", instrument.ErrInvalidState)
	}
	return s.rec.Stats(id)
}

// Health returns the instrument's health snapshot.
func (s *SurfaceLeg) Health() instrument.Health { return s.inst.Health() }

// SensorID returns the id stamped on surface readings.
func (s *SurfaceLeg) SensorID() string { return s.inst.SensorID() }
