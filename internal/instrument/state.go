// Package instrument drives the surface instrument over a serial transport:
// connection and menu navigation, configuration, freerun and polled
// acquisition, and health reporting.
package instrument

import (
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/lightlog/internal/frame"
)

var (
	// ErrCommandTimeout means the instrument did not answer with a menu
	// prompt in time, or answered with something unrecognisable while
	// connecting.
	ErrCommandTimeout = errors.New("instrument command timed out")
	// ErrCommandRejected means the instrument answered a configuration
	// command but the result could not be parsed or did not take effect.
	ErrCommandRejected = errors.New("instrument command rejected")
	// ErrConnectionLost means the transport closed underneath the controller.
	ErrConnectionLost = errors.New("instrument connection lost")
	// ErrInvalidState means the operation is not allowed in the current state.
	ErrInvalidState = errors.New("invalid instrument state")
)

// State is the controller's connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	ConfigMenu
	AcqFreerun
	AcqPolled
	Paused
	Stopping
)

var stateNames = [...]string{
	Disconnected: "disconnected",
	Connecting:   "connecting",
	ConfigMenu:   "config_menu",
	AcqFreerun:   "acq_freerun",
	AcqPolled:    "acq_polled",
	Paused:       "paused",
	Stopping:     "stopping",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText renders the state by name in JSON health snapshots.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Acquiring reports whether s is one of the acquisition states.
func (s State) Acquiring() bool {
	return s == AcqFreerun || s == AcqPolled || s == Paused
}

// Connected reports whether a transport is open in state s.
func (s State) Connected() bool {
	return s != Disconnected && s != Connecting
}

// EventKind classifies controller events.
type EventKind string

const (
	EventConnectionLost EventKind = "connection_lost"
	EventInvalidFrame   EventKind = "invalid_frame"
	EventMissedPoll     EventKind = "missed_poll"
)

// Event is raised asynchronously on the controller's event channel.
type Event struct {
	Kind EventKind
	Time time.Time
	Err  error
	Line string
}

// Identity is what the instrument reports about itself on connect.
type Identity struct {
	Port         string     `json:"port"`
	Firmware     string     `json:"firmware,omitempty"`
	SerialNumber string     `json:"serial_number,omitempty"`
	Mode         frame.Mode `json:"mode,omitempty"`
}

// Health is a point-in-time snapshot of the controller.
type Health struct {
	State           State                   `json:"state"`
	Identity        Identity                `json:"identity"`
	Config          *frame.InstrumentConfig `json:"config,omitempty"`
	BufferLen       int                     `json:"buffer_len"`
	BufferCap       int                     `json:"buffer_cap"`
	LastReading     *time.Time              `json:"last_reading,omitempty"`
	SinceLastSecs   *float64                `json:"since_last_reading_s,omitempty"`
	Readings        uint64                  `json:"readings"`
	Dropped         uint64                  `json:"dropped"`
	Discarded       uint64                  `json:"discarded"`
	InvalidFrames   uint64                  `json:"invalid_frames"`
	MissedPolls     uint64                  `json:"missed_polls"`
	BufferOverflows uint64                  `json:"buffer_overflows"`
}
