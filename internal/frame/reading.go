package frame

import (
	"fmt"
	"time"
)

// Mode is the instrument's operating mode.
type Mode string

const (
	ModeFreerun Mode = "freerun"
	ModePolled  Mode = "polled"
)

// ParseMode accepts the canonical names plus the short forms used on the wire.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "freerun", "free run", "free-run", "F", "f", "0":
		return ModeFreerun, nil
	case "polled", "poll", "P", "p", "1":
		return ModePolled, nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

// Reading is one parsed measurement from the instrument. Value is always
// finite; TempC and Vin are independently optional.
type Reading struct {
	Value float64
	TempC *float64
	Vin   *float64

	// WallTime and Monotonic are captured when the line is recognized, not
	// when the first raw byte arrived. Monotonic is measured from the owning
	// controller's epoch.
	WallTime  time.Time
	Monotonic time.Duration

	SensorID string
	Mode     Mode
}

// Float64 returns a pointer to v. Handy for building readings in tests and
// fixtures.
func Float64(v float64) *float64 { return &v }
