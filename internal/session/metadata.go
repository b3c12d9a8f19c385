package session

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/banshee-data/lightlog/internal/clocksync"
	"github.com/banshee-data/lightlog/internal/fsutil"
)

// MetadataVersion is written to every sync metadata document.
const MetadataVersion = 1

// MetadataName is the sync metadata file inside a unified session directory.
const MetadataName = "sync_metadata.json"

// Sensor keys in Metadata.Sensors.
const (
	SensorSurface = "surface"
	SensorInWater = "inwater"
)

// MethodReference marks the sensor whose clock the offsets are relative to.
const MethodReference = "reference"

// SensorInfo is one leg's entry in the sync metadata.
type SensorInfo struct {
	SessionID   string `json:"session_id"`
	Directory   string `json:"directory"`
	ClockSource string `json:"clock_source"`
	Hostname    string `json:"hostname"`
	// EstimatedOffsetMs is this sensor's clock minus the surface clock. Null
	// means unknown.
	EstimatedOffsetMs       *float64   `json:"estimated_offset_ms"`
	OffsetUncertaintyMs     *float64   `json:"offset_uncertainty_ms"`
	OffsetMeasurementMethod string     `json:"offset_measurement_method"`
	StartedAt               time.Time  `json:"started_at"`
	StoppedAt               *time.Time `json:"stopped_at,omitempty"`
	Rows                    *int       `json:"rows,omitempty"`
	Chunks                  *int       `json:"chunks,omitempty"`
	Error                   string     `json:"error,omitempty"`
}

// ClockSync records the offset measurements taken for a session.
type ClockSync struct {
	InitialOffsetMs *float64                `json:"initial_offset_ms"`
	FinalOffsetMs   *float64                `json:"final_offset_ms"`
	DriftMsPerHour  *float64                `json:"drift_ms_per_hour"`
	Measurements    []clocksync.Measurement `json:"measurements"`
}

// Metadata is the sync metadata document correlating the two legs of a
// unified session.
type Metadata struct {
	MetadataVersion  int                   `json:"metadata_version"`
	SyncID           string                `json:"sync_id"`
	SessionName      string                `json:"session_name"`
	MissionName      string                `json:"mission_name"`
	Directory        string                `json:"directory"`
	RateHz           float64               `json:"rate_hz"`
	RollIntervalS    float64               `json:"roll_interval_s"`
	RecordingStarted time.Time             `json:"recording_started"`
	RecordingStopped *time.Time            `json:"recording_stopped"`
	DurationS        *float64              `json:"duration_s"`
	Sensors          map[string]SensorInfo `json:"sensors"`
	ClockSync        ClockSync             `json:"clock_sync"`
	Warnings         []string              `json:"warnings"`
}

func (m *Metadata) warn(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	m.Warnings = append(m.Warnings, msg)
	opsf("session %s: %s", m.SessionName, msg)
}

// clone returns a copy safe to hand to callers.
func (m *Metadata) clone() Metadata {
	c := *m
	c.Sensors = make(map[string]SensorInfo, len(m.Sensors))
	for k, v := range m.Sensors {
		c.Sensors[k] = v
	}
	c.ClockSync.Measurements = append([]clocksync.Measurement(nil), m.ClockSync.Measurements...)
	c.Warnings = append([]string(nil), m.Warnings...)
	return c
}

func writeMetadata(fsys fsutil.FileSystem, m *Metadata) error {
	if m.Warnings == nil {
		m.Warnings = []string{}
	}
	if m.ClockSync.Measurements == nil {
		m.ClockSync.Measurements = []clocksync.Measurement{}
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(m.Directory, MetadataName)
	tmp := path + ".tmp"
	if err := fsys.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := fsys.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

// ReadMetadata loads the sync metadata from a unified session directory.
func ReadMetadata(fsys fsutil.FileSystem, dir string) (*Metadata, error) {
	data, err := fsys.ReadFile(filepath.Join(dir, MetadataName))
	if err != nil {
		return nil, err
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", MetadataName, err)
	}
	return &m, nil
}
