// Package catalog keeps a sqlite index of unified recording sessions and the
// clock offset measurements taken for them. The recording files on disk stay
// authoritative; the catalog is what the session list and the debug SQL
// console read.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/lightlog/internal/clocksync"
	"github.com/banshee-data/lightlog/internal/session"
)

// ErrNotFound is returned when a sync id has no catalog row.
var ErrNotFound = errors.New("catalog: session not found")

// DefaultSessionsLimit caps Sessions when the caller passes no limit.
const DefaultSessionsLimit = 100

// Catalog is the session index database.
type Catalog struct {
	*sql.DB
	path string
}

// Session is one unified session row.
type Session struct {
	SyncID           string     `json:"sync_id"`
	SessionName      string     `json:"session_name"`
	MissionName      string     `json:"mission_name"`
	Directory        string     `json:"directory"`
	RateHz           float64    `json:"rate_hz"`
	RollIntervalS    float64    `json:"roll_interval_s"`
	StartedAt        time.Time  `json:"started_at"`
	StoppedAt        *time.Time `json:"stopped_at"`
	DurationS        *float64   `json:"duration_s"`
	SurfaceSessionID string     `json:"surface_session_id,omitempty"`
	InWaterSessionID string     `json:"inwater_session_id,omitempty"`
	SurfaceRows      *int       `json:"surface_rows"`
	InWaterRows      *int       `json:"inwater_rows"`
	InitialOffsetMs  *float64   `json:"initial_offset_ms"`
	FinalOffsetMs    *float64   `json:"final_offset_ms"`
	DriftMsPerHour   *float64   `json:"drift_ms_per_hour"`
	Warnings         int        `json:"warnings"`
}

// Offset is one stored clock offset measurement.
type Offset struct {
	SyncID        string    `json:"sync_id"`
	Peer          string    `json:"peer"`
	MeasuredAt    time.Time `json:"measured_at"`
	Method        string    `json:"method"`
	OffsetMs      *float64  `json:"offset_ms"`
	UncertaintyMs *float64  `json:"uncertainty_ms"`
	ValidSamples  int       `json:"valid_samples"`
	FailureReason string    `json:"failure_reason,omitempty"`
}

// Open opens (creating if needed) the catalog at path and migrates it to the
// latest schema.
func Open(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// foreign_keys is per connection; one connection keeps it applied.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA foreign_keys = ON; PRAGMA busy_timeout = 5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure %s: %w", path, err)
	}

	c := &Catalog{DB: db, path: path}
	if err := c.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	diagf("opened catalog %s", path)
	return c, nil
}

// Path returns the database path the catalog was opened with.
func (c *Catalog) Path() string { return c.path }

// RecordStart stores a newly started unified session.
func (c *Catalog) RecordStart(ctx context.Context, m session.Metadata) error {
	return c.record(ctx, m)
}

// RecordStop updates the session row with its final metadata.
func (c *Catalog) RecordStop(ctx context.Context, m session.Metadata) error {
	return c.record(ctx, m)
}

// record upserts the session row and replaces its offset measurements with
// the ones carried by m.
func (c *Catalog) record(ctx context.Context, m session.Metadata) error {
	if m.SyncID == "" {
		return fmt.Errorf("catalog: metadata has no sync id")
	}
	doc, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	surface := m.Sensors[session.SensorSurface]
	inwater := m.Sensors[session.SensorInWater]

	tx, err := c.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (
			sync_id, session_name, mission_name, directory, rate_hz, roll_interval_s,
			started_unix_ms, stopped_unix_ms, duration_s,
			surface_session_id, inwater_session_id, surface_rows, inwater_rows,
			initial_offset_ms, final_offset_ms, drift_ms_per_hour,
			warnings, metadata_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (sync_id) DO UPDATE SET
			stopped_unix_ms = excluded.stopped_unix_ms,
			duration_s = excluded.duration_s,
			surface_session_id = excluded.surface_session_id,
			inwater_session_id = excluded.inwater_session_id,
			surface_rows = excluded.surface_rows,
			inwater_rows = excluded.inwater_rows,
			initial_offset_ms = excluded.initial_offset_ms,
			final_offset_ms = excluded.final_offset_ms,
			drift_ms_per_hour = excluded.drift_ms_per_hour,
			warnings = excluded.warnings,
			metadata_json = excluded.metadata_json
	`,
		m.SyncID, m.SessionName, m.MissionName, m.Directory, m.RateHz, m.RollIntervalS,
		m.RecordingStarted.UnixMilli(), unixMillis(m.RecordingStopped), nullFloat(m.DurationS),
		nullString(surface.SessionID), nullString(inwater.SessionID), nullInt(surface.Rows), nullInt(inwater.Rows),
		nullFloat(m.ClockSync.InitialOffsetMs), nullFloat(m.ClockSync.FinalOffsetMs), nullFloat(m.ClockSync.DriftMsPerHour),
		len(m.Warnings), string(doc),
	)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", m.SyncID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM offset_measurements WHERE sync_id = ?`, m.SyncID); err != nil {
		return fmt.Errorf("clear offsets for %s: %w", m.SyncID, err)
	}
	for _, meas := range m.ClockSync.Measurements {
		if err := insertOffset(ctx, tx, m.SyncID, meas); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	diagf("recorded session %s (%s), %d offset measurements", m.SyncID, m.SessionName, len(m.ClockSync.Measurements))
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertOffset(ctx context.Context, db execer, syncID string, m clocksync.Measurement) error {
	tracef("offset %s peer=%s method=%s", syncID, m.Peer, m.Method)
	_, err := db.ExecContext(ctx, `
		INSERT INTO offset_measurements (
			sync_id, peer, measured_unix_ms, method, offset_ms, uncertainty_ms, valid_samples, failure_reason
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, syncID, m.Peer, m.MeasuredAt.UnixMilli(), m.Method, nullFloat(m.OffsetMs), nullFloat(m.UncertaintyMs),
		m.ValidSamples, nullString(m.FailureReason))
	if err != nil {
		return fmt.Errorf("insert offset for %s: %w", syncID, err)
	}
	return nil
}

const sessionColumns = `
	sync_id, session_name, mission_name, directory, rate_hz, roll_interval_s,
	started_unix_ms, stopped_unix_ms, duration_s,
	surface_session_id, inwater_session_id, surface_rows, inwater_rows,
	initial_offset_ms, final_offset_ms, drift_ms_per_hour, warnings`

// Sessions returns the most recently started sessions first. A limit of zero
// or less uses DefaultSessionsLimit.
func (c *Catalog) Sessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = DefaultSessionsLimit
	}
	rows, err := c.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY started_unix_ms DESC, sync_id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// Session returns one session row.
func (c *Catalog) Session(ctx context.Context, syncID string) (Session, error) {
	row := c.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE sync_id = ?`, syncID)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, syncID)
	}
	return s, err
}

// Metadata returns the full metadata document last recorded for a session.
func (c *Catalog) Metadata(ctx context.Context, syncID string) (*session.Metadata, error) {
	var doc string
	err := c.QueryRowContext(ctx, `SELECT metadata_json FROM sessions WHERE sync_id = ?`, syncID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, syncID)
	}
	if err != nil {
		return nil, err
	}
	var m session.Metadata
	if err := json.Unmarshal([]byte(doc), &m); err != nil {
		return nil, fmt.Errorf("decode metadata for %s: %w", syncID, err)
	}
	return &m, nil
}

// Offsets returns a session's measurements in the order they were taken.
func (c *Catalog) Offsets(ctx context.Context, syncID string) ([]Offset, error) {
	rows, err := c.QueryContext(ctx, `
		SELECT sync_id, peer, measured_unix_ms, method, offset_ms, uncertainty_ms, valid_samples, failure_reason
		FROM offset_measurements WHERE sync_id = ? ORDER BY measured_unix_ms, measurement_id
	`, syncID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	offsets := []Offset{}
	for rows.Next() {
		var (
			o        Offset
			measured int64
			off, unc sql.NullFloat64
			reason   sql.NullString
		)
		if err := rows.Scan(&o.SyncID, &o.Peer, &measured, &o.Method, &off, &unc, &o.ValidSamples, &reason); err != nil {
			return nil, err
		}
		o.MeasuredAt = time.UnixMilli(measured).UTC()
		o.OffsetMs = floatPtr(off)
		o.UncertaintyMs = floatPtr(unc)
		o.FailureReason = reason.String
		offsets = append(offsets, o)
	}
	return offsets, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (Session, error) {
	var (
		s                     Session
		started               int64
		stopped               sql.NullInt64
		duration              sql.NullFloat64
		surfaceID, inwaterID  sql.NullString
		surfaceRows, iwRows   sql.NullInt64
		initial, final, drift sql.NullFloat64
	)
	err := row.Scan(&s.SyncID, &s.SessionName, &s.MissionName, &s.Directory, &s.RateHz, &s.RollIntervalS,
		&started, &stopped, &duration,
		&surfaceID, &inwaterID, &surfaceRows, &iwRows,
		&initial, &final, &drift, &s.Warnings)
	if err != nil {
		return Session{}, err
	}
	s.StartedAt = time.UnixMilli(started).UTC()
	if stopped.Valid {
		t := time.UnixMilli(stopped.Int64).UTC()
		s.StoppedAt = &t
	}
	s.DurationS = floatPtr(duration)
	s.SurfaceSessionID = surfaceID.String
	s.InWaterSessionID = inwaterID.String
	s.SurfaceRows = intPtr(surfaceRows)
	s.InWaterRows = intPtr(iwRows)
	s.InitialOffsetMs = floatPtr(initial)
	s.FinalOffsetMs = floatPtr(final)
	s.DriftMsPerHour = floatPtr(drift)
	return s, nil
}

func unixMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullInt(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}
