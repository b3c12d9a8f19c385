package recorder

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/banshee-data/lightlog/internal/fsutil"
)

// SchemaVersion is written to every manifest.
const SchemaVersion = 1

// ManifestName is the manifest's file name inside a session directory.
const ManifestName = "manifest.json"

// ChunkMetadata describes one finalized chunk. It never changes once it is in
// the manifest.
type ChunkMetadata struct {
	Index     int       `json:"index"`
	Name      string    `json:"name"`
	Rows      int       `json:"rows"`
	Checksum  string    `json:"checksum"`
	SizeBytes int64     `json:"size_bytes"`
	Timestamp time.Time `json:"timestamp"`
}

// AbandonedChunk is a chunk left on disk under its temporary name after
// finalization failed twice. Its rows are not counted in TotalRows.
type AbandonedChunk struct {
	Index     int       `json:"index"`
	Name      string    `json:"name"`
	Rows      int       `json:"rows"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// CombinedFile describes the single output produced at stop.
type CombinedFile struct {
	Name      string `json:"name"`
	Rows      int    `json:"rows"`
	Checksum  string `json:"checksum"`
	SizeBytes int64  `json:"size_bytes"`
}

// Manifest is the authoritative ledger of a session's finalized chunks.
type Manifest struct {
	SessionID       string           `json:"session_id"`
	SensorID        string           `json:"sensor_id"`
	Mission         string           `json:"mission"`
	RateHz          float64          `json:"rate_hz"`
	RollIntervalS   float64          `json:"roll_interval_s"`
	StartedAt       time.Time        `json:"started_at"`
	StoppedAt       *time.Time       `json:"stopped_at"`
	NextChunkIndex  int              `json:"next_chunk_index"`
	TotalRows       int              `json:"total_rows"`
	SchemaVersion   int              `json:"schema_version"`
	Chunks          []ChunkMetadata  `json:"chunks"`
	AbandonedChunks []AbandonedChunk `json:"abandoned_chunks,omitempty"`
	Combined        *CombinedFile    `json:"combined,omitempty"`
}

// Validate checks that TotalRows is the sum of the chunk rows.
func (m *Manifest) Validate() error {
	sum := 0
	for _, c := range m.Chunks {
		sum += c.Rows
	}
	if sum != m.TotalRows {
		return fmt.Errorf("manifest total_rows %d != sum of chunk rows %d", m.TotalRows, sum)
	}
	return nil
}

// appendChunk records a finalized chunk and keeps TotalRows in step.
func (m *Manifest) appendChunk(c ChunkMetadata) {
	m.Chunks = append(m.Chunks, c)
	m.TotalRows += c.Rows
}

// writeManifest persists m next to dir's chunks, writing a temporary file and
// renaming it over the previous manifest.
func writeManifest(fsys fsutil.FileSystem, dir string, m *Manifest) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if m.Chunks == nil {
		m.Chunks = []ChunkMetadata{}
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, ManifestName)
	tmp := path + ".tmp"
	if err := fsys.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := fsys.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

// ReadManifest loads the manifest from a session directory.
func ReadManifest(fsys fsutil.FileSystem, dir string) (*Manifest, error) {
	data, err := fsys.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}
