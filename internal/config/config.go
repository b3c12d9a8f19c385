package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/banshee-data/lightlog/internal/frame"
	"github.com/banshee-data/lightlog/internal/monitoring"
	"github.com/banshee-data/lightlog/internal/serialmux"
)

// ExampleConfigPath is the annotated example shipped with the repository.
const ExampleConfigPath = "config/lightlog.example.jsonc"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Config is the logger's startup configuration. Every field is optional; the
// Get* methods supply the default for anything left unset, so partial files
// are safe.
type Config struct {
	// Serial connection
	SerialPort *string `json:"serial_port,omitempty" yaml:"serial_port,omitempty"`
	BaudRate   *int    `json:"baud_rate,omitempty" yaml:"baud_rate,omitempty"`
	DataBits   *int    `json:"data_bits,omitempty" yaml:"data_bits,omitempty"`
	StopBits   *int    `json:"stop_bits,omitempty" yaml:"stop_bits,omitempty"`
	Parity     *string `json:"parity,omitempty" yaml:"parity,omitempty"`

	// Instrument
	SensorID      *string `json:"sensor_id,omitempty" yaml:"sensor_id,omitempty"`
	Mode          *string `json:"mode,omitempty" yaml:"mode,omitempty"`
	PromptTimeout *string `json:"prompt_timeout,omitempty" yaml:"prompt_timeout,omitempty"` // duration string like "2s"

	// Recording
	Mission          *string  `json:"mission,omitempty" yaml:"mission,omitempty"`
	DataRoot         *string  `json:"data_root,omitempty" yaml:"data_root,omitempty"`
	RateHz           *float64 `json:"rate_hz,omitempty" yaml:"rate_hz,omitempty"`
	RollInterval     *string  `json:"roll_interval,omitempty" yaml:"roll_interval,omitempty"`
	FlushInterval    *string  `json:"flush_interval,omitempty" yaml:"flush_interval,omitempty"`
	TargetChunkBytes *int64   `json:"target_chunk_bytes,omitempty" yaml:"target_chunk_bytes,omitempty"`
	RetainChunks     *bool    `json:"retain_chunks,omitempty" yaml:"retain_chunks,omitempty"`

	// Companion and clock sync
	CompanionURL     *string `json:"companion_url,omitempty" yaml:"companion_url,omitempty"`
	CompanionTimeout *string `json:"companion_timeout,omitempty" yaml:"companion_timeout,omitempty"`
	OffsetSamples    *int    `json:"offset_samples,omitempty" yaml:"offset_samples,omitempty"`
	MaxRTT           *string `json:"max_rtt,omitempty" yaml:"max_rtt,omitempty"`

	// Service
	Listen      *string `json:"listen,omitempty" yaml:"listen,omitempty"`
	CatalogPath *string `json:"catalog_path,omitempty" yaml:"catalog_path,omitempty"`
	LogLevel    *string `json:"log_level,omitempty" yaml:"log_level,omitempty"`
}

// Empty returns a Config with every field unset.
func Empty() *Config {
	return &Config{}
}

// Load reads a Config from a .json, .jsonc, .yaml or .yml file. Comments and
// trailing commas are accepted in JSON files. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	switch ext {
	case ".json", ".jsonc", ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("config file must have .json, .jsonc, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Empty()
	switch ext {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *Config) Validate() error {
	if _, err := c.PortOptions().Normalise(); err != nil {
		return err
	}

	if c.Mode != nil {
		if _, err := frame.ParseMode(*c.Mode); err != nil {
			return fmt.Errorf("invalid mode: %w", err)
		}
	}

	durations := []struct {
		name string
		val  *string
	}{
		{"prompt_timeout", c.PromptTimeout},
		{"roll_interval", c.RollInterval},
		{"flush_interval", c.FlushInterval},
		{"companion_timeout", c.CompanionTimeout},
		{"max_rtt", c.MaxRTT},
	}
	for _, d := range durations {
		if d.val == nil || *d.val == "" {
			continue
		}
		v, err := time.ParseDuration(*d.val)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", d.name, *d.val, err)
		}
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, *d.val)
		}
	}

	if c.RateHz != nil && *c.RateHz <= 0 {
		return fmt.Errorf("rate_hz must be positive, got %g", *c.RateHz)
	}
	if c.TargetChunkBytes != nil && *c.TargetChunkBytes <= 0 {
		return fmt.Errorf("target_chunk_bytes must be positive, got %d", *c.TargetChunkBytes)
	}
	if c.OffsetSamples != nil && *c.OffsetSamples < 1 {
		return fmt.Errorf("offset_samples must be at least 1, got %d", *c.OffsetSamples)
	}
	if c.DataRoot != nil && strings.TrimSpace(*c.DataRoot) == "" {
		return fmt.Errorf("data_root must not be empty")
	}

	if c.CompanionURL != nil && *c.CompanionURL != "" {
		u, err := url.Parse(*c.CompanionURL)
		if err != nil {
			return fmt.Errorf("invalid companion_url: %w", err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("companion_url must be an http(s) URL with a host, got %q", *c.CompanionURL)
		}
	}

	if c.LogLevel != nil {
		if _, err := monitoring.ParseLevel(*c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

func durationOr(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// GetSerialPort returns the serial device path. Empty means no instrument is
// configured.
func (c *Config) GetSerialPort() string {
	if c.SerialPort == nil {
		return ""
	}
	return *c.SerialPort
}

// PortOptions returns the serial parameters. Unset values are left zero for
// serialmux.PortOptions.Normalise to default.
func (c *Config) PortOptions() serialmux.PortOptions {
	var o serialmux.PortOptions
	if c.BaudRate != nil {
		o.BaudRate = *c.BaudRate
	}
	if c.DataBits != nil {
		o.DataBits = *c.DataBits
	}
	if c.StopBits != nil {
		o.StopBits = *c.StopBits
	}
	if c.Parity != nil {
		o.Parity = *c.Parity
	}
	return o
}

// GetSensorID returns the configured sensor id. Empty means use the id the
// instrument reports.
func (c *Config) GetSensorID() string {
	if c.SensorID == nil {
		return ""
	}
	return *c.SensorID
}

// GetMode returns the acquisition mode, freerun by default.
func (c *Config) GetMode() frame.Mode {
	if c.Mode == nil {
		return frame.ModeFreerun
	}
	m, err := frame.ParseMode(*c.Mode)
	if err != nil {
		return frame.ModeFreerun
	}
	return m
}

// GetPromptTimeout returns how long the controller waits for a menu prompt.
func (c *Config) GetPromptTimeout() time.Duration {
	return durationOr(c.PromptTimeout, 2*time.Second)
}

// GetMission returns the default mission name used when a start request
// omits one.
func (c *Config) GetMission() string {
	if c.Mission == nil {
		return ""
	}
	return *c.Mission
}

// GetDataRoot returns the directory recordings are written under.
func (c *Config) GetDataRoot() string {
	if c.DataRoot == nil {
		return "data"
	}
	return *c.DataRoot
}

// GetRateHz returns the default nominal sample rate.
func (c *Config) GetRateHz() float64 {
	if c.RateHz == nil {
		return 10
	}
	return *c.RateHz
}

// GetRollInterval returns the default chunk roll interval.
func (c *Config) GetRollInterval() time.Duration {
	return durationOr(c.RollInterval, time.Minute)
}

// GetFlushInterval returns how often queued rows are appended to disk.
func (c *Config) GetFlushInterval() time.Duration {
	return durationOr(c.FlushInterval, 500*time.Millisecond)
}

// GetTargetChunkBytes returns the size at which a chunk is rolled early.
func (c *Config) GetTargetChunkBytes() int64 {
	if c.TargetChunkBytes == nil {
		return 4 << 20
	}
	return *c.TargetChunkBytes
}

// GetRetainChunks reports whether chunk files are kept after combining.
func (c *Config) GetRetainChunks() bool {
	if c.RetainChunks == nil {
		return false
	}
	return *c.RetainChunks
}

// GetCompanionURL returns the in-water companion's base URL, or empty when
// the host records the surface leg alone.
func (c *Config) GetCompanionURL() string {
	if c.CompanionURL == nil {
		return ""
	}
	return strings.TrimRight(*c.CompanionURL, "/")
}

// GetCompanionTimeout returns the per-call timeout for companion requests.
func (c *Config) GetCompanionTimeout() time.Duration {
	return durationOr(c.CompanionTimeout, 5*time.Second)
}

// GetOffsetSamples returns the number of round trips per offset measurement.
func (c *Config) GetOffsetSamples() int {
	if c.OffsetSamples == nil {
		return 5
	}
	return *c.OffsetSamples
}

// GetMaxRTT returns the round-trip time above which a sample is discarded.
func (c *Config) GetMaxRTT() time.Duration {
	return durationOr(c.MaxRTT, 200*time.Millisecond)
}

// GetListen returns the HTTP listen address.
func (c *Config) GetListen() string {
	if c.Listen == nil || *c.Listen == "" {
		return ":8080"
	}
	return *c.Listen
}

// GetCatalogPath returns the session catalog database path, by default
// catalog.db inside the data root.
func (c *Config) GetCatalogPath() string {
	if c.CatalogPath == nil || *c.CatalogPath == "" {
		return filepath.Join(c.GetDataRoot(), "catalog.db")
	}
	return *c.CatalogPath
}

// GetLogLevel returns the log verbosity.
func (c *Config) GetLogLevel() monitoring.Level {
	if c.LogLevel == nil {
		return monitoring.LevelDiag
	}
	l, err := monitoring.ParseLevel(*c.LogLevel)
	if err != nil {
		return monitoring.LevelDiag
	}
	return l
}
