package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lightlog/internal/frame"
	"github.com/banshee-data/lightlog/internal/monitoring"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestEmptyConfigDefaults(t *testing.T) {
	cfg := Empty()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "", cfg.GetSerialPort())
	assert.Equal(t, frame.ModeFreerun, cfg.GetMode())
	assert.Equal(t, 2*time.Second, cfg.GetPromptTimeout())
	assert.Equal(t, "data", cfg.GetDataRoot())
	assert.Equal(t, 10.0, cfg.GetRateHz())
	assert.Equal(t, time.Minute, cfg.GetRollInterval())
	assert.Equal(t, 500*time.Millisecond, cfg.GetFlushInterval())
	assert.Equal(t, int64(4<<20), cfg.GetTargetChunkBytes())
	assert.False(t, cfg.GetRetainChunks())
	assert.Equal(t, "", cfg.GetCompanionURL())
	assert.Equal(t, 5*time.Second, cfg.GetCompanionTimeout())
	assert.Equal(t, 5, cfg.GetOffsetSamples())
	assert.Equal(t, 200*time.Millisecond, cfg.GetMaxRTT())
	assert.Equal(t, ":8080", cfg.GetListen())
	assert.Equal(t, filepath.Join("data", "catalog.db"), cfg.GetCatalogPath())
	assert.Equal(t, monitoring.LevelDiag, cfg.GetLogLevel())

	opts, err := cfg.PortOptions().Normalise()
	require.NoError(t, err)
	assert.Equal(t, 19200, opts.BaudRate)
	assert.Equal(t, "N", opts.Parity)
}

func TestLoad_JSONC(t *testing.T) {
	path := writeConfig(t, "lightlog.jsonc", `{
  // instrument on the surface buoy
  "serial_port": "/dev/ttyUSB1",
  "baud_rate": 9600,
  "mode": "polled",
  "rate_hz": 2.5,
  "roll_interval": "30s",
  "companion_url": "http://10.0.0.7:8080/",
  "log_level": "trace",
}`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyUSB1", cfg.GetSerialPort())
	assert.Equal(t, 9600, cfg.PortOptions().BaudRate)
	assert.Equal(t, frame.ModePolled, cfg.GetMode())
	assert.Equal(t, 2.5, cfg.GetRateHz())
	assert.Equal(t, 30*time.Second, cfg.GetRollInterval())
	assert.Equal(t, "http://10.0.0.7:8080", cfg.GetCompanionURL(), "trailing slash trimmed")
	assert.Equal(t, monitoring.LevelTrace, cfg.GetLogLevel())
	// untouched keys keep defaults
	assert.Equal(t, 5, cfg.GetOffsetSamples())
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, "lightlog.yaml", `
serial_port: /dev/ttyS0
data_root: /srv/lightlog
target_chunk_bytes: 1048576
retain_chunks: true
max_rtt: 150ms
catalog_path: /var/lib/lightlog/catalog.db
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyS0", cfg.GetSerialPort())
	assert.Equal(t, "/srv/lightlog", cfg.GetDataRoot())
	assert.Equal(t, int64(1<<20), cfg.GetTargetChunkBytes())
	assert.True(t, cfg.GetRetainChunks())
	assert.Equal(t, 150*time.Millisecond, cfg.GetMaxRTT())
	assert.Equal(t, "/var/lib/lightlog/catalog.db", cfg.GetCatalogPath())
}

func TestLoad_EmptyYAML(t *testing.T) {
	cfg, err := Load(writeConfig(t, "empty.yml", ""))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.GetListen())
}

func TestLoad_ExampleFile(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", ExampleConfigPath))
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB0", cfg.GetSerialPort())
	assert.Equal(t, "", cfg.GetCompanionURL())
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{"extension", "lightlog.toml", `listen = ":1"`, "extension"},
		{"bad json", "c.json", `{"listen": }`, "parse config JSON"},
		{"unknown json key", "c.json", `{"listn": ":1"}`, "unknown field"},
		{"unknown yaml key", "c.yaml", "listn: ':1'\n", "not found"},
		{"bad duration", "c.json", `{"roll_interval": "soon"}`, "roll_interval"},
		{"negative duration", "c.json", `{"max_rtt": "-1s"}`, "max_rtt must be positive"},
		{"rate", "c.json", `{"rate_hz": 0}`, "rate_hz"},
		{"mode", "c.json", `{"mode": "burst"}`, "invalid mode"},
		{"baud", "c.json", `{"baud_rate": 12345}`, "baud rate"},
		{"parity", "c.json", `{"parity": "M"}`, "parity"},
		{"samples", "c.json", `{"offset_samples": 0}`, "offset_samples"},
		{"chunk bytes", "c.json", `{"target_chunk_bytes": -5}`, "target_chunk_bytes"},
		{"companion scheme", "c.json", `{"companion_url": "ftp://x"}`, "companion_url"},
		{"companion host", "c.json", `{"companion_url": "http://"}`, "companion_url"},
		{"log level", "c.json", `{"log_level": "loud"}`, "log level"},
		{"data root", "c.json", `{"data_root": "  "}`, "data_root"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.file, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.ErrorContains(t, err, "failed to stat")
}

func TestLoad_TooLarge(t *testing.T) {
	big := `{"mission": "` + strings.Repeat("x", maxFileSize) + `"}`
	_, err := Load(writeConfig(t, "big.json", big))
	assert.ErrorContains(t, err, "too large")
}

func TestOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, "c.json", `{"listen": ":9000", "rate_hz": 4, "mission": "reef"}`))
	require.NoError(t, err)

	fs := pflag.NewFlagSet("lightlog", pflag.ContinueOnError)
	o := RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--rate-hz=20", "--retain-chunks", "--companion-url", "http://peer:8080"}))
	require.NoError(t, o.Apply(cfg))

	assert.Equal(t, ":9000", cfg.GetListen(), "unset flags leave file values")
	assert.Equal(t, "reef", cfg.GetMission())
	assert.Equal(t, 20.0, cfg.GetRateHz())
	assert.True(t, cfg.GetRetainChunks())
	assert.Equal(t, "http://peer:8080", cfg.GetCompanionURL())
}

func TestOverrides_Invalid(t *testing.T) {
	fs := pflag.NewFlagSet("lightlog", pflag.ContinueOnError)
	o := RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--mode=burst"}))
	assert.Error(t, o.Apply(Empty()))
}
