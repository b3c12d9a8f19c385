package frame

import (
	"fmt"
	"strconv"
	"strings"
)

// Positions in the comma-separated configuration dump.
const (
	cfgAveraging = iota
	cfgBaud
	cfgCalFactor
	cfgDescription
	cfgFlagsA
	cfgFirmware
	cfgFlagsB
	cfgSerial
	cfgMode
	cfgTag
	cfgAdcRate

	cfgMinFields = cfgMode + 1
)

// InstrumentConfig is the instrument's configuration as reported in its
// configuration dump.
type InstrumentConfig struct {
	Averaging    int     `json:"averaging"`
	BaudRate     int     `json:"baud_rate"`
	CalFactor    float64 `json:"cal_factor"`
	Description  string  `json:"description"`
	Firmware     string  `json:"firmware"`
	SerialNumber string  `json:"serial_number"`
	Mode         Mode    `json:"mode"`
	// Tag is the single uppercase letter used in polled mode; empty when
	// the instrument does not report one.
	Tag string `json:"tag,omitempty"`
	// AdcRate is zero when not reported.
	AdcRate int `json:"adc_rate,omitempty"`
}

// ParseConfigCSV parses a fixed-position configuration dump record.
func ParseConfigCSV(line string) (InstrumentConfig, error) {
	fields := strings.Split(strings.TrimSpace(line), ",")
	if len(fields) < cfgMinFields {
		return InstrumentConfig{}, fmt.Errorf("%w: config record has %d fields, want at least %d", ErrInvalidFrame, len(fields), cfgMinFields)
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	var cfg InstrumentConfig
	var err error
	if cfg.Averaging, err = strconv.Atoi(fields[cfgAveraging]); err != nil || cfg.Averaging <= 0 {
		return InstrumentConfig{}, fmt.Errorf("%w: averaging %q", ErrInvalidFrame, fields[cfgAveraging])
	}
	if cfg.BaudRate, err = strconv.Atoi(fields[cfgBaud]); err != nil || cfg.BaudRate <= 0 {
		return InstrumentConfig{}, fmt.Errorf("%w: baud %q", ErrInvalidFrame, fields[cfgBaud])
	}
	if cfg.CalFactor, err = strconv.ParseFloat(fields[cfgCalFactor], 64); err != nil {
		return InstrumentConfig{}, fmt.Errorf("%w: calibration factor %q", ErrInvalidFrame, fields[cfgCalFactor])
	}
	cfg.Description = fields[cfgDescription]
	cfg.Firmware = fields[cfgFirmware]
	cfg.SerialNumber = fields[cfgSerial]
	if cfg.Firmware == "" || cfg.SerialNumber == "" {
		return InstrumentConfig{}, fmt.Errorf("%w: config record missing firmware or serial number", ErrInvalidFrame)
	}
	if cfg.Mode, err = ParseMode(fields[cfgMode]); err != nil {
		return InstrumentConfig{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}

	if len(fields) > cfgTag && fields[cfgTag] != "" {
		if !ValidTag(fields[cfgTag]) {
			return InstrumentConfig{}, fmt.Errorf("%w: tag %q", ErrInvalidFrame, fields[cfgTag])
		}
		cfg.Tag = fields[cfgTag]
	}
	if len(fields) > cfgAdcRate && fields[cfgAdcRate] != "" {
		if cfg.AdcRate, err = strconv.Atoi(fields[cfgAdcRate]); err != nil || cfg.AdcRate < 0 {
			return InstrumentConfig{}, fmt.Errorf("%w: adc rate %q", ErrInvalidFrame, fields[cfgAdcRate])
		}
	}
	return cfg, nil
}

// FormatConfigCSV renders cfg as the instrument would dump it. Unknown flag
// columns are written as zero.
func FormatConfigCSV(cfg InstrumentConfig) string {
	mode := "0"
	if cfg.Mode == ModePolled {
		mode = "1"
	}
	fields := []string{
		strconv.Itoa(cfg.Averaging),
		strconv.Itoa(cfg.BaudRate),
		strconv.FormatFloat(cfg.CalFactor, 'f', -1, 64),
		cfg.Description,
		"0",
		cfg.Firmware,
		"0",
		cfg.SerialNumber,
		mode,
		cfg.Tag,
		strconv.Itoa(cfg.AdcRate),
	}
	return strings.Join(fields, ",")
}
