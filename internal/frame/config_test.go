package frame

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigCSV(t *testing.T) {
	got, err := ParseConfigCSV("16, 9600, 1.0042, PAR surface, 0x01, 2.4.1, 0x00, SN04417, 1, B, 50")
	require.NoError(t, err)

	want := InstrumentConfig{
		Averaging:    16,
		BaudRate:     9600,
		CalFactor:    1.0042,
		Description:  "PAR surface",
		Firmware:     "2.4.1",
		SerialNumber: "SN04417",
		Mode:         ModePolled,
		Tag:          "B",
		AdcRate:      50,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestParseConfigCSV_OptionalTrailingFields(t *testing.T) {
	cfg, err := ParseConfigCSV("4,19200,1,desc,0,1.0.0,0,X1,F")
	require.NoError(t, err)
	assert.Equal(t, ModeFreerun, cfg.Mode)
	assert.Empty(t, cfg.Tag)
	assert.Zero(t, cfg.AdcRate)
}

func TestParseConfigCSV_Malformed(t *testing.T) {
	for name, line := range map[string]string{
		"too short":         "16,9600,1.0",
		"bad averaging":     "x,9600,1,d,0,1.0,0,SN1,0",
		"zero averaging":    "0,9600,1,d,0,1.0,0,SN1,0",
		"bad baud":          "16,fast,1,d,0,1.0,0,SN1,0",
		"bad calfactor":     "16,9600,one,d,0,1.0,0,SN1,0",
		"missing firmware":  "16,9600,1,d,0,,0,SN1,0",
		"missing serial":    "16,9600,1,d,0,1.0,0,,0",
		"bad mode":          "16,9600,1,d,0,1.0,0,SN1,7",
		"lowercase tag":     "16,9600,1,d,0,1.0,0,SN1,1,b",
		"bad adc rate":      "16,9600,1,d,0,1.0,0,SN1,1,B,-3",
		"freerun data line": "$LITE123.4, 21.0, 12.0",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConfigCSV(line)
			assert.ErrorIs(t, err, ErrInvalidFrame)
		})
	}
}

func TestFormatConfigCSV_RoundTrip(t *testing.T) {
	want := InstrumentConfig{
		Averaging:    8,
		BaudRate:     115200,
		CalFactor:    0.998,
		Description:  "surface",
		Firmware:     "3.0",
		SerialNumber: "S-77",
		Mode:         ModeFreerun,
		Tag:          "C",
		AdcRate:      25,
	}
	got, err := ParseConfigCSV(FormatConfigCSV(want))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
