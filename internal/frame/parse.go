package frame

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrInvalidFrame is returned for any line that cannot be parsed. Callers drop
// the line; it is never fatal.
var ErrInvalidFrame = errors.New("invalid frame")

// maxFields is value, temperature and supply voltage.
const maxFields = 3

// ParseFreerunLine parses `[preamble]value[, temp[, vin]]`. The preamble is
// any leading run of characters that cannot start a number, e.g. "$LITE".
func ParseFreerunLine(line string) (Reading, error) {
	body := stripPreamble(strings.TrimSpace(line))
	if body == "" {
		return Reading{}, fmt.Errorf("%w: no numeric value in %q", ErrInvalidFrame, line)
	}
	r, err := parseFields(strings.Split(body, ","))
	if err != nil {
		return Reading{}, fmt.Errorf("%w: %q: %v", ErrInvalidFrame, line, err)
	}
	r.Mode = ModeFreerun
	return r, nil
}

// ParsePolledLine parses `TAG,value[, temp[, vin]]`. The first field must
// equal expectedTag exactly; the comparison is case-sensitive.
func ParsePolledLine(line, expectedTag string) (Reading, error) {
	fields := strings.Split(strings.TrimSpace(line), ",")
	if len(fields) < 2 {
		return Reading{}, fmt.Errorf("%w: polled line %q has no value", ErrInvalidFrame, line)
	}
	if tag := strings.TrimSpace(fields[0]); tag != expectedTag {
		return Reading{}, fmt.Errorf("%w: tag %q does not match %q", ErrInvalidFrame, tag, expectedTag)
	}
	r, err := parseFields(fields[1:])
	if err != nil {
		return Reading{}, fmt.Errorf("%w: %q: %v", ErrInvalidFrame, line, err)
	}
	r.Mode = ModePolled
	return r, nil
}

// FormatFreerunLine renders r the way the instrument emits it in freerun mode,
// without the line terminator. It is the inverse of ParseFreerunLine.
func FormatFreerunLine(preamble string, r Reading) string {
	var b strings.Builder
	b.WriteString(preamble)
	b.WriteString(strconv.FormatFloat(r.Value, 'f', -1, 64))
	if r.TempC != nil || r.Vin != nil {
		b.WriteString(", ")
		if r.TempC != nil {
			b.WriteString(strconv.FormatFloat(*r.TempC, 'f', -1, 64))
		}
	}
	if r.Vin != nil {
		b.WriteString(", ")
		b.WriteString(strconv.FormatFloat(*r.Vin, 'f', -1, 64))
	}
	return b.String()
}

// FormatPolledLine renders r as a polled response for tag.
func FormatPolledLine(tag string, r Reading) string {
	return tag + "," + FormatFreerunLine("", r)
}

func stripPreamble(s string) string {
	// a comma ends the preamble so "$LITE,12" is rejected rather than
	// silently read as 12
	i := strings.IndexFunc(s, func(r rune) bool { return startsNumber(r) || r == ',' })
	if i < 0 {
		return ""
	}
	return s[i:]
}

func startsNumber(r rune) bool {
	return (r >= '0' && r <= '9') || r == '+' || r == '-' || r == '.'
}

// parseFields reads value[, temp[, vin]]. A trailing field that is empty
// counts as absent; a present field that is not a finite number is an error.
func parseFields(fields []string) (Reading, error) {
	if len(fields) == 0 || len(fields) > maxFields {
		return Reading{}, fmt.Errorf("expected 1-%d fields, got %d", maxFields, len(fields))
	}

	var r Reading
	value, ok, err := parseNumber(fields[0])
	if err != nil {
		return Reading{}, fmt.Errorf("value: %w", err)
	}
	if !ok {
		return Reading{}, errors.New("missing value")
	}
	r.Value = value

	if len(fields) > 1 {
		v, ok, err := parseNumber(fields[1])
		if err != nil {
			return Reading{}, fmt.Errorf("temperature: %w", err)
		}
		if ok {
			r.TempC = &v
		}
	}
	if len(fields) > 2 {
		v, ok, err := parseNumber(fields[2])
		if err != nil {
			return Reading{}, fmt.Errorf("voltage: %w", err)
		}
		if ok {
			r.Vin = &v
		}
	}
	return r, nil
}

func parseNumber(field string) (float64, bool, error) {
	s := strings.TrimSpace(field)
	if s == "" {
		return 0, false, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false, fmt.Errorf("%q is not numeric", s)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false, fmt.Errorf("%q is not finite", s)
	}
	return v, true, nil
}
