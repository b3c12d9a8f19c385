package frame

import (
	"fmt"
	"strings"
)

// Fixed menu commands. Every command carries its own CRLF terminator.
const (
	// CmdInterrupt breaks the instrument out of acquisition into its menu.
	CmdInterrupt = "\x1b\x1b\x1b\r\n"
	// CmdShowConfig asks for the configuration dump.
	CmdShowConfig = "C\r\n"
	// CmdExitMenu leaves the menu and starts freerun streaming.
	CmdExitMenu = "X\r\n"
)

// Limits accepted by the instrument's menu.
const (
	MinAveraging = 1
	MaxAveraging = 1024
	MinAdcRate   = 1
	MaxAdcRate   = 1000
)

// ValidTag reports whether tag is a single uppercase ASCII letter.
func ValidTag(tag string) bool {
	return len(tag) == 1 && tag[0] >= 'A' && tag[0] <= 'Z'
}

// BuildSetAveraging returns the command that sets the averaging count.
func BuildSetAveraging(n int) (string, error) {
	if n < MinAveraging || n > MaxAveraging {
		return "", fmt.Errorf("averaging %d out of range [%d, %d]", n, MinAveraging, MaxAveraging)
	}
	return fmt.Sprintf("A%d\r\n", n), nil
}

// BuildSetAdcRate returns the command that sets the ADC sample rate.
func BuildSetAdcRate(n int) (string, error) {
	if n < MinAdcRate || n > MaxAdcRate {
		return "", fmt.Errorf("adc rate %d out of range [%d, %d]", n, MinAdcRate, MaxAdcRate)
	}
	return fmt.Sprintf("S%d\r\n", n), nil
}

// BuildSetMode returns the command that selects freerun or polled operation.
func BuildSetMode(m Mode) (string, error) {
	switch m {
	case ModeFreerun:
		return "MF\r\n", nil
	case ModePolled:
		return "MP\r\n", nil
	}
	return "", fmt.Errorf("unknown mode %q", m)
}

// BuildPolledInit returns the command that leaves the menu and arms polled
// responses for tag.
func BuildPolledInit(tag string) (string, error) {
	if !ValidTag(tag) {
		return "", fmt.Errorf("invalid polled tag %q", tag)
	}
	return "*" + tag + "P\r\n", nil
}

// BuildQuery returns the per-reading request for tag.
func BuildQuery(tag string) (string, error) {
	if !ValidTag(tag) {
		return "", fmt.Errorf("invalid polled tag %q", tag)
	}
	return "*" + tag + "?\r\n", nil
}

// IsMenuPrompt reports whether s (a complete line or the pending partial
// line) is the instrument's menu prompt.
func IsMenuPrompt(s string) bool {
	return strings.HasSuffix(strings.TrimSpace(s), ">")
}
