package frame

import (
	"strings"
	"unicode"
)

// Banner keys, matched case-insensitively at the start of a token. Longer
// keys come first so "serial number" wins over "serial".
var (
	versionKeys = []string{"firmware version", "firmware", "version", "ver", "fw"}
	serialKeys  = []string{"serial number", "serial no", "serial", "s/n", "sn"}
	modeKeys    = []string{"operating mode", "mode"}
)

// ExtractVersion finds a firmware version in free banner text. The second
// result is false when none is present.
func ExtractVersion(banner string) (string, bool) {
	return extractValue(banner, versionKeys, hasDigit)
}

// ExtractSerial finds the serial number in free banner text.
func ExtractSerial(banner string) (string, bool) {
	return extractValue(banner, serialKeys, hasDigit)
}

// ExtractMode finds the operating mode in free banner text.
func ExtractMode(banner string) (Mode, bool) {
	v, ok := extractValue(banner, modeKeys, func(s string) bool {
		_, err := ParseMode(normalizeModeWord(s))
		return err == nil
	})
	if !ok {
		return "", false
	}
	m, _ := ParseMode(normalizeModeWord(v))
	return m, true
}

func normalizeModeWord(s string) string {
	s = strings.ToLower(s)
	switch {
	case strings.HasPrefix(s, "free"):
		return "freerun"
	case strings.HasPrefix(s, "poll"):
		return "polled"
	}
	return s
}

// extractValue scans each banner line for one of keys and returns the first
// following token accepted by valid. Keys must start at a word boundary.
func extractValue(banner string, keys []string, valid func(string) bool) (string, bool) {
	for _, line := range strings.Split(banner, "\n") {
		lower := strings.ToLower(line)
		if len(lower) != len(line) {
			// non-ASCII case folding shifted offsets; fall back to the folded text
			line = lower
		}
		for _, key := range keys {
			for from := 0; from < len(lower); {
				i := strings.Index(lower[from:], key)
				if i < 0 {
					break
				}
				start := from + i
				end := start + len(key)
				from = end
				if start > 0 && isWordRune(rune(lower[start-1])) {
					continue
				}
				if end < len(lower) && isWordRune(rune(lower[end])) {
					continue
				}
				if tok, ok := nextToken(line[end:]); ok && valid(tok) {
					return tok, true
				}
			}
		}
	}
	return "", false
}

// nextToken skips separators (spaces, ':', '=', '#') and returns the run of
// characters up to the next space or comma.
func nextToken(s string) (string, bool) {
	s = strings.TrimLeftFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || r == ':' || r == '=' || r == '#'
	})
	end := strings.IndexFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || r == ',' || r == ';'
	})
	if end >= 0 {
		s = s[:end]
	}
	s = strings.TrimRight(s, ".")
	return s, s != ""
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}

func hasDigit(s string) bool {
	return strings.IndexFunc(s, unicode.IsDigit) >= 0
}
