package recorder

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

const checksumPrefix = "blake3:"

// Checksum returns the content checksum recorded for a finalized file.
func Checksum(data []byte) string {
	sum := blake3.Sum256(data)
	return checksumPrefix + hex.EncodeToString(sum[:])
}

// VerifyChecksum reports whether data matches a checksum produced by Checksum.
func VerifyChecksum(data []byte, want string) error {
	if !strings.HasPrefix(want, checksumPrefix) {
		return fmt.Errorf("%w: unsupported checksum %q", ErrFinalization, want)
	}
	if got := Checksum(data); got != want {
		return fmt.Errorf("%w: checksum mismatch: have %s, want %s", ErrFinalization, got, want)
	}
	return nil
}

func newHasher() *blake3.Hasher { return blake3.New() }

func sumString(h *blake3.Hasher) string {
	return checksumPrefix + hex.EncodeToString(h.Sum(nil))
}
