package fsutil

import (
	"errors"
	"io"
	"os"
	"strings"
	"sync"
)

// ErrInjected is the error returned by FaultyFileSystem for injected faults.
var ErrInjected = errors.New("injected filesystem fault")

// FaultyFileSystem wraps a FileSystem and fails selected operations. A fault
// is armed per operation name ("append", "rename", "truncate", "write",
// "create") with a path substring and a count of failures to produce.
type FaultyFileSystem struct {
	FileSystem

	mu     sync.Mutex
	faults map[string]*fault
	// PartialAppend, when positive, makes a failing append write that many
	// bytes before reporting the error.
	PartialAppend int
}

type fault struct {
	match     string
	remaining int
}

// NewFaultyFileSystem wraps inner.
func NewFaultyFileSystem(inner FileSystem) *FaultyFileSystem {
	return &FaultyFileSystem{FileSystem: inner, faults: make(map[string]*fault)}
}

// Fail arms op to fail the next n calls whose path contains match. A negative
// n fails forever.
func (f *FaultyFileSystem) Fail(op, match string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[op] = &fault{match: match, remaining: n}
}

// Clear disarms every fault.
func (f *FaultyFileSystem) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = make(map[string]*fault)
}

func (f *FaultyFileSystem) trip(op, path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	ft, ok := f.faults[op]
	if !ok || ft.remaining == 0 || !strings.Contains(path, ft.match) {
		return false
	}
	if ft.remaining > 0 {
		ft.remaining--
	}
	return true
}

func (f *FaultyFileSystem) AppendFile(name string, data []byte) (int, error) {
	if f.trip("append", name) {
		n := 0
		if f.PartialAppend > 0 && f.PartialAppend < len(data) {
			n, _ = f.FileSystem.AppendFile(name, data[:f.PartialAppend])
		}
		return n, ErrInjected
	}
	return f.FileSystem.AppendFile(name, data)
}

func (f *FaultyFileSystem) Rename(oldpath, newpath string) error {
	if f.trip("rename", oldpath) {
		return ErrInjected
	}
	return f.FileSystem.Rename(oldpath, newpath)
}

func (f *FaultyFileSystem) Truncate(name string, size int64) error {
	if f.trip("truncate", name) {
		return ErrInjected
	}
	return f.FileSystem.Truncate(name, size)
}

func (f *FaultyFileSystem) WriteFile(name string, data []byte, perm os.FileMode) error {
	if f.trip("write", name) {
		return ErrInjected
	}
	return f.FileSystem.WriteFile(name, data, perm)
}

func (f *FaultyFileSystem) Create(name string) (io.WriteCloser, error) {
	if f.trip("create", name) {
		return nil, ErrInjected
	}
	return f.FileSystem.Create(name)
}
