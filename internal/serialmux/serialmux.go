// Package serialmux owns a single serial port and fans the raw bytes it
// receives out to subscribers, while serialising commands written to it.
//
// Line framing is deliberately left to the consumer: the instrument's menu
// prompts arrive without a terminator, so subscribers see raw chunks exactly
// as the port delivered them.
package serialmux

import (
	"bytes"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"tailscale.com/tsweb"
)

var ErrWriteFailed = errors.New("failed to write to serial port")

// subscriberBuffer is the number of raw chunks a slow subscriber may lag
// behind before chunks are dropped for it.
const subscriberBuffer = 256

// readChunk is the size of a single port read.
const readChunk = 512

// SerialPorter defines the minimal interface needed for a serial port.
// This abstraction enables unit testing without real serial hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// SerialMuxInterface is the transport contract consumed by the instrument
// controller: open happens at construction, then write, data notification
// and close.
type SerialMuxInterface interface {
	// Subscribe creates a new channel receiving raw byte chunks from the
	// port. The ID identifies the channel when unsubscribing.
	Subscribe() (string, chan []byte)
	// Unsubscribe removes and closes a subscriber channel.
	Unsubscribe(string)
	// SendCommand writes the command bytes to the port verbatim.
	SendCommand(string) error
	// Monitor reads from the port until it fails, is closed or ctx ends.
	Monitor(context.Context) error
	// Close closes all subscribed channels and the port.
	Close() error
	// AttachAdminRoutes attaches debugging endpoints under /debug/.
	AttachAdminRoutes(*http.ServeMux)
}

// SerialMux is a generic serial port multiplexer that allows multiple clients
// to subscribe to the bytes received from a single serial port.
type SerialMux[T SerialPorter] struct {
	port         T
	subscribers  map[string]chan []byte
	subscriberMu sync.Mutex
	commandMu    sync.Mutex
	closing      atomic.Bool
	dropped      atomic.Uint64
}

// NewSerialMux creates a SerialMux backed by port.
func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{
		port:        port,
		subscribers: make(map[string]chan []byte),
	}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

func (s *SerialMux[T]) Subscribe() (string, chan []byte) {
	id := randomID()
	ch := make(chan []byte, subscriberBuffer)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if s.closing.Load() {
		close(ch)
		return id, ch
	}
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber from the serial mux.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// SendCommand writes command to the serial port. Commands carry their own
// terminators; nothing is appended.
func (s *SerialMux[T]) SendCommand(command string) error {
	if s.closing.Load() {
		return fmt.Errorf("%w: port closed", ErrWriteFailed)
	}
	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	n, err := s.port.Write([]byte(command))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	if n != len(command) {
		return fmt.Errorf("%w: short write %d of %d bytes", ErrWriteFailed, n, len(command))
	}
	return nil
}

// Dropped reports how many chunks were skipped because a subscriber was full.
func (s *SerialMux[T]) Dropped() uint64 { return s.dropped.Load() }

// Monitor reads the serial port and hands every chunk to the subscribers.
// It returns nil after Close, ctx.Err() on cancellation and the read error
// (io.EOF included) when the port goes away underneath it.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	chunkChan := make(chan []byte)
	readErrChan := make(chan error, 1)

	// the blocking Read runs in its own goroutine so the loop below can
	// still observe ctx cancellation.
	go func() {
		defer close(chunkChan)
		buf := make([]byte, readChunk)
		for {
			n, err := s.port.Read(buf)
			if n > 0 {
				chunk := bytes.Clone(buf[:n])
				select {
				case chunkChan <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				readErrChan <- err
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-readErrChan:
			if s.closing.Load() {
				return nil
			}
			return err

		case chunk, ok := <-chunkChan:
			if !ok {
				select {
				case err := <-readErrChan:
					if s.closing.Load() {
						return nil
					}
					return err
				default:
					return ctx.Err()
				}
			}
			if s.closing.Load() {
				return nil
			}
			s.subscriberMu.Lock()
			for _, ch := range s.subscribers {
				select {
				case ch <- chunk:
				default:
					// never block the read loop on a slow subscriber
					s.dropped.Add(1)
				}
			}
			s.subscriberMu.Unlock()
		}
	}
}

// Close marks the mux as closing, closes every subscriber and the port.
// Calling Close more than once is safe.
func (s *SerialMux[T]) Close() error {
	if s.closing.Swap(true) {
		return nil
	}

	s.subscriberMu.Lock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	s.subscriberMu.Unlock()
	return s.port.Close()
}

func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	AttachAdminRoutesFor(mux, func() SerialMuxInterface { return s })
}

// AttachAdminRoutesFor mounts the raw serial debug routes against whatever
// transport current returns at request time. A nil transport answers 503.
func AttachAdminRoutesFor(mux *http.ServeMux, current func() SerialMuxInterface) {
	debug := tsweb.Debugger(mux)

	// API endpoint to write a raw command to the serial port. A literal "\r\n"
	// suffix is appended when the command has no terminator.
	debug.HandleSilentFunc("send-command-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s := current()
		if s == nil {
			http.Error(w, "No serial port connected", http.StatusServiceUnavailable)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		command += "\r\n"
		if err := s.SendCommand(command); err != nil {
			http.Error(w, "Failed to write command", http.StatusInternalServerError)
			return
		}
		io.WriteString(w, fmt.Sprintf("Wrote command %q to serial port", command))
	})

	// API endpoint to issue Server-Side Events (SSE) for the raw bytes coming
	// from the serial port, quoted so control characters stay visible.
	debug.HandleSilentFunc("tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s := current()
		if s == nil {
			http.Error(w, "No serial port connected", http.StatusServiceUnavailable)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		id, c := s.Subscribe()
		defer s.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case payload, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %q\n\n", payload); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
