package serialmux

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/lightlog/internal/frame"
)

// ErrDeviceGone is returned by reads after a simulated unplug.
var ErrDeviceGone = errors.New("device disconnected")

// TestableSerialPort implements SerialPorter with configurable behaviour for
// testing. Reads block until data is added or the port is closed.
type TestableSerialPort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the port
	WriteBuffer *bytes.Buffer

	// ReadError is returned by the next Read call if set
	ReadError error

	// WriteError is returned by the next Write call if set
	WriteError error

	// CloseError is returned by Close if set
	CloseError error

	// Closed indicates whether Close was called
	Closed bool

	readCond *sync.Cond
}

// NewTestableSerialPort creates a new TestableSerialPort for testing.
func NewTestableSerialPort() *TestableSerialPort {
	tsp := &TestableSerialPort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
	tsp.readCond = sync.NewCond(&tsp.mu)
	return tsp
}

// Read blocks until data is available, an error is injected or the port is
// closed.
func (t *TestableSerialPort) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for !t.Closed && t.ReadError == nil && t.ReadBuffer.Len() == 0 {
		t.readCond.Wait()
	}
	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	}
	if t.ReadBuffer.Len() == 0 {
		return 0, io.EOF
	}
	return t.ReadBuffer.Read(p)
}

// Write writes to the write buffer unless an error is injected.
func (t *TestableSerialPort) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Closed {
		return 0, errors.New("serial port closed")
	}
	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}
	return t.WriteBuffer.Write(p)
}

// Close marks the port as closed and wakes blocked readers.
func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Closed = true
	t.readCond.Broadcast()
	return t.CloseError
}

// AddReadData adds data to be returned by subsequent Read calls.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadBuffer.Write(data)
	t.readCond.Broadcast()
}

// FailRead makes the next Read return err, waking any blocked reader.
func (t *TestableSerialPort) FailRead(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadError = err
	t.readCond.Broadcast()
}

// GetWrittenData returns all data written to the port.
func (t *TestableSerialPort) GetWrittenData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	return bytes.Clone(t.WriteBuffer.Bytes())
}

// SimulatedPrompt is the menu prompt the simulator prints. It has no line
// terminator, like the real instrument.
const SimulatedPrompt = "CMD> "

// SimulatedInstrument is a SerialPorter that behaves like the surface
// instrument's menu and acquisition firmware. It backs dev mode and the
// controller tests.
type SimulatedInstrument struct {
	mu   sync.Mutex
	cond *sync.Cond

	cfg       frame.InstrumentConfig
	out       bytes.Buffer
	cmd       []byte
	streaming bool
	polledTag string
	seq       int
	closed    bool
	gone      bool
	stop      chan struct{}

	unresponsive   bool
	rejectSettings bool
	ignoreSettings bool

	writes []string
}

// NewSimulatedInstrument returns a simulator reporting cfg. When interval is
// positive a freerun line is produced every interval while streaming.
func NewSimulatedInstrument(cfg frame.InstrumentConfig, interval time.Duration) *SimulatedInstrument {
	s := &SimulatedInstrument{cfg: cfg, stop: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	if interval > 0 {
		go s.generate(interval)
	}
	return s
}

// DefaultSimulatedConfig is what the dev-mode simulator reports.
func DefaultSimulatedConfig() frame.InstrumentConfig {
	return frame.InstrumentConfig{
		Averaging:    16,
		BaudRate:     DefaultBaudRate,
		CalFactor:    1.0,
		Description:  "simulated radiometer",
		Firmware:     "2.4.1",
		SerialNumber: "SIM00001",
		Mode:         frame.ModeFreerun,
		Tag:          "A",
		AdcRate:      10,
	}
}

// SimulatedOpener returns an Opener that wraps sim in a SerialMux regardless
// of path and options.
func SimulatedOpener(sim *SimulatedInstrument) Opener {
	return func(string, PortOptions) (SerialMuxInterface, error) {
		return NewSerialMux[*SimulatedInstrument](sim), nil
	}
}

func (s *SimulatedInstrument) generate(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.streaming && !s.closed {
				s.emitLocked(frame.FormatFreerunLine("$LITE", s.nextReadingLocked()) + "\r\n")
			}
			s.mu.Unlock()
		}
	}
}

// SetUnresponsive makes the simulator ignore every command.
func (s *SimulatedInstrument) SetUnresponsive(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unresponsive = v
}

// SetRejectSettings makes setting commands answer with an error and no
// configuration dump.
func (s *SimulatedInstrument) SetRejectSettings(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectSettings = v
}

// SetIgnoreSettings makes setting commands answer normally without changing
// the configuration.
func (s *SimulatedInstrument) SetIgnoreSettings(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ignoreSettings = v
}

// EmitFreerun emits n freerun lines immediately, as if they had streamed.
func (s *SimulatedInstrument) EmitFreerun(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.emitLocked(frame.FormatFreerunLine("$LITE", s.nextReadingLocked()) + "\r\n")
	}
}

// EmitRaw pushes raw bytes to the reader.
func (s *SimulatedInstrument) EmitRaw(data string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitLocked(data)
}

// Unplug simulates the cable being pulled: the next read fails.
func (s *SimulatedInstrument) Unplug() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gone = true
	s.cond.Broadcast()
}

// Streaming reports whether the simulator is in freerun acquisition.
func (s *SimulatedInstrument) Streaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streaming
}

// Config returns the simulator's current configuration.
func (s *SimulatedInstrument) Config() frame.InstrumentConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Writes returns every command received, terminators trimmed.
func (s *SimulatedInstrument) Writes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.writes...)
}

func (s *SimulatedInstrument) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.closed && !s.gone && s.out.Len() == 0 {
		s.cond.Wait()
	}
	if s.gone {
		return 0, ErrDeviceGone
	}
	if s.out.Len() == 0 {
		return 0, io.EOF
	}
	return s.out.Read(p)
}

func (s *SimulatedInstrument) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.gone {
		return 0, ErrDeviceGone
	}
	s.cmd = append(s.cmd, p...)
	for {
		i := bytes.IndexByte(s.cmd, '\n')
		if i < 0 {
			break
		}
		command := strings.TrimRight(string(s.cmd[:i]), "\r")
		s.cmd = s.cmd[i+1:]
		s.writes = append(s.writes, command)
		if !s.unresponsive {
			s.handleLocked(command)
		}
	}
	return len(p), nil
}

func (s *SimulatedInstrument) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.stop)
	}
	s.cond.Broadcast()
	return nil
}

func (s *SimulatedInstrument) handleLocked(command string) {
	switch {
	case strings.Contains(command, "\x1b"):
		s.streaming = false
		s.polledTag = ""
		s.emitLocked(fmt.Sprintf("\r\nRadiometer Control Menu\r\nFirmware Version: %s\r\nSerial Number: %s\r\nOperating mode = %s\r\n",
			s.cfg.Firmware, s.cfg.SerialNumber, s.cfg.Mode))
		s.emitLocked(frame.FormatConfigCSV(s.cfg) + "\r\n" + SimulatedPrompt)

	case s.streaming || s.polledTag != "":
		if s.polledTag != "" && command == "*"+s.polledTag+"?" {
			s.emitLocked(frame.FormatPolledLine(s.polledTag, s.nextReadingLocked()) + "\r\n")
		}

	case command == "C":
		s.emitLocked(frame.FormatConfigCSV(s.cfg) + "\r\n" + SimulatedPrompt)

	case command == "X":
		s.streaming = true

	case len(command) == 3 && command[0] == '*' && command[2] == 'P':
		s.polledTag = command[1:2]

	case len(command) > 1 && (command[0] == 'A' || command[0] == 'S' || command[0] == 'M'):
		if s.rejectSettings {
			s.emitLocked("ERR\r\n" + SimulatedPrompt)
			return
		}
		if !s.ignoreSettings {
			s.applySettingLocked(command)
		}
		s.emitLocked("OK\r\n" + frame.FormatConfigCSV(s.cfg) + "\r\n" + SimulatedPrompt)

	default:
		s.emitLocked("ERR\r\n" + SimulatedPrompt)
	}
}

func (s *SimulatedInstrument) applySettingLocked(command string) {
	arg := command[1:]
	switch command[0] {
	case 'A':
		if n, err := strconv.Atoi(arg); err == nil {
			s.cfg.Averaging = n
		}
	case 'S':
		if n, err := strconv.Atoi(arg); err == nil {
			s.cfg.AdcRate = n
		}
	case 'M':
		if m, err := frame.ParseMode(arg); err == nil {
			s.cfg.Mode = m
		}
	}
}

func (s *SimulatedInstrument) nextReadingLocked() frame.Reading {
	s.seq++
	return frame.Reading{
		Value: 100 + float64(s.seq)*0.5,
		TempC: frame.Float64(20 + float64(s.seq%10)*0.1),
		Vin:   frame.Float64(12.3),
	}
}

func (s *SimulatedInstrument) emitLocked(data string) {
	s.out.WriteString(data)
	s.cond.Broadcast()
}
