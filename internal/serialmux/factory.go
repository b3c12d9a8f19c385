package serialmux

import (
	"fmt"

	"go.bug.st/serial"
)

// Opener opens a transport for the named port. The instrument controller is
// given one so tests and dev mode can swap the real serial port out.
type Opener func(path string, opts PortOptions) (SerialMuxInterface, error)

// OpenPort opens a real serial port at path with the given options.
func OpenPort(path string, opts PortOptions) (SerialMuxInterface, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", path, err)
	}

	return NewSerialMux[serial.Port](port), nil
}

// ListPorts returns the serial ports visible to the host.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}
