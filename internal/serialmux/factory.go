package serialmux

import (
	"fmt"

	"go.bug.st/serial"
)

// NewRealSerialMux opens the serial port at path and wraps it in a SerialMux.
func NewRealSerialMux(path string, opts PortOptions) (*SerialMux[serial.Port], error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", path, err)
	}

	return NewSerialMux[serial.Port](port, opts.InitCommands...), nil
}
