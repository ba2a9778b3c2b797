package serialmux

import "io"

// SerialPorter defines the minimal interface needed for a serial port.
// go.bug.st/serial ports satisfy it; tests use TestableSerialPort.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}
