package serialmux

import (
	"io"
	"time"
)

// SerialPorter defines the minimal interface needed for a serial port.
// This abstraction enables unit testing without real serial hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// TimeoutSerialPorter extends SerialPorter with timeout capabilities.
// go.bug.st/serial ports implement it; Monitor uses it so a blocked read
// returns periodically and shutdown is not held up by a silent chip.
type TimeoutSerialPorter interface {
	SerialPorter
	SetReadTimeout(timeout time.Duration) error
}

// SerialPortOpener opens a serial port at path with the given options.
// NewRealSerialMux uses OpenSerialPort; tests substitute their own.
type SerialPortOpener func(path string, opts PortOptions) (SerialPorter, error)
