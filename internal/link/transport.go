package link

import (
	"time"
)

// Transport is the physical line-oriented connection to the gateway.
//
// The production implementation is SerialTransport; the simulator in
// internal/sim implements it for demo runs and tests.
type Transport interface {
	// ReadLine returns the next line without its terminator. ok is false when
	// no complete line arrived within timeout.
	ReadLine(timeout time.Duration) (line string, ok bool, err error)
	// Write sends raw bytes.
	Write(p []byte) (int, error)
	// ResetInputBuffer discards received but unread data, including any
	// partially assembled line.
	ResetInputBuffer() error
	// ResetOutputBuffer discards written but untransmitted data.
	ResetOutputBuffer() error
	// Close releases the transport.
	Close() error
}

// Opener opens a Transport on a named port.
type Opener func(port string, baud int) (Transport, error)
