package link

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// DefaultBaudRate is the gateway's factory serial speed.
const DefaultBaudRate = 921600

// maxLineLength bounds the line assembly buffer; a device that never sends a
// newline cannot grow it past this.
const maxLineLength = 4096

// port is the subset of serial.Port the transport uses.
type port interface {
	SetReadTimeout(t time.Duration) error
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	ResetInputBuffer() error
	ResetOutputBuffer() error
	Close() error
}

// openPort can be replaced in tests.
var openPort = func(name string, mode *serial.Mode) (port, error) {
	return serial.Open(name, mode)
}

// SerialTransport reads newline-terminated lines from a serial port.
type SerialTransport struct {
	port port
	name string
	buf  []byte

	// mu guards pending; Link.Write may reset it while a reader assembles.
	mu      sync.Mutex
	pending []byte
}

// OpenSerial opens name at baud in 8N1 mode.
func OpenSerial(name string, baud int) (Transport, error) {
	if baud == 0 {
		baud = DefaultBaudRate
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := openPort(name, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", name, err)
	}
	return &SerialTransport{port: p, name: name, buf: make([]byte, 256)}, nil
}

// ReadLine assembles bytes until '\n' or timeout. Bytes read before a timeout
// stay buffered for the next call.
func (t *SerialTransport) ReadLine(timeout time.Duration) (string, bool, error) {
	if line, ok := t.takeLine(nil); ok {
		return line, true, nil
	}
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", false, nil
		}
		if err := t.port.SetReadTimeout(remaining); err != nil {
			return "", false, fmt.Errorf("set read timeout: %w", err)
		}
		n, err := t.port.Read(t.buf)
		if err != nil {
			return "", false, err
		}
		if n == 0 {
			return "", false, nil
		}
		if line, ok := t.takeLine(t.buf[:n]); ok {
			return line, true, nil
		}
	}
}

// takeLine appends chunk to the assembly buffer and pops one complete line.
func (t *SerialTransport) takeLine(chunk []byte) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = append(t.pending, chunk...)
	i := bytes.IndexByte(t.pending, '\n')
	if i < 0 {
		if len(t.pending) > maxLineLength {
			slog.Warn("discarding oversized line", "component", "serial", "port", t.name, "bytes", len(t.pending))
			t.pending = t.pending[:0]
		}
		return "", false
	}
	line := string(bytes.TrimRight(t.pending[:i], "\r"))
	t.pending = append(t.pending[:0], t.pending[i+1:]...)
	return line, true
}

func (t *SerialTransport) Write(p []byte) (int, error) { return t.port.Write(p) }

func (t *SerialTransport) ResetInputBuffer() error {
	t.ClearPending()
	return t.port.ResetInputBuffer()
}

func (t *SerialTransport) ResetOutputBuffer() error { return t.port.ResetOutputBuffer() }

// ClearPending drops a partially assembled line.
func (t *SerialTransport) ClearPending() {
	t.mu.Lock()
	t.pending = t.pending[:0]
	t.mu.Unlock()
}

func (t *SerialTransport) Close() error {
	t.mu.Lock()
	t.pending = nil
	t.mu.Unlock()
	return t.port.Close()
}

// PortInfo describes one enumerated serial port.
type PortInfo struct {
	Name   string `json:"name"`
	IsUSB  bool   `json:"isUsb"`
	VID    string `json:"vid,omitempty"`
	PID    string `json:"pid,omitempty"`
	Serial string `json:"serial,omitempty"`
}

// ListPorts enumerates serial ports, USB details included where available.
func ListPorts() ([]PortInfo, error) {
	detailed, err := enumerator.GetDetailedPortsList()
	if err == nil && len(detailed) > 0 {
		out := make([]PortInfo, 0, len(detailed))
		for _, d := range detailed {
			out = append(out, PortInfo{
				Name:   d.Name,
				IsUSB:  d.IsUSB,
				VID:    d.VID,
				PID:    d.PID,
				Serial: d.SerialNumber,
			})
		}
		return out, nil
	}

	names, lerr := serial.GetPortsList()
	if lerr != nil {
		return nil, errors.Join(err, lerr)
	}
	out := make([]PortInfo, 0, len(names))
	for _, n := range names {
		out = append(out, PortInfo{Name: n})
	}
	return out, nil
}
