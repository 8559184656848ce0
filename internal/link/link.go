// Package link owns the serial connection to the gateway.
//
// A Link normalizes outgoing commands, retries failed writes once, and
// serializes reads behind a single read lock so the handshake, the config
// controller and the packet listener never interleave partial reads. Writes
// do not take the read lock.
package link

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shaunagostinho/taggw/internal/metrics"
)

// ResetCommand asks the gateway to restart its application.
const ResetCommand = "!reset"

// Link is a borrowed handle to the gateway transport.
type Link struct {
	open Opener
	log  *slog.Logger

	mu   sync.Mutex // guards t, port, baud
	t    Transport
	port string
	baud int

	readLock sync.Mutex
}

// New creates a closed link that opens transports with open.
func New(open Opener) *Link {
	if open == nil {
		open = OpenSerial
	}
	return &Link{open: open, log: slog.Default().With("component", "link")}
}

// Open opens the transport on port. The link is open but unverified until a
// handshake succeeds.
func (l *Link) Open(port string, baud int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.t != nil {
		return ErrAlreadyOpen
	}
	if baud == 0 {
		baud = DefaultBaudRate
	}
	t, err := l.open(port, baud)
	if err != nil {
		return &ConnectError{Port: port, Err: err}
	}
	l.t = t
	l.port = port
	l.baud = baud
	l.log.Info("opened", "port", port, "baud", baud)
	return nil
}

// IsOpen reports whether a transport is held.
func (l *Link) IsOpen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.t != nil
}

// Port returns the name of the last opened port.
func (l *Link) Port() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.port
}

// Baud returns the baud rate of the last opened port.
func (l *Link) Baud() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.baud
}

func (l *Link) transport() (Transport, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.t == nil {
		return nil, ErrNotConnected
	}
	return l.t, nil
}

// NormalizeCommand prefixes '!' and appends CRLF where missing.
func NormalizeCommand(cmd string) string {
	if cmd == "" {
		return ""
	}
	if !strings.HasPrefix(cmd, "!") {
		cmd = "!" + cmd
	}
	if !strings.HasSuffix(cmd, "\r\n") {
		cmd = strings.TrimRight(cmd, "\r\n") + "\r\n"
	}
	return cmd
}

// Write sends a command. Empty commands are ignored. A failed write resets
// both transport buffers and is retried once.
func (l *Link) Write(cmd string) error {
	t, err := l.transport()
	if err != nil {
		return err
	}
	line := NormalizeCommand(cmd)
	if line == "" {
		return nil
	}

	_, err = t.Write([]byte(line))
	if err != nil {
		l.log.Warn("write failed, resetting buffers and retrying", "command", strings.TrimSpace(line), "error", err)
		_ = t.ResetInputBuffer()
		_ = t.ResetOutputBuffer()
		if _, err = t.Write([]byte(line)); err != nil {
			metrics.CommandsWrittenTotal.WithLabelValues("error").Inc()
			return &CommandWriteError{Command: strings.TrimSpace(line), Err: err}
		}
	}
	metrics.CommandsWrittenTotal.WithLabelValues("ok").Inc()
	l.log.Debug("wrote", "command", strings.TrimSpace(line))
	return nil
}

// ReadLine returns one trimmed line, or ok=false on timeout.
func (l *Link) ReadLine(timeout time.Duration) (string, bool, error) {
	t, err := l.transport()
	if err != nil {
		return "", false, err
	}
	l.readLock.Lock()
	defer l.readLock.Unlock()
	return readTrimmed(t, timeout)
}

func readTrimmed(t Transport, timeout time.Duration) (string, bool, error) {
	line, ok, err := t.ReadLine(timeout)
	if err != nil || !ok {
		return "", false, err
	}
	return strings.TrimSpace(line), true, nil
}

// ReadUntil reads lines until one contains substr or timeout elapses.
func (l *Link) ReadUntil(substr string, timeout time.Duration) (string, bool, error) {
	t, err := l.transport()
	if err != nil {
		return "", false, err
	}
	l.readLock.Lock()
	defer l.readLock.Unlock()
	resp, err := readUntil(t, substr, timeout)
	return resp.Match, resp.OK, err
}

// Response is the outcome of a request/response exchange.
type Response struct {
	Match string   // the line containing the awaited substring
	Lines []string // every line read, the match included
	OK    bool
}

// lineSlice bounds each read inside readUntil so the deadline is honored.
const lineSlice = 100 * time.Millisecond

func readUntil(t Transport, substr string, timeout time.Duration) (Response, error) {
	var resp Response
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return resp, nil
		}
		line, ok, err := readTrimmed(t, min(remaining, lineSlice))
		if err != nil {
			return resp, err
		}
		if !ok {
			continue
		}
		resp.Lines = append(resp.Lines, line)
		if strings.Contains(line, substr) {
			resp.Match = line
			resp.OK = true
			return resp, nil
		}
	}
}

// Request writes cmd and waits for a line containing substr, holding the read
// lock for the whole exchange so no other reader consumes the reply.
func (l *Link) Request(cmd, substr string, timeout time.Duration) (Response, error) {
	t, err := l.transport()
	if err != nil {
		return Response{}, err
	}
	l.readLock.Lock()
	defer l.readLock.Unlock()
	if err := l.Write(cmd); err != nil {
		return Response{}, err
	}
	return readUntil(t, substr, timeout)
}

// lineClearer is implemented by transports that buffer partial lines.
type lineClearer interface {
	ClearPending()
}

// Reset optionally flushes the OS buffers and optionally sends the reset
// command. The transport's partial-line buffer is always cleared.
func (l *Link) Reset(flushOutput, sendResetCommand bool) error {
	t, err := l.transport()
	if err != nil {
		return err
	}
	if flushOutput {
		if err := t.ResetInputBuffer(); err != nil {
			return fmt.Errorf("link: reset input: %w", err)
		}
		if err := t.ResetOutputBuffer(); err != nil {
			return fmt.Errorf("link: reset output: %w", err)
		}
	}
	if sendResetCommand {
		if err := l.Write(ResetCommand); err != nil {
			return err
		}
	}
	if c, ok := t.(lineClearer); ok {
		c.ClearPending()
	}
	return nil
}

// ResetInputBuffer discards unread input.
func (l *Link) ResetInputBuffer() error {
	t, err := l.transport()
	if err != nil {
		return err
	}
	return t.ResetInputBuffer()
}

// Close optionally resets the gateway and then releases the transport.
// Closing a closed link only logs a warning.
func (l *Link) Close(resetFirst bool) error {
	if !l.IsOpen() {
		l.log.Warn("close on a link that is not open")
		return nil
	}
	if resetFirst {
		if err := l.Reset(true, true); err != nil {
			l.log.Warn("reset before close failed", "error", err)
		}
	}

	l.mu.Lock()
	t := l.t
	l.t = nil
	port := l.port
	l.mu.Unlock()
	if t == nil {
		return nil
	}
	if err := t.Close(); err != nil {
		return fmt.Errorf("link: close %s: %w", port, err)
	}
	l.log.Info("closed", "port", port)
	return nil
}
