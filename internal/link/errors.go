package link

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by every operation on a link that is not open.
	ErrNotConnected = errors.New("link: not connected")
	// ErrAlreadyOpen is returned by Open on a link that is already open.
	ErrAlreadyOpen = errors.New("link: already open")
)

// ConnectError reports that a port could not be opened or did not answer the
// version handshake.
type ConnectError struct {
	Port string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("link: connect %s: %v", e.Port, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// CommandWriteError reports a command that failed to write even after the
// buffers were reset and the write retried.
type CommandWriteError struct {
	Command string
	Err     error
}

func (e *CommandWriteError) Error() string {
	return fmt.Sprintf("link: write %q: %v", e.Command, e.Err)
}

func (e *CommandWriteError) Unwrap() error { return e.Err }
