// Package worker runs the two background loops of the driver: the listener,
// which reads lines off the link into the raw queue, and the processor, which
// decodes raw samples into processed packets.
//
// Both loops share one stop and error policy. A stop request is observed at the
// top of every iteration, so a worker exits within one read interval. The first
// error of a burst is kept until the caller takes it; more than
// MaxConsecutiveErrors in a row ends the run with a *WorkerFault.
package worker

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/shaunagostinho/taggw/internal/metrics"
)

// MaxConsecutiveErrors is the number of back-to-back loop errors a worker
// tolerates. One more is fatal.
const MaxConsecutiveErrors = 10

// State is the lifecycle position of a worker run.
type State int32

const (
	Idle State = iota
	Running
	Stopped
	TimedOut
	Exhausted
	Faulted
)

var stateNames = [...]string{"idle", "running", "stopped", "timed_out", "exhausted", "faulted"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// MarshalText renders the state by name in JSON and YAML output.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("worker: unknown state %q", b)
}

// Done reports whether the run has ended.
func (s State) Done() bool { return s >= Stopped }

// Bounds is an optional stop condition. Zero fields are unbounded.
type Bounds struct {
	MaxCount int
	MaxTime  time.Duration
}

// WorkerFault ends a run after too many consecutive errors.
type WorkerFault struct {
	Worker string
	Count  int
	Err    error // first error of the burst
}

func (e *WorkerFault) Error() string {
	return fmt.Sprintf("%s: %d consecutive errors, first: %v", e.Worker, e.Count, e.Err)
}

func (e *WorkerFault) Unwrap() error { return e.Err }

// Status is the shared state of one worker. Only the owning worker moves it
// forward; anyone may read a snapshot, request a stop or take the error.
type Status struct {
	name        string
	state       atomic.Int32
	stop        atomic.Bool
	consecutive atomic.Int64
	emitted     atomic.Int64

	mu    sync.Mutex
	err   error // pending, not yet taken
	burst error // first error of the current burst
}

// NewStatus returns an idle status for the named worker.
func NewStatus(name string) *Status {
	return &Status{name: name}
}

// Name returns the worker name.
func (s *Status) Name() string { return s.name }

// State returns the current state.
func (s *Status) State() State { return State(s.state.Load()) }

// RequestStop asks the worker to exit at its next iteration.
func (s *Status) RequestStop() { s.stop.Store(true) }

// StopRequested reports whether a stop was requested.
func (s *Status) StopRequested() bool { return s.stop.Load() }

// Emitted returns the number of items pushed during the run.
func (s *Status) Emitted() int64 { return s.emitted.Load() }

// ConsecutiveErrors returns the length of the current error burst.
func (s *Status) ConsecutiveErrors() int64 { return s.consecutive.Load() }

// TakeError returns the pending error and clears it.
func (s *Status) TakeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.err
	s.err = nil
	return err
}

// Err returns the pending error without clearing it.
func (s *Status) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Snapshot is a point-in-time copy of a Status.
type Snapshot struct {
	Worker            string `json:"worker"`
	State             State  `json:"state"`
	StopRequested     bool   `json:"stop_requested"`
	Emitted           int64  `json:"emitted"`
	ConsecutiveErrors int64  `json:"consecutive_errors"`
	LastError         string `json:"last_error,omitempty"`
}

// Snapshot copies the status. The pending error is reported, not taken.
func (s *Status) Snapshot() Snapshot {
	snap := Snapshot{
		Worker:            s.name,
		State:             s.State(),
		StopRequested:     s.StopRequested(),
		Emitted:           s.Emitted(),
		ConsecutiveErrors: s.ConsecutiveErrors(),
	}
	if err := s.Err(); err != nil {
		snap.LastError = err.Error()
	}
	return snap
}

// begin resets the per-run counters and marks the worker running. A stop
// requested before the run began is kept.
func (s *Status) begin() {
	s.consecutive.Store(0)
	s.emitted.Store(0)
	s.mu.Lock()
	s.err = nil
	s.burst = nil
	s.mu.Unlock()
	s.state.Store(int32(Running))
}

func (s *Status) finish(st State) { s.state.Store(int32(st)) }

func (s *Status) succeed() { s.consecutive.Store(0) }

func (s *Status) countEmitted() { s.emitted.Inc() }

// fail records err and reports whether the burst is now fatal. Only the first
// error of a burst fills the slot, and only if the previous one was taken.
func (s *Status) fail(err error) bool {
	n := s.consecutive.Inc()
	metrics.WorkerErrorsTotal.WithLabelValues(s.name).Inc()
	if n == 1 {
		s.mu.Lock()
		s.burst = err
		if s.err == nil {
			s.err = err
		}
		s.mu.Unlock()
	}
	return n > MaxConsecutiveErrors
}

// fault ends the run, replacing the pending error with the fault.
func (s *Status) fault() *WorkerFault {
	s.mu.Lock()
	f := &WorkerFault{Worker: s.name, Count: int(s.consecutive.Load()), Err: s.burst}
	s.err = f
	s.mu.Unlock()
	metrics.WorkerFaultsTotal.WithLabelValues(s.name).Inc()
	s.finish(Faulted)
	return f
}

// runGuard tracks the goroutine of a started worker so Stop can join it.
type runGuard struct {
	started atomic.Bool
	once    sync.Once
	done    chan struct{}
}

func (g *runGuard) exit() { g.once.Do(func() { close(g.done) }) }

// join waits for a started run to exit.
func (g *runGuard) join() {
	if g.started.Load() {
		<-g.done
	}
}
