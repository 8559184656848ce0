package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/shaunagostinho/taggw/internal/metrics"
	"github.com/shaunagostinho/taggw/internal/packet"
	"github.com/shaunagostinho/taggw/internal/queue"
)

const (
	// DefaultReadTimeout bounds each line read, and with it stop latency.
	DefaultReadTimeout = 100 * time.Millisecond
	// DefaultWatchdog is the silence after which the input buffer is reset.
	DefaultWatchdog = 5 * time.Second
)

// LineSource is the part of the link the listener borrows.
type LineSource interface {
	ReadLine(timeout time.Duration) (string, bool, error)
	ResetInputBuffer() error
	IsOpen() bool
	Close(resetFirst bool) error
}

// ListenerOptions configures a listener run.
type ListenerOptions struct {
	// TagOnly drops every line that is not a process_packet line.
	TagOnly     bool
	ReadTimeout time.Duration
	Watchdog    time.Duration
	Bounds      Bounds
}

// Listener reads lines from the link and queues them as raw samples.
// A Listener runs once; start a new one for the next run.
type Listener struct {
	src    LineSource
	out    queue.Sender[packet.RawSample]
	raw    *queue.Queue[packet.RawSample]
	opts   ListenerOptions
	status *Status
	log    *slog.Logger
	guard  runGuard
}

// NewListener prepares a listener pushing into raw. In tag-only mode the raw
// queue and the transport input are cleared first so nothing stale is taken
// for the first sample of the run.
func NewListener(src LineSource, raw *queue.Queue[packet.RawSample], opts ListenerOptions) *Listener {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.Watchdog <= 0 {
		opts.Watchdog = DefaultWatchdog
	}
	w := &Listener{
		src:    src,
		out:    raw.Sender(),
		raw:    raw,
		opts:   opts,
		status: NewStatus("listener"),
		log:    slog.Default().With("component", "listener"),
		guard:  runGuard{done: make(chan struct{})},
	}
	if opts.TagOnly {
		if n := raw.Clear(); n > 0 {
			w.log.Debug("cleared raw queue", "dropped", n)
		}
		if err := src.ResetInputBuffer(); err != nil {
			w.log.Warn("input reset failed", "error", err)
		}
	}
	return w
}

// Status returns the run status.
func (w *Listener) Status() *Status { return w.status }

// Start runs the listener on its own goroutine.
func (w *Listener) Start(ctx context.Context) {
	w.guard.started.Store(true)
	w.status.state.Store(int32(Running))
	go func() { _ = w.Run(ctx) }()
}

// Stop requests a stop and waits for the run to exit.
func (w *Listener) Stop() {
	w.status.RequestStop()
	w.guard.join()
}

// Done is closed when the run exits.
func (w *Listener) Done() <-chan struct{} { return w.guard.done }

// Run executes the loop on the calling goroutine until a stop request, a
// bound, ctx cancellation or a fault. It returns the fault, if any.
func (w *Listener) Run(ctx context.Context) error {
	w.guard.started.Store(true)
	defer w.guard.exit()

	st := w.status
	st.begin()
	start := time.Now()
	lastAccepted := start
	w.log.Info("started", "tag_only", w.opts.TagOnly, "max_count", w.opts.Bounds.MaxCount, "max_time", w.opts.Bounds.MaxTime)

	for {
		if st.StopRequested() || ctx.Err() != nil {
			return w.exit(Stopped)
		}
		if w.opts.Bounds.MaxTime > 0 && time.Since(start) >= w.opts.Bounds.MaxTime {
			return w.exit(TimedOut)
		}
		if w.opts.Bounds.MaxCount > 0 && st.Emitted() >= int64(w.opts.Bounds.MaxCount) {
			return w.exit(Exhausted)
		}

		line, ok, err := w.src.ReadLine(w.opts.ReadTimeout)
		if err != nil {
			if f := w.fail(err); f != nil {
				return f
			}
			continue
		}
		if !ok {
			if time.Since(lastAccepted) > w.opts.Watchdog {
				w.log.Warn("no data, resetting input buffer", "silence", time.Since(lastAccepted).Round(time.Millisecond))
				metrics.WatchdogResetsTotal.Inc()
				lastAccepted = time.Now()
				if err := w.src.ResetInputBuffer(); err != nil {
					if f := w.fail(err); f != nil {
						return f
					}
					continue
				}
			}
			st.succeed()
			continue
		}

		metrics.LinesReadTotal.Inc()
		if w.opts.TagOnly && !packet.IsTagLine(line) {
			st.succeed()
			continue
		}
		sample := packet.RawSample{Raw: line, Timestamp: time.Since(start).Seconds()}
		if err := w.out.Push(sample); err != nil {
			if f := w.fail(err); f != nil {
				return f
			}
			continue
		}
		lastAccepted = time.Now()
		st.countEmitted()
		st.succeed()
		metrics.RawSamplesTotal.Inc()
		metrics.QueueDepth.WithLabelValues("raw").Set(float64(w.raw.Len()))
	}
}

func (w *Listener) exit(st State) error {
	w.status.finish(st)
	w.log.Info("exited", "state", st, "emitted", w.status.Emitted())
	return nil
}

// fail applies the error policy and returns a fault once it is fatal. A
// faulted listener closes the link if it is still open.
func (w *Listener) fail(err error) error {
	if !w.status.fail(err) {
		w.log.Debug("read error", "error", err, "consecutive", w.status.ConsecutiveErrors())
		return nil
	}
	f := w.status.fault()
	w.log.Error("too many consecutive errors, stopping", "error", f)
	if w.src.IsOpen() {
		if cerr := w.src.Close(false); cerr != nil {
			w.log.Warn("close after fault failed", "error", cerr)
		}
	}
	return f
}
