package worker

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/shaunagostinho/taggw/internal/metrics"
	"github.com/shaunagostinho/taggw/internal/packet"
	"github.com/shaunagostinho/taggw/internal/queue"
)

// ProcessorOptions configures a processor run.
type ProcessorOptions struct {
	// PollInterval bounds each wait on the raw queue in streaming mode.
	PollInterval time.Duration
	Bounds       Bounds
}

// Processor decodes raw samples, numbers sightings per tag and queues the
// resulting packets. It reads either a live raw queue (streaming) or a fixed
// slice of samples (batch). A Processor runs once.
type Processor struct {
	in      *queue.Receiver[packet.RawSample]
	batch   []packet.RawSample
	out     queue.Sender[packet.ProcessedPacket]
	outQ    *queue.Queue[packet.ProcessedPacket]
	history *packet.TagHistory
	opts    ProcessorOptions
	status  *Status
	log     *slog.Logger
	guard   runGuard
}

// NewProcessor prepares a streaming processor reading raw and writing processed.
func NewProcessor(raw *queue.Queue[packet.RawSample], processed *queue.Queue[packet.ProcessedPacket], opts ProcessorOptions) *Processor {
	in := raw.Receiver()
	p := newProcessor(processed, opts)
	p.in = &in
	return p
}

// NewBatchProcessor prepares a processor that replays samples in order and
// exits Exhausted once they are consumed.
func NewBatchProcessor(samples []packet.RawSample, processed *queue.Queue[packet.ProcessedPacket], opts ProcessorOptions) *Processor {
	p := newProcessor(processed, opts)
	p.batch = samples
	return p
}

func newProcessor(processed *queue.Queue[packet.ProcessedPacket], opts ProcessorOptions) *Processor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultReadTimeout
	}
	return &Processor{
		out:     processed.Sender(),
		outQ:    processed,
		history: packet.NewTagHistory(),
		opts:    opts,
		status:  NewStatus("processor"),
		log:     slog.Default().With("component", "processor"),
		guard:   runGuard{done: make(chan struct{})},
	}
}

// Status returns the run status.
func (p *Processor) Status() *Status { return p.status }

// Streaming reports whether the processor reads the live raw queue.
func (p *Processor) Streaming() bool { return p.in != nil }

// History returns the tag history of this run.
func (p *Processor) History() *packet.TagHistory { return p.history }

// Start runs the processor on its own goroutine.
func (p *Processor) Start(ctx context.Context) {
	p.guard.started.Store(true)
	p.status.state.Store(int32(Running))
	go func() { _ = p.Run(ctx) }()
}

// Stop requests a stop and waits for the run to exit.
func (p *Processor) Stop() {
	p.status.RequestStop()
	p.guard.join()
}

// Done is closed when the run exits.
func (p *Processor) Done() <-chan struct{} { return p.guard.done }

// Run executes the loop on the calling goroutine and returns the fault, if any.
func (p *Processor) Run(ctx context.Context) error {
	p.guard.started.Store(true)
	defer p.guard.exit()

	st := p.status
	st.begin()
	start := time.Now()
	next := 0
	p.log.Info("started", "batch", p.in == nil, "samples", len(p.batch))

	for {
		if st.StopRequested() || ctx.Err() != nil {
			return p.exit(Stopped)
		}
		if p.opts.Bounds.MaxTime > 0 && time.Since(start) >= p.opts.Bounds.MaxTime {
			return p.exit(TimedOut)
		}
		if p.opts.Bounds.MaxCount > 0 && st.Emitted() >= int64(p.opts.Bounds.MaxCount) {
			return p.exit(Exhausted)
		}

		var sample packet.RawSample
		if p.in != nil {
			var ok bool
			if sample, ok = p.in.PopWait(p.opts.PollInterval); !ok {
				continue
			}
		} else {
			if next >= len(p.batch) {
				return p.exit(Exhausted)
			}
			sample = p.batch[next]
			next++
		}

		if err := p.out.Push(p.Process(sample)); err != nil {
			if st.fail(err) {
				f := st.fault()
				p.log.Error("too many consecutive errors, stopping", "error", f)
				return f
			}
			continue
		}
		st.countEmitted()
		st.succeed()
		metrics.QueueDepth.WithLabelValues("processed").Set(float64(p.outQ.Len()))
	}
}

// Process decodes one sample and numbers it against the run's tag history.
// Packets without an advertising address carry no counter and no time.
func (p *Processor) Process(s packet.RawSample) packet.ProcessedPacket {
	pkt := packet.Decode(s)
	if pkt.AdvAddress != nil && *pkt.AdvAddress != "" {
		counter := p.history.Next(*pkt.AdvAddress)
		ts := s.Timestamp
		pkt.CounterTag = &counter
		pkt.TimeFromStart = &ts
		metrics.TagHistorySize.Set(float64(p.history.Len()))
	}
	metrics.ProcessedPacketsTotal.WithLabelValues(strconv.FormatBool(pkt.IsValidTagPacket)).Inc()
	return pkt
}

func (p *Processor) exit(st State) error {
	p.status.finish(st)
	p.log.Info("exited", "state", st, "emitted", p.status.Emitted(), "history", p.history.Len())
	return nil
}
