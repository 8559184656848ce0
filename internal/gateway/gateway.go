// Package gateway composes the link, the workers, the config controller and
// the firmware updater into one handle on a tag gateway.
//
// Data can be collected two ways over the same loops: start the listener and
// processor in the background and poll Raw or Processed, or call Run to
// collect a bounded batch on the caller's goroutine.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shaunagostinho/taggw/internal/devconf"
	"github.com/shaunagostinho/taggw/internal/firmware"
	"github.com/shaunagostinho/taggw/internal/link"
	"github.com/shaunagostinho/taggw/internal/packet"
	"github.com/shaunagostinho/taggw/internal/queue"
	"github.com/shaunagostinho/taggw/internal/worker"
)

const (
	// DefaultSettleDelay is the pause between opening the port and the
	// handshake.
	DefaultSettleDelay = 500 * time.Millisecond
	// DefaultHandshakeTimeout bounds the wait for the version line.
	DefaultHandshakeTimeout = 3 * time.Second
)

var (
	// ErrNoPorts is returned by auto-detect when no serial port exists.
	ErrNoPorts = errors.New("gateway: no serial ports found")
	// ErrNoHandshake is wrapped in the ConnectError of a silent port.
	ErrNoHandshake = errors.New("gateway: no version reply")
	// ErrQueueBusy is returned by Raw while a streaming processor owns the
	// raw queue.
	ErrQueueBusy = errors.New("gateway: raw queue is consumed by the processor")
)

// Options configures a Gateway.
type Options struct {
	// Opener opens transports; nil means real serial ports.
	Opener link.Opener
	// ListPorts enumerates auto-detect candidates; nil means link.ListPorts.
	ListPorts func() ([]link.PortInfo, error)

	SettleDelay      time.Duration
	HandshakeTimeout time.Duration

	Config devconf.Config

	ImageDir string
	Flasher  firmware.Flasher

	// RawCapacity and ProcessedCapacity bound the queues; 0 is unbounded.
	RawCapacity       int
	ProcessedCapacity int
}

// ConnectOptions selects the port to connect to.
type ConnectOptions struct {
	Port string
	Baud int
	// AutoDetect tries every enumerated port, Port first if set.
	AutoDetect bool
}

// Gateway is the driver handle.
type Gateway struct {
	opts      Options
	link      *link.Link
	conf      *devconf.Controller
	updater   *firmware.Updater
	raw       *queue.Queue[packet.RawSample]
	processed *queue.Queue[packet.ProcessedPacket]
	log       *slog.Logger

	mu        sync.Mutex // guards version, listener, processor
	version   Version
	listener  *worker.Listener
	processor *worker.Processor
}

// New creates a disconnected gateway.
func New(opts Options) *Gateway {
	if opts.SettleDelay < 0 {
		opts.SettleDelay = 0
	} else if opts.SettleDelay == 0 {
		opts.SettleDelay = DefaultSettleDelay
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.ListPorts == nil {
		opts.ListPorts = link.ListPorts
	}
	l := link.New(opts.Opener)
	return &Gateway{
		opts:      opts,
		link:      l,
		conf:      devconf.New(l, opts.Config),
		updater:   firmware.NewUpdater(opts.ImageDir, opts.Flasher),
		raw:       queue.New[packet.RawSample](opts.RawCapacity),
		processed: queue.New[packet.ProcessedPacket](opts.ProcessedCapacity),
		log:       slog.Default().With("component", "gateway"),
	}
}

// Connect opens the port and performs the version handshake. A port that
// does not answer is closed again before the next candidate is tried.
func (g *Gateway) Connect(ctx context.Context, co ConnectOptions) error {
	if g.link.IsOpen() {
		return link.ErrAlreadyOpen
	}
	if co.Port != "" && !co.AutoDetect {
		return g.connectPort(ctx, co.Port, co.Baud)
	}

	candidates, err := g.candidates(co.Port)
	if err != nil {
		return &link.ConnectError{Port: "auto", Err: err}
	}
	var errs []error
	for _, port := range candidates {
		if err := g.connectPort(ctx, port, co.Baud); err != nil {
			g.log.Debug("auto-detect candidate rejected", "port", port, "error", err)
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		return nil
	}
	return &link.ConnectError{Port: "auto", Err: errors.Join(errs...)}
}

// candidates lists ports to probe: preferred first, then USB ports, then the rest.
func (g *Gateway) candidates(preferred string) ([]string, error) {
	ports, err := g.opts.ListPorts()
	if err != nil {
		return nil, fmt.Errorf("list ports: %w", err)
	}
	sort.SliceStable(ports, func(i, j int) bool { return ports[i].IsUSB && !ports[j].IsUSB })
	var out []string
	if preferred != "" {
		out = append(out, preferred)
	}
	for _, p := range ports {
		if p.Name != preferred {
			out = append(out, p.Name)
		}
	}
	if len(out) == 0 {
		return nil, ErrNoPorts
	}
	return out, nil
}

func (g *Gateway) connectPort(ctx context.Context, port string, baud int) error {
	if err := g.link.Open(port, baud); err != nil {
		return err
	}
	v, err := g.handshake(ctx)
	if err != nil {
		if cerr := g.link.Close(true); cerr != nil {
			g.log.Warn("close after failed handshake", "port", port, "error", cerr)
		}
		return &link.ConnectError{Port: port, Err: err}
	}
	g.mu.Lock()
	g.version = v
	g.mu.Unlock()
	g.log.Info("connected", "port", port, "baud", g.link.Baud(), "hardware", v.Hardware, "software", v.Software)
	return nil
}

// handshake waits out the settle delay, drops any banner and asks for the
// version.
func (g *Gateway) handshake(ctx context.Context) (Version, error) {
	select {
	case <-ctx.Done():
		return Version{}, ctx.Err()
	case <-time.After(g.opts.SettleDelay):
	}
	if err := g.link.Reset(true, false); err != nil {
		return Version{}, err
	}
	resp, err := g.link.Request("!version", versionMarker, g.opts.HandshakeTimeout)
	if err != nil {
		return Version{}, err
	}
	if !resp.OK {
		return Version{}, ErrNoHandshake
	}
	return ParseVersion(resp.Match)
}

// Disconnect stops both workers, resets the gateway and closes the port.
func (g *Gateway) Disconnect() error {
	g.StopListener()
	g.StopProcessor()
	return g.link.Close(true)
}

// Connected reports whether the link is open.
func (g *Gateway) Connected() bool { return g.link.IsOpen() }

// Write sends a raw command.
func (g *Gateway) Write(cmd string) error { return g.link.Write(cmd) }

// Version returns the version reported at the last handshake.
func (g *Gateway) Version() Version {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.version
}

// StartListener starts a background listener, first stopping and joining any
// listener still running.
func (g *Gateway) StartListener(opts worker.ListenerOptions) error {
	if !g.link.IsOpen() {
		return link.ErrNotConnected
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listener != nil {
		g.listener.Stop()
	}
	g.listener = worker.NewListener(g.link, g.raw, opts)
	g.listener.Start(context.Background())
	return nil
}

// StopListener stops the listener and waits for it to exit.
func (g *Gateway) StopListener() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listener != nil {
		g.listener.Stop()
	}
}

// StartProcessor starts a background processor on the raw queue.
func (g *Gateway) StartProcessor(b worker.Bounds) {
	g.startProcessor(worker.NewProcessor(g.raw, g.processed, worker.ProcessorOptions{Bounds: b}))
}

// StartProcessorBatch starts a background processor over samples.
func (g *Gateway) StartProcessorBatch(samples []packet.RawSample) {
	g.startProcessor(worker.NewBatchProcessor(samples, g.processed, worker.ProcessorOptions{}))
}

func (g *Gateway) startProcessor(p *worker.Processor) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.processor != nil {
		g.processor.Stop()
	}
	g.processor = p
	p.Start(context.Background())
}

// StopProcessor stops the processor and waits for it to exit.
func (g *Gateway) StopProcessor() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.processor != nil {
		g.processor.Stop()
	}
}

// streaming reports whether a live processor consumes the raw queue.
// g.mu must be held.
func (g *Gateway) streaming() bool {
	p := g.processor
	return p != nil && p.Streaming() && !p.Status().State().Done()
}

// Raw drains raw samples and returns the listener's pending error, if any.
// It fails with ErrQueueBusy while a streaming processor is running.
func (g *Gateway) Raw(sel queue.Selector) ([]packet.RawSample, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.streaming() {
		return nil, ErrQueueBusy
	}
	data := g.raw.Receiver().Drain(sel)
	return data, g.listenerError()
}

// Processed drains processed packets and returns the first pending worker
// error, the processor's before the listener's.
func (g *Gateway) Processed(sel queue.Selector) ([]packet.ProcessedPacket, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	data := g.processed.Receiver().Drain(sel)
	if g.processor != nil {
		if err := g.processor.Status().TakeError(); err != nil {
			return data, err
		}
	}
	return data, g.listenerError()
}

// listenerError takes the listener's pending error; g.mu must be held.
func (g *Gateway) listenerError() error {
	if g.listener == nil {
		return nil
	}
	return g.listener.Status().TakeError()
}
