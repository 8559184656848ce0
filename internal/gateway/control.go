package gateway

import (
	"context"
	"errors"

	"github.com/shaunagostinho/taggw/internal/devconf"
	"github.com/shaunagostinho/taggw/internal/firmware"
	"github.com/shaunagostinho/taggw/internal/link"
	"github.com/shaunagostinho/taggw/internal/packet"
	"github.com/shaunagostinho/taggw/internal/queue"
	"github.com/shaunagostinho/taggw/internal/worker"
)

// Status is a snapshot of the whole driver.
type Status struct {
	Connected       bool            `json:"connected"`
	Port            string          `json:"port,omitempty"`
	Baud            int             `json:"baud,omitempty"`
	Version         Version         `json:"version"`
	Listener        worker.Snapshot `json:"listener"`
	Processor       worker.Snapshot `json:"processor"`
	RawQueued       int             `json:"raw_queued"`
	ProcessedQueued int             `json:"processed_queued"`
	TagHistory      int             `json:"tag_history"`
	Config          devconf.Params  `json:"config"`
}

// Status reports link, worker and queue state. Pending worker errors are
// shown but not taken.
func (g *Gateway) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := Status{
		Connected:       g.link.IsOpen(),
		Port:            g.link.Port(),
		Baud:            g.link.Baud(),
		Version:         g.version,
		Listener:        worker.Snapshot{Worker: "listener", State: worker.Idle},
		Processor:       worker.Snapshot{Worker: "processor", State: worker.Idle},
		RawQueued:       g.raw.Len(),
		ProcessedQueued: g.processed.Len(),
		Config:          g.conf.Params(),
	}
	if g.listener != nil {
		st.Listener = g.listener.Status().Snapshot()
	}
	if g.processor != nil {
		st.Processor = g.processor.Status().Snapshot()
		st.TagHistory = g.processor.History().Len()
	}
	return st
}

// Run collects lines on the calling goroutine until b.MaxCount samples are
// queued or b.MaxTime elapses, then decodes them in one batch. Background
// workers are stopped first. Packets collected before a fault are returned
// with the error.
func (g *Gateway) Run(ctx context.Context, b worker.Bounds, tagOnly bool) ([]packet.ProcessedPacket, error) {
	if !g.link.IsOpen() {
		return nil, link.ErrNotConnected
	}
	g.StopListener()
	g.StopProcessor()

	raw := queue.New[packet.RawSample](0)
	lis := worker.NewListener(g.link, raw, worker.ListenerOptions{TagOnly: tagOnly, Bounds: b})
	runErr := lis.Run(ctx)
	if runErr == nil {
		runErr = lis.Status().TakeError()
	}

	samples := raw.Receiver().Drain(queue.AllItems())
	out := queue.New[packet.ProcessedPacket](0)
	proc := worker.NewBatchProcessor(samples, out, worker.ProcessorOptions{})
	if err := proc.Run(context.WithoutCancel(ctx)); err != nil {
		runErr = errors.Join(runErr, err)
	} else if err := proc.Status().TakeError(); err != nil {
		runErr = errors.Join(runErr, err)
	}
	g.log.Info("run finished", "listener", lis.Status().State(), "samples", len(samples))
	return out.Receiver().Drain(queue.AllItems()), runErr
}

// ApplyConfig validates and sends configuration settings.
func (g *Gateway) ApplyConfig(o devconf.Options) error {
	if !g.link.IsOpen() {
		return link.ErrNotConnected
	}
	return g.conf.Apply(o)
}

// ConfigReport reads the gateway's configuration dump.
func (g *Gateway) ConfigReport() (devconf.Report, error) {
	if !g.link.IsOpen() {
		return devconf.Report{}, link.ErrNotConnected
	}
	return g.conf.Report()
}

// Params returns the last-applied configuration.
func (g *Gateway) Params() devconf.Params { return g.conf.Params() }

// UpdateFirmware compares the gateway's firmware with target and, unless
// checkOnly, reflashes it and reconnects on the same port. Workers are
// stopped before the gateway enters its bootloader.
func (g *Gateway) UpdateFirmware(ctx context.Context, target string, checkOnly bool) (firmware.Result, error) {
	if !g.link.IsOpen() {
		return firmware.Result{}, link.ErrNotConnected
	}
	if !checkOnly {
		g.StopListener()
		g.StopProcessor()
	}
	port, baud := g.link.Port(), g.link.Baud()
	req := firmware.Request{
		Current:   g.Version().Software,
		Target:    target,
		Port:      port,
		CheckOnly: checkOnly,
	}
	reconnect := func(ctx context.Context) (string, error) {
		if err := g.connectPort(ctx, port, baud); err != nil {
			return "", err
		}
		return g.Version().Software, nil
	}
	return g.updater.Update(ctx, req, g.link, reconnect)
}
