package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/shaunagostinho/taggw/internal/firmware"
	"github.com/shaunagostinho/taggw/internal/gateway"
	"github.com/shaunagostinho/taggw/internal/link"
	"github.com/shaunagostinho/taggw/internal/logging"
	"github.com/shaunagostinho/taggw/internal/server"
	"github.com/shaunagostinho/taggw/internal/sim"
)

const demoPort = "sim0"

// globals holds the persistent flags and what they load.
type globals struct {
	configPath string
	demo       bool
	port       string
	baud       int

	cfg *server.Config
	dev *sim.Device // demo only
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:   "taggw",
		Short: "taggw - serial driver and monitor for BLE tag gateways",
		Long: `taggw talks to a tag gateway over its serial port. It collects the tag
packets the gateway reports, decodes them, configures the gateway radio,
updates its firmware and serves a live monitor over HTTP.

Use --demo to run against a simulated gateway.`,
		SilenceUsage:      true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return g.load() },
	}

	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", server.DefaultConfigPath, "config file path")
	root.PersistentFlags().BoolVar(&g.demo, "demo", false, "use a simulated gateway")
	root.PersistentFlags().StringVarP(&g.port, "port", "p", "", "serial port (disables auto-detect)")
	root.PersistentFlags().IntVarP(&g.baud, "baud", "b", 0, "baud rate")

	root.AddCommand(
		newListenCmd(g),
		newServeCmd(g),
		newConfigCmd(g),
		newFirmwareCmd(g),
		newPortsCmd(g),
	)
	return root
}

// load reads the config, applies flag overrides and sets up logging.
func (g *globals) load() error {
	cfg := server.LoadConfig(g.configPath)
	if g.demo {
		cfg.Gateway.Demo = true
	}
	if g.port != "" {
		cfg.Gateway.Port = g.port
		cfg.Gateway.AutoDetect = false
	}
	if g.baud > 0 {
		cfg.Gateway.Baud = g.baud
	}
	if err := logging.Init(cfg.Logging); err != nil {
		return err
	}
	g.cfg = cfg
	return nil
}

// newGateway builds the driver. Demo mode backs it with a streaming simulator
// that can also be "flashed".
func (g *globals) newGateway() *gateway.Gateway {
	opts := g.cfg.GatewayOptions()
	if g.cfg.Gateway.Demo {
		g.dev = sim.New(sim.Config{Stream: true})
		opts.Opener = g.dev.Opener()
		opts.ListPorts = func() ([]link.PortInfo, error) {
			return []link.PortInfo{{Name: demoPort}}, nil
		}
		opts.SettleDelay = -1
		opts.Flasher = firmware.FlasherFunc(func(ctx context.Context, img firmware.Image, port string) error {
			g.dev.Flash(img.Version)
			return nil
		})
	}
	return gateway.New(opts)
}

func (g *globals) connectOptions() gateway.ConnectOptions {
	if g.cfg.Gateway.Demo {
		return gateway.ConnectOptions{Port: demoPort}
	}
	return g.cfg.ConnectOptions()
}

// configure applies the configured device settings. Demo mode always starts
// the gateway app so the simulator streams.
func (g *globals) configure(gw *gateway.Gateway) error {
	o := g.cfg.DeviceOptions()
	if g.cfg.Gateway.Demo {
		o.StartGatewayApp = true
	}
	if o.Empty() {
		return nil
	}
	return gw.ApplyConfig(o)
}

// open connects once and applies the device settings.
func (g *globals) open(ctx context.Context) (*gateway.Gateway, error) {
	gw := g.newGateway()
	if err := gw.Connect(ctx, g.connectOptions()); err != nil {
		return nil, err
	}
	if err := g.configure(gw); err != nil {
		_ = gw.Disconnect()
		return nil, fmt.Errorf("configure gateway: %w", err)
	}
	return gw, nil
}

var (
	retryBase = 1 * time.Second
	retryMax  = 60 * time.Second
)

// connectWithRetry attempts to connect with exponential backoff.
// Starts at retryBase, doubles each attempt up to retryMax, logs attempt
// numbers against maxAttempts and then keeps retrying at the max interval.
// It reports whether a connection was made before ctx ended.
func connectWithRetry(ctx context.Context, name string, connect func(context.Context) error, maxAttempts int) bool {
	log := slog.Default().With("component", name)
	delay := retryBase
	attempt := 0

	for {
		if ctx.Err() != nil {
			return false
		}
		err := connect(ctx)
		if err == nil {
			log.Info("connected", "attempt", attempt+1)
			return true
		}
		attempt++
		if attempt <= maxAttempts {
			log.Warn("connect failed", "attempt", attempt, "max", maxAttempts, "error", err, "retry_in", delay)
		} else {
			log.Warn("connect failed", "attempt", attempt, "error", err, "retry_in", delay)
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
		delay = min(delay*2, retryMax)
	}
}
