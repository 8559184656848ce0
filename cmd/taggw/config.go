package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shaunagostinho/taggw/internal/devconf"
)

func newConfigCmd(g *globals) *cobra.Command {
	var (
		filter, modulation, startApp   bool
		pacer, channel, backoff, energ int
		period, on                     int
		show                           bool
	)
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Apply radio settings and print the gateway's configuration",
		Long: `Send the given settings to the gateway, then print its configuration dump.
Every value is validated before anything is sent; one bad value rejects the
whole request.

Examples:
  taggw config
  taggw config --energizing 17 --channel 38 --period 15 --on 5
  taggw config --show`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if show {
				data, err := g.cfg.ToJSON()
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(data))
				return nil
			}

			f := cmd.Flags()
			var o devconf.Options
			if f.Changed("filter") {
				o.Filter = &filter
			}
			if f.Changed("pacer") {
				o.PacerInterval = &pacer
			}
			if f.Changed("channel") {
				o.ReceivedChannel = &channel
			}
			if f.Changed("period") || f.Changed("on") {
				if !f.Changed("period") || !f.Changed("on") {
					return fmt.Errorf("--period and --on must be given together")
				}
				o.TimeProfile = &devconf.TimeProfile{Period: period, On: on}
			}
			if f.Changed("backoff") {
				o.BeaconBackoff = &backoff
			}
			if f.Changed("modulation") {
				o.Modulation = &modulation
			}
			if f.Changed("energizing") {
				o.EnergizingPattern = &energ
			}
			o.StartGatewayApp = startApp
			if err := devconf.Validate(o); err != nil {
				return err
			}

			gw, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer gw.Disconnect()

			if !o.Empty() {
				if err := gw.ApplyConfig(o); err != nil {
					return err
				}
			}
			report, err := gw.ConfigReport()
			if err != nil {
				return err
			}
			for _, line := range report.Lines {
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.BoolVar(&filter, "filter", false, "packet filter on/off")
	f.IntVar(&pacer, "pacer", 0, "pacer interval (0-65535)")
	f.IntVar(&channel, "channel", 37, "advertising channel to scan (37, 38 or 39)")
	f.IntVar(&period, "period", 15, "time profile period (6-50)")
	f.IntVar(&on, "on", 5, "time profile on slots (0 to period-3)")
	f.IntVar(&backoff, "backoff", 2, "beacons backoff")
	f.BoolVar(&modulation, "modulation", false, "modulation on/off")
	f.IntVar(&energ, "energizing", 18, "energizing pattern (1-28, 50-52)")
	f.BoolVar(&startApp, "start-app", false, "send !gateway_app after the settings")
	f.BoolVar(&show, "show", false, "print the taggw config as JSON instead of talking to the gateway")
	return cmd
}
