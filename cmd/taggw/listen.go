package main

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/shaunagostinho/taggw/internal/recorder"
	"github.com/shaunagostinho/taggw/internal/worker"
)

func newListenCmd(g *globals) *cobra.Command {
	var (
		count   int
		maxTime time.Duration
		tagOnly bool
	)
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Collect a bounded batch of packets and print them as JSON lines",
		Long: `Connect, collect lines until --count samples are queued or --time elapses,
decode them and print one JSON object per packet.

Examples:
  taggw listen --count 100 --time 30s
  taggw --demo listen --tag-only`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			gw, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer gw.Disconnect()

			if !cmd.Flags().Changed("tag-only") {
				tagOnly = g.cfg.Gateway.TagOnly
			}
			pkts, runErr := gw.Run(ctx, worker.Bounds{MaxCount: count, MaxTime: maxTime}, tagOnly)

			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, p := range pkts {
				if err := enc.Encode(p); err != nil {
					return err
				}
			}

			if g.cfg.Recording.Enabled {
				rec := recorder.New(g.cfg.Recording)
				defer rec.Close()
				if _, err := rec.Record(pkts...); err != nil {
					return errors.Join(runErr, err)
				}
			}
			return runErr
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 10, "stop after this many samples (0 = unbounded)")
	cmd.Flags().DurationVarP(&maxTime, "time", "t", 10*time.Second, "stop after this long (0 = unbounded)")
	cmd.Flags().BoolVar(&tagOnly, "tag-only", false, "keep only tag packet lines")
	return cmd
}
