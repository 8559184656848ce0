package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/shaunagostinho/taggw/internal/firmware"
)

func newFirmwareCmd(g *globals) *cobra.Command {
	var (
		target string
		check  bool
		dir    string
	)
	cmd := &cobra.Command{
		Use:   "firmware",
		Short: "Check or update the gateway firmware",
		Long: `Compare the gateway's firmware with a target and reflash it when they differ.
The target is "latest" (highest versioned image in the firmware directory), a
version such as 3.2.0, or a path to an image file.

Examples:
  taggw firmware --check
  taggw firmware --target 3.2.0 --dir ./images`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir != "" {
				g.cfg.Firmware.Dir = dir
			}
			gw, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer gw.Disconnect()

			res, err := gw.UpdateFirmware(cmd.Context(), target, check)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(res); encErr != nil && err == nil {
				err = encErr
			}
			return err
		},
	}
	cmd.Flags().StringVar(&target, "target", firmware.Latest, `"latest", a version, or an image path`)
	cmd.Flags().BoolVar(&check, "check", false, "only compare versions")
	cmd.Flags().StringVar(&dir, "dir", "", "firmware image directory (overrides config)")
	return cmd
}
