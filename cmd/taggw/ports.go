package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/shaunagostinho/taggw/internal/link"
)

func newPortsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List serial ports, USB ports first",
		RunE: func(cmd *cobra.Command, args []string) error {
			list := link.ListPorts
			if g.cfg.Gateway.Demo {
				list = func() ([]link.PortInfo, error) {
					return []link.PortInfo{{Name: demoPort}}, nil
				}
			}
			ports, err := list()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PORT\tUSB\tVID:PID\tSERIAL")
			for _, usbFirst := range []bool{true, false} {
				for _, p := range ports {
					if p.IsUSB != usbFirst {
						continue
					}
					id := ""
					if p.VID != "" {
						id = p.VID + ":" + p.PID
					}
					fmt.Fprintf(w, "%s\t%t\t%s\t%s\n", p.Name, p.IsUSB, id, p.Serial)
				}
			}
			return w.Flush()
		},
	}
}
