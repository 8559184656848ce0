package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/shaunagostinho/taggw/internal/server"
	"github.com/shaunagostinho/taggw/web"
)

const connectAttempts = 10

func newServeCmd(g *globals) *cobra.Command {
	var listenAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the live monitor: web page, websocket stream, HTTP API and metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			if listenAddr != "" {
				g.cfg.Server.ListenAddr = listenAddr
			}
			ctx := cmd.Context()
			gw := g.newGateway()
			defer gw.Disconnect()

			srv := server.New(g.cfg, gw, web.FS)

			// The monitor comes up immediately; the gateway joins when it answers.
			go func() {
				co := g.connectOptions()
				ok := connectWithRetry(ctx, "gateway", func(ctx context.Context) error {
					return gw.Connect(ctx, co)
				}, connectAttempts)
				if !ok {
					return
				}
				if err := g.configure(gw); err != nil {
					slog.Default().Warn("configure gateway", "error", err)
				}
				if err := srv.StartWorkers(); err != nil {
					slog.Default().Warn("start workers", "error", err)
				}
			}()

			return srv.Run(ctx)
		},
	}
	cmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "override listen address (e.g. :8080)")
	return cmd
}
