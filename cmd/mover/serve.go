package main

import (
	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/BrowserMover/internal/infrastructure/server"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and progress stream",
		Long:  "serve exposes migrations, backups and rollbacks over HTTP, with live progress on the /stream websocket and Prometheus metrics on /metrics.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return server.NewServer(a.stack).Run(cmd.Context())
		},
	}
}
