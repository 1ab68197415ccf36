package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rankwatch/rankwatch/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the scheduler and the query API until SIGINT or SIGTERM",
		RunE:  runServeCommand,
	}
}

func runServeCommand(cmd *cobra.Command, _ []string) error {
	rt, err := resolveSession(cmd.Context())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := server.Build(ctx, rt.cfg, rt.logger, server.Overrides{})
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}
	if err := app.Run(ctx); err != nil {
		return fmt.Errorf("run application: %w", err)
	}
	return nil
}
