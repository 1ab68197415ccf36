package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/rankwatch/rankwatch/internal/orchestrator"
	"github.com/rankwatch/rankwatch/internal/server"
)

// newCrawlCmd runs a single pass and exits, for cron jobs and local checks.
func newCrawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl",
		Short: "Runs one crawl pass and exits",
		RunE:  runCrawlCommand,
	}
}

func runCrawlCommand(cmd *cobra.Command, _ []string) (err error) {
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
	defer func() {
		err = multierr.Append(err, app.Close(context.WithoutCancel(ctx)))
	}()

	result, err := app.RunOnce(ctx)
	if err != nil {
		return err
	}
	printSummary(cmd.OutOrStdout(), result)
	return nil
}

func printSummary(w io.Writer, r orchestrator.PassResult) {
	fmt.Fprintf(w, "pass %s bucket %s: %s\n", r.PassID, r.Bucket, r.Outcome())
	fmt.Fprintf(w, "  categories ok: %d, failed: %d\n", len(r.Succeeded), len(r.Failed))
	fmt.Fprintf(w, "  records merged: %d, total: %d\n", r.RecordsMerged, r.TotalRecords)
	if len(r.Failed) > 0 {
		ids := make([]string, 0, len(r.Failed))
		for _, f := range r.Failed {
			ids = append(ids, f.Category)
		}
		fmt.Fprintf(w, "  failed: %s\n", strings.Join(ids, ", "))
	}
	if r.PersistErr != nil {
		fmt.Fprintf(w, "  persist error: %v\n", r.PersistErr)
	}
	if r.DeliveryErr != nil {
		fmt.Fprintf(w, "  delivery error: %v\n", r.DeliveryErr)
	}
}
