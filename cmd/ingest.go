package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"

	"github.com/JakeFAU/apartment-sales-crawler/internal/ingest"
	"github.com/JakeFAU/apartment-sales-crawler/internal/metrics"
	"github.com/JakeFAU/apartment-sales-crawler/internal/planner"
)

// newIngestCmd creates the 'ingest' subcommand, one synchronous ingestion run.
func newIngestCmd() *cobra.Command {
	var (
		startDate    string
		printSummary bool
	)

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Runs one ingestion pass",
		Long: `Plans the date window (from --startDate, else the newest stored sale
date, else the configured lookback), splits it into batches and upserts every
apartment sale found. The first fetch, parse or write error stops the run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := io.Discard
			if printSummary {
				out = cmd.OutOrStdout()
			}
			return runIngest(cmd.Context(), startDate, out)
		},
	}
	cmd.Flags().StringVar(&startDate, "startDate", "", "first sale date to fetch (YYYY-MM-DD); overrides the stored watermark")
	cmd.Flags().BoolVar(&printSummary, "summary", false, "print the run summary as YAML on success")
	return cmd
}

func runIngest(ctx context.Context, startDate string, out io.Writer) error {
	appInstance, err := resolveApp(ctx)
	if err != nil {
		return err
	}
	logger := appInstance.Logger()
	cfg := appInstance.Config()

	var opts ingest.RunOptions
	if startDate != "" {
		d, err := planner.ParseDate(startDate)
		if err != nil {
			return fmt.Errorf("invalid --startDate: %w", err)
		}
		opts.StartDate = &d
	}

	pipeline, err := appInstance.Pipeline(ctx)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}

	defer func() {
		pushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := metrics.Push(pushCtx, cfg.Metrics.PushURL, cfg.Metrics.Job); err != nil {
			logger.Warn("metrics push failed", zap.Error(err))
		}
	}()

	summary, err := pipeline.Run(ctx, opts)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("ingestion interrupted", zap.Int("upserted", summary.Upserted))
		}
		return fmt.Errorf("ingest: %w", err)
	}
	logger.Info("ingest command finished",
		zap.String("run_id", summary.RunID),
		zap.Int("upserted", summary.Upserted),
		zap.String("watermark", summary.Watermark),
	)
	if out == io.Discard {
		return nil
	}
	doc, err := yaml.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	if _, err := out.Write(doc); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}
