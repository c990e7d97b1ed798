package ingest

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/apartment-sales-crawler/internal/metrics"
	"github.com/JakeFAU/apartment-sales-crawler/internal/planner"
)

var tracer = otel.Tracer("github.com/JakeFAU/apartment-sales-crawler/internal/ingest")

// Config controls a Pipeline.
type Config struct {
	Search       SearchConfig
	BatchDays    int
	LookbackDays int
	// Location decides which calendar day "today" is.
	Location *time.Location
	// ArchivePrefix is prepended to archived page paths.
	ArchivePrefix string
	// NotifyTopic receives the run summary when a publisher is configured.
	NotifyTopic string
}

// Pipeline drives one ingestion run: plan the window, sweep every batch page
// by page and upsert the apartment sales it finds.
type Pipeline struct {
	cfg       Config
	fetcher   Fetcher
	extractor Extractor
	store     SaleStore
	archive   BlobStore
	hasher    Hasher
	publisher Publisher
	clock     Clock
	ids       IDGenerator
	logger    *zap.Logger
}

// NewPipeline constructs a Pipeline. archive, hasher, publisher and ids are
// optional.
func NewPipeline(
	fetcher Fetcher,
	extractor Extractor,
	store SaleStore,
	archive BlobStore,
	hasher Hasher,
	publisher Publisher,
	clock Clock,
	ids IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Pipeline {
	if cfg.BatchDays <= 0 {
		cfg.BatchDays = planner.DefaultBatchDays
	}
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = planner.DefaultLookbackDays
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Pipeline{
		cfg:       cfg,
		fetcher:   fetcher,
		extractor: extractor,
		store:     store,
		archive:   archive,
		hasher:    hasher,
		publisher: publisher,
		clock:     clock,
		ids:       ids,
		logger:    logger,
	}
}

// Run executes a full ingestion run. The first error aborts the run; sales
// upserted before it stay committed.
func (p *Pipeline) Run(ctx context.Context, opts RunOptions) (RunSummary, error) {
	summary := RunSummary{StartedAt: p.clock.Now()}
	summary.RunID = p.newRunID()
	logger := p.logger.With(zap.String("run_id", summary.RunID))

	ctx, span := tracer.Start(ctx, "ingest.run", trace.WithAttributes(attribute.String("run_id", summary.RunID)))
	defer span.End()

	summary, err := p.run(ctx, opts, summary, logger)
	span.SetAttributes(
		attribute.Int("batches", summary.Batches),
		attribute.Int("pages", summary.Pages),
		attribute.Int("upserted", summary.Upserted),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ingestion run failed")
		metrics.ObserveRun("failed")
		logger.Error("ingestion run failed", zap.Error(err))
		return summary, err
	}
	metrics.ObserveRun("succeeded")
	return summary, nil
}

func (p *Pipeline) run(ctx context.Context, opts RunOptions, summary RunSummary, logger *zap.Logger) (RunSummary, error) {
	wm, err := p.store.Watermark(ctx)
	if err != nil {
		return summary, fmt.Errorf("read watermark: %w", err)
	}

	today := planner.Day(p.clock.Now(), p.cfg.Location)
	window := planner.ResolveWindow(opts.StartDate, wm.Latest, today, p.cfg.LookbackDays)
	batches := planner.Split(window, p.cfg.BatchDays)
	summary.WindowStart = window.Start.Format(DateLayout)
	summary.WindowEnd = window.End.Format(DateLayout)

	fields := []zap.Field{
		zap.String("window_start", summary.WindowStart),
		zap.String("window_end", summary.WindowEnd),
		zap.Int("batches", len(batches)),
	}
	if wm.Latest != nil {
		fields = append(fields, zap.String("watermark", wm.Latest.Format(DateLayout)))
	}
	logger.Info("ingestion run planned", fields...)

	for _, batch := range batches {
		if err := ctx.Err(); err != nil {
			return summary, fmt.Errorf("run interrupted: %w", err)
		}
		if err := p.runBatch(ctx, summary.RunID, batch, &summary, logger); err != nil {
			return summary, err
		}
		summary.Batches++
	}

	final, err := p.store.Watermark(ctx)
	if err != nil {
		return summary, fmt.Errorf("read final watermark: %w", err)
	}
	if final.Latest != nil {
		summary.Watermark = final.Latest.Format(DateLayout)
		metrics.SetWatermark(*final.Latest)
	}
	summary.FinishedAt = p.clock.Now()
	logger.Info("ingestion run finished",
		zap.Int("batches", summary.Batches),
		zap.Int("pages", summary.Pages),
		zap.Int("upserted", summary.Upserted),
		zap.Int("filtered", summary.Filtered),
		zap.Int("invalid", summary.Invalid),
		zap.String("watermark", summary.Watermark),
		zap.Duration("elapsed", summary.FinishedAt.Sub(summary.StartedAt)),
	)
	p.notify(ctx, summary, logger)
	return summary, nil
}

// runBatch probes the batch's page count, then walks pages from last to
// first.
func (p *Pipeline) runBatch(ctx context.Context, runID string, batch planner.Batch, summary *RunSummary, logger *zap.Logger) (err error) {
	ctx, span := tracer.Start(ctx, "ingest.batch", trace.WithAttributes(
		attribute.String("batch_start", batch.StartString()),
		attribute.String("batch_end", batch.EndString()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "batch failed")
		}
		span.End()
	}()

	started := p.clock.Now()
	logger = logger.With(zap.String("batch_start", batch.StartString()), zap.String("batch_end", batch.EndString()))

	probeURL, err := p.cfg.Search.URL(batch, 0)
	if err != nil {
		return err
	}
	probe, err := p.fetcher.Fetch(ctx, FetchRequest{URL: probeURL})
	if err != nil {
		return fmt.Errorf("fetch page count for %s..%s: %w", batch.StartString(), batch.EndString(), err)
	}
	pages, err := p.extractor.PageCount(probe.Body)
	if err != nil {
		return fmt.Errorf("page count for %s..%s: %w", batch.StartString(), batch.EndString(), err)
	}
	logger.Info("batch started", zap.Int("pages", pages))

	for page := pages; page >= 1; page-- {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("run interrupted: %w", err)
		}
		if err := p.runPage(ctx, runID, batch, page, summary, logger); err != nil {
			return err
		}
		summary.Pages++
	}

	elapsed := p.clock.Now().Sub(started)
	metrics.ObserveBatch(elapsed)
	logger.Info("batch finished", zap.Int("pages", pages), zap.Duration("elapsed", elapsed))
	return nil
}

func (p *Pipeline) runPage(
	ctx context.Context,
	runID string,
	batch planner.Batch,
	page int,
	summary *RunSummary,
	logger *zap.Logger,
) error {
	ctx, span := tracer.Start(ctx, "ingest.page", trace.WithAttributes(attribute.Int("page", page)))
	defer span.End()

	pageURL, err := p.cfg.Search.URL(batch, page)
	if err != nil {
		return err
	}
	resp, err := p.fetcher.Fetch(ctx, FetchRequest{URL: pageURL})
	if err != nil {
		return fmt.Errorf("fetch page %d: %w", page, err)
	}
	if err := p.archivePage(ctx, runID, batch, page, resp.Body); err != nil {
		return err
	}

	result, err := p.extractor.Extract(resp.Body)
	if err != nil {
		return fmt.Errorf("extract page %d of %s..%s: %w", page, batch.StartString(), batch.EndString(), err)
	}
	logger.Info("current page",
		zap.Int("page", page),
		zap.String("first_sold_date", result.FirstSoldDate),
		zap.Int("listings", len(result.Sales)),
	)
	span.SetAttributes(attribute.Int("listings", len(result.Sales)), attribute.Int("filtered", result.Filtered))

	for _, sale := range result.Sales {
		if err := p.store.Upsert(ctx, sale); err != nil {
			return fmt.Errorf("persist sale %d: %w", sale.ID, err)
		}
		summary.Upserted++
	}
	summary.Filtered += result.Filtered
	summary.Invalid += len(result.Invalid)
	metrics.ObserveListings(metrics.OutcomeUpserted, len(result.Sales))
	metrics.ObserveListings(metrics.OutcomeFiltered, result.Filtered)
	metrics.ObserveListings(metrics.OutcomeInvalid, len(result.Invalid))
	return nil
}

func (p *Pipeline) archivePage(ctx context.Context, runID string, batch planner.Batch, page int, body []byte) error {
	if p.archive == nil {
		return nil
	}
	path, err := p.archivePath(runID, batch, page, body)
	if err != nil {
		return err
	}
	if _, err := p.archive.PutObject(ctx, path, "text/html; charset=utf-8", bytes.NewReader(body)); err != nil {
		return fmt.Errorf("archive page %d: %w", page, err)
	}
	return nil
}

func (p *Pipeline) archivePath(runID string, batch planner.Batch, page int, body []byte) (string, error) {
	name := fmt.Sprintf("page-%d.html", page)
	if p.hasher != nil {
		sum, err := p.hasher.Hash(body)
		if err != nil {
			return "", fmt.Errorf("hash page %d: %w", page, err)
		}
		name = fmt.Sprintf("page-%d-%s.html", page, sum)
	}
	parts := []string{runID, batch.StartString() + "_" + batch.EndString(), name}
	if prefix := strings.Trim(p.cfg.ArchivePrefix, "/"); prefix != "" {
		parts = append([]string{prefix}, parts...)
	}
	return strings.Join(parts, "/"), nil
}

// notify publishes the summary. Failure is logged, not returned, because the
// sales are already committed.
func (p *Pipeline) notify(ctx context.Context, summary RunSummary, logger *zap.Logger) {
	if p.publisher == nil || p.cfg.NotifyTopic == "" {
		return
	}
	id, err := p.publisher.Publish(ctx, p.cfg.NotifyTopic, summary)
	if err != nil {
		logger.Warn("publish run summary failed", zap.String("topic", p.cfg.NotifyTopic), zap.Error(err))
		return
	}
	logger.Debug("run summary published", zap.String("topic", p.cfg.NotifyTopic), zap.String("message_id", id))
}

func (p *Pipeline) newRunID() string {
	if p.ids != nil {
		if id, err := p.ids.NewID(); err == nil {
			return id
		}
	}
	return p.clock.Now().UTC().Format("20060102T150405Z")
}
