// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/apartment-sales-crawler/internal/api"
	"github.com/JakeFAU/apartment-sales-crawler/internal/clock/system"
	"github.com/JakeFAU/apartment-sales-crawler/internal/config"
	"github.com/JakeFAU/apartment-sales-crawler/internal/extract"
	collyfetcher "github.com/JakeFAU/apartment-sales-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/apartment-sales-crawler/internal/fetcher/retry"
	"github.com/JakeFAU/apartment-sales-crawler/internal/hash/sha256"
	"github.com/JakeFAU/apartment-sales-crawler/internal/id/uuid"
	"github.com/JakeFAU/apartment-sales-crawler/internal/ingest"
	"github.com/JakeFAU/apartment-sales-crawler/internal/policy/ratelimit"
	pubmemory "github.com/JakeFAU/apartment-sales-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/apartment-sales-crawler/internal/publisher/pubsub"
	gcsstorage "github.com/JakeFAU/apartment-sales-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/apartment-sales-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/apartment-sales-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/apartment-sales-crawler/internal/storage/postgres"
	"github.com/JakeFAU/apartment-sales-crawler/internal/telemetry"
)

// Store is everything the commands need from a sale store.
type Store interface {
	ingest.SaleStore
	api.SalesReader
	Migrate(ctx context.Context) error
	Close()
}

// publisherCloser is a Publisher that owns a connection.
type publisherCloser interface {
	ingest.Publisher
	Close() error
}

// Factories are variables so tests can swap the cloud-backed constructors.
var (
	openPostgres = func(ctx context.Context, cfg pgstore.SaleStoreConfig) (Store, error) {
		return pgstore.NewSaleStore(ctx, cfg)
	}
	dialGCS = func(ctx context.Context, cfg gcsstorage.Config) (*gcsstorage.BlobStore, error) {
		return gcsstorage.Dial(ctx, cfg)
	}
	dialPubSub = func(ctx context.Context, projectID, topic string) (publisherCloser, error) {
		return gcppublisher.Dial(ctx, projectID, topic)
	}
	initTracing = telemetry.InitTracerProvider
)

// App holds the shared, long-lived services for one command invocation. The
// sale store is opened eagerly; archive, publisher and fetcher are built on
// demand by Pipeline.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	store     Store
	archive   ingest.BlobStore
	publisher publisherCloser
	closers   []func() error
}

// New opens the configured sale store.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}

	if cfg.Tracing.Enabled {
		tp, err := initTracing(ctx, telemetry.Config{ServiceName: cfg.Tracing.ServiceName, ProjectID: cfg.Tracing.ProjectID})
		if err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
		a.closers = append(a.closers, func() error {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return tp.Shutdown(shutdownCtx)
		})
		logger.Info("tracing enabled", zap.Bool("cloud_trace", cfg.Tracing.ProjectID != ""))
	}

	switch cfg.Storage.Driver {
	case config.DriverMemory:
		logger.Info("using in-memory sale store; sales are discarded on exit")
		a.store = memorystorage.NewSaleStore()
	case config.DriverPostgres, "":
		logger.Info("connecting to postgres", zap.String("table", cfg.DB.Table))
		store, err := openPostgres(ctx, pgstore.SaleStoreConfig{
			DSN:             cfg.DB.ConnString(),
			Table:           cfg.DB.Table,
			MaxConns:        cfg.DB.MaxConns,
			MinConns:        cfg.DB.MinConns,
			MaxConnLifetime: cfg.DB.MaxConnLifetime(),
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("open sale store: %w", err)
		}
		a.store = store
	default:
		a.Close()
		return nil, fmt.Errorf("unknown storage driver: %s", cfg.Storage.Driver)
	}
	return a, nil
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config {
	return a.cfg
}

// Store returns the sale store.
func (a *App) Store() Store {
	return a.store
}

// APIServer builds the read-only HTTP server over the sale store.
func (a *App) APIServer() *api.Server {
	return api.NewServer(a.store, api.Options{APIKey: a.cfg.Server.APIKey}, a.logger.Named("api"))
}

// Pipeline wires the fetcher chain, extractor, archive and publisher into an
// ingestion pipeline.
func (a *App) Pipeline(ctx context.Context) (*ingest.Pipeline, error) {
	archive, err := a.archiveStore(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := a.notifier(ctx)
	if err != nil {
		return nil, err
	}
	loc, err := a.cfg.Location()
	if err != nil {
		return nil, err
	}

	fetchCfg := a.cfg.Fetch
	base := collyfetcher.New(collyfetcher.Config{
		UserAgent:     fetchCfg.UserAgent,
		Headers:       fetchHeaders(fetchCfg.Headers),
		RespectRobots: fetchCfg.RespectRobots,
		Timeout:       fetchCfg.Timeout(),
		MaxBodyBytes:  fetchCfg.MaxBodyBytes,
	})
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   fetchCfg.RequestsPerSec,
		DefaultBurst: fetchCfg.Burst,
	})
	fetcher := retry.New(base, retry.Config{
		MaxAttempts: fetchCfg.MaxAttempts,
		BaseDelay:   fetchCfg.BaseDelay(),
	}, limiter, a.logger.Named("fetch"))

	var pub ingest.Publisher
	if publisher != nil {
		pub = publisher
	}
	return ingest.NewPipeline(
		fetcher,
		extract.New(extract.Config{Strict: a.cfg.Extract.Strict}, a.logger.Named("extract")),
		a.store,
		archive,
		sha256.New(),
		pub,
		system.New(),
		uuid.New(),
		ingest.Config{
			Search:        ingest.SearchConfig{BaseURL: a.cfg.Search.BaseURL, AreaIDs: a.cfg.Search.AreaIDs},
			BatchDays:     a.cfg.Ingest.BatchDays,
			LookbackDays:  a.cfg.Ingest.LookbackDays,
			Location:      loc,
			ArchivePrefix: a.cfg.Archive.Prefix,
			NotifyTopic:   a.cfg.Notify.Topic,
		},
		a.logger.Named("ingest"),
	), nil
}

func (a *App) archiveStore(ctx context.Context) (ingest.BlobStore, error) {
	if !a.cfg.Archive.Enabled {
		return nil, nil
	}
	if a.archive != nil {
		return a.archive, nil
	}
	switch a.cfg.Archive.Driver {
	case config.DriverMemory:
		a.archive = memorystorage.NewBlobStore()
	case config.DriverLocal:
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.Dir})
		if err != nil {
			return nil, fmt.Errorf("open local archive: %w", err)
		}
		a.archive = store
	case config.DriverGCS:
		store, err := dialGCS(ctx, gcsstorage.Config{Bucket: a.cfg.Archive.Bucket})
		if err != nil {
			return nil, fmt.Errorf("open gcs archive: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		a.archive = store
	default:
		return nil, fmt.Errorf("unknown archive driver: %s", a.cfg.Archive.Driver)
	}
	a.logger.Info("raw page archive enabled",
		zap.String("driver", a.cfg.Archive.Driver),
		zap.String("prefix", a.cfg.Archive.Prefix),
	)
	return a.archive, nil
}

func (a *App) notifier(ctx context.Context) (publisherCloser, error) {
	if a.cfg.Notify.Topic == "" {
		return nil, nil
	}
	if a.publisher != nil {
		return a.publisher, nil
	}
	var (
		pub publisherCloser
		err error
	)
	if a.cfg.Notify.Driver == config.DriverMemory {
		pub = pubmemory.New()
	} else {
		pub, err = dialPubSub(ctx, a.cfg.Notify.ProjectID, a.cfg.Notify.Topic)
		if err != nil {
			return nil, fmt.Errorf("connect pubsub: %w", err)
		}
	}
	a.closers = append(a.closers, pub.Close)
	a.publisher = pub
	a.logger.Info("run summaries will be published", zap.String("topic", a.cfg.Notify.Topic))
	return pub, nil
}

// Close gracefully shuts down all services in the App container. It is
// called by a Cobra hook after the command finishes execution.
func (a *App) Close() {
	a.logger.Info("shutting down application services")
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("error closing service", zap.Error(err))
		}
	}
	a.closers = nil
	if a.store != nil {
		a.store.Close()
	}
	_ = a.logger.Sync() //nolint:errcheck // best-effort flush
}

// fetchHeaders layers configured headers over the browser-like defaults.
func fetchHeaders(in map[string]string) http.Header {
	h := collyfetcher.DefaultHeaders()
	for k, v := range in {
		h.Set(k, v)
	}
	return h
}
