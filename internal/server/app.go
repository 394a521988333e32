// Package server wires the harvester's dependencies and owns the process
// lifecycle: HTTP control surface, recurring triggers and graceful shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/catalog-harvester/internal/api"
	"github.com/JakeFAU/catalog-harvester/internal/clock/system"
	"github.com/JakeFAU/catalog-harvester/internal/config"
	"github.com/JakeFAU/catalog-harvester/internal/controller"
	"github.com/JakeFAU/catalog-harvester/internal/crawler"
	"github.com/JakeFAU/catalog-harvester/internal/dedup"
	"github.com/JakeFAU/catalog-harvester/internal/id/uuid"
	"github.com/JakeFAU/catalog-harvester/internal/jobs"
	"github.com/JakeFAU/catalog-harvester/internal/logging"
	"github.com/JakeFAU/catalog-harvester/internal/persist"
	"github.com/JakeFAU/catalog-harvester/internal/policy/ratelimit"
	"github.com/JakeFAU/catalog-harvester/internal/progress"
	progresssinks "github.com/JakeFAU/catalog-harvester/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/catalog-harvester/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/catalog-harvester/internal/publisher/pubsub"
	"github.com/JakeFAU/catalog-harvester/internal/scheduler"
	collysource "github.com/JakeFAU/catalog-harvester/internal/source/colly"
	gcsstorage "github.com/JakeFAU/catalog-harvester/internal/storage/gcs"
	localstorage "github.com/JakeFAU/catalog-harvester/internal/storage/local"
	memorystorage "github.com/JakeFAU/catalog-harvester/internal/storage/memory"
	pgstore "github.com/JakeFAU/catalog-harvester/internal/storage/postgres"
	"github.com/JakeFAU/catalog-harvester/internal/store"
)

const defaultNotificationTopic = "items"

// App contains the application's dependencies.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	registerer prometheus.Registerer

	controller  *controller.Controller
	scheduler   *scheduler.Scheduler
	apiServer   *api.Server
	progressHub *progress.Hub

	stores       stores
	blobs        crawler.BlobStore
	dbPool       *pgxpool.Pool
	pubsubClient *pubsub.Client
	gcpPublisher *gcppublisher.Publisher
	storage      *storage.Client
}

type stores struct {
	items       crawler.ItemStore
	checkpoints crawler.CheckpointStore
	ledger      crawler.FailureLedger
	runs        store.RunRepository
	ready       func(context.Context) error
}

// Option customizes Build.
type Option func(*App)

// WithLogger replaces the logger built from configuration.
func WithLogger(logger *zap.Logger) Option {
	return func(a *App) { a.logger = logger }
}

// WithRegisterer sends progress metrics to reg instead of the default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *App) { a.registerer = reg }
}

// Build creates the application's dependencies. On error every resource opened
// so far is released.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (_ *App, err error) {
	app := &App{cfg: cfg, registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(app)
	}
	if app.logger == nil {
		app.logger, err = logging.New(logging.Config{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(app.logger)
	}
	defer func() {
		if err != nil {
			app.closeInfrastructure(context.WithoutCancel(ctx))
		}
	}()

	app.logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("storage", cfg.Storage.Provider),
		zap.String("archive", cfg.Archive.Provider),
	)
	if app.stores, err = app.setupStores(ctx); err != nil {
		return nil, err
	}
	if app.blobs, err = app.setupArchive(ctx); err != nil {
		return nil, err
	}
	publisher, topic, err := app.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	if err = app.setupProgress(); err != nil {
		return nil, err
	}
	source, err := app.setupSource()
	if err != nil {
		return nil, err
	}

	clock := system.New()
	saverOpts := []persist.Option{persist.WithPublisher(publisher, topic)}
	if app.blobs != nil {
		saverOpts = append(saverOpts, persist.WithArchive(app.blobs))
	}
	saver := persist.New(app.stores.items, clock, app.logger.Named("persist"), saverOpts...)

	app.controller = controller.New(uuid.New(), clock, app.progressHub, app.logger.Named("controller"))
	app.scheduler = scheduler.New(app.controller, app.logger.Named("scheduler"))
	deps := jobs.Deps{
		Source:      source,
		Sink:        saver,
		Archiver:    saver,
		Items:       app.stores.items,
		Ledger:      app.stores.ledger,
		Checkpoints: app.stores.checkpoints,
		Dedup:       dedup.NewRegistry(),
		Emitter:     app.progressHub,
		Clock:       clock,
		Retry:       cfg.Retry.Policy(),
		Logger:      app.logger.Named("jobs"),
	}
	if err = app.registerJobs(deps); err != nil {
		return nil, err
	}

	apiKey := ""
	if cfg.Auth.Enabled {
		apiKey = cfg.Auth.APIKey
	}
	app.apiServer = api.NewServer(
		app.controller,
		api.NewHistoryHandler(app.stores.checkpoints, app.stores.runs, app.stores.ledger, app.logger.Named("history")),
		api.Options{APIKey: apiKey, Ready: app.stores.ready},
		app.logger.Named("api"),
	)
	return app, nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Controller exposes the job controller.
func (a *App) Controller() *controller.Controller {
	return a.controller
}

// Handler returns the HTTP control surface.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

func (a *App) setupStores(ctx context.Context) (stores, error) {
	switch a.cfg.Storage.Provider {
	case config.ProviderPostgres:
		pool, err := pgstore.Open(ctx, pgstore.Config{
			DSN:      a.cfg.DB.DSN,
			MaxConns: a.cfg.DB.MaxConns,
			MinConns: a.cfg.DB.MinConns,
		})
		if err != nil {
			return stores{}, fmt.Errorf("postgres init failed: %w", err)
		}
		a.dbPool = pool
		if err := pgstore.EnsureSchema(ctx, pool); err != nil {
			return stores{}, err
		}
		a.logger.Info("using postgres storage")
		return stores{
			items:       pgstore.NewItemStore(pool),
			checkpoints: pgstore.NewCheckpointStore(pool),
			ledger:      pgstore.NewFailureLedger(pool),
			runs:        pgstore.NewRunStore(pool),
			ready:       pool.Ping,
		}, nil
	case config.ProviderLocal:
		ledger, err := localstorage.NewFailureLedger(a.cfg.Storage.Local)
		if err != nil {
			return stores{}, fmt.Errorf("local failure ledger init failed: %w", err)
		}
		a.logger.Info("using in-memory stores with a local failure ledger",
			zap.String("path", a.cfg.Storage.Local.BaseDir))
		return stores{
			items:       memorystorage.NewItemStore(),
			checkpoints: memorystorage.NewCheckpointStore(),
			ledger:      ledger,
			runs:        memorystorage.NewRunStore(),
		}, nil
	default:
		a.logger.Warn("using in-memory storage, progress is lost on restart")
		return stores{
			items:       memorystorage.NewItemStore(),
			checkpoints: memorystorage.NewCheckpointStore(),
			ledger:      memorystorage.NewFailureLedger(),
			runs:        memorystorage.NewRunStore(),
		}, nil
	}
}

func (a *App) setupArchive(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Archive.Provider {
	case config.ProviderGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storage = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Archive.Bucket, Prefix: a.cfg.Archive.Prefix})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("archiving pages to GCS", zap.String("bucket", a.cfg.Archive.Bucket))
		return blobs, nil
	case config.ProviderLocal:
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("archiving pages locally", zap.String("path", a.cfg.Archive.BaseDir))
		return blobs, nil
	case config.ProviderMemory:
		return memorystorage.NewBlobStore(), nil
	default:
		a.logger.Debug("page archive disabled")
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, string, error) {
	if a.cfg.PubSub.Topic == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("No Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), defaultNotificationTopic, nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, "", fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	a.gcpPublisher, err = gcppublisher.New(client, a.cfg.PubSub.Topic)
	if err != nil {
		return nil, "", fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.Topic),
	)
	return a.gcpPublisher, a.cfg.PubSub.Topic, nil
}

func (a *App) setupProgress() error {
	promSink, err := progresssinks.NewPrometheusSink(a.registerer)
	if err != nil {
		return fmt.Errorf("progress metrics init failed: %w", err)
	}
	sinkList := []progress.Sink{
		progresssinks.NewLogSink(a.logger.Named("progress_log")),
		promSink,
	}
	if a.stores.runs != nil {
		sinkList = append(sinkList, progresssinks.NewStoreSink(a.stores.runs, a.logger.Named("progress_store")))
	}
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   time.Duration(a.cfg.Progress.MaxBatchWaitMs) * time.Millisecond,
		Logger:         a.logger.Named("progress_hub"),
	}
	a.progressHub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("sinks", len(sinkList)),
	)
	return nil
}

// setupSource builds the colly adapter behind a per-host rate limiter.
func (a *App) setupSource() (crawler.Source, error) {
	srcCfg := a.cfg.Source
	if srcCfg.UserAgent == "" {
		srcCfg.UserAgent = a.cfg.HTTP.UserAgent
	}
	if srcCfg.Timeout <= 0 {
		srcCfg.Timeout = a.cfg.RequestTimeout()
	}
	src, err := collysource.New(srcCfg)
	if err != nil {
		return nil, fmt.Errorf("source init failed: %w", err)
	}
	host := ratelimit.HostKey(srcCfg.BaseURL)
	a.logger.Info("data source ready",
		zap.String("host", host),
		zap.Float64("requests_per_second", a.cfg.RateLimit.RequestsPerSecond),
	)
	return ratelimit.NewSource(src, ratelimit.New(a.cfg.RateLimit), host), nil
}

func (a *App) registerJobs(deps jobs.Deps) error {
	names := make([]string, 0, len(a.cfg.Jobs))
	for name := range a.cfg.Jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		job := a.cfg.Jobs[name]
		runner, err := jobs.New(job.Kind, deps, jobs.Settings{
			BatchSize:     job.BatchSize,
			PagesPerBatch: job.PagesPerBatch,
			PageType:      job.PageType,
			Targets:       job.Targets,
			Action:        job.Action,
			RefreshLimit:  job.RefreshLimit,
			RefreshAge:    job.RefreshAge,
		})
		if err != nil {
			return fmt.Errorf("job %s: %w", name, err)
		}
		opts := controller.JobOptions{Concurrency: job.Concurrency, TaskTimeout: job.TaskTimeout}
		if err := a.controller.Register(name, runner, opts); err != nil {
			return err //nolint:wrapcheck
		}
		if job.Interval > 0 {
			entry := scheduler.Entry{JobType: name, Interval: job.Interval, Spec: job.Spec}
			if err := a.scheduler.Add(entry); err != nil {
				return fmt.Errorf("schedule %s: %w", name, err)
			}
		}
		a.logger.Debug("job registered",
			zap.String("job_type", name),
			zap.String("kind", string(job.Kind)),
			zap.Int("concurrency", job.Concurrency),
			zap.Duration("interval", job.Interval),
		)
	}
	return nil
}

// Serve runs the HTTP server and the recurring triggers until ctx is canceled
// or the process receives SIGINT/SIGTERM, then drains active runs.
func (a *App) Serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
		defer cancel()
		return errors.Join(
			srv.Shutdown(shutdownCtx),
			a.scheduler.Stop(shutdownCtx),
			a.controller.Shutdown(shutdownCtx),
		)
	})
	a.scheduler.Start()
	a.logger.Info("scheduler started", zap.Int("entries", a.scheduler.Len()))

	return g.Wait() //nolint:wrapcheck
}

// RunJob starts one run of jobType and blocks until it ends. A signal or a
// canceled ctx stops the run gracefully. The returned error carries the run's
// abort reason.
func (a *App) RunJob(ctx context.Context, jobType string, spec crawler.WorkSpec) (crawler.CrawlJob, error) {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runID, err := a.controller.Start(jobType, spec)
	if err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("start %s: %w", jobType, err)
	}
	a.logger.Info("foreground run started", zap.String("job_type", jobType), zap.String("run_id", runID))

	if err := a.controller.Wait(ctx, jobType); err != nil {
		a.logger.Info("stopping foreground run", zap.String("job_type", jobType))
		if stopErr := a.controller.Stop(jobType); stopErr != nil && !errors.Is(stopErr, controller.ErrNotRunning) {
			return crawler.CrawlJob{}, fmt.Errorf("stop %s: %w", jobType, stopErr)
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
		defer cancel()
		if err := a.controller.Wait(shutdownCtx, jobType); err != nil {
			return crawler.CrawlJob{}, err //nolint:wrapcheck
		}
	}

	job, err := a.controller.Status(jobType)
	if err != nil {
		return crawler.CrawlJob{}, err //nolint:wrapcheck
	}
	if job.LastError != "" {
		return job, fmt.Errorf("run %s aborted: %s", runID, job.LastError)
	}
	return job, nil
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	if a.controller != nil {
		if err := a.controller.Shutdown(ctx); err != nil {
			a.logger.Warn("controller shutdown incomplete", zap.Error(err))
		}
	}
	a.closeInfrastructure(ctx)
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.gcpPublisher != nil {
		a.gcpPublisher.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
}
