// Package server provides the core application server and dependency wiring.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rankwatch/rankwatch/internal/api"
	chromedpcapture "github.com/rankwatch/rankwatch/internal/capture/chromedp"
	"github.com/rankwatch/rankwatch/internal/clock/system"
	"github.com/rankwatch/rankwatch/internal/config"
	"github.com/rankwatch/rankwatch/internal/delivery"
	goqueryextractor "github.com/rankwatch/rankwatch/internal/extract/goquery"
	collyfetcher "github.com/rankwatch/rankwatch/internal/fetcher/colly"
	"github.com/rankwatch/rankwatch/internal/fetcher/ratelimit"
	"github.com/rankwatch/rankwatch/internal/id/uuid"
	smtpmail "github.com/rankwatch/rankwatch/internal/mail/smtp"
	"github.com/rankwatch/rankwatch/internal/orchestrator"
	memorypublisher "github.com/rankwatch/rankwatch/internal/publisher/memory"
	gcppublisher "github.com/rankwatch/rankwatch/internal/publisher/pubsub"
	"github.com/rankwatch/rankwatch/internal/ranking"
	"github.com/rankwatch/rankwatch/internal/scheduler"
	gcssnapshot "github.com/rankwatch/rankwatch/internal/snapshot/gcs"
	localsnapshot "github.com/rankwatch/rankwatch/internal/snapshot/local"
	memorysnapshot "github.com/rankwatch/rankwatch/internal/snapshot/memory"
	"github.com/rankwatch/rankwatch/internal/store"
)

// ClosablePublisher is a Publisher that owns a client.
type ClosablePublisher interface {
	ranking.Publisher
	Close() error
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	loc    *time.Location
	clock  *system.Clock

	storage   *storage.Client
	publisher ClosablePublisher
	pipeline  *delivery.Pipeline

	rankings     *store.Store
	orchestrator *orchestrator.Orchestrator
	crawl        *scheduler.Scheduler
	janitor      *scheduler.Scheduler
	apiServer    *api.Server

	mu   sync.Mutex
	last orchestrator.PassResult
}

// Overrides replaces collaborators, mostly for tests. Nil fields keep the
// configured implementation.
type Overrides struct {
	Fetcher   ranking.Fetcher
	Snapshot  ranking.SnapshotStore
	Publisher ClosablePublisher
	Mailer    delivery.Mailer
	Capturer  ranking.Capturer
	Clock     ranking.Clock
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, ov Overrides) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	app := &App{cfg: cfg, logger: logger, loc: loc, clock: system.New(loc)}
	var clock ranking.Clock = app.clock
	if ov.Clock != nil {
		clock = ov.Clock
	}

	app.logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("store_backend", cfg.Store.Backend),
		zap.String("timezone", loc.String()),
	)

	snapshots := ov.Snapshot
	if snapshots == nil {
		if snapshots, err = app.setupSnapshots(ctx); err != nil {
			app.closeInfrastructure()
			return nil, err
		}
	}
	app.rankings = store.Open(ctx, store.Config{
		Backend:     snapshots,
		MaxFailures: cfg.Store.MaxFailures,
		Logger:      logger.Named("store"),
	})

	app.publisher = ov.Publisher
	if app.publisher == nil {
		if app.publisher, err = app.setupPublisher(ctx); err != nil {
			app.closeInfrastructure()
			return nil, err
		}
	}

	if err := app.setupDelivery(ov); err != nil {
		app.closeInfrastructure()
		return nil, err
	}

	fetcher := ov.Fetcher
	if fetcher == nil {
		fetcher = ratelimit.Wrap(
			collyfetcher.New(collyfetcher.Config{
				UserAgents: cfg.Crawler.UserAgents,
				Referer:    cfg.Crawler.Referer,
				Timeout:    cfg.Crawler.RequestTimeout,
			}),
			ratelimit.New(ratelimit.Config{RPS: cfg.Crawler.RateLimitRPS, Burst: cfg.Crawler.RateLimitBurst}),
		)
	}

	deps := orchestrator.Deps{
		Store:     app.rankings,
		Fetcher:   fetcher,
		Extractor: goqueryextractor.New(cfg.Extract.Selectors),
		Publisher: app.publisher,
		Clock:     clock,
		IDs:       uuid.New(),
	}
	if app.pipeline != nil {
		deps.Delivery = app.pipeline
	}
	topic := ""
	if cfg.PubSub.Enabled {
		topic = cfg.PubSub.TopicName
	}
	app.orchestrator, err = orchestrator.New(deps, orchestrator.Config{
		RankingURL:     cfg.Crawler.RankingURL,
		MinDelay:       cfg.Crawler.MinDelay,
		MaxDelay:       cfg.Crawler.MaxDelay,
		MaxRetries:     cfg.Crawler.MaxRetries,
		RetryBackoff:   cfg.Crawler.RetryBackoff,
		RequestTimeout: cfg.Crawler.RequestTimeout,
		Topic:          topic,
	}, logger.Named("orchestrator"))
	if err != nil {
		app.closeInfrastructure()
		return nil, fmt.Errorf("orchestrator init failed: %w", err)
	}

	opts := []scheduler.Option{scheduler.WithLogger(logger.Named("scheduler"))}
	if app.pipeline != nil {
		opts = append(opts, scheduler.WithNotifier(app.pipeline))
	}
	app.crawl = scheduler.New("crawl",
		scheduler.Hourly{Minute: cfg.Schedule.Minute, Location: loc},
		app.runPass, clock, opts...)
	if app.pipeline != nil {
		app.janitor = scheduler.New("capture-janitor",
			scheduler.Daily{Hour: cfg.Schedule.JanitorHour, Minute: cfg.Schedule.JanitorMinute, Location: loc},
			app.pipeline.Janitor, clock, scheduler.WithLogger(logger.Named("scheduler")))
	}

	app.apiServer = api.NewServer(app.rankings, app.crawl, clock, api.Config{
		DefaultCategory: cfg.API.DefaultCategory,
		CaptureDir:      cfg.Capture.Dir,
		RequestTimeout:  cfg.Server.RequestTimeout,
		Location:        loc,
	}, logger)

	return app, nil
}

func (a *App) setupSnapshots(ctx context.Context) (ranking.SnapshotStore, error) {
	switch a.cfg.Store.Backend {
	case config.BackendGCS:
		a.logger.Info("using GCS snapshot backend", zap.String("bucket", a.cfg.Store.GCSBucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storage = client
		snap, err := gcssnapshot.New(client, gcssnapshot.Config{
			Bucket: a.cfg.Store.GCSBucket,
			Object: a.cfg.Store.GCSObject,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs snapshot init failed: %w", err)
		}
		return snap, nil
	case config.BackendLocal:
		a.logger.Info("using local snapshot backend", zap.String("path", a.cfg.Store.Path))
		snap, err := localsnapshot.New(localsnapshot.Config{Path: a.cfg.Store.Path})
		if err != nil {
			return nil, fmt.Errorf("local snapshot init failed: %w", err)
		}
		return snap, nil
	default:
		a.logger.Warn("using in-memory snapshot backend; rankings are lost on restart")
		return memorysnapshot.New(), nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (ClosablePublisher, error) {
	if !a.cfg.PubSub.Enabled {
		a.logger.Info("No Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(memorypublisher.WithLogger(a.logger.Named("publisher"))), nil
	}
	pub, err := gcppublisher.New(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return pub, nil
}

func (a *App) setupDelivery(ov Overrides) error {
	if !a.cfg.Mail.Enabled {
		a.logger.Info("mail disabled; captures and error mails are off")
		return nil
	}
	mailer := ov.Mailer
	if mailer == nil {
		m, err := smtpmail.New(smtpmail.Config{
			Host:        a.cfg.Mail.Host,
			Port:        a.cfg.Mail.Port,
			Username:    a.cfg.Mail.Username,
			Password:    a.cfg.Mail.Password,
			From:        a.cfg.Mail.From,
			ImplicitTLS: a.cfg.Mail.ImplicitTLS,
			Timeout:     a.cfg.Mail.Timeout,
		})
		if err != nil {
			return fmt.Errorf("mailer init failed: %w", err)
		}
		mailer = m
	}

	capturer := ov.Capturer
	if capturer == nil && a.cfg.Capture.Enabled {
		c, err := chromedpcapture.New(chromedpcapture.Config{
			Dir:               a.cfg.Capture.Dir,
			RankingURL:        a.cfg.Crawler.RankingURL,
			ChromePath:        a.cfg.Capture.ChromePath,
			Referer:           a.cfg.Crawler.Referer,
			WindowWidth:       a.cfg.Capture.WindowWidth,
			WindowHeight:      a.cfg.Capture.WindowHeight,
			Quality:           a.cfg.Capture.Quality,
			ReadySelector:     a.cfg.Capture.ReadySelector,
			NavigationTimeout: a.cfg.Capture.NavigationTimeout,
			SettleDelay:       a.cfg.Capture.SettleDelay,
			CategoryRetries:   a.cfg.Capture.CategoryRetries,
			Attempts:          a.cfg.Capture.Attempts,
		}, a.logger.Named("capture"))
		if err != nil {
			return fmt.Errorf("capturer init failed: %w", err)
		}
		capturer = c
	}

	pipeline, err := delivery.New(delivery.Config{
		Dir:           a.cfg.Capture.Dir,
		PartSize:      a.cfg.Mail.PartSize,
		To:            a.cfg.Mail.To,
		ErrorTo:       a.cfg.MailErrorRecipients(),
		SubjectPrefix: a.cfg.Mail.SubjectPrefix,
		Location:      a.loc,
	}, capturer, mailer, a.logger)
	if err != nil {
		return fmt.Errorf("delivery init failed: %w", err)
	}
	a.pipeline = pipeline
	return nil
}

// Store exposes the ranking store.
func (a *App) Store() *store.Store {
	return a.rankings
}

// Handler returns the HTTP handler of the query API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

func (a *App) runPass(ctx context.Context) error {
	result, err := a.orchestrator.Run(ctx)
	a.mu.Lock()
	a.last = result
	a.mu.Unlock()
	return err
}

// LastPass returns the result of the most recent pass run by this process.
func (a *App) LastPass() orchestrator.PassResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

// RunOnce executes a single crawl pass outside the schedule. It fails with
// scheduler.ErrPassInProgress while another pass runs.
func (a *App) RunOnce(ctx context.Context) (orchestrator.PassResult, error) {
	if err := a.crawl.Trigger(ctx); err != nil {
		return a.LastPass(), fmt.Errorf("crawl pass: %w", err)
	}
	return a.LastPass(), nil
}

// Run serves the query API and runs the schedulers until ctx is canceled.
// The store is flushed before Run returns.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
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
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})
	if a.cfg.Schedule.RunOnStart {
		g.Go(func() error {
			if err := a.crawl.Trigger(gctx); err != nil && !errors.Is(err, scheduler.ErrPassInProgress) && gctx.Err() == nil {
				a.logger.Error("startup crawl failed", zap.Error(err))
			}
			return nil
		})
	}
	g.Go(func() error { return a.crawl.Run(gctx) })
	if a.janitor != nil {
		g.Go(func() error { return a.janitor.Run(gctx) })
	}

	err := g.Wait()
	return multierr.Append(err, a.Close(context.WithoutCancel(ctx)))
}

// Close flushes the store and releases clients.
func (a *App) Close(ctx context.Context) error {
	var err error
	if a.rankings != nil {
		if perr := a.rankings.Persist(ctx); perr != nil {
			a.logger.Error("final snapshot persist failed", zap.Error(perr))
			err = fmt.Errorf("flush store: %w", perr)
		}
	}
	a.closeInfrastructure()
	a.logger.Info("shutdown complete")
	return err
}

func (a *App) closeInfrastructure() {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("publisher close failed", zap.Error(err))
		}
		a.publisher = nil
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
		a.storage = nil
	}
}
