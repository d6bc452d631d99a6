// Package app initializes and holds the long-lived application services,
// acting as a dependency injection container. It selects the concrete
// backend for each concern from configuration and fails fast when any
// critical service cannot be initialized.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/leeyy0/grantscraper/internal/api"
	"github.com/leeyy0/grantscraper/internal/clock/system"
	"github.com/leeyy0/grantscraper/internal/config"
	collyfetcher "github.com/leeyy0/grantscraper/internal/fetcher/colly"
	"github.com/leeyy0/grantscraper/internal/grants"
	"github.com/leeyy0/grantscraper/internal/hash/sha256"
	"github.com/leeyy0/grantscraper/internal/id/uuid"
	"github.com/leeyy0/grantscraper/internal/portal"
	pubsubpublisher "github.com/leeyy0/grantscraper/internal/publisher/pubsub"
	"github.com/leeyy0/grantscraper/internal/rating"
	"github.com/leeyy0/grantscraper/internal/registry"
	"github.com/leeyy0/grantscraper/internal/runner"
	gcsstorage "github.com/leeyy0/grantscraper/internal/storage/gcs"
	localstorage "github.com/leeyy0/grantscraper/internal/storage/local"
	memorystorage "github.com/leeyy0/grantscraper/internal/storage/memory"
	postgresstorage "github.com/leeyy0/grantscraper/internal/storage/postgres"
	"github.com/leeyy0/grantscraper/internal/stream"
)

// App holds the shared services for the grantscraper process. It is built
// once at startup and torn down by Close on the way out.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	server *api.Server

	// Closable backends; nil when the configured backend has no teardown.
	pg        *postgresstorage.Store
	gcsBlobs  *gcsstorage.BlobStore
	publisher *pubsubpublisher.Publisher
	browser   grants.Portal
}

// New wires the configured backends into a ready-to-serve App. ctx is the
// process context; jobs started later inherit it, so cancelling it stops
// in-flight work.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}

	store, pinger, err := a.buildStore(ctx)
	if err != nil {
		return nil, err
	}
	snapshots, err := a.buildSnapshots(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	pub, err := a.buildPublisher(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	grantsPortal := a.buildPortal()

	rater := rating.NewClient(rating.Config{
		BaseURL: cfg.Rating.BaseURL,
		APIKey:  cfg.Rating.APIKey,
		Model:   cfg.Rating.Model,
		Timeout: cfg.RatingTimeout(),
	}, logger.Named("rating"))
	if !rater.IsConfigured() {
		logger.Warn("rating backend not configured, analysis jobs will fail until base URL and API key are set")
	}

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:      cfg.Portal.UserAgent,
		Timeout:        cfg.FetchTimeout(),
		DetailSelector: cfg.Portal.DetailSelector,
		QPS:            cfg.Analysis.FetchQPS,
	})

	hub := stream.NewHub(stream.Config{QueueSize: cfg.Stream.QueueSize})
	clock := system.New()
	reg := registry.New(hub, clock, logger.Named("registry"))

	topic := ""
	if cfg.PubSub.Enabled {
		topic = cfg.PubSub.TopicName
	}
	scrape := runner.NewScrapeRunner(reg, grantsPortal, store, snapshots, sha256.New(), pub, clock,
		runner.ScrapeConfig{
			ListingURL:          cfg.Portal.ListingURL,
			SnapshotPrefix:      cfg.Snapshots.Prefix,
			SnapshotContentType: cfg.Snapshots.ContentType,
			Topic:               topic,
		}, logger.Named("scrape"))
	analysis := runner.NewAnalysisRunner(reg, rater, fetcher, store, pub, clock,
		runner.AnalysisConfig{Topic: topic}, logger.Named("analysis"))
	svc := runner.NewService(ctx, reg, scrape, analysis, store, uuid.NewGenerator(), logger.Named("service"))

	a.server = api.NewServer(svc, reg, pinger, api.Config{
		DefaultThreshold: cfg.Analysis.DefaultThreshold,
		Heartbeat:        cfg.Heartbeat(),
	}, logger.Named("api"))

	logger.Info("application services initialized",
		zap.String("db", cfg.DB.Backend),
		zap.String("snapshots", cfg.Snapshots.Backend),
		zap.String("portal", cfg.Portal.Backend),
		zap.Bool("pubsub", cfg.PubSub.Enabled),
	)
	return a, nil
}

// Handler returns the HTTP handler for use with http.Server.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

func (a *App) buildStore(ctx context.Context) (grants.Store, api.Pinger, error) {
	switch a.cfg.DB.Backend {
	case "postgres":
		a.logger.Info("connecting to postgres")
		pg, err := postgresstorage.NewStore(ctx, postgresstorage.Config{
			DSN:             a.cfg.DB.DSN,
			MaxConns:        a.cfg.DB.MaxConns,
			MinConns:        a.cfg.DB.MinConns,
			MaxConnLifetime: time.Duration(a.cfg.DB.ConnLifetimeSec) * time.Second,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("initialize postgres store: %w", err)
		}
		a.pg = pg
		return pg, pg, nil
	case "memory":
		a.logger.Info("using in-memory store, data will not survive a restart")
		return memorystorage.NewStore(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown db backend: %s", a.cfg.DB.Backend)
	}
}

func (a *App) buildSnapshots(ctx context.Context) (grants.BlobStore, error) {
	switch a.cfg.Snapshots.Backend {
	case "gcs":
		a.logger.Info("using gcs snapshot store", zap.String("bucket", a.cfg.Snapshots.GCSBucket))
		blobs, err := gcsstorage.Connect(ctx, gcsstorage.Config{Bucket: a.cfg.Snapshots.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("initialize gcs snapshot store: %w", err)
		}
		a.gcsBlobs = blobs
		return blobs, nil
	case "local":
		a.logger.Info("using local snapshot store", zap.String("dir", a.cfg.Snapshots.LocalDir))
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Snapshots.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("initialize local snapshot store: %w", err)
		}
		return blobs, nil
	case "memory":
		return memorystorage.NewBlobStore(), nil
	case "none":
		a.logger.Info("snapshot storage disabled, raw detail pages will be discarded")
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown snapshots backend: %s", a.cfg.Snapshots.Backend)
	}
}

func (a *App) buildPublisher(ctx context.Context) (grants.Publisher, error) {
	if !a.cfg.PubSub.Enabled {
		return nil, nil
	}
	a.logger.Info("connecting to pub/sub", zap.String("topic", a.cfg.PubSub.TopicName))
	pub, err := pubsubpublisher.Connect(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("initialize pubsub publisher: %w", err)
	}
	a.publisher = pub
	return pub, nil
}

func (a *App) buildPortal() grants.Portal {
	switch a.cfg.Portal.Backend {
	case "chromedp":
		browser := portal.NewBrowser(portal.Config{
			UserAgent:         a.cfg.Portal.UserAgent,
			NavigationTimeout: a.cfg.NavTimeout(),
			LinkSelector:      a.cfg.Portal.LinkSelector,
			DetailSelector:    a.cfg.Portal.DetailSelector,
		}, a.logger.Named("portal"))
		a.browser = browser
		return browser
	default:
		a.logger.Info("browser portal disabled, scrape jobs will fail until one is configured")
		return portal.NewNoop()
	}
}

// Close tears down the backends in reverse dependency order. Safe to call on
// a partially constructed App.
func (a *App) Close() {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("pubsub close failed", zap.Error(err))
		}
	}
	if a.gcsBlobs != nil {
		if err := a.gcsBlobs.Close(); err != nil {
			a.logger.Warn("gcs close failed", zap.Error(err))
		}
	}
	if a.browser != nil {
		if err := a.browser.Close(context.Background()); err != nil {
			a.logger.Warn("browser close failed", zap.Error(err))
		}
	}
	if a.pg != nil {
		a.pg.Close()
	}
}
