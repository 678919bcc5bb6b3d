// Package app initializes and holds long-lived services, acting as the
// dependency injection container for every command.
package app

import (
	"context"
	"fmt"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/groupmonitor/internal/api"
	"github.com/JakeFAU/groupmonitor/internal/clock/system"
	"github.com/JakeFAU/groupmonitor/internal/config"
	"github.com/JakeFAU/groupmonitor/internal/discovery"
	"github.com/JakeFAU/groupmonitor/internal/id/uuid"
	"github.com/JakeFAU/groupmonitor/internal/logging"
	"github.com/JakeFAU/groupmonitor/internal/monitor"
	"github.com/JakeFAU/groupmonitor/internal/policy/ratelimit"
	gcppublisher "github.com/JakeFAU/groupmonitor/internal/publisher/pubsub"
	gcsstorage "github.com/JakeFAU/groupmonitor/internal/storage/gcs"
	localstorage "github.com/JakeFAU/groupmonitor/internal/storage/local"
	memorystorage "github.com/JakeFAU/groupmonitor/internal/storage/memory"
	pgstore "github.com/JakeFAU/groupmonitor/internal/storage/postgres"
	"github.com/JakeFAU/groupmonitor/internal/telemetry"
)

// Store is the persistence surface shared by the scheduler and workers.
type Store interface {
	monitor.GroupStore
	monitor.MessageStore
}

// App holds the shared services for one process.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	store     Store
	publisher monitor.Publisher
	archive   monitor.BlobStore
	errorLog  monitor.ErrorLog
	limiter   *ratelimit.Limiter
	clock     monitor.Clock
	pauser    monitor.Pauser
	ids       monitor.IDGenerator
	dial      Dialer
	closers   []closer
}

type closer struct {
	name string
	fn   func(context.Context) error
}

// Option customizes New.
type Option func(*App)

// WithStore replaces the configured store.
func WithStore(s Store) Option {
	return func(a *App) { a.store = s }
}

// WithDialer replaces the Telegram account dialer.
func WithDialer(d Dialer) Option {
	return func(a *App) { a.dial = d }
}

// WithTime replaces the wall clock and the pauser.
func WithTime(clock monitor.Clock, pauser monitor.Pauser) Option {
	return func(a *App) {
		a.clock = clock
		a.pauser = pauser
	}
}

// WithPublisher replaces the configured notification publisher.
func WithPublisher(p monitor.Publisher) Option {
	return func(a *App) { a.publisher = p }
}

// New builds the services described by cfg. It fails fast when the store
// is unreachable, so no worker ever starts against a dead database.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
		pauser: system.NewPauser(),
		ids:    uuid.New(),
		limiter: ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.Courtesy.RequestsPerSecond,
			DefaultBurst: cfg.Courtesy.Burst,
		}),
	}
	a.dial = TelegramDialer(cfg.Collection, a.limiter, logger.Named("telegram"))
	for _, opt := range opts {
		opt(a)
	}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"tracing", a.setupTracing},
		{"store", a.setupStore},
		{"publisher", a.setupPublisher},
		{"archive", a.setupArchive},
		{"error log", a.setupErrorLog},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("%s init failed: %w", step.name, err)
		}
	}
	logger.Info("application services initialized",
		zap.String("store", cfg.Store.Driver),
		zap.String("archive", cfg.Archive.Backend),
		zap.Bool("pubsub", cfg.PubSub.Enabled),
		zap.Int("workers", len(cfg.Workers)),
	)
	return a, nil
}

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config {
	return a.cfg
}

// Store returns the group and message store.
func (a *App) Store() Store {
	return a.store
}

// Clock returns the clock shared by every component.
func (a *App) Clock() monitor.Clock {
	return a.clock
}

// Discoverer builds the ranking site scraper.
func (a *App) Discoverer() *discovery.Scraper {
	d := a.cfg.Discovery
	var limiter *ratelimit.Limiter
	if d.RequestsPerSecond > 0 {
		limiter = ratelimit.New(ratelimit.Config{DefaultRPS: d.RequestsPerSecond, DefaultBurst: 1})
	}
	return discovery.New(discovery.Config{
		BaseURL:     d.BaseURL,
		IndexPath:   d.IndexPath,
		Sort:        d.Sort,
		Limit:       d.Limit,
		MaxRequests: d.MaxRequests,
		RetryPause:  d.RetryPause,
		UserAgent:   d.UserAgent,
		Timeout:     d.Timeout,
	}, a.store, limiter, a.clock, a.pauser, a.logger.Named("discovery"))
}

// APIServer builds the operational HTTP API.
func (a *App) APIServer() *api.Server {
	return api.NewServer(a.store, a.clock, api.Config{
		APIKey:         a.cfg.Server.APIKey,
		RequestTimeout: a.cfg.Server.RequestTimeout,
	}, a.logger.Named("api"))
}

// Close shuts services down in reverse order of creation.
func (a *App) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("error closing service", zap.String("service", c.name), zap.Error(err))
		}
	}
	a.closers = nil
	_ = a.logger.Sync()
}

func (a *App) onClose(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

func (a *App) setupTracing(ctx context.Context) error {
	_, shutdown, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		Enabled:     a.cfg.Tracing.Enabled,
		ServiceName: a.cfg.Tracing.ServiceName,
		SampleRatio: a.cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return err
	}
	a.onClose("tracer", shutdown)
	return nil
}

func (a *App) setupStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	switch a.cfg.Store.Driver {
	case "memory":
		a.logger.Warn("using in-memory store, state is lost on exit")
		a.store = memorystorage.NewGroupStore()
		return nil
	case "postgres":
		if a.cfg.Store.AutoMigrate {
			if err := pgstore.Migrate(a.cfg.Store.DSN); err != nil {
				return err
			}
			a.logger.Info("schema migrations applied")
		}
		s, err := pgstore.NewStore(ctx, pgstore.Config{
			DSN:             a.cfg.Store.DSN,
			MaxConns:        a.cfg.Store.MaxConns,
			MinConns:        a.cfg.Store.MinConns,
			MaxConnLifetime: a.cfg.Store.MaxConnLifetime,
		})
		if err != nil {
			return err
		}
		a.store = s
		a.onClose("postgres", func(context.Context) error {
			s.Close()
			return nil
		})
		a.logger.Info("postgres store connected")
		return nil
	default:
		return fmt.Errorf("unknown store driver %q", a.cfg.Store.Driver)
	}
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.publisher != nil {
		return nil
	}
	if !a.cfg.PubSub.Enabled {
		a.logger.Info("result notifications disabled")
		return nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	publisher := client.Publisher(a.cfg.PubSub.TopicName)
	publisher.EnableMessageOrdering = a.cfg.PubSub.Ordered
	a.onClose("pubsub", func(context.Context) error {
		publisher.Stop()
		return client.Close()
	})
	a.publisher = gcppublisher.New(publisher, a.cfg.PubSub.Ordered)
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
		zap.Bool("ordered", a.cfg.PubSub.Ordered),
	)
	return nil
}

func (a *App) setupArchive(ctx context.Context) error {
	switch a.cfg.Archive.Backend {
	case "", "none":
		return nil
	case "local":
		s, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.Dir, Prefix: a.cfg.Archive.Prefix})
		if err != nil {
			return err
		}
		a.archive = s
	case "gcs":
		s, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: a.cfg.Archive.Bucket, Prefix: a.cfg.Archive.Prefix})
		if err != nil {
			return err
		}
		a.archive = s
		a.onClose("gcs", func(context.Context) error { return s.Close() })
	default:
		return fmt.Errorf("unknown archive backend %q", a.cfg.Archive.Backend)
	}
	a.logger.Info("entity snapshots archived", zap.String("backend", a.cfg.Archive.Backend))
	return nil
}

func (a *App) setupErrorLog(context.Context) error {
	if a.cfg.ErrorLog.Path == "" {
		return nil
	}
	l, err := logging.NewErrorLog(a.cfg.ErrorLog.Path)
	if err != nil {
		return err
	}
	a.errorLog = l
	a.onClose("error log", func(context.Context) error { return l.Close() })
	return nil
}

func (a *App) checkDeadline(window time.Duration) time.Time {
	return a.clock.Now().Add(window)
}
