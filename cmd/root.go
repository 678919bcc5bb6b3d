// Package cmd defines the CLI commands of the groupmonitor executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/groupmonitor/internal/app"
	"github.com/JakeFAU/groupmonitor/internal/config"
	"github.com/JakeFAU/groupmonitor/internal/discovery"
	"github.com/JakeFAU/groupmonitor/internal/logging"
	"github.com/JakeFAU/groupmonitor/internal/scheduler"
	pgstore "github.com/JakeFAU/groupmonitor/internal/storage/postgres"
)

type appKeyType string

const appKey appKeyType = "app"

// skipApp marks commands that run without application services.
const skipApp = "skip-app"

// App is the service container surface the commands use. Tests inject fakes.
type App interface {
	Config() config.Config
	Logger() *zap.Logger
	Crawl(ctx context.Context, mode scheduler.Mode) error
	CheckMode(window time.Duration) scheduler.Mode
	UpdateUsernames(ctx context.Context, topic string) error
	Discover(ctx context.Context, topics []string) ([]discovery.Report, error)
	ListTopics(ctx context.Context) (map[string]string, error)
	Monitor(ctx context.Context) error
	Serve(ctx context.Context) error
	Close(ctx context.Context)
}

// deps holds the factories the commands depend on.
type deps struct {
	newApp      func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error)
	newLogger   func(development bool, level string) (*zap.Logger, error)
	migrateUp   func(dsn string) error
	migrateDown func(dsn string) error
}

func defaultDeps() deps {
	return deps{
		newApp: func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
			return app.New(ctx, cfg, logger)
		},
		newLogger:   logging.New,
		migrateUp:   pgstore.Migrate,
		migrateDown: pgstore.MigrateDown,
	}
}

type cliState struct {
	cfgFile string
	cfg     config.Config
	logger  *zap.Logger
}

func newRootCmd(d deps) *cobra.Command {
	state := &cliState{}
	cmd := &cobra.Command{
		Use:   "groupmonitor",
		Short: "Joins public groups with a pool of accounts and keeps their history current.",
		Long: `groupmonitor discovers public groups from a ranking site, joins them with a
pool of messaging accounts and periodically collects their new messages into
a database.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(state.cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := d.newLogger(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)
			state.cfg, state.logger = cfg, logger
			if cmd.Annotations[skipApp] != "" {
				return nil
			}

			appInstance, err := d.newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				appInstance.Close(ctx)
			}
		},
	}

	cmd.PersistentFlags().StringVar(&state.cfgFile, "config", "", "config file (YAML, TOML or JSON)")

	cmd.AddCommand(
		newCrawlCmd(),
		newUsernamesCmd(),
		newDiscoverCmd(),
		newMonitorCmd(),
		newServeCmd(),
		newMigrateCmd(state, d),
	)
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// ignoreCanceled treats an interrupt as a clean exit.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(defaultDeps()).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "groupmonitor: %v\n", err)
		stop()
		os.Exit(1)
	}
}
