// Package config loads and validates monitor configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/groupmonitor/internal/scheduler"
)

const dateLayout = "2006-01-02"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Store      StoreConfig      `mapstructure:"store"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Collection CollectionConfig `mapstructure:"collection"`
	Courtesy   CourtesyConfig   `mapstructure:"courtesy"`
	Workers    []WorkerConfig   `mapstructure:"workers"`
	Discovery  DiscoveryConfig  `mapstructure:"discovery"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	ErrorLog   ErrorLogConfig   `mapstructure:"error_log"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// StoreConfig selects and tunes the group store.
type StoreConfig struct {
	// Driver is "postgres" or "memory".
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// SchedulerConfig governs task selection and the monitor loop.
type SchedulerConfig struct {
	Mode            string        `mapstructure:"mode"`
	Staleness       time.Duration `mapstructure:"staleness"`
	FreeWaitTimeout time.Duration `mapstructure:"free_wait_timeout"`
	IdlePause       time.Duration `mapstructure:"idle_pause"`
	// CheckWindow bounds one CheckOnly cycle of the monitor loop.
	CheckWindow time.Duration `mapstructure:"check_window"`
	// Topics are discovered and joined on every monitor loop iteration.
	Topics []string `mapstructure:"topics"`
}

// CollectionConfig controls message collection.
type CollectionConfig struct {
	LookbackDays int `mapstructure:"lookback_days"`
	// StartingDate, as YYYY-MM-DD, overrides LookbackDays when set.
	StartingDate string        `mapstructure:"starting_date"`
	MessageLimit int           `mapstructure:"message_limit"`
	DialogBatch  int           `mapstructure:"dialog_batch"`
	HistoryBatch int           `mapstructure:"history_batch"`
	FloodGrace   time.Duration `mapstructure:"flood_grace"`
}

// CourtesyConfig bounds the delays between account actions.
type CourtesyConfig struct {
	ActionMin   time.Duration `mapstructure:"action_min"`
	ActionMax   time.Duration `mapstructure:"action_max"`
	UsernameMin time.Duration `mapstructure:"username_min"`
	UsernameMax time.Duration `mapstructure:"username_max"`
	// RequestsPerSecond paces each account's API calls. Zero disables pacing.
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// WorkerConfig describes one account.
type WorkerConfig struct {
	Name        string `mapstructure:"name"`
	APIID       int    `mapstructure:"api_id"`
	APIHash     string `mapstructure:"api_hash"`
	Phone       string `mapstructure:"phone"`
	Password    string `mapstructure:"password"`
	SessionPath string `mapstructure:"session_path"`
	CanJoin     bool   `mapstructure:"can_join"`
	Interactive bool   `mapstructure:"interactive"`
}

// DiscoveryConfig configures the ranking site scraper.
type DiscoveryConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	IndexPath         string        `mapstructure:"index_path"`
	Sort              string        `mapstructure:"sort"`
	Limit             int           `mapstructure:"limit"`
	MaxRequests       int           `mapstructure:"max_requests"`
	RetryPause        time.Duration `mapstructure:"retry_pause"`
	UserAgent         string        `mapstructure:"user_agent"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
}

// ArchiveConfig selects where entity snapshots are written.
type ArchiveConfig struct {
	// Backend is "none", "local" or "gcs".
	Backend string `mapstructure:"backend"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
	Dir     string `mapstructure:"dir"`
}

// PubSubConfig holds metadata for result notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
	Ordered   bool   `mapstructure:"ordered"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ErrorLogConfig points the operator error log at a file. Empty disables it.
type ErrorLogConfig struct {
	Path string `mapstructure:"path"`
}

// TracingConfig controls the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from a .env file, disk and the environment.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("GROUPMON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 8)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("store.max_conn_lifetime", time.Hour)
	v.SetDefault("store.auto_migrate", false)
	v.SetDefault("scheduler.mode", "both")
	v.SetDefault("scheduler.staleness", 6*time.Hour)
	v.SetDefault("scheduler.free_wait_timeout", 3*time.Second)
	v.SetDefault("scheduler.idle_pause", 30*time.Second)
	v.SetDefault("scheduler.check_window", 12*time.Hour)
	v.SetDefault("collection.lookback_days", 30)
	v.SetDefault("collection.message_limit", 0)
	v.SetDefault("collection.dialog_batch", 100)
	v.SetDefault("collection.history_batch", 100)
	v.SetDefault("collection.flood_grace", 10*time.Second)
	v.SetDefault("courtesy.action_min", 2*time.Minute)
	v.SetDefault("courtesy.action_max", 5*time.Minute)
	v.SetDefault("courtesy.username_min", 5*time.Second)
	v.SetDefault("courtesy.username_max", 15*time.Second)
	v.SetDefault("courtesy.requests_per_second", 1.0)
	v.SetDefault("courtesy.burst", 3)
	v.SetDefault("discovery.base_url", "https://tgstat.com")
	v.SetDefault("discovery.index_path", "/ratings/chats")
	v.SetDefault("discovery.sort", "mau")
	v.SetDefault("discovery.max_requests", 3)
	v.SetDefault("discovery.retry_pause", 5*time.Second)
	v.SetDefault("discovery.user_agent", "groupmonitor/0.1")
	v.SetDefault("discovery.timeout", 30*time.Second)
	v.SetDefault("discovery.requests_per_second", 0.5)
	v.SetDefault("archive.backend", "none")
	v.SetDefault("archive.prefix", "snapshots")
	v.SetDefault("archive.dir", "data/archive")
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "groupmonitor")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("store.driver must be postgres or memory, got %q", c.Store.Driver)
	}
	if _, err := scheduler.ParseModeKind(c.Scheduler.Mode); err != nil {
		return fmt.Errorf("scheduler.mode: %w", err)
	}
	if c.Scheduler.Staleness < 0 {
		return fmt.Errorf("scheduler.staleness must be >= 0")
	}
	if c.Collection.LookbackDays <= 0 && c.Collection.StartingDate == "" {
		return fmt.Errorf("collection.lookback_days must be > 0 when no starting_date is set")
	}
	if _, err := c.Collection.Start(); err != nil {
		return err
	}
	if c.Collection.MessageLimit < 0 {
		return fmt.Errorf("collection.message_limit must be >= 0")
	}
	if c.Courtesy.ActionMin > c.Courtesy.ActionMax {
		return fmt.Errorf("courtesy.action_min must not exceed courtesy.action_max")
	}
	if c.Courtesy.UsernameMin > c.Courtesy.UsernameMax {
		return fmt.Errorf("courtesy.username_min must not exceed courtesy.username_max")
	}
	if err := c.validateWorkers(); err != nil {
		return err
	}
	switch c.Archive.Backend {
	case "", "none":
	case "local":
		if c.Archive.Dir == "" {
			return fmt.Errorf("archive.dir is required for the local backend")
		}
	case "gcs":
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("archive.backend must be none, local or gcs, got %q", c.Archive.Backend)
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	return nil
}

func (c Config) validateWorkers() error {
	seen := make(map[string]struct{}, len(c.Workers))
	for i, w := range c.Workers {
		if w.Name == "" {
			return fmt.Errorf("workers[%d].name is required", i)
		}
		if _, dup := seen[w.Name]; dup {
			return fmt.Errorf("workers[%d].name %q is not unique", i, w.Name)
		}
		seen[w.Name] = struct{}{}
		if w.APIID <= 0 || w.APIHash == "" {
			return fmt.Errorf("workers[%d].api_id and api_hash are required", i)
		}
		if w.SessionPath == "" {
			return fmt.Errorf("workers[%d].session_path is required", i)
		}
	}
	return nil
}

// Start returns the configured starting date, or zero when unset.
func (c CollectionConfig) Start() (time.Time, error) {
	if c.StartingDate == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(dateLayout, c.StartingDate)
	if err != nil {
		return time.Time{}, fmt.Errorf("collection.starting_date must be YYYY-MM-DD: %w", err)
	}
	return t, nil
}

// Lookback converts LookbackDays to a duration.
func (c CollectionConfig) Lookback() time.Duration {
	return time.Duration(c.LookbackDays) * 24 * time.Hour
}

// CanJoin lists the join capability of every worker, indexed by worker id.
func (c Config) CanJoin() []bool {
	out := make([]bool, len(c.Workers))
	for i, w := range c.Workers {
		out[i] = w.CanJoin
	}
	return out
}

// RunMode parses the configured scheduler mode.
func (c Config) RunMode() scheduler.ModeKind {
	kind, _ := scheduler.ParseModeKind(c.Scheduler.Mode)
	return kind
}
