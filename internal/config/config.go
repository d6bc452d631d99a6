// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Portal    PortalConfig    `mapstructure:"portal"`
	Analysis  AnalysisConfig  `mapstructure:"analysis"`
	Rating    RatingConfig    `mapstructure:"rating"`
	Stream    StreamConfig    `mapstructure:"stream"`
	DB        DBConfig        `mapstructure:"db"`
	Snapshots SnapshotsConfig `mapstructure:"snapshots"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int `mapstructure:"port"`
	ReadTimeoutSec  int `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSec int `mapstructure:"write_timeout_seconds"`
	ShutdownSec     int `mapstructure:"shutdown_seconds"`
}

// PortalConfig governs the browser session against the grants portal.
type PortalConfig struct {
	// Backend selects the portal driver: chromedp or noop.
	Backend        string `mapstructure:"backend"`
	ListingURL     string `mapstructure:"listing_url"`
	LinkSelector   string `mapstructure:"link_selector"`
	DetailSelector string `mapstructure:"detail_selector"`
	UserAgent      string `mapstructure:"user_agent"`
	NavTimeoutSec  int    `mapstructure:"nav_timeout_seconds"`
}

// AnalysisConfig tunes the grant-matching pipeline.
type AnalysisConfig struct {
	// DefaultThreshold is the minimum preliminary rating for deep analysis
	// when the caller supplies none.
	DefaultThreshold int `mapstructure:"default_threshold"`
	// FetchTimeoutSec bounds each deep-fetch HTTP call.
	FetchTimeoutSec int `mapstructure:"fetch_timeout_seconds"`
	// FetchQPS caps detail-page fetches per second per domain.
	FetchQPS float64 `mapstructure:"fetch_qps"`
}

// RatingConfig configures the AI rating API client.
type RatingConfig struct {
	BaseURL    string `mapstructure:"base_url"`
	APIKey     string `mapstructure:"api_key"`
	Model      string `mapstructure:"model"`
	TimeoutSec int    `mapstructure:"timeout_seconds"`
}

// StreamConfig tunes status streaming toward clients.
type StreamConfig struct {
	// QueueSize bounds each subscriber's event queue.
	QueueSize int `mapstructure:"queue_size"`
	// HeartbeatSec is the SSE keep-alive interval.
	HeartbeatSec int `mapstructure:"heartbeat_seconds"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	// Backend selects the store: postgres or memory.
	Backend         string `mapstructure:"backend"`
	DSN             string `mapstructure:"dsn"`
	MaxConns        int32  `mapstructure:"max_conns"`
	MinConns        int32  `mapstructure:"min_conns"`
	ConnLifetimeSec int    `mapstructure:"conn_lifetime_seconds"`
}

// SnapshotsConfig sets where raw detail-page snapshots land.
type SnapshotsConfig struct {
	// Backend selects the blob store: gcs, local, memory, or none.
	Backend     string `mapstructure:"backend"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	LocalDir    string `mapstructure:"local_dir"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// PubSubConfig holds metadata for terminal job event notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GRANTSCRAPER")
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout_seconds", 15)
	v.SetDefault("server.write_timeout_seconds", 0)
	v.SetDefault("server.shutdown_seconds", 15)
	v.SetDefault("portal.backend", "chromedp")
	v.SetDefault("portal.user_agent", "grantscraper-bot/0.1")
	v.SetDefault("portal.nav_timeout_seconds", 45)
	v.SetDefault("analysis.default_threshold", 61)
	v.SetDefault("analysis.fetch_timeout_seconds", 15)
	v.SetDefault("analysis.fetch_qps", 2)
	v.SetDefault("rating.timeout_seconds", 60)
	v.SetDefault("stream.queue_size", 32)
	v.SetDefault("stream.heartbeat_seconds", 15)
	v.SetDefault("db.backend", "postgres")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("snapshots.backend", "none")
	v.SetDefault("snapshots.prefix", "snapshots")
	v.SetDefault("snapshots.content_type", "text/html; charset=utf-8")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.Portal.Backend {
	case "chromedp", "noop":
	default:
		return fmt.Errorf("portal.backend must be chromedp or noop, got %q", c.Portal.Backend)
	}
	if c.Portal.Backend == "chromedp" && c.Portal.ListingURL == "" {
		return fmt.Errorf("portal.listing_url is required with the chromedp backend")
	}
	if c.Analysis.DefaultThreshold < 0 || c.Analysis.DefaultThreshold > 100 {
		return fmt.Errorf("analysis.default_threshold must be between 0 and 100")
	}
	switch c.DB.Backend {
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required with the postgres backend")
		}
	case "memory":
	default:
		return fmt.Errorf("db.backend must be postgres or memory, got %q", c.DB.Backend)
	}
	switch c.Snapshots.Backend {
	case "gcs":
		if c.Snapshots.GCSBucket == "" {
			return fmt.Errorf("snapshots.gcs_bucket is required with the gcs backend")
		}
	case "local":
		if c.Snapshots.LocalDir == "" {
			return fmt.Errorf("snapshots.local_dir is required with the local backend")
		}
	case "memory", "none":
	default:
		return fmt.Errorf("snapshots.backend must be gcs, local, memory, or none, got %q", c.Snapshots.Backend)
	}
	if c.PubSub.Enabled {
		if c.PubSub.ProjectID == "" || c.PubSub.TopicName == "" {
			return fmt.Errorf("pubsub.project_id and pubsub.topic_name are required when pubsub is enabled")
		}
	}
	if c.Stream.QueueSize <= 0 {
		return fmt.Errorf("stream.queue_size must be > 0")
	}
	return nil
}

// RatingTimeout converts the rating timeout to a duration.
func (c Config) RatingTimeout() time.Duration {
	return time.Duration(c.Rating.TimeoutSec) * time.Second
}

// FetchTimeout converts the deep-fetch timeout to a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Analysis.FetchTimeoutSec) * time.Second
}

// NavTimeout converts the portal navigation timeout to a duration.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Portal.NavTimeoutSec) * time.Second
}

// ShutdownTimeout converts the server drain timeout to a duration.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownSec) * time.Second
}

// Heartbeat converts the SSE keep-alive interval to a duration.
func (c Config) Heartbeat() time.Duration {
	return time.Duration(c.Stream.HeartbeatSec) * time.Second
}
