// SPDX-License-Identifier: MIT

// Package config loads the application configuration with the precedence
// ENV > file > defaults, and republishes snapshots on file change.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// AppConfig is the full runtime configuration.
type AppConfig struct {
	DataDir     string `yaml:"dataDir"`
	DBPath      string `yaml:"dbPath"`
	ListenAddr  string `yaml:"listenAddr"`
	MetricsAddr string `yaml:"metricsAddr"`
	LogLevel    string `yaml:"logLevel"`
	APIKey      string `yaml:"apiKey"`

	Slskd   SlskdConfig   `yaml:"slskd"`
	Spotify SpotifyConfig `yaml:"spotify"`
	Library LibraryConfig `yaml:"library"`
	Queue   QueueConfig   `yaml:"queue"`
	Status  StatusConfig  `yaml:"status"`
	Breaker BreakerConfig `yaml:"circuitBreaker"`
	Token   TokenConfig   `yaml:"token"`
	Session SessionConfig `yaml:"session"`
	HTTP    HTTPConfig    `yaml:"http"`
	Export  ExportConfig  `yaml:"export"`
}

// SlskdConfig addresses the external peer-to-peer download client.
type SlskdConfig struct {
	BaseURL string `yaml:"baseURL"`
	APIKey  string `yaml:"apiKey"`
}

// SpotifyConfig carries the OAuth client used to refresh Spotify tokens.
type SpotifyConfig struct {
	ClientID     string `yaml:"clientID"`
	ClientSecret string `yaml:"clientSecret"`
	TokenURL     string `yaml:"tokenURL"`
	AuthorizeURL string `yaml:"authorizeURL"`
	RedirectURL  string `yaml:"redirectURL"`
	Scopes       string `yaml:"scopes"`
}

// LibraryConfig drives the unified library coordinator.
type LibraryConfig struct {
	UseUnifiedManager   bool          `yaml:"useUnifiedManager"`
	AutoQueueDownloads  bool          `yaml:"autoQueueDownloads"`
	DownloadCleanupDays int           `yaml:"downloadCleanupDays"`
	SyncCooldown        time.Duration `yaml:"syncCooldown"`
	EnrichmentBatchSize int           `yaml:"enrichmentBatchSize"`
	TickInterval        time.Duration `yaml:"tickInterval"`
}

// QueueConfig drives the work-item queue and the download queue worker.
type QueueConfig struct {
	CheckInterval time.Duration `yaml:"checkInterval"`
	MaxPerCycle   int           `yaml:"maxPerCycle"`
	Workers       int           `yaml:"workers"`
	StaleLease    time.Duration `yaml:"staleLease"`
}

// StatusConfig drives the download status worker.
type StatusConfig struct {
	CheckInterval  time.Duration `yaml:"checkInterval"`
	StaleThreshold time.Duration `yaml:"staleThreshold"`
}

// BreakerConfig sets defaults for named circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failureThreshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// TokenConfig drives the proactive token refresh worker.
type TokenConfig struct {
	RefreshLeeway time.Duration `yaml:"refreshLeeway"`
}

// SessionConfig selects and tunes the browser-session store.
type SessionConfig struct {
	Backend   string        `yaml:"backend"` // "memory" or "redis"
	RedisAddr string        `yaml:"redisAddr"`
	TTL       time.Duration `yaml:"ttl"`
}

// HTTPConfig tunes the shared outbound HTTP connection pool.
type HTTPConfig struct {
	MaxConns       int           `yaml:"maxConns"`
	MaxIdleConns   int           `yaml:"maxIdleConns"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
}

// ExportConfig drives the playlist export task.
type ExportConfig struct {
	PlaylistDir string `yaml:"playlistDir"`
}

// Defaults returns the built-in configuration.
func Defaults() AppConfig {
	return AppConfig{
		DataDir:     "/data",
		DBPath:      "", // derived from DataDir when empty
		ListenAddr:  ":8080",
		MetricsAddr: ":9090",
		LogLevel:    "info",
		Slskd: SlskdConfig{
			BaseURL: "http://localhost:5030",
		},
		Spotify: SpotifyConfig{
			TokenURL:     "https://accounts.spotify.com/api/token",
			AuthorizeURL: "https://accounts.spotify.com/authorize",
			Scopes:       "user-follow-read playlist-read-private playlist-read-collaborative",
		},
		Library: LibraryConfig{
			UseUnifiedManager:   false,
			AutoQueueDownloads:  false,
			DownloadCleanupDays: 0,
			SyncCooldown:        5 * time.Minute,
			EnrichmentBatchSize: 20,
			TickInterval:        30 * time.Second,
		},
		Queue: QueueConfig{
			CheckInterval: 5 * time.Second,
			MaxPerCycle:   10,
			Workers:       4,
			StaleLease:    5 * time.Minute,
		},
		Status: StatusConfig{
			CheckInterval:  3 * time.Second,
			StaleThreshold: 12 * time.Hour,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			Timeout:          60 * time.Second,
		},
		Token: TokenConfig{
			RefreshLeeway: 60 * time.Second,
		},
		Session: SessionConfig{
			Backend: "memory",
			TTL:     time.Hour,
		},
		HTTP: HTTPConfig{
			MaxConns:       50,
			MaxIdleConns:   20,
			RequestTimeout: 30 * time.Second,
		},
		Export: ExportConfig{
			PlaylistDir: "", // derived from DataDir when empty
		},
	}
}

// Loader loads configuration with precedence ENV > file > defaults.
type Loader struct {
	path string
}

// NewLoader creates a loader for the optional YAML file at path.
// An empty path skips the file layer.
func NewLoader(path string) *Loader {
	return &Loader{path: path}
}

// Load resolves the effective configuration.
func (l *Loader) Load() (AppConfig, error) {
	cfg := Defaults()

	if l.path != "" {
		data, err := os.ReadFile(l.path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return AppConfig{}, fmt.Errorf("config: parse %s: %w", l.path, err)
			}
		case os.IsNotExist(err):
			// No file layer; env and defaults still apply.
		default:
			return AppConfig{}, fmt.Errorf("config: read %s: %w", l.path, err)
		}
	}

	applyEnv(&cfg)

	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "tonearm.db")
	}
	if cfg.Export.PlaylistDir == "" {
		cfg.Export.PlaylistDir = filepath.Join(cfg.DataDir, "playlists")
	}

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *AppConfig) {
	cfg.DataDir = ParseString("TONEARM_DATA", cfg.DataDir)
	cfg.DBPath = ParseString("TONEARM_DB_PATH", cfg.DBPath)
	cfg.ListenAddr = ParseString("TONEARM_LISTEN", cfg.ListenAddr)
	cfg.MetricsAddr = ParseString("TONEARM_METRICS_ADDR", cfg.MetricsAddr)
	cfg.LogLevel = ParseString("TONEARM_LOG_LEVEL", cfg.LogLevel)
	cfg.APIKey = ParseString("TONEARM_API_KEY", cfg.APIKey)

	cfg.Slskd.BaseURL = ParseString("TONEARM_SLSKD_URL", cfg.Slskd.BaseURL)
	cfg.Slskd.APIKey = ParseString("TONEARM_SLSKD_API_KEY", cfg.Slskd.APIKey)

	cfg.Spotify.ClientID = ParseString("TONEARM_SPOTIFY_CLIENT_ID", cfg.Spotify.ClientID)
	cfg.Spotify.ClientSecret = ParseString("TONEARM_SPOTIFY_CLIENT_SECRET", cfg.Spotify.ClientSecret)
	cfg.Spotify.TokenURL = ParseString("TONEARM_SPOTIFY_TOKEN_URL", cfg.Spotify.TokenURL)
	cfg.Spotify.RedirectURL = ParseString("TONEARM_SPOTIFY_REDIRECT_URL", cfg.Spotify.RedirectURL)

	cfg.Library.UseUnifiedManager = ParseBool("TONEARM_USE_UNIFIED_MANAGER", cfg.Library.UseUnifiedManager)
	cfg.Library.AutoQueueDownloads = ParseBool("TONEARM_AUTO_QUEUE_DOWNLOADS", cfg.Library.AutoQueueDownloads)
	cfg.Library.DownloadCleanupDays = ParseInt("TONEARM_DOWNLOAD_CLEANUP_DAYS", cfg.Library.DownloadCleanupDays)
	cfg.Library.SyncCooldown = time.Duration(ParseInt("TONEARM_SYNC_COOLDOWN_MINUTES",
		int(cfg.Library.SyncCooldown/time.Minute))) * time.Minute
	cfg.Library.EnrichmentBatchSize = ParseInt("TONEARM_ENRICHMENT_BATCH_SIZE", cfg.Library.EnrichmentBatchSize)

	cfg.Queue.CheckInterval = time.Duration(ParseInt("TONEARM_QUEUE_CHECK_INTERVAL_SECONDS",
		int(cfg.Queue.CheckInterval/time.Second))) * time.Second
	cfg.Queue.Workers = ParseInt("TONEARM_QUEUE_WORKERS", cfg.Queue.Workers)

	cfg.Status.CheckInterval = time.Duration(ParseInt("TONEARM_STATUS_CHECK_INTERVAL_SECONDS",
		int(cfg.Status.CheckInterval/time.Second))) * time.Second
	cfg.Status.StaleThreshold = time.Duration(ParseInt("TONEARM_STALE_THRESHOLD_HOURS",
		int(cfg.Status.StaleThreshold/time.Hour))) * time.Hour

	cfg.Breaker.FailureThreshold = ParseInt("TONEARM_CB_FAILURE_THRESHOLD", cfg.Breaker.FailureThreshold)
	cfg.Breaker.Timeout = time.Duration(ParseInt("TONEARM_CB_TIMEOUT_SECONDS",
		int(cfg.Breaker.Timeout/time.Second))) * time.Second

	cfg.Token.RefreshLeeway = time.Duration(ParseInt("TONEARM_TOKEN_REFRESH_LEEWAY_SECONDS",
		int(cfg.Token.RefreshLeeway/time.Second))) * time.Second

	cfg.Session.Backend = ParseString("TONEARM_SESSION_STORE", cfg.Session.Backend)
	cfg.Session.RedisAddr = ParseString("TONEARM_REDIS_ADDR", cfg.Session.RedisAddr)
	cfg.Session.TTL = ParseDuration("TONEARM_SESSION_TTL", cfg.Session.TTL)

	cfg.Export.PlaylistDir = ParseString("TONEARM_PLAYLIST_EXPORT_DIR", cfg.Export.PlaylistDir)
}

// Validate rejects configurations the workers cannot run with.
func (c AppConfig) Validate() error {
	if c.Queue.CheckInterval <= 0 {
		return fmt.Errorf("config: queue.checkInterval must be positive")
	}
	if c.Status.CheckInterval <= 0 {
		return fmt.Errorf("config: status.checkInterval must be positive")
	}
	if c.Queue.Workers <= 0 {
		return fmt.Errorf("config: queue.workers must be positive")
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("config: circuitBreaker.failureThreshold must be positive")
	}
	if c.Library.EnrichmentBatchSize <= 0 {
		return fmt.Errorf("config: library.enrichmentBatchSize must be positive")
	}
	switch c.Session.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: session.backend must be \"memory\" or \"redis\", got %q", c.Session.Backend)
	}
	if c.Session.Backend == "redis" && c.Session.RedisAddr == "" {
		return fmt.Errorf("config: session.redisAddr is required for the redis backend")
	}
	return nil
}
