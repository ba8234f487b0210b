// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ManuGH/tonearm/internal/api"
	"github.com/ManuGH/tonearm/internal/config"
	"github.com/ManuGH/tonearm/internal/coordinator"
	"github.com/ManuGH/tonearm/internal/download"
	"github.com/ManuGH/tonearm/internal/health"
	"github.com/ManuGH/tonearm/internal/httpx"
	"github.com/ManuGH/tonearm/internal/importer"
	"github.com/ManuGH/tonearm/internal/library"
	"github.com/ManuGH/tonearm/internal/log"
	"github.com/ManuGH/tonearm/internal/orchestrator"
	"github.com/ManuGH/tonearm/internal/persistence/sqlite"
	"github.com/ManuGH/tonearm/internal/queue"
	"github.com/ManuGH/tonearm/internal/resilience"
	"github.com/ManuGH/tonearm/internal/slskd"
	"github.com/ManuGH/tonearm/internal/token"
	"github.com/ManuGH/tonearm/internal/types"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

const shutdownGrace = 30 * time.Second

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	// Config path: explicit via --config, otherwise auto-load
	// ${TONEARM_DATA}/config.yaml when it exists.
	effectivePath := strings.TrimSpace(*configPath)
	if effectivePath == "" {
		dataDir := config.ParseString("TONEARM_DATA", "/data")
		autoPath := filepath.Join(dataDir, "config.yaml")
		if _, err := os.Stat(autoPath); err == nil {
			effectivePath = autoPath
		}
	}

	loader := config.NewLoader(effectivePath)
	cfg, err := loader.Load()
	if err != nil {
		log.Configure(log.Config{Level: "info", Service: "tonearm", Version: version})
		l := log.WithComponent("daemon")
		l.Fatal().Err(err).
			Str(log.FieldPath, effectivePath).Msg("failed to load configuration")
	}

	log.Configure(log.Config{Level: cfg.LogLevel, Service: "tonearm", Version: version})
	logger := log.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if effectivePath != "" {
		logger.Info().Str("source", "file").Str(log.FieldPath, effectivePath).Msg("configuration loaded")
	} else {
		logger.Info().Str("source", "env+defaults").Msg("configuration loaded")
	}

	holder := config.NewHolder(cfg)
	go func() {
		if err := config.Watch(ctx, loader, holder); err != nil {
			logger.Warn().Err(err).Msg("config watcher stopped")
		}
	}()

	if err := run(ctx, cfg, holder, logger); err != nil {
		logger.Fatal().Err(err).Msg("daemon failed")
	}
	logger.Info().Msg("daemon exiting")
}

func run(ctx context.Context, cfg config.AppConfig, holder *config.Holder, logger zerolog.Logger) error {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	db, err := sqlite.Open(cfg.DBPath, sqlite.DefaultConfig())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()
	if err := sqlite.Migrate(db); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	pool := httpx.NewPool(httpx.PoolConfig{
		MaxConns:       cfg.HTTP.MaxConns,
		MaxIdleConns:   cfg.HTTP.MaxIdleConns,
		RequestTimeout: cfg.HTTP.RequestTimeout,
	})
	defer pool.Close()

	breakers := resilience.NewRegistry(cfg.Breaker.FailureThreshold, cfg.Breaker.Timeout)
	slskdClient := slskd.NewHTTPClient(cfg.Slskd.BaseURL, cfg.Slskd.APIKey, pool.Client())

	// Token plumbing: repository, manager, the Spotify refresher, and the
	// worker that keeps tokens fresh in the background.
	tokenRepo := token.NewRepository(db)
	tokenMgr := token.NewManager(tokenRepo, cfg.Token.RefreshLeeway)
	var spotifyOAuth *token.OAuthEndpoint
	if cfg.Spotify.ClientID != "" {
		spotifyOAuth = token.NewOAuthEndpoint(
			cfg.Spotify.TokenURL, cfg.Spotify.ClientID, cfg.Spotify.ClientSecret, pool.Client())
		tokenMgr.RegisterService("spotify", spotifyOAuth.Refresh)
	} else {
		logger.Warn().Msg("spotify client credentials not configured, catalog sync will stay idle")
	}
	sessions, err := token.NewSessionStore(cfg.Session.Backend, cfg.Session.RedisAddr)
	if err != nil {
		return fmt.Errorf("session store: %w", err)
	}
	defer func() { _ = sessions.Close() }()

	// Repositories.
	lib := library.NewRepository(db)
	downloads := download.NewRepository(db)
	blocklist := download.NewBlocklist(db)
	store := queue.NewStore(db)
	registry := queue.NewRegistry()

	// Catalog sources and metadata providers.
	sources := []importer.ImportSource{importer.NewSpotifySource(tokenMgr, pool.Client())}
	providers := []importer.MetadataProvider{
		importer.NewDeezerProvider(pool.Client()),
		importer.NewMusicBrainzProvider(pool.Client()),
	}

	// Coordinator: scheduler plus the task handlers behind it.
	scheduler := coordinator.NewScheduler(store, lib,
		func() bool { return holder.Get().Library.UseUnifiedManager },
		coordinator.SchedulerConfig{
			TickInterval:    cfg.Library.TickInterval,
			DefaultCooldown: cfg.Library.SyncCooldown,
		})
	tasks := coordinator.NewTasks(lib, downloads, blocklist, store,
		sources, providers, slskdClient, holder.Get)
	if err := tasks.Bind(scheduler, registry); err != nil {
		return fmt.Errorf("bind coordinator tasks: %w", err)
	}

	runner := queue.NewRunner(store, registry, queue.RunnerConfig{
		Workers:       cfg.Queue.Workers,
		PollInterval:  cfg.Queue.CheckInterval,
		LeaseDuration: cfg.Queue.StaleLease,
	})

	downloadDir := filepath.Join(cfg.DataDir, "downloads")
	dispatcher := download.NewDispatcher(downloads, slskdClient, breakers.Get("slskd"))
	if err := dispatcher.Register(registry); err != nil {
		return fmt.Errorf("bind download dispatcher: %w", err)
	}
	queueWorker := download.NewQueueWorker(downloads, blocklist, store, slskdClient,
		download.QueueWorkerConfig{
			CheckInterval: cfg.Queue.CheckInterval,
			MaxPerCycle:   cfg.Queue.MaxPerCycle,
		})
	statusWorker := download.NewStatusWorker(downloads, store, slskdClient,
		breakers.Get("slskd"), download.StatusWorkerConfig{
			CheckInterval:  cfg.Status.CheckInterval,
			StaleThreshold: cfg.Status.StaleThreshold,
		},
		func(ctx context.Context, d *download.Download) error {
			if d.TrackID == "" {
				return nil
			}
			localPath := filepath.Join(downloadDir, d.Filename)
			return lib.SetTrackDownloadState(ctx, d.TrackID, types.TrackDownloaded, localPath)
		})

	orch := orchestrator.New()
	orch.Add("token_refresh", token.NewRefreshWorker(tokenMgr, tokenRepo, 0))
	orch.Add("queue_runner", runner)
	orch.Add("download_queue", queueWorker)
	orch.Add("download_status", statusWorker)
	orch.Add("coordinator", scheduler)

	hm := health.NewManager(version)
	hm.Register(health.NewDatabaseChecker(db))
	hm.Register(health.NewDownloadClientChecker(slskdClient))
	hm.Register(health.NewWorkersChecker(orch.IsHealthy, func() string {
		var failed []string
		for _, ws := range orch.Statuses() {
			if ws.LastError != "" {
				failed = append(failed, ws.Name)
			}
		}
		return strings.Join(failed, ", ")
	}))

	deps := api.Deps{
		Health:       hm,
		Scheduler:    scheduler,
		Orchestrator: orch,
		Library:      lib,
		Downloads:    downloads,
		Blocklist:    blocklist,
		Queue:        store,
		Breakers:     breakers,
		Sessions:     sessions,
		Tokens:       tokenRepo,
		APIKey:       cfg.APIKey,
	}
	if spotifyOAuth != nil && cfg.Spotify.RedirectURL != "" {
		deps.SpotifyAuth = &api.SpotifyAuth{
			Endpoint:     spotifyOAuth,
			AuthorizeURL: cfg.Spotify.AuthorizeURL,
			ClientID:     cfg.Spotify.ClientID,
			RedirectURL:  cfg.Spotify.RedirectURL,
			Scopes:       cfg.Spotify.Scopes,
			SessionTTL:   cfg.Session.TTL,
		}
	}

	apiServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := orch.StartAll(ctx); err != nil {
		return fmt.Errorf("start workers: %w", err)
	}

	serverErr := make(chan error, 2)
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("api server listening")
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- fmt.Errorf("api server: %w", err)
		}
	}()
	go func() {
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-serverErr:
		logger.Error().Err(err).Msg("server failed, shutting down")
	}

	// Shutdown runs against a fresh deadline: the signal context is
	// already cancelled by the time we get here.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
	defer cancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("api server shutdown failed")
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown failed")
	}
	orch.StopAll()
	return nil
}
