// Package app wires together every component of the dispatch fabric —
// coordination store, task manager, key rotator, provider adapter,
// worker pool, cluster scaler, and HTTP surface — according to the
// configured run mode.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/devco/imgrelay/internal/api"
	"github.com/devco/imgrelay/internal/audit"
	"github.com/devco/imgrelay/internal/config"
	"github.com/devco/imgrelay/internal/httpserver"
	"github.com/devco/imgrelay/internal/platform"
	"github.com/devco/imgrelay/internal/telemetry"
	"github.com/devco/imgrelay/pkg/cluster"
	"github.com/devco/imgrelay/pkg/credential"
	"github.com/devco/imgrelay/pkg/observer"
	"github.com/devco/imgrelay/pkg/opsnotify"
	"github.com/devco/imgrelay/pkg/prompt"
	"github.com/devco/imgrelay/pkg/provider"
	"github.com/devco/imgrelay/pkg/store"
	"github.com/devco/imgrelay/pkg/task"
	"github.com/devco/imgrelay/pkg/worker"
)

// Run reads configuration, connects to infrastructure, and starts the
// appropriate mode ("all", "api", or "worker").
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	logger.Info("starting imgrelay", "mode", cfg.Mode, "instance_id", instanceID, "listen", cfg.ListenAddr())

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()
	coordStore := store.NewRedisStore(rdb)

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to audit database: %w", err)
	}
	defer db.Close()

	if err := platform.RunAuditMigrations(cfg.DatabaseURL, cfg.MigrationsGlobalDir); err != nil {
		return fmt.Errorf("running audit migrations: %w", err)
	}
	logger.Info("audit trail migrations applied")

	metricsReg := telemetry.NewRegistry(telemetry.All()...)

	credentials, err := credential.LoadFile(cfg.CredentialsFile)
	if err != nil {
		return fmt.Errorf("loading credentials file: %w", err)
	}
	rotator := credential.NewRotator(coordStore, credentials)
	logger.Info("credentials loaded", "count", rotator.Count())

	prompts, skipped, err := prompt.Load(cfg.PromptsFile)
	if err != nil {
		return fmt.Errorf("loading prompts file: %w", err)
	}
	if len(skipped) > 0 {
		logger.Warn("prompts file contains unsupported language keys", "skipped", skipped)
	}

	adapter, err := buildAdapter(cfg)
	if err != nil {
		return fmt.Errorf("building provider adapter: %w", err)
	}
	logger.Info("provider backend selected", "backend", cfg.ProviderBackend)

	retention, err := time.ParseDuration(cfg.TaskRetention)
	if err != nil {
		return fmt.Errorf("parsing task retention %q: %w", cfg.TaskRetention, err)
	}
	avgImageServiceTime, err := time.ParseDuration(cfg.AvgImageServiceTime)
	if err != nil {
		return fmt.Errorf("parsing avg image service time %q: %w", cfg.AvgImageServiceTime, err)
	}
	manager := task.NewManager(coordStore, retention, avgImageServiceTime)

	auditWriter := audit.NewWriter(db, logger)
	auditWriter.Start(ctx)
	defer auditWriter.Close()

	notifier := opsnotify.New(cfg.SlackBotToken, cfg.SlackOpsChannel, logger)
	if notifier.IsEnabled() {
		logger.Info("ops notifications enabled", "channel", cfg.SlackOpsChannel)
	}

	maxProcessingTime, err := time.ParseDuration(cfg.MaxProcessingTime)
	if err != nil {
		return fmt.Errorf("parsing max processing time %q: %w", cfg.MaxProcessingTime, err)
	}
	reclaimInterval, err := time.ParseDuration(cfg.ReclaimInterval)
	if err != nil {
		return fmt.Errorf("parsing reclaim interval %q: %w", cfg.ReclaimInterval, err)
	}
	reclaimer := task.NewReclaimer(manager, logger, reclaimInterval, maxProcessingTime, func(id uuid.UUID) {
		telemetry.TasksReclaimedTotal.Inc()
		auditWriter.Log(audit.Entry{EventType: "task_reclaimed", TaskID: &id, InstanceID: instanceID})
		if err := notifier.TaskReclaimed(context.Background(), id.String(), "exceeded max processing time"); err != nil {
			logger.Error("posting task-reclaimed notification", "error", err)
		}
	})

	pollingTimeout, err := time.ParseDuration(cfg.PollingTimeout)
	if err != nil {
		return fmt.Errorf("parsing polling timeout %q: %w", cfg.PollingTimeout, err)
	}
	pollingCheckInterval, err := time.ParseDuration(cfg.PollingCheckInterval)
	if err != nil {
		return fmt.Errorf("parsing polling check interval %q: %w", cfg.PollingCheckInterval, err)
	}
	obs := observer.New(manager, pollingCheckInterval, pollingTimeout)

	scaleCheckInterval, err := time.ParseDuration(cfg.ScaleCheckInterval)
	if err != nil {
		return fmt.Errorf("parsing scale check interval %q: %w", cfg.ScaleCheckInterval, err)
	}
	heartbeatInterval, err := time.ParseDuration(cfg.HeartbeatInterval)
	if err != nil {
		return fmt.Errorf("parsing heartbeat interval %q: %w", cfg.HeartbeatInterval, err)
	}
	staleInstanceSweep, err := time.ParseDuration(cfg.StaleInstanceSweep)
	if err != nil {
		return fmt.Errorf("parsing stale instance sweep %q: %w", cfg.StaleInstanceSweep, err)
	}

	decodePool := worker.NewDecodePool(int64(cfg.MaxWorkers))

	clusterCfg := cluster.Config{
		InstanceID:          instanceID,
		WorkersPerInstance:  cfg.WorkersPerInstance,
		MaxWorkers:          cfg.MaxWorkers,
		DefaultRPM:          cfg.DefaultRPM,
		ScaleCheckInterval:  scaleCheckInterval,
		HeartbeatInterval:   heartbeatInterval,
		StaleInstanceSweep:  staleInstanceSweep,
		MaxProcessingTime:   maxProcessingTime,
		ReclaimInterval:     reclaimInterval,
		AvgImageServiceTime: avgImageServiceTime,
	}

	runWorkers := cfg.Mode == "all" || cfg.Mode == "worker"
	if !runWorkers {
		// API-only instances still need a Pool to report stats, just with
		// zero local workers — it never calls Run.
		clusterCfg.WorkersPerInstance = 0
	}
	pool := cluster.NewPool(clusterCfg, coordStore, manager, rotator, adapter, prompts, logger, decodePool)

	runAPI := cfg.Mode == "all" || cfg.Mode == "api"

	group, groupCtx := errgroup.WithContext(ctx)
	if runWorkers {
		group.Go(func() error {
			reclaimer.Run(groupCtx)
			return nil
		})
		group.Go(func() error {
			pool.Run(groupCtx)
			return nil
		})
	}

	if !runAPI {
		return group.Wait()
	}

	srv := httpserver.NewServer(httpserver.ServerConfig{
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	}, logger, rdb, db, metricsReg)

	translateHandler := api.NewTranslateHandler(manager, obs, logger, auditWriter, instanceID,
		cfg.MaxUploadSize, cfg.MaxTotalUpload, cfg.MaxImagesPerJob)
	srv.APIRouter.Mount("/translate", translateHandler.Routes())

	statsHandler := api.NewStatsHandler(manager, rotator, pool, prompts)
	srv.APIRouter.Mount("/stats", statsHandler.Routes())

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	group.Go(func() error {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

// buildAdapter selects the provider adapter backend from configuration.
func buildAdapter(cfg *config.Config) (provider.Adapter, error) {
	switch cfg.ProviderBackend {
	case "", "mock":
		return provider.MockAdapter{}, nil
	case "genai":
		return provider.NewGenAIAdapter(cfg.ProviderBaseURL, cfg.ProviderModel), nil
	case "vertex":
		if cfg.ProviderOAuthTokenURL == "" || cfg.ProviderEndpoint == "" {
			return nil, fmt.Errorf("vertex backend requires PROVIDER_OAUTH_TOKEN_URL and PROVIDER_ENDPOINT")
		}
		return provider.NewVertexAdapter(cfg.ProviderOAuthTokenURL, cfg.ProviderEndpoint), nil
	default:
		return nil, fmt.Errorf("unknown provider backend %q", cfg.ProviderBackend)
	}
}
