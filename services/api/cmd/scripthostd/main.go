package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"scripthost/pkg/bus"
	"scripthost/pkg/config"
	"scripthost/pkg/db"
	"scripthost/pkg/logging"
	"scripthost/pkg/metrics"
	"scripthost/pkg/render"
	gos3 "scripthost/pkg/s3"
	"scripthost/pkg/telemetry"
	"scripthost/services/admission"
	"scripthost/services/api"
	"scripthost/services/archiver"
	"scripthost/services/deps"
	"scripthost/services/events"
	"scripthost/services/hosting"
	"scripthost/services/store"
	"scripthost/services/supervisor"
)

const serviceName = "scripthostd"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	log.Logger = logger

	if err := cfg.EnsureDirs(); err != nil {
		logger.Fatal().Err(err).Msg("create data dirs")
	}

	shutdownTracing, traceMiddleware, err := telemetry.Init(ctx, serviceName, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("init telemetry")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown telemetry")
		}
	}()

	pool, err := db.Open(ctx, cfg.DBDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	defer pool.Close()

	version, err := db.Migrate(ctx, pool)
	if err != nil {
		logger.Fatal().Err(err).Msg("migrate database")
	}
	logger.Info().Int64("version", version).Msg("database migrated")

	orm, err := db.OpenORM(pool)
	if err != nil {
		logger.Fatal().Err(err).Msg("open orm")
	}
	st, err := store.New(orm)
	if err != nil {
		logger.Fatal().Err(err).Msg("init store")
	}

	renderer, err := render.New()
	if err != nil {
		logger.Fatal().Err(err).Msg("parse templates")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	var notifier supervisor.Notifier
	var eventBus *bus.Bus
	if cfg.NATSURL != "" {
		eventBus, err = bus.New(cfg.NATSURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("connect nats")
		}
		defer eventBus.Close()
		if err := eventBus.EnsureStream(events.Stream, events.SubjectAll); err != nil {
			logger.Fatal().Err(err).Msg("ensure stream")
		}
		notifier = events.NewPublisher(eventBus, renderer, logger.With().Str("component", "events").Logger())
	}

	pip := deps.Pip{Python: cfg.PythonBin}
	manifest := deps.NewManifestStrategy(pip)
	manifest.Timeout = cfg.InstallTimeout
	imports := deps.NewImportStrategy(pip, pip)
	imports.Timeout = cfg.InstallTimeout
	installer := deps.NewInstaller([]deps.Strategy{manifest, imports},
		deps.WithLogger(logger.With().Str("component", "deps").Logger()),
		deps.WithObserver(m.DependencyInstall),
	)

	supOpts := []supervisor.Option{
		supervisor.WithLogger(logger.With().Str("component", "supervisor").Logger()),
		supervisor.WithSampler(admission.NewHostSampler()),
		supervisor.WithInstaller(installer),
		supervisor.WithMetrics(m),
	}
	if notifier != nil {
		supOpts = append(supOpts, supervisor.WithNotifier(notifier))
	}
	sup, err := supervisor.New(supervisor.Config{
		LogsDir: cfg.LogsDir(),
		Thresholds: admission.Thresholds{
			MaxJobs:          cfg.MaxRunningProcesses,
			MaxCPUPercent:    cfg.CPUThreshold,
			MaxMemoryPercent: cfg.MemoryThreshold,
		},
		Interpreters: supervisor.DefaultInterpreters(cfg.PythonBin, cfg.NodeBin),
		StopGrace:    cfg.StopGrace,
		RestartDelay: cfg.RestartDelay,
	}, st, supOpts...)
	if err != nil {
		logger.Fatal().Err(err).Msg("init supervisor")
	}

	report, err := sup.Reconcile(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("reconcile stale state")
	} else {
		logger.Info().
			Int("killed", report.Killed).
			Int("spared", report.Spared).
			Int("stopped", report.Stopped).
			Int("closed_runs", report.ClosedRuns).
			Msg("reconciled")
	}

	hostOpts := []hosting.Option{hosting.WithLogger(logger.With().Str("component", "hosting").Logger())}
	var objects *gos3.Client
	if cfg.S3.Enabled() {
		objects, err = gos3.New(ctx, cfg.S3)
		if err != nil {
			logger.Fatal().Err(err).Msg("init s3")
		}
		hostOpts = append(hostOpts, hosting.WithPresigner(objects))
	}
	svc, err := hosting.New(hosting.Config{
		UploadsDir:        cfg.UploadsDir(),
		TempDir:           cfg.TempDir(),
		MaxFilesPerTenant: cfg.MaxFilesPerUser,
		ArchiveBucket:     cfg.S3.Bucket,
	}, st, sup, hostOpts...)
	if err != nil {
		logger.Fatal().Err(err).Msg("init hosting")
	}

	if eventBus != nil && objects != nil {
		arch, err := archiver.New(eventBus, objects, st, cfg.S3.Bucket, logger.With().Str("component", "archiver").Logger())
		if err != nil {
			logger.Fatal().Err(err).Msg("init archiver")
		}
		if err := arch.Start(ctx); err != nil {
			logger.Fatal().Err(err).Msg("start archiver")
		}
		defer arch.Close()
	}

	a, err := api.New(svc, renderer, api.Config{
		AllowedOrigins:     cfg.AllowedOrigins,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
	}, api.WithLogger(logger), api.WithReadiness(st.Ping))
	if err != nil {
		logger.Fatal().Err(err).Msg("init api")
	}
	handler, err := a.Routes(api.RouterOptions{
		Middleware: []func(http.Handler) http.Handler{traceMiddleware},
		Gatherer:   registry,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("build routes")
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("starting scripthostd")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown server")
	}
	if err := sup.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("stop running jobs")
	}
}
