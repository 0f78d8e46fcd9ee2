package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/formflow/internal/config"
	"github.com/pitabwire/formflow/internal/definition"
	"github.com/pitabwire/formflow/internal/notify"
	"github.com/pitabwire/formflow/internal/observability"
	"github.com/pitabwire/formflow/internal/permission"
	"github.com/pitabwire/formflow/internal/store"
	"github.com/pitabwire/formflow/internal/transport"
	"github.com/pitabwire/formflow/internal/workflow"
	"github.com/pitabwire/formflow/model"
)

func newServeCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), rootOpts.configPath)
		},
	}
}

func runServe(parent context.Context, configPath string) error {
	if parent == nil {
		parent = context.Background()
	}

	// Step 1: Load configuration.
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// Step 2: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "formflow", version)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 3: Load definitions, validate, build registry.
	files, err := loadDefinitions(cfg.Definitions.Directories)
	if err != nil {
		logDefinitionErrors(logger, err)
		return err
	}
	registry := definition.NewRegistry(files)
	metrics.SetDefinitionsLoaded(registry.Len())

	// Step 4: Open the store and apply the seed file.
	st, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("store close error", zap.Error(err))
		}
	}()

	if cfg.Store.SeedFile != "" {
		if err := applySeed(ctx, st, cfg.Store.SeedFile, logger); err != nil {
			return err
		}
	}

	// Step 5: Permission evaluator, optionally behind a user cache.
	var users permission.UserRepository = st
	if cfg.Permission.UserCache.Enabled {
		users = permission.NewCachedUserRepository(st,
			cfg.Permission.UserCache.TTL,
			cfg.Permission.UserCache.CleanupInterval,
			metrics,
		)
	}
	evaluator := permission.NewEvaluator(users, st,
		permission.WithLogger(logger),
		permission.WithRecorder(metrics),
	)

	// Step 6: Locker and publisher.
	locker, lockerCloser, err := buildLocker(ctx, cfg.Workflow.Lock, logger)
	if err != nil {
		return err
	}
	defer lockerCloser()

	publisher, publisherCloser, err := buildPublisher(cfg.Notify, logger)
	if err != nil {
		return err
	}
	defer publisherCloser()

	// Step 7: Workflow engine.
	engineOpts := []workflow.EngineOption{
		workflow.WithLogger(logger),
		workflow.WithLocker(locker),
		workflow.WithPublisher(publisher),
		workflow.WithRecorder(metrics),
	}
	if cfg.Workflow.PermissionGate.Enabled {
		engineOpts = append(engineOpts, workflow.WithPermissionGate(evaluator, cfg.Workflow.PermissionGate.Resource))
	}
	engine := workflow.NewEngine(st, users, engineOpts...)

	// Step 8: HTTP router.
	signingKey := cfg.Identity.SigningKey()
	if len(signingKey) == 0 {
		return fmt.Errorf("identity: %s is not set", cfg.Identity.SigningKeyEnv)
	}

	readiness := observability.ReadinessChecks{
		DefinitionsLoaded: func() bool { return registry.Len() > 0 },
		Store:             st,
	}
	if hc, ok := locker.(observability.HealthChecker); ok {
		readiness.Locker = hc
	}
	if hc, ok := publisher.(observability.HealthChecker); ok {
		readiness.Publisher = hc
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, signingKey),
		Engine:       engine,
		Definitions:  registry,
		Permissions:  evaluator,
		Readiness:    readiness,
		Metrics:      metrics,
		Gatherer:     prometheus.DefaultGatherer,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	// Step 9: Reload definitions on SIGHUP.
	go watchReload(ctx, registry, cfg.Definitions.Directories, metrics, logger)

	// Step 10: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("workflows", registry.Len()),
		zap.String("definitions_checksum", registry.Checksum()),
		zap.String("store", cfg.Store.Driver),
		zap.String("lock", cfg.Workflow.Lock.Driver),
		zap.String("notify", cfg.Notify.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return err
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

// definitionErrors carries validation failures out of loadDefinitions.
type definitionErrors []definition.VError

func (e definitionErrors) Error() string {
	return fmt.Sprintf("definition validation failed with %d error(s)", len(e))
}

func loadDefinitions(dirs []string) ([]model.WorkflowFile, error) {
	files, err := definition.NewLoader().LoadAll(dirs)
	if err != nil {
		return nil, fmt.Errorf("definition loading: %w", err)
	}
	if verrs := definition.NewValidator().Validate(files); len(verrs) > 0 {
		return nil, definitionErrors(verrs)
	}
	return files, nil
}

func logDefinitionErrors(logger *zap.Logger, err error) {
	var verrs definitionErrors
	if !errors.As(err, &verrs) {
		return
	}
	for _, ve := range verrs {
		logger.Error("definition validation error",
			zap.String("path", ve.Path),
			zap.String("code", ve.Code),
			zap.String("message", ve.Message),
		)
	}
}

// watchReload swaps the registry snapshot on SIGHUP. A reload that fails to
// load or validate keeps the current definitions.
func watchReload(ctx context.Context, registry *definition.Registry, dirs []string, metrics *observability.Metrics, logger *zap.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			files, err := loadDefinitions(dirs)
			if err != nil {
				logDefinitionErrors(logger, err)
				logger.Error("definition reload rejected", zap.Error(err))
				continue
			}
			previous := registry.Checksum()
			registry.Replace(files)
			metrics.SetDefinitionsLoaded(registry.Len())
			logger.Info("definitions reloaded",
				zap.Int("workflows", registry.Len()),
				zap.String("previous_checksum", previous),
				zap.String("checksum", registry.Checksum()),
			)
		}
	}
}

func applySeed(ctx context.Context, st store.Store, path string, logger *zap.Logger) error {
	seed, err := store.LoadSeedFile(path)
	if err != nil {
		return err
	}
	result, err := store.ApplySeed(ctx, st, seed)
	if err != nil {
		return fmt.Errorf("apply seed %s: %w", path, err)
	}
	logger.Info("seed applied",
		zap.String("file", path),
		zap.Int("users", result.Users),
		zap.Int("grants", result.Grants),
		zap.Int("submissions", result.Submissions),
		zap.Int("skipped", result.Skipped),
	)
	return nil
}

// buildLocker creates the per-submission locker selected by cfg.Driver.
func buildLocker(ctx context.Context, cfg config.LockConfig, logger *zap.Logger) (workflow.Locker, func(), error) {
	switch cfg.Driver {
	case config.DriverRedis:
		addr := cfg.Addr()
		if addr == "" {
			return nil, nil, fmt.Errorf("workflow lock: %s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("workflow lock: ping redis: %w", err)
		}
		logger.Info("using redis submission locker", zap.String("key_prefix", cfg.KeyPrefix))
		return workflow.NewRedisLocker(client, cfg), func() { _ = client.Close() }, nil
	default:
		logger.Info("using in-process submission locker")
		return workflow.NewMemoryLocker(), func() {}, nil
	}
}

// buildPublisher creates the transition event publisher selected by
// cfg.Driver.
func buildPublisher(cfg config.NotifyConfig, logger *zap.Logger) (notify.Publisher, func(), error) {
	switch cfg.Driver {
	case config.DriverNATS:
		url := cfg.URL()
		if url == "" {
			return nil, nil, fmt.Errorf("notify: %s environment variable not set", cfg.URLEnv)
		}
		p, err := notify.ConnectNATS(url, cfg.SubjectPrefix)
		if err != nil {
			return nil, nil, fmt.Errorf("notify: %w", err)
		}
		logger.Info("publishing transitions to NATS", zap.String("subject_prefix", cfg.SubjectPrefix))
		return p, func() {
			if err := p.Close(); err != nil {
				logger.Error("NATS drain error", zap.Error(err))
			}
		}, nil
	case config.DriverLog:
		return notify.NewLogPublisher(logger, cfg.SubjectPrefix), func() {}, nil
	default:
		return notify.NopPublisher{}, func() {}, nil
	}
}
