package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/surveyforge/internal/config"
	"github.com/Sumatoshi-tech/surveyforge/internal/decode"
	"github.com/Sumatoshi-tech/surveyforge/internal/manager"
	"github.com/Sumatoshi-tech/surveyforge/internal/observability"
	"github.com/Sumatoshi-tech/surveyforge/internal/resultstore"
	"github.com/Sumatoshi-tech/surveyforge/internal/server"
	"github.com/Sumatoshi-tech/surveyforge/internal/task"
	"github.com/Sumatoshi-tech/surveyforge/internal/topics"
	"github.com/Sumatoshi-tech/surveyforge/pkg/version"
)

// shutdownTimeout bounds the drain of in-flight requests and watchers.
const shutdownTimeout = 30 * time.Second

// NewServeCommand creates the serve command: the HTTP API plus the generation
// pipeline in one process.
func NewServeCommand() *cobra.Command {
	var (
		cfgPath string
		addr    string
		debug   bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the survey generation server",
		Long: `Run the HTTP API together with the generation pipeline.

Configuration is read from .surveyforge.yaml (or --config), overridable
through SURVEYFORGE_* environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cobraCmd *cobra.Command, _ []string) error {
			return runServe(cobraCmd.Context(), cfgPath, addr, debug)
		},
	}

	cmd.Flags().StringVar(&cfgPath, "config", "", "Path to the configuration file")
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address override")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")

	return cmd
}

func runServe(ctx context.Context, cfgPath, addr string, debug bool) error {
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return err
	}

	if addr != "" {
		cfg.Server.Addr = addr
	}

	obsCfg := observability.DefaultConfig()
	obsCfg.Mode = observability.ModeServe
	obsCfg.ServiceVersion = version.Version
	obsCfg.LogJSON = true

	if debug {
		obsCfg.LogLevel = slog.LevelDebug
	}

	providers, err := observability.Init(obsCfg)
	if err != nil {
		return err
	}

	logger := providers.Logger

	registry, err := buildRegistry(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = registry.Close() }()

	results, err := buildResultStore(ctx, cfg)
	if err != nil {
		return err
	}

	inflight := decode.NewRegistry()

	pipe := manager.BuildSurveyPipeline(manager.PipelineConfig{
		Workers:   cfg.Pipeline.Workers,
		QueueSize: cfg.Pipeline.QueueSize,
	}, inflight, manager.DraftWriter{}, results, logger)

	var topicProc manager.TopicProcessor
	if cfg.Search.Enabled {
		topicProc = topics.NewOutlineProcessor(topics.Config{MaxResults: cfg.Search.MaxResults}, nil, logger)
	}

	mgr := manager.New(manager.Config{
		CheckInterval: time.Duration(cfg.Pipeline.CheckIntervalSeconds) * time.Second,
		TaskTimeout:   time.Duration(cfg.Pipeline.TimeoutMinutes) * time.Minute,
		TempDir:       cfg.Pipeline.TempDir,
	}, registry, results, inflight, pipe, topicProc, logger)

	red, err := observability.NewREDMetrics(providers.Meter)
	if err != nil {
		return err
	}

	err = observability.RegisterPipelineGauges(providers.Meter, pipelineSnapshot(mgr, registry))
	if err != nil {
		return err
	}

	err = observability.RegisterRuntimeGauges(providers.Meter)
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		Addr:      cfg.Server.Addr,
		AuthToken: cfg.Server.AuthToken,
		OutputDir: cfg.Pipeline.TempDir,
		Middleware: func(next http.Handler) http.Handler {
			return observability.HTTPMiddleware(providers.Tracer, logger, red, next)
		},
	}, mgr, registry, results, providers.MetricsHandler, logger)
	if err != nil {
		return err
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = mgr.Start(runCtx)
	if err != nil {
		return err
	}

	serveErr := make(chan error, 1)

	go func() {
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err = <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	case <-runCtx.Done():
		logger.Info("shutdown signal received")
	}

	return shutdown(srv, mgr, results, providers.Shutdown, logger)
}

// shutdown drains the server, the manager, and the metrics provider, logging
// failures instead of aborting so every component gets its chance to stop.
func shutdown(srv *server.Server, mgr *manager.Manager, results resultstore.Store, telemetry func(ctx context.Context) error, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := srv.Shutdown(ctx)
	if err != nil {
		logger.Warn("http shutdown failed", slog.String("error", err.Error()))
	}

	err = mgr.Shutdown(ctx)
	if err != nil {
		logger.Warn("manager shutdown failed", slog.String("error", err.Error()))
	}

	err = telemetry(ctx)
	if err != nil {
		logger.Warn("metrics shutdown failed", slog.String("error", err.Error()))
	}

	err = results.Close(ctx)
	if err != nil {
		logger.Warn("result store close failed", slog.String("error", err.Error()))
	}

	logger.Info("server stopped")

	return nil
}

// buildRegistry selects the configured task registry backend.
func buildRegistry(ctx context.Context, cfg *config.Config) (task.Registry, error) {
	expire := time.Duration(cfg.Registry.ExpireHours) * time.Hour

	switch cfg.Registry.Backend {
	case config.RegistryBackendRedis:
		return task.NewRedisRegistry(ctx, task.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Expire:   expire,
		})
	case config.RegistryBackendSQLite:
		return task.NewSQLiteRegistry(task.SQLiteConfig{
			Path:   cfg.SQLite.Path,
			Expire: expire,
		})
	default:
		return nil, config.ErrInvalidRegistryBackend
	}
}

// buildResultStore selects the configured result store backend.
func buildResultStore(ctx context.Context, cfg *config.Config) (resultstore.Store, error) {
	switch cfg.Mongo.Backend {
	case config.StoreBackendMongo:
		return resultstore.NewMongoStore(ctx, resultstore.MongoConfig{
			URI:        cfg.Mongo.URI,
			Database:   cfg.Mongo.Database,
			Collection: cfg.Mongo.Collection,
		})
	case config.StoreBackendMemory:
		return resultstore.NewMemoryStore(), nil
	default:
		return nil, config.ErrInvalidStoreBackend
	}
}

// pipelineSnapshot adapts the manager's status report to the metrics gauges.
func pipelineSnapshot(mgr *manager.Manager, registry task.Registry) observability.SnapshotFunc {
	return func(ctx context.Context) ([]observability.NodeSnapshot, map[string]int) {
		status, err := mgr.PipelineStatus(ctx)
		if err != nil {
			return nil, nil
		}

		nodes := make([]observability.NodeSnapshot, 0, len(status.Nodes))
		for _, n := range status.Nodes {
			nodes = append(nodes, observability.NodeSnapshot{Name: n.Name, QueueSize: n.QueueSize})
		}

		states := make(map[string]int)

		records, err := registry.List(ctx, nil, 0)
		if err != nil {
			return nodes, nil
		}

		for _, rec := range records {
			states[string(rec.Status)]++
		}

		return nodes, states
	}
}
