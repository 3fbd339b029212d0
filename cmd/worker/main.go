// Command worker runs the medpipe processing core: the job scheduler,
// worker pool, and pipeline executor, plus an admin HTTP surface exposing
// health and Prometheus metrics. The document-intake API, OCR engine, and
// PII filter are external collaborators and are not served here.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/medpipe/core/infrastructure/logging"
	"github.com/medpipe/core/infrastructure/metrics"
	"github.com/medpipe/core/infrastructure/middleware"
	"github.com/medpipe/core/infrastructure/resilience"
	"github.com/medpipe/core/internal/broker/redisbroker"
	"github.com/medpipe/core/internal/executor"
	"github.com/medpipe/core/internal/ledger"
	"github.com/medpipe/core/internal/llmprovider"
	"github.com/medpipe/core/internal/ocrpii"
	"github.com/medpipe/core/internal/scheduler"
	"github.com/medpipe/core/internal/store"
	"github.com/medpipe/core/pkg/config"
)

func main() {
	root := &cobra.Command{
		Use:   "worker",
		Short: "medpipe document processing worker",
	}
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCheckCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the worker pool and admin HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func migrateCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate-check",
		Short: "verify the database schema is reachable without applying migrations",
		Long: "Schema migrations are managed externally to this service. This command " +
			"only confirms the configured DSN is reachable and the master key is valid.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			masterKey, err := decodeMasterKey(cfg.Security.MasterKeyHex)
			if err != nil {
				return err
			}
			s, err := store.Open(cmd.Context(), resolveDSN(cfg), masterKey)
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer s.Close()
			fmt.Println("database reachable, master key valid")
			return nil
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New("medpipe-worker", cfg.Logging.Level, cfg.Logging.Format)
	entry := log.WithContext(ctx)

	masterKey, err := decodeMasterKey(cfg.Security.MasterKeyHex)
	if err != nil {
		return err
	}

	s, err := store.Open(ctx, resolveDSN(cfg), masterKey)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer s.Close()
	s.ConfigurePool(cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, time.Duration(cfg.Database.ConnMaxLifetime)*time.Second)

	m := metrics.Init("medpipe-worker")

	jobs := s.Jobs()
	steps := s.Steps()
	configRepo := s.Config()

	led := ledger.New(s.DB(), configRepo, m, entry)

	providers := buildProviders(ctx, cfg, entry)

	exec := executor.New(jobs, steps, configRepo, led, providers, m, entry,
		executor.StepTimeouts{PerStep: cfg.Scheduler.StepTimeout()})

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Broker.Addr,
		Password: cfg.Broker.Password,
		DB:       cfg.Broker.DB,
	})
	defer redisClient.Close()
	b := redisbroker.New(redisClient, cfg.Broker.Namespace)

	schedCfg := scheduler.Config{
		Workers:           cfg.Scheduler.Workers,
		JobTimeout:        cfg.Scheduler.JobTimeout(),
		HeartbeatInterval: cfg.Scheduler.Heartbeat(),
		PollTimeout:       5 * time.Second,
	}
	sched := scheduler.New(schedCfg, b, jobs, configRepo, exec, ocrpii.StubExtractor{}, ocrpii.NoopScrubber{}, m, entry)

	maint := scheduler.NewMaintenance(scheduler.MaintenanceConfig{
		StaleThreshold:  cfg.Scheduler.StaleThreshold(),
		JobRetention:    cfg.Scheduler.JobRetention(),
		ResultRetention: cfg.Scheduler.ResultRetention(),
	}, jobs, b, entry)

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	errCh := make(chan error, 1)
	go func() {
		errCh <- sched.Run(workerCtx)
	}()
	if err := maint.Start(workerCtx); err != nil {
		return fmt.Errorf("start maintenance cron: %w", err)
	}
	defer maint.Stop()

	httpServer := buildAdminServer(cfg, log, m)
	shutdown := middleware.NewGracefulShutdown(httpServer, 30*time.Second)
	shutdown.OnShutdown(func() {
		cancelWorkers()
	})
	shutdown.ListenForSignals()

	entry.WithField("addr", httpServer.Addr).Info("admin server listening")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("admin server: %w", err)
	}

	shutdown.Wait()
	return <-errCh
}

func buildAdminServer(cfg *config.Config, log *logging.Logger, m *metrics.Metrics) *http.Server {
	router := mux.NewRouter()

	health := middleware.NewHealthChecker("1.0.0")
	router.Handle("/healthz", health.Handler())
	router.HandleFunc("/livez", middleware.LivenessHandler())
	router.Handle("/metrics", promhttp.Handler())

	router.Use(middleware.LoggingMiddleware(log))
	router.Use(middleware.MetricsMiddleware("medpipe-worker", m))
	router.Use(middleware.NewTimeoutMiddleware(10 * time.Second).Handler)
	router.Use(middleware.NewRecoveryMiddleware(log).Handler)

	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
}

// buildProviders registers each configured LLM provider behind a resilience
// wrapper. A provider with no credentials configured is simply not
// registered; resolving it at pipeline-step time then fails with a
// permanent error surfaced through the normal step-failure path.
func buildProviders(ctx context.Context, cfg *config.Config, log *logrus.Entry) *llmprovider.Registry {
	registry := llmprovider.NewRegistry()

	breakerCfg := resilience.DefaultConfig()

	if cfg.Providers.AnthropicAPIKey != "" {
		inner := llmprovider.NewAnthropicProvider(cfg.Providers.AnthropicAPIKey)
		registry.Register("anthropic", llmprovider.NewResilient(inner, breakerCfg, 5, 10))
	}

	if cfg.Providers.BedrockRegion != "" {
		inner, err := llmprovider.NewBedrockProvider(ctx, cfg.Providers.BedrockRegion)
		if err != nil {
			log.WithError(err).Error("bedrock provider not registered")
		} else {
			registry.Register("bedrock", llmprovider.NewResilient(inner, breakerCfg, 5, 10))
		}
	}

	if cfg.Providers.LangchainAPIKey != "" {
		inner, err := llmprovider.NewLangchainProvider(cfg.Providers.LangchainAPIKey, cfg.Providers.LangchainBaseURL)
		if err != nil {
			log.WithError(err).Error("langchain provider not registered")
		} else {
			registry.Register("langchain", llmprovider.NewResilient(inner, breakerCfg, 5, 10))
		}
	}

	return registry
}

func decodeMasterKey(hexKey string) ([]byte, error) {
	if hexKey == "" {
		return nil, fmt.Errorf("security.master_key_hex (MASTER_KEY_HEX) is required")
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("master key must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

func resolveDSN(cfg *config.Config) string {
	if cfg.Database.DSN != "" {
		return cfg.Database.DSN
	}
	return cfg.Database.ConnectionString()
}
