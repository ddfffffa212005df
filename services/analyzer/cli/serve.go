package cli

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
	"github.com/spf13/viper"

	"github.com/kaiwen1281/MOSSAI/internal/analysis"
	"github.com/kaiwen1281/MOSSAI/internal/clients/ice"
	"github.com/kaiwen1281/MOSSAI/internal/clients/oss"
	"github.com/kaiwen1281/MOSSAI/internal/clients/vlm"
	"github.com/kaiwen1281/MOSSAI/internal/domain"
	"github.com/kaiwen1281/MOSSAI/internal/extraction"
	"github.com/kaiwen1281/MOSSAI/internal/gate"
	"github.com/kaiwen1281/MOSSAI/internal/kafka"
	"github.com/kaiwen1281/MOSSAI/internal/postgres"
	redisstore "github.com/kaiwen1281/MOSSAI/internal/redis"
	"github.com/kaiwen1281/MOSSAI/internal/store"
	"github.com/kaiwen1281/MOSSAI/internal/version"
	"github.com/kaiwen1281/MOSSAI/pkg/telemetry"
	"github.com/kaiwen1281/MOSSAI/services/analyzer"
	"github.com/kaiwen1281/MOSSAI/services/analyzer/config"
	"github.com/kaiwen1281/MOSSAI/services/analyzer/handler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the analysis service and its REST API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("http-port", "8080", "HTTP server port")
	serveCmd.Flags().String("metrics-addr", ":9095", "Prometheus metrics server address")
	serveCmd.Flags().String("redis-addr", "", "Redis address (host:port); empty keeps tasks in memory")
	serveCmd.Flags().String("postgres-dsn", "", "PostgreSQL DSN for the audit trail; empty disables it")
	serveCmd.Flags().String("kafka-brokers", "", "comma-separated Kafka brokers; empty disables events and intake")
	serveCmd.Flags().Int("extraction-concurrency", gate.DefaultExtraction, "tasks allowed in frame extraction at once")
	serveCmd.Flags().Int("analysis-concurrency", gate.DefaultAnalysis, "model calls allowed at once")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	bindFlag("http_port", serveCmd.Flags(), "http-port")
	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("redis_addr", serveCmd.Flags(), "redis-addr")
	bindFlag("postgres_dsn", serveCmd.Flags(), "postgres-dsn")
	bindFlag("kafka_brokers", serveCmd.Flags(), "kafka-brokers")
	bindFlag("extraction_concurrency", serveCmd.Flags(), "extraction-concurrency")
	bindFlag("analysis_concurrency", serveCmd.Flags(), "analysis-concurrency")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger := buildLogger(cfg.LogLevel, serviceName)
	logger.Info("starting", slog.String("version", version.String()))

	shutdownTracer, err := telemetry.InitTracer(context.Background(), telemetry.TraceConfig{
		ServiceName:    serviceName,
		ServiceVersion: version.Version,
		Endpoint:       cfg.OTelEndpoint,
		SampleRatio:    cfg.OTelSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	var (
		checks      []telemetry.ReadyFunc
		runnerOpts  = []analyzer.RunnerOption{analyzer.WithLogger(logger)}
		serviceOpts = []analyzer.Option{analyzer.WithServiceLogger(logger)}
	)

	// ── task store ────────────────────────────────────────────────────────────
	var st store.TaskStore = store.NewMemory()
	if cfg.RedisAddr != "" {
		redisClient := redisstore.NewClient(cfg.RedisAddr)
		defer func() { _ = redisClient.Close() }()
		st = redisstore.NewTaskStore(redisClient)
		checks = append(checks, func(ctx context.Context) error { return redisClient.Ping(ctx).Err() })
		if cfg.RateLimit > 0 {
			limiter := redisstore.NewRateLimiter(redisClient, cfg.RateLimit, cfg.RateWindow)
			serviceOpts = append(serviceOpts, analyzer.WithRateLimiter(limiter))
		}
		logger.Info("task store: redis", slog.String("addr", cfg.RedisAddr))
	} else if cfg.RateLimit > 0 {
		logger.Warn("rate_limit ignored: it needs redis_addr")
	}

	// ── audit trail ───────────────────────────────────────────────────────────
	if cfg.PostgresDSN != "" {
		initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pool, err := postgres.NewPool(initCtx, cfg.PostgresDSN)
		cancel()
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()
		repo := postgres.NewRepository(pool)
		runnerOpts = append(runnerOpts, analyzer.WithAudit(repo))
		serviceOpts = append(serviceOpts, analyzer.WithHistory(repo))
		checks = append(checks, pool.Ping)
	}

	// ── task events ───────────────────────────────────────────────────────────
	brokers := cfg.Brokers()
	if len(brokers) > 0 {
		events := kafka.NewEventPublisher(kafka.NewProducer(brokers), cfg.EventsTopic)
		defer func() { _ = events.Close() }()
		runnerOpts = append(runnerOpts, analyzer.WithEvents(events))
	}

	// ── external services ─────────────────────────────────────────────────────
	iceClient, err := ice.New(ice.Config{
		AccessKeyID:     cfg.Aliyun.AccessKeyID,
		AccessKeySecret: cfg.Aliyun.AccessKeySecret,
		Region:          cfg.Aliyun.Region,
		Endpoint:        cfg.Aliyun.ICEEndpoint,
	}, logger)
	if err != nil {
		return err
	}
	ossClient, err := oss.New(oss.Config{
		Endpoint:        cfg.Aliyun.OSSEndpoint,
		AccessKeyID:     cfg.Aliyun.AccessKeyID,
		AccessKeySecret: cfg.Aliyun.AccessKeySecret,
		Bucket:          cfg.Aliyun.OSSBucket,
		URLExpiry:       cfg.Aliyun.URLExpiry,
	}, logger)
	if err != nil {
		return err
	}
	model := vlm.NewClient(vlm.Config{
		APIKey:         cfg.VLM.APIKey,
		Endpoint:       cfg.VLM.Endpoint,
		Model:          cfg.VLM.Model,
		MaxTokens:      cfg.VLM.MaxTokens,
		Temperature:    cfg.VLM.Temperature,
		TimeoutSeconds: int(cfg.VLM.Timeout / time.Second),
	}, vlm.WithLogger(logger))
	checks = append(checks, model.HealthCheck)

	// ── pipeline ──────────────────────────────────────────────────────────────
	g := gate.New(cfg.ExtractionConcurrency, cfg.AnalysisConcurrency)

	extractOpts := []extraction.Option{extraction.WithLogger(logger)}
	if cfg.ManifestEnabled {
		extractOpts = append(extractOpts, extraction.WithManifestSink(ossClient))
	}
	extractor := extraction.New(iceClient, ossClient, iceClient, extraction.Config{
		Intervals: map[domain.Level]time.Duration{
			domain.LevelLow:    cfg.IntervalLow,
			domain.LevelMedium: cfg.IntervalMedium,
			domain.LevelHigh:   cfg.IntervalHigh,
		},
		TemplateID:        cfg.Aliyun.SnapshotTemplateID,
		SmartDefaultCount: cfg.SmartDefaultCount,
		SmartMinCount:     cfg.SmartMinCount,
		SmartMaxCount:     cfg.SmartMaxCount,
		PollMaxAttempts:   cfg.PollMaxAttempts,
	}, extractOpts...)

	analyzeOpts := []analysis.Option{analysis.WithCapacity(cfg.FrameCapacity), analysis.WithLogger(logger)}
	if analysis.Synthesis(cfg.Synthesis) == analysis.SynthesisModel {
		analyzeOpts = append(analyzeOpts, analysis.WithSynthesizer(model))
	}
	an := analysis.New(model, g, analyzeOpts...)

	runnerOpts = append(runnerOpts,
		analyzer.WithMaxAttempts(cfg.MaxAttempts),
		analyzer.WithRetryDelay(cfg.RetryDelay),
		analyzer.WithTaskTimeout(cfg.TaskTimeout),
	)
	runner := analyzer.NewRunner(st, extractor, an, g, runnerOpts...)
	svc := analyzer.NewService(st, runner, g, serviceOpts...)

	// ── background jobs ───────────────────────────────────────────────────────
	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	janitor := analyzer.NewJanitor(st, analyzer.JanitorConfig{
		Schedule:          cfg.Janitor.Schedule,
		Retention:         cfg.Janitor.Retention,
		PendingTimeout:    cfg.Janitor.PendingTimeout,
		ProcessingTimeout: cfg.Janitor.ProcessingTimeout,
		MaxTasks:          cfg.Janitor.MaxTasks,
	}, logger)
	if err := janitor.Start(runCtx); err != nil {
		return err
	}

	if len(brokers) > 0 {
		consumer := kafka.NewConsumer(brokers, cfg.IntakeTopic, cfg.IntakeGroup, logger,
			kafka.WithRedeliveryBackoff(cfg.RetryDelay, cfg.RateWindow))
		defer func() { _ = consumer.Close() }()
		intake := analyzer.NewIntake(consumer, svc, logger)
		go func() {
			if err := intake.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("kafka intake stopped", slog.String("error", err.Error()))
			}
		}()
	}

	ready := allReady(checks)
	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, ready, logger)

	// ── HTTP server ───────────────────────────────────────────────────────────
	httpSrv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      handler.NewRouter(handler.NewREST(svc, ready, logger), logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		logger.Info("analyzer HTTP starting", slog.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	<-quit
	logger.Info("shutting down...")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", slog.String("error", err.Error()))
	}
	// Stop intake before draining so no new tasks arrive.
	runCancel()
	if err := svc.Shutdown(shutCtx); err != nil {
		logger.Warn("tasks still running at shutdown were cancelled", slog.String("error", err.Error()))
	}
	logger.Info("stopped")
	return nil
}

// allReady combines readiness checks; nil means always ready.
func allReady(checks []telemetry.ReadyFunc) telemetry.ReadyFunc {
	if len(checks) == 0 {
		return nil
	}
	return func(ctx context.Context) error {
		for _, check := range checks {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}
