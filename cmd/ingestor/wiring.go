package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/coursework-ingestor/internal/app/ingestion"
	"github.com/ahrav/coursework-ingestor/internal/config"
	"github.com/ahrav/coursework-ingestor/internal/domain/jobresult"
	"github.com/ahrav/coursework-ingestor/internal/infra/blob"
	"github.com/ahrav/coursework-ingestor/internal/infra/notify"
	"github.com/ahrav/coursework-ingestor/internal/infra/storage/postgres"
	"github.com/ahrav/coursework-ingestor/pkg/common"
	"github.com/ahrav/coursework-ingestor/pkg/common/logger"
	"github.com/ahrav/coursework-ingestor/pkg/common/otel"
)

// app holds the long-lived dependencies shared by the run and replay commands.
type app struct {
	cfg     *config.Config
	log     *logger.Logger
	tracer  trace.Tracer
	metrics ingestion.Metrics
	router  *ingestion.Router

	pool  *pgxpool.Pool
	redis *redis.Client

	teardown func(context.Context)
}

func newApp(ctx context.Context, cfg *config.Config, log *logger.Logger) (*app, error) {
	hostname, _ := os.Hostname()
	tp, telemetryTeardown, err := otel.InitTelemetry(log, otel.Config{
		Enabled:          cfg.Telemetry.Enabled,
		ServiceName:      cfg.Telemetry.ServiceName,
		ExporterEndpoint: cfg.Telemetry.Endpoint,
		ExcludedRoutes:   common.OpsRoutes,
		Probability:      cfg.Telemetry.SamplingRatio,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"k8s.pod.name":     os.Getenv("POD_NAME"),
			"k8s.namespace":    os.Getenv("POD_NAMESPACE"),
			"k8s.container.id": hostname,
		},
		InsecureExporter: cfg.Telemetry.Insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	tracer := tp.Tracer(cfg.Telemetry.ServiceName)

	a := &app{cfg: cfg, log: log, tracer: tracer, teardown: telemetryTeardown}

	metrics, err := ingestion.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	a.metrics = metrics

	if a.pool, err = newPool(ctx, cfg.Postgres); err != nil {
		a.Close(ctx)
		return nil, err
	}
	log.Info(ctx, "connected to postgres")

	a.redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := a.redis.Ping(ctx).Err(); err != nil {
		// Notifications are fire-and-forget; an unreachable redis only loses them.
		log.Warn(ctx, "redis unreachable at startup", "addr", cfg.Redis.Addr, "error", err)
	}

	transcripts, err := blob.NewAzureTranscriptStore(blob.Config{
		ConnectionString: cfg.Blob.ConnectionString,
		Container:        cfg.Blob.Container,
		PublicBaseURL:    cfg.Blob.PublicBaseURL,
	}, tracer)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	videos := postgres.NewVideoStore(a.pool, tracer)
	questions := postgres.NewQuestionStore(a.pool, tracer)
	assignments := postgres.NewAssignmentStore(a.pool, tracer)
	notifier := notify.NewRedisNotifier(a.redis, cfg.Redis.NotificationStream, log, tracer)

	progress := ingestion.NewProgressFinalizer(assignments, notifier, tracer, log, metrics)
	ingestor := ingestion.NewQuestionIngestor(questions, progress, ingestion.QuestionIngestorConfig{
		MaxProbeAttempts: cfg.Ingestion.MaxProbeAttempts,
		DefaultPoints:    cfg.Ingestion.DefaultPoints,
	}, tracer, log, metrics)

	a.router = ingestion.NewRouter(tracer, log, metrics)
	a.router.Register(jobresult.JobTypeTranscription, ingestion.NewTranscriptionHandler(videos, transcripts, tracer, log))
	a.router.Register(jobresult.JobTypeCompression, ingestion.NewCompressionHandler(videos, tracer, log))
	a.router.Register(jobresult.JobTypeQuestionGeneration, ingestor)

	return a, nil
}

func newPool(ctx context.Context, cfg config.PostgresConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse db config: %w", err)
	}
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}
	return pool, nil
}

// Close releases the pool and redis client, then flushes telemetry.
func (a *app) Close(ctx context.Context) {
	var errs []error
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing redis: %w", err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if err := errors.Join(errs...); err != nil {
		a.log.Error(ctx, "error releasing resources", "error", err)
	}
	if a.teardown != nil {
		a.teardown(ctx)
	}
}
