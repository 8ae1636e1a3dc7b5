package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/coursework-ingestor/internal/domain/events"
	"github.com/ahrav/coursework-ingestor/internal/domain/jobresult"
	"github.com/ahrav/coursework-ingestor/pkg/common/logger"
)

// JobHandler applies the effects of one completed job.
type JobHandler interface {
	Handle(ctx context.Context, env jobresult.Envelope) error
}

// JobHandlerFunc adapts a function to JobHandler.
type JobHandlerFunc func(ctx context.Context, env jobresult.Envelope) error

// Handle calls f(ctx, env).
func (f JobHandlerFunc) Handle(ctx context.Context, env jobresult.Envelope) error { return f(ctx, env) }

// Router decodes raw messages and hands each envelope to the handler
// registered for its job type. Each job type has at most one handler.
//
// Typical usage:
//
//	router := ingestion.NewRouter(tracer, log, metrics)
//	router.Register(jobresult.JobTypeCompression, compressionHandler)
//	err := consumer.Run(ctx, router.HandleMessage)
type Router struct {
	mu       sync.RWMutex
	handlers map[jobresult.JobType]JobHandler

	tracer  trace.Tracer
	logger  *logger.Logger
	metrics Metrics
}

// NewRouter constructs a Router with an empty registry.
func NewRouter(tracer trace.Tracer, log *logger.Logger, metrics Metrics) *Router {
	return &Router{
		handlers: make(map[jobresult.JobType]JobHandler),
		tracer:   tracer,
		logger:   log.With("component", "job_router"),
		metrics:  metrics,
	}
}

// Register associates h with jobType, replacing any existing handler.
// It is safe to call concurrently with HandleMessage.
func (r *Router) Register(jobType jobresult.JobType, h JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = h
}

// HandleMessage satisfies events.HandlerFunc. Undecodable bodies and unknown
// job types are acknowledged so they cannot loop forever; handler errors are
// returned untouched in kind so the adapter can decide whether to redeliver.
func (r *Router) HandleMessage(ctx context.Context, msg events.Message) error {
	ctx, span := r.tracer.Start(ctx, "job_router.handle_message",
		trace.WithAttributes(
			attribute.String("source", string(msg.Source)),
			attribute.String("topic", msg.Topic),
		))
	defer span.End()

	logger := logger.NewLoggerContext(r.logger.With(
		"operation", "handle_message",
		"source", msg.Source,
		"topic", msg.Topic,
		"partition", msg.Metadata.Partition,
		"offset", msg.Metadata.Offset,
		"message_id", msg.Metadata.MessageID,
	))

	env, err := Decode(msg)
	if err != nil {
		r.metrics.IncMalformedMessages(ctx, string(msg.Source))
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed message")
		logger.Warn(ctx, "dropping malformed message", "error", err, "body_size", len(msg.Body))
		return events.Permanent(err)
	}
	logger.Add("job_id", env.JobID, "job_type", env.JobType)
	span.SetAttributes(
		attribute.String("job_id", env.JobID),
		attribute.String("job_type", string(env.JobType)),
	)

	r.mu.RLock()
	h, ok := r.handlers[env.JobType]
	r.mu.RUnlock()
	if !ok {
		r.metrics.IncUnknownJobTypes(ctx, string(env.JobType))
		span.AddEvent("unknown_job_type")
		logger.Warn(ctx, "no handler registered for job type, acknowledging")
		return nil
	}
	r.metrics.IncMessagesRouted(ctx, string(env.JobType))

	if err := h.Handle(ctx, env); err != nil {
		r.metrics.IncHandlerErrors(ctx, string(env.JobType))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if events.IsPermanent(err) {
			logger.Error(ctx, "job result dropped", "error", err)
		} else {
			logger.Error(ctx, "job result failed, leaving for redelivery", "error", err)
		}
		return fmt.Errorf("job %s (%s): %w", env.JobID, env.JobType, err)
	}

	span.SetStatus(codes.Ok, "job result applied")
	logger.Debug(ctx, "job result applied")
	return nil
}

// permanentIf marks err permanent when it matches any of targets.
func permanentIf(err error, targets ...error) error {
	for _, t := range targets {
		if errors.Is(err, t) {
			return events.Permanent(err)
		}
	}
	return err
}
