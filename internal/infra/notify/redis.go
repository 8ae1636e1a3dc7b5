// Package notify delivers user notifications onto a Redis stream that the
// notification service reads.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/coursework-ingestor/internal/domain/jobresult"
	"github.com/ahrav/coursework-ingestor/pkg/common/logger"
)

// DefaultStream is used when no stream name is configured.
const DefaultStream = "notifications"

// streamAdder is the subset of redis.Cmdable the notifier uses.
type streamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

var _ jobresult.Notifier = (*RedisNotifier)(nil)

// RedisNotifier implements jobresult.Notifier with XADD. Delivery failures are
// logged and never returned.
type RedisNotifier struct {
	client  streamAdder
	stream  string
	timeout time.Duration
	now     func() time.Time

	logger *logger.Logger
	tracer trace.Tracer
}

// NewRedisNotifier creates a notifier writing to stream.
func NewRedisNotifier(client redis.Cmdable, stream string, log *logger.Logger, tracer trace.Tracer) *RedisNotifier {
	return newRedisNotifier(client, stream, log, tracer)
}

func newRedisNotifier(client streamAdder, stream string, log *logger.Logger, tracer trace.Tracer) *RedisNotifier {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisNotifier{
		client:  client,
		stream:  stream,
		timeout: 5 * time.Second,
		now:     time.Now,
		logger:  log.With("component", "redis_notifier", "stream", stream),
		tracer:  tracer,
	}
}

// NotifyUser appends one entry for userID to the stream.
func (r *RedisNotifier) NotifyUser(ctx context.Context, userID string, n jobresult.Notification, opts jobresult.NotifyOptions) {
	ctx, span := r.tracer.Start(ctx, "notify.user",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "redis"),
			attribute.String("messaging.destination", r.stream),
			attribute.String("notification.category", opts.Category),
		))
	defer span.End()

	values, err := entryValues(userID, n, opts, r.now())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode failed")
		r.logger.Error(ctx, "failed to encode notification", "user_id", userID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	id, err := r.client.XAdd(ctx, &redis.XAddArgs{Stream: r.stream, Values: values}).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "xadd failed")
		r.logger.Error(ctx, "failed to send notification", "user_id", userID, "title", n.Title, "error", err)
		return
	}
	span.SetStatus(codes.Ok, "notification sent")
	r.logger.Debug(ctx, "notification sent", "user_id", userID, "entry_id", id)
}

func entryValues(userID string, n jobresult.Notification, opts jobresult.NotifyOptions, at time.Time) (map[string]any, error) {
	data := []byte("{}")
	if len(n.Data) > 0 {
		var err error
		if data, err = json.Marshal(n.Data); err != nil {
			return nil, err
		}
	}
	priority := opts.Priority
	if priority == "" {
		priority = jobresult.PriorityNormal
	}
	return map[string]any{
		"user_id":    userID,
		"title":      n.Title,
		"message":    n.Message,
		"link":       n.Link,
		"data":       string(data),
		"priority":   string(priority),
		"category":   opts.Category,
		"created_at": at.UTC().Format(time.RFC3339Nano),
	}, nil
}
