package ingestion

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ahrav/coursework-ingestor/internal/domain/events"
)

// Metrics defines the metrics operations the ingestion pipeline records.
type Metrics interface {
	// Transport adapter metrics.
	events.ConsumerMetrics

	// Routing metrics.
	IncMessagesRouted(ctx context.Context, jobType string)
	IncMalformedMessages(ctx context.Context, source string)
	IncUnknownJobTypes(ctx context.Context, jobType string)
	IncHandlerErrors(ctx context.Context, jobType string)

	// Question ingestion metrics.
	AddQuestionsInserted(ctx context.Context, n int)
	AddQuestionsSkipped(ctx context.Context, n int)
	AddQuestionsFailed(ctx context.Context, n int)
	IncAssignmentsFinalized(ctx context.Context)
}

// ingestionMetrics implements Metrics on an OpenTelemetry meter.
type ingestionMetrics struct {
	// Transport metrics.
	messagesConsumed metric.Int64Counter
	consumeErrors    metric.Int64Counter
	messagesDropped  metric.Int64Counter

	// Routing metrics.
	messagesRouted    metric.Int64Counter
	malformedMessages metric.Int64Counter
	unknownJobTypes   metric.Int64Counter
	handlerErrors     metric.Int64Counter

	// Question metrics.
	questionsInserted    metric.Int64Counter
	questionsSkipped     metric.Int64Counter
	questionsFailed      metric.Int64Counter
	assignmentsFinalized metric.Int64Counter
}

const namespace = "ingestor"

// NewMetrics creates the ingestion metrics instruments.
func NewMetrics(mp metric.MeterProvider) (*ingestionMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(ingestionMetrics)
	var err error

	if m.messagesConsumed, err = meter.Int64Counter(
		"messages_consumed_total",
		metric.WithDescription("Total number of messages acknowledged after successful handling"),
	); err != nil {
		return nil, err
	}

	if m.consumeErrors, err = meter.Int64Counter(
		"consume_errors_total",
		metric.WithDescription("Total number of handler failures left for redelivery"),
	); err != nil {
		return nil, err
	}

	if m.messagesDropped, err = meter.Int64Counter(
		"messages_dropped_total",
		metric.WithDescription("Total number of messages acknowledged despite a permanent failure"),
	); err != nil {
		return nil, err
	}

	if m.messagesRouted, err = meter.Int64Counter(
		"messages_routed_total",
		metric.WithDescription("Total number of envelopes routed to a job handler"),
	); err != nil {
		return nil, err
	}

	if m.malformedMessages, err = meter.Int64Counter(
		"malformed_messages_total",
		metric.WithDescription("Total number of message bodies that failed to decode"),
	); err != nil {
		return nil, err
	}

	if m.unknownJobTypes, err = meter.Int64Counter(
		"unknown_job_types_total",
		metric.WithDescription("Total number of envelopes with no registered handler"),
	); err != nil {
		return nil, err
	}

	if m.handlerErrors, err = meter.Int64Counter(
		"handler_errors_total",
		metric.WithDescription("Total number of job handler failures"),
	); err != nil {
		return nil, err
	}

	if m.questionsInserted, err = meter.Int64Counter(
		"questions_inserted_total",
		metric.WithDescription("Total number of generated questions persisted"),
	); err != nil {
		return nil, err
	}

	if m.questionsSkipped, err = meter.Int64Counter(
		"questions_skipped_total",
		metric.WithDescription("Total number of generated questions skipped as empty or duplicate"),
	); err != nil {
		return nil, err
	}

	if m.questionsFailed, err = meter.Int64Counter(
		"questions_failed_total",
		metric.WithDescription("Total number of generated questions that failed to insert"),
	); err != nil {
		return nil, err
	}

	if m.assignmentsFinalized, err = meter.Int64Counter(
		"assignments_finalized_total",
		metric.WithDescription("Total number of assignments moved to ready for review"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *ingestionMetrics) IncMessageConsumed(ctx context.Context, topic string) {
	m.messagesConsumed.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *ingestionMetrics) IncConsumeError(ctx context.Context, topic string) {
	m.consumeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *ingestionMetrics) IncMessageDropped(ctx context.Context, topic string) {
	m.messagesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *ingestionMetrics) IncMessagesRouted(ctx context.Context, jobType string) {
	m.messagesRouted.Add(ctx, 1, metric.WithAttributes(attribute.String("job_type", jobType)))
}

func (m *ingestionMetrics) IncMalformedMessages(ctx context.Context, source string) {
	m.malformedMessages.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

func (m *ingestionMetrics) IncUnknownJobTypes(ctx context.Context, jobType string) {
	m.unknownJobTypes.Add(ctx, 1, metric.WithAttributes(attribute.String("job_type", jobType)))
}

func (m *ingestionMetrics) IncHandlerErrors(ctx context.Context, jobType string) {
	m.handlerErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("job_type", jobType)))
}

func (m *ingestionMetrics) AddQuestionsInserted(ctx context.Context, n int) {
	m.questionsInserted.Add(ctx, int64(n))
}

func (m *ingestionMetrics) AddQuestionsSkipped(ctx context.Context, n int) {
	m.questionsSkipped.Add(ctx, int64(n))
}

func (m *ingestionMetrics) AddQuestionsFailed(ctx context.Context, n int) {
	m.questionsFailed.Add(ctx, int64(n))
}

func (m *ingestionMetrics) IncAssignmentsFinalized(ctx context.Context) {
	m.assignmentsFinalized.Add(ctx, 1)
}
