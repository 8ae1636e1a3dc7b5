// Package tracing carries trace context across Kafka message headers.
package tracing

import (
	"context"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// StartConsumerSpan creates a new span for handling a consumed message.
func StartConsumerSpan(ctx context.Context, msg *sarama.ConsumerMessage, tracer trace.Tracer) (context.Context, trace.Span) {
	return tracer.Start(ctx, "kafka.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", msg.Topic),
			attribute.String("messaging.operation", "receive"),
			attribute.Int("messaging.kafka.partition", int(msg.Partition)),
			attribute.Int64("messaging.kafka.offset", msg.Offset),
		),
	)
}

// MessageCarrier implements propagation.TextMapCarrier over record headers.
type MessageCarrier struct {
	Headers []sarama.RecordHeader
}

func (mc *MessageCarrier) Get(key string) string {
	for _, h := range mc.Headers {
		if string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func (mc *MessageCarrier) Set(key, value string) {
	mc.Headers = append(mc.Headers, sarama.RecordHeader{Key: []byte(key), Value: []byte(value)})
}

func (mc *MessageCarrier) Keys() []string {
	out := make([]string, len(mc.Headers))
	for i, h := range mc.Headers {
		out[i] = string(h.Key)
	}
	return out
}

// ExtractTraceContext returns ctx carrying the producer's span context, if
// the message has one.
func ExtractTraceContext(ctx context.Context, msg *sarama.ConsumerMessage) context.Context {
	carrier := &MessageCarrier{}
	for _, h := range msg.Headers {
		if h != nil {
			carrier.Headers = append(carrier.Headers, *h)
		}
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
