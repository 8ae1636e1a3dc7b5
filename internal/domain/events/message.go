// Package events defines the transport neutral shapes that flow from message
// brokers into the ingestion pipeline.
package events

import (
	"context"
	"time"
)

// Source identifies which transport delivered a message.
type Source string

const (
	// SourceKafka marks messages read from the log-based broker.
	SourceKafka Source = "kafka"
	// SourceServiceBus marks messages read from the topic/subscription bus.
	SourceServiceBus Source = "servicebus"
	// SourceMemory marks messages delivered by the in-process broker.
	SourceMemory Source = "memory"
)

// Message is a single delivery received from a broker. It is immutable once
// handed to a handler; the same logical message may be delivered many times.
type Message struct {
	// Source is the transport that delivered the message.
	Source Source
	// Topic is the topic, queue, or subscription the message was read from.
	Topic string
	// Key is the partition key when the transport provides one.
	Key string
	// Body is the raw message payload.
	Body []byte
	// Headers carries transport headers and application properties.
	Headers map[string]string
	// ReceivedAt records when the adapter pulled the message.
	ReceivedAt time.Time

	Metadata Metadata
}

// Metadata captures transport coordinates useful for logging and tracing.
type Metadata struct {
	Partition     int32
	Offset        int64
	MessageID     string
	DeliveryCount uint32
}

// HandlerFunc processes one message. A nil return acknowledges the message.
// A permanent error (see Permanent) also acknowledges it. Any other error
// leaves the message with the broker for redelivery.
type HandlerFunc func(ctx context.Context, msg Message) error

// Consumer is the lifecycle every transport adapter implements.
type Consumer interface {
	// Connect establishes the broker connection.
	Connect(ctx context.Context) error
	// Subscribe registers the topic or queue to read from. It must be called
	// after Connect and before Run.
	Subscribe(source string) error
	// Run blocks, delivering messages to handler until ctx is cancelled or
	// Stop is called.
	Run(ctx context.Context, handler HandlerFunc) error
	// Stop stops receiving new messages and waits for in-flight handlers.
	Stop()
	// Disconnect releases the broker connection.
	Disconnect(ctx context.Context) error
}

// ConsumerMetrics is what transport adapters report about message handling.
type ConsumerMetrics interface {
	// IncMessageConsumed counts messages acknowledged after successful handling.
	IncMessageConsumed(ctx context.Context, topic string)
	// IncConsumeError counts handler failures that left a message for redelivery.
	IncConsumeError(ctx context.Context, topic string)
	// IncMessageDropped counts messages acknowledged despite a permanent failure.
	IncMessageDropped(ctx context.Context, topic string)
}
