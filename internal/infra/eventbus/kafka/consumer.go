// Package kafka consumes job results from a Kafka consumer group. Offsets are
// committed only after the handler has finished with a message, so a crash or
// rebalance redelivers anything that was in flight.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/coursework-ingestor/internal/domain/events"
	"github.com/ahrav/coursework-ingestor/internal/infra/eventbus/kafka/tracing"
	"github.com/ahrav/coursework-ingestor/pkg/common/logger"
)

// Config contains settings for the consumer.
type Config struct {
	ClientConfig

	// ConnectTimeout bounds how long Connect keeps retrying.
	ConnectTimeout time.Duration
	// RetryInitialInterval and RetryMaxInterval shape the in-place retry of
	// a message whose handler failed and the pause before rejoining the group
	// after a failed Consume.
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	// CommitInterval is the minimum time between offset commits.
	CommitInterval time.Duration
}

var (
	errNotConnected = errors.New("kafka consumer not connected")
	errNoTopics     = errors.New("kafka consumer has no subscriptions")
)

var _ events.Consumer = (*Consumer)(nil)

// Consumer implements events.Consumer on a sarama consumer group. Messages in
// one partition are handled strictly in order: a message whose handler keeps
// failing is retried in place and blocks its partition until it succeeds or
// the consumer stops, at which point it stays uncommitted.
type Consumer struct {
	cfg Config

	mu     sync.Mutex
	client sarama.Client
	group  sarama.ConsumerGroup
	topics []string
	cancel context.CancelFunc
	done   chan struct{}

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics events.ConsumerMetrics
}

// NewConsumer creates an unconnected Consumer.
func NewConsumer(cfg Config, log *logger.Logger, tracer trace.Tracer, metrics events.ConsumerMetrics) *Consumer {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Minute
	}
	if cfg.RetryInitialInterval <= 0 {
		cfg.RetryInitialInterval = 500 * time.Millisecond
	}
	if cfg.RetryMaxInterval <= 0 {
		cfg.RetryMaxInterval = 30 * time.Second
	}
	if cfg.CommitInterval <= 0 {
		cfg.CommitInterval = time.Second
	}
	return &Consumer{
		cfg:     cfg,
		logger:  log.With("component", "kafka_consumer", "group_id", cfg.GroupID),
		tracer:  tracer,
		metrics: metrics,
	}
}

// Connect joins the consumer group.
func (c *Consumer) Connect(ctx context.Context) error {
	client, group, err := connectGroup(&c.cfg.ClientConfig, c.cfg.ConnectTimeout)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.client, c.group = client, group
	c.mu.Unlock()

	c.logger.Info(ctx, "connected to kafka", "brokers", c.cfg.Brokers)
	return nil
}

// Subscribe adds a topic to consume.
func (c *Consumer) Subscribe(topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.group == nil {
		return errNotConnected
	}
	if topic == "" {
		return errors.New("kafka topic must not be empty")
	}
	c.topics = append(c.topics, topic)
	return nil
}

// Run consumes until ctx is cancelled or Stop is called. Rebalances end a
// Consume call; the loop rejoins the group.
func (c *Consumer) Run(ctx context.Context, handler events.HandlerFunc) error {
	c.mu.Lock()
	if c.group == nil {
		c.mu.Unlock()
		return errNotConnected
	}
	if len(c.topics) == 0 {
		c.mu.Unlock()
		return errNoTopics
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	group, topics, done := c.group, append([]string(nil), c.topics...), c.done
	c.mu.Unlock()
	defer close(done)
	defer cancel()

	go c.logGroupErrors(ctx, group)

	h := &claimHandler{
		handler:        handler,
		retryInitial:   c.cfg.RetryInitialInterval,
		retryMax:       c.cfg.RetryMaxInterval,
		commitInterval: c.cfg.CommitInterval,
		logger:         c.logger,
		tracer:         c.tracer,
		metrics:        c.metrics,
	}

	rejoin := backoff.NewExponentialBackOff()
	rejoin.InitialInterval = c.cfg.RetryInitialInterval
	rejoin.MaxInterval = c.cfg.RetryMaxInterval
	rejoin.MaxElapsedTime = 0
	rejoin.Reset()

	c.logger.Info(ctx, "consuming", "topics", topics)
	for {
		err := group.Consume(ctx, topics, h)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			rejoin.Reset()
			continue
		}
		if errors.Is(err, sarama.ErrClosedConsumerGroup) {
			return nil
		}
		wait := rejoin.NextBackOff()
		c.logger.Error(ctx, "error from consumer group", "error", err, "retry_in", wait)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (c *Consumer) logGroupErrors(ctx context.Context, group sarama.ConsumerGroup) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-group.Errors():
			if !ok {
				return
			}
			c.logger.Warn(ctx, "consumer group error", "error", err)
		}
	}
}

// Stop cancels consumption and waits for Run to return. Handlers already in
// progress run to completion first.
func (c *Consumer) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Disconnect leaves the group and closes the client.
func (c *Consumer) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	group, client := c.group, c.client
	c.group, c.client = nil, nil
	c.mu.Unlock()

	var errs []error
	if group != nil {
		if err := group.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing consumer group: %w", err))
		}
	}
	if client != nil && !client.Closed() {
		if err := client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing client: %w", err))
		}
	}
	c.logger.Info(ctx, "disconnected from kafka")
	return errors.Join(errs...)
}

// claimHandler implements sarama.ConsumerGroupHandler.
type claimHandler struct {
	handler        events.HandlerFunc
	retryInitial   time.Duration
	retryMax       time.Duration
	commitInterval time.Duration

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics events.ConsumerMetrics
}

func (h *claimHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(sess.Context(), "consumer group session setup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

func (h *claimHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(sess.Context(), "consumer group session cleanup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

// ConsumeClaim handles one partition's messages in order.
func (h *claimHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	log := h.logger.With("topic", claim.Topic(), "partition", claim.Partition())
	log.Info(ctx, "starting to consume partition", "initial_offset", claim.InitialOffset())

	lastCommit := time.Now()
	defer sess.Commit()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if !h.process(sess, msg, log) {
				// Stopped while retrying; the message stays unmarked.
				return nil
			}
			if time.Since(lastCommit) >= h.commitInterval {
				sess.Commit()
				lastCommit = time.Now()
			}
		}
	}
}

// process delivers msg to the handler, retrying transient failures until the
// session ends. It reports whether msg was marked.
func (h *claimHandler) process(sess sarama.ConsumerGroupSession, msg *sarama.ConsumerMessage, log *logger.Logger) bool {
	msgCtx := tracing.ExtractTraceContext(sess.Context(), msg)
	msgCtx, span := tracing.StartConsumerSpan(msgCtx, msg, h.tracer)
	defer span.End()

	m := toMessage(msg)
	// Handlers are not interrupted mid-flight by shutdown.
	handlerCtx := context.WithoutCancel(msgCtx)

	var permanentErr error
	attempt := 0
	operation := func() error {
		attempt++
		err := h.handler(handlerCtx, m)
		switch {
		case err == nil:
			return nil
		case events.IsPermanent(err):
			permanentErr = err
			return nil
		default:
			h.metrics.IncConsumeError(msgCtx, msg.Topic)
			span.RecordError(err)
			return err
		}
	}
	notify := func(err error, wait time.Duration) {
		log.Warn(msgCtx, "handler failed, retrying message",
			"offset", msg.Offset, "attempt", attempt, "retry_in", wait, "error", err)
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = h.retryInitial
	expBackoff.MaxInterval = h.retryMax
	expBackoff.MaxElapsedTime = 0

	if err := backoff.RetryNotify(operation, backoff.WithContext(expBackoff, sess.Context()), notify); err != nil {
		span.SetStatus(codes.Error, "left for redelivery")
		log.Warn(msgCtx, "consumer stopping, message left uncommitted", "offset", msg.Offset, "error", err)
		return false
	}

	if permanentErr != nil {
		h.metrics.IncMessageDropped(msgCtx, msg.Topic)
		span.SetAttributes(attribute.Bool("dropped", true))
		log.Warn(msgCtx, "acknowledging message that cannot be processed",
			"offset", msg.Offset, "error", permanentErr)
	} else {
		h.metrics.IncMessageConsumed(msgCtx, msg.Topic)
		span.SetStatus(codes.Ok, "message handled")
	}
	sess.MarkMessage(msg, "")
	return true
}

func toMessage(msg *sarama.ConsumerMessage) events.Message {
	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		if h != nil {
			headers[string(h.Key)] = string(h.Value)
		}
	}
	return events.Message{
		Source:     events.SourceKafka,
		Topic:      msg.Topic,
		Key:        string(msg.Key),
		Body:       msg.Value,
		Headers:    headers,
		ReceivedAt: time.Now().UTC(),
		Metadata: events.Metadata{
			Partition: msg.Partition,
			Offset:    msg.Offset,
		},
	}
}
