// Package servicebus consumes job results from an Azure Service Bus topic
// subscription, or a queue when no subscription is configured. Messages are
// completed only after the handler succeeds; failures are abandoned so the
// broker redelivers them.
package servicebus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/ahrav/coursework-ingestor/internal/domain/events"
	"github.com/ahrav/coursework-ingestor/pkg/common/logger"
)

// Config contains settings for the Service Bus consumer.
type Config struct {
	ConnectionString string
	// Subscription is the subscription to read on the subscribed topic.
	// Empty means the subscribed name is a queue.
	Subscription string
	// MaxConcurrent bounds the number of messages handled at once.
	MaxConcurrent int
	// ReceiveBatch is the maximum number of messages fetched per receive.
	ReceiveBatch int
	// SettleTimeout bounds complete and abandon calls.
	SettleTimeout time.Duration
	// LockRenewInterval is how often the lock of a message being handled is
	// renewed. It must be shorter than the entity's lock duration.
	LockRenewInterval time.Duration
	// RetryInitialInterval and RetryMaxInterval shape the pause after a
	// failed receive.
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
}

var (
	errNotConnected  = errors.New("service bus consumer not connected")
	errNotSubscribed = errors.New("service bus consumer has no subscription")
)

// messageReceiver is the subset of *azservicebus.Receiver the consumer uses.
type messageReceiver interface {
	ReceiveMessages(ctx context.Context, maxMessages int, options *azservicebus.ReceiveMessagesOptions) ([]*azservicebus.ReceivedMessage, error)
	CompleteMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.CompleteMessageOptions) error
	AbandonMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.AbandonMessageOptions) error
	RenewMessageLock(ctx context.Context, msg *azservicebus.ReceivedMessage, options *azservicebus.RenewMessageLockOptions) error
	Close(ctx context.Context) error
}

var _ events.Consumer = (*Consumer)(nil)

// Consumer implements events.Consumer on Azure Service Bus. Up to
// MaxConcurrent messages are handled in parallel.
type Consumer struct {
	cfg Config

	mu       sync.Mutex
	client   *azservicebus.Client
	receiver messageReceiver
	source   string
	cancel   context.CancelFunc
	done     chan struct{}

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics events.ConsumerMetrics
}

// NewConsumer creates an unconnected Consumer.
func NewConsumer(cfg Config, log *logger.Logger, tracer trace.Tracer, metrics events.ConsumerMetrics) *Consumer {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if cfg.ReceiveBatch <= 0 {
		cfg.ReceiveBatch = cfg.MaxConcurrent
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = 30 * time.Second
	}
	if cfg.LockRenewInterval <= 0 {
		cfg.LockRenewInterval = 30 * time.Second
	}
	if cfg.RetryInitialInterval <= 0 {
		cfg.RetryInitialInterval = time.Second
	}
	if cfg.RetryMaxInterval <= 0 {
		cfg.RetryMaxInterval = 30 * time.Second
	}
	return &Consumer{
		cfg:     cfg,
		logger:  log.With("component", "servicebus_consumer"),
		tracer:  tracer,
		metrics: metrics,
	}
}

// Connect creates the Service Bus client. The SDK connects lazily and
// retries transient failures itself.
func (c *Consumer) Connect(ctx context.Context) error {
	client, err := azservicebus.NewClientFromConnectionString(c.cfg.ConnectionString, nil)
	if err != nil {
		return fmt.Errorf("creating service bus client: %w", err)
	}

	c.mu.Lock()
	c.client = client
	c.mu.Unlock()

	c.logger.Info(ctx, "service bus client created")
	return nil
}

// Subscribe opens a receiver on source: the topic when a subscription is
// configured, otherwise the queue.
func (c *Consumer) Subscribe(source string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return errNotConnected
	}

	var (
		r   *azservicebus.Receiver
		err error
	)
	if c.cfg.Subscription != "" {
		r, err = c.client.NewReceiverForSubscription(source, c.cfg.Subscription, nil)
	} else {
		r, err = c.client.NewReceiverForQueue(source, nil)
	}
	if err != nil {
		return fmt.Errorf("creating receiver for %s: %w", source, err)
	}
	c.receiver = r
	c.source = source
	return nil
}

// Run receives and handles messages until ctx is cancelled or Stop is
// called, then waits for in-flight handlers.
func (c *Consumer) Run(ctx context.Context, handler events.HandlerFunc) error {
	c.mu.Lock()
	if c.receiver == nil {
		c.mu.Unlock()
		if c.client == nil {
			return errNotConnected
		}
		return errNotSubscribed
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	receiver, source, done := c.receiver, c.source, c.done
	c.mu.Unlock()
	defer close(done)
	defer cancel()

	log := c.logger.With("source", source, "subscription", c.cfg.Subscription)
	log.Info(ctx, "consuming", "max_concurrent", c.cfg.MaxConcurrent)

	sem := semaphore.NewWeighted(int64(c.cfg.MaxConcurrent))
	var wg sync.WaitGroup
	defer wg.Wait()

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = c.cfg.RetryInitialInterval
	retry.MaxInterval = c.cfg.RetryMaxInterval
	retry.MaxElapsedTime = 0
	retry.Reset()

	for ctx.Err() == nil {
		msgs, err := receiver.ReceiveMessages(ctx, c.cfg.ReceiveBatch, nil)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			wait := retry.NextBackOff()
			log.Error(ctx, "receive failed", "error", err, "retry_in", wait)
			select {
			case <-ctx.Done():
			case <-time.After(wait):
			}
			continue
		}
		retry.Reset()

		for i, msg := range msgs {
			if err := sem.Acquire(ctx, 1); err != nil {
				// Shutting down: hand the unstarted messages back.
				for _, rest := range msgs[i:] {
					c.settle(ctx, receiver, rest, false, log)
				}
				break
			}
			wg.Add(1)
			go func(msg *azservicebus.ReceivedMessage) {
				defer wg.Done()
				defer sem.Release(1)
				c.process(ctx, receiver, source, msg, handler, log)
			}(msg)
		}
	}
	return nil
}

func (c *Consumer) process(
	ctx context.Context,
	receiver messageReceiver,
	source string,
	msg *azservicebus.ReceivedMessage,
	handler events.HandlerFunc,
	log *logger.Logger,
) {
	m := toMessage(source, msg)
	msgCtx, span := c.tracer.Start(ctx, "servicebus.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "servicebus"),
			attribute.String("messaging.destination", source),
			attribute.String("messaging.message_id", msg.MessageID),
			attribute.Int("messaging.delivery_count", int(msg.DeliveryCount)),
		))
	defer span.End()

	stopRenew := c.keepLock(msgCtx, receiver, msg, log)
	err := handler(context.WithoutCancel(msgCtx), m)
	stopRenew()
	switch {
	case err == nil:
		c.metrics.IncMessageConsumed(msgCtx, source)
		span.SetStatus(codes.Ok, "message handled")
		c.settle(msgCtx, receiver, msg, true, log)
	case events.IsPermanent(err):
		c.metrics.IncMessageDropped(msgCtx, source)
		span.SetAttributes(attribute.Bool("dropped", true))
		log.Warn(msgCtx, "completing message that cannot be processed",
			"message_id", msg.MessageID, "error", err)
		c.settle(msgCtx, receiver, msg, true, log)
	default:
		c.metrics.IncConsumeError(msgCtx, source)
		span.RecordError(err)
		span.SetStatus(codes.Error, "abandoned")
		log.Warn(msgCtx, "handler failed, abandoning message",
			"message_id", msg.MessageID, "delivery_count", msg.DeliveryCount, "error", err)
		c.settle(msgCtx, receiver, msg, false, log)
	}
}

// keepLock renews msg's lock every LockRenewInterval until the returned
// function is called. Renewal continues through shutdown because the handler
// does too.
func (c *Consumer) keepLock(ctx context.Context, receiver messageReceiver, msg *azservicebus.ReceivedMessage, log *logger.Logger) func() {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(c.cfg.LockRenewInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			err := receiver.RenewMessageLock(ctx, msg, nil)
			if err == nil || ctx.Err() != nil {
				continue
			}
			var sbErr *azservicebus.Error
			if errors.As(err, &sbErr) && sbErr.Code == azservicebus.CodeLockLost {
				// Settlement will fail too and the broker redelivers.
				log.Warn(ctx, "message lock lost", "message_id", msg.MessageID)
				return
			}
			log.Warn(ctx, "failed to renew message lock", "message_id", msg.MessageID, "error", err)
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// settle completes or abandons msg. Settlement outlives shutdown so locks are
// released promptly instead of waiting to expire.
func (c *Consumer) settle(ctx context.Context, receiver messageReceiver, msg *azservicebus.ReceivedMessage, complete bool, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.SettleTimeout)
	defer cancel()

	var err error
	if complete {
		err = receiver.CompleteMessage(ctx, msg, nil)
	} else {
		err = receiver.AbandonMessage(ctx, msg, nil)
	}
	if err != nil {
		// The lock expires and the broker redelivers.
		log.Warn(ctx, "failed to settle message", "message_id", msg.MessageID, "complete", complete, "error", err)
	}
}

// Stop cancels receiving and waits for Run to return.
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

// Disconnect closes the receiver and client.
func (c *Consumer) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	receiver, client := c.receiver, c.client
	c.receiver, c.client = nil, nil
	c.mu.Unlock()

	var errs []error
	if receiver != nil {
		if err := receiver.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("closing receiver: %w", err))
		}
	}
	if client != nil {
		if err := client.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("closing client: %w", err))
		}
	}
	c.logger.Info(ctx, "disconnected from service bus")
	return errors.Join(errs...)
}

func toMessage(source string, msg *azservicebus.ReceivedMessage) events.Message {
	headers := make(map[string]string, len(msg.ApplicationProperties))
	for k, v := range msg.ApplicationProperties {
		headers[k] = fmt.Sprint(v)
	}
	received := time.Now().UTC()
	if msg.EnqueuedTime != nil {
		received = msg.EnqueuedTime.UTC()
	}
	var key string
	if msg.PartitionKey != nil {
		key = *msg.PartitionKey
	}
	return events.Message{
		Source:     events.SourceServiceBus,
		Topic:      source,
		Key:        key,
		Body:       msg.Body,
		Headers:    headers,
		ReceivedAt: received,
		Metadata: events.Metadata{
			MessageID:     msg.MessageID,
			DeliveryCount: msg.DeliveryCount,
		},
	}
}
