// Package memory provides an in-process message broker that honours the same
// at-least-once contract as the real transports. Messages whose handler fails
// are requeued, so it is suitable for replaying captured results locally and
// for exercising redelivery in tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/coursework-ingestor/internal/domain/events"
	"github.com/ahrav/coursework-ingestor/pkg/common/logger"
)

var (
	errNotConnected = errors.New("memory broker not connected")
	errUnknownTopic = errors.New("topic has no subscription")
)

var _ events.Consumer = (*Broker)(nil)

// Broker queues messages per topic and delivers them one at a time.
type Broker struct {
	mu        sync.Mutex
	connected bool
	queues    map[string][]events.Message
	order     []string
	inflight  int
	wake      chan struct{}

	// RedeliveryDelay is how long a failed message waits before it is
	// delivered again.
	RedeliveryDelay time.Duration

	cancel context.CancelFunc
	done   chan struct{}

	logger *logger.Logger
}

// NewBroker creates an empty broker.
func NewBroker(log *logger.Logger) *Broker {
	return &Broker{
		queues:          make(map[string][]events.Message),
		wake:            make(chan struct{}, 1),
		RedeliveryDelay: 10 * time.Millisecond,
		logger:          log.With("component", "memory_broker"),
	}
}

// Connect marks the broker ready.
func (b *Broker) Connect(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = true
	return nil
}

// Subscribe creates the queue for topic.
func (b *Broker) Subscribe(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return errNotConnected
	}
	if _, ok := b.queues[topic]; !ok {
		b.queues[topic] = nil
		b.order = append(b.order, topic)
	}
	return nil
}

// Publish enqueues body on topic.
func (b *Broker) Publish(ctx context.Context, topic, key string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	q, ok := b.queues[topic]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", errUnknownTopic, topic)
	}
	b.queues[topic] = append(q, events.Message{
		Source:     events.SourceMemory,
		Topic:      topic,
		Key:        key,
		Body:       body,
		ReceivedAt: time.Now().UTC(),
		Metadata:   events.Metadata{MessageID: uuid.NewString()},
	})
	b.mu.Unlock()

	b.signal()
	return nil
}

// Pending returns the number of messages not yet acknowledged, including the
// one being handled.
func (b *Broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.inflight
	for _, q := range b.queues {
		n += len(q)
	}
	return n
}

// WaitIdle blocks until every published message has been acknowledged or
// ctx is done.
func (b *Broker) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for b.Pending() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Run delivers queued messages until ctx is cancelled or Stop is called.
func (b *Broker) Run(ctx context.Context, handler events.HandlerFunc) error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return errNotConnected
	}
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	done := b.done
	b.mu.Unlock()
	defer close(done)
	defer cancel()

	for {
		if ctx.Err() != nil {
			return nil
		}
		msg, ok := b.next()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-b.wake:
				continue
			}
		}

		msg.Metadata.DeliveryCount++
		err := handler(context.WithoutCancel(ctx), msg)
		switch {
		case err == nil:
			b.ack()
		case events.IsPermanent(err):
			b.ack()
			b.logger.Warn(ctx, "dropping message", "topic", msg.Topic, "message_id", msg.Metadata.MessageID, "error", err)
		default:
			b.logger.Warn(ctx, "handler failed, requeueing",
				"topic", msg.Topic, "message_id", msg.Metadata.MessageID,
				"delivery_count", msg.Metadata.DeliveryCount, "error", err)
			b.requeue(msg)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(b.RedeliveryDelay):
			}
		}
	}
}

// next pops the head of the first non-empty queue, visiting topics in
// subscription order.
func (b *Broker) next() (events.Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, topic := range b.order {
		q := b.queues[topic]
		if len(q) == 0 {
			continue
		}
		msg := q[0]
		b.queues[topic] = q[1:]
		b.inflight++
		return msg, true
	}
	return events.Message{}, false
}

func (b *Broker) ack() {
	b.mu.Lock()
	b.inflight--
	b.mu.Unlock()
}

func (b *Broker) requeue(msg events.Message) {
	b.mu.Lock()
	b.inflight--
	b.queues[msg.Topic] = append(b.queues[msg.Topic], msg)
	b.mu.Unlock()
	b.signal()
}

func (b *Broker) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Stop ends Run after the message in flight, if any, has been handled.
func (b *Broker) Stop() {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Disconnect discards queued messages.
func (b *Broker) Disconnect(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	b.queues = make(map[string][]events.Message)
	b.order = nil
	b.inflight = 0
	return nil
}
