package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/coursework-ingestor/internal/domain/events"
	"github.com/ahrav/coursework-ingestor/pkg/common/logger"
)

func newConnectedBroker(t *testing.T, topics ...string) *Broker {
	t.Helper()
	b := NewBroker(logger.Noop())
	b.RedeliveryDelay = time.Millisecond
	require.NoError(t, b.Connect(context.Background()))
	for _, topic := range topics {
		require.NoError(t, b.Subscribe(topic))
	}
	return b
}

func runBroker(t *testing.T, b *Broker, handler events.HandlerFunc) {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- b.Run(context.Background(), handler) }()
	t.Cleanup(func() {
		b.Stop()
		assert.NoError(t, <-errCh)
	})
}

func TestBrokerDeliversInOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := newConnectedBroker(t, "job-results")

	var (
		mu  sync.Mutex
		got []string
	)
	runBroker(t, b, func(_ context.Context, m events.Message) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, string(m.Body))
		assert.Equal(t, events.SourceMemory, m.Source)
		assert.NotEmpty(t, m.Metadata.MessageID)
		return nil
	})

	for _, body := range []string{"a", "b", "c"} {
		require.NoError(t, b.Publish(ctx, "job-results", "", []byte(body)))
	}

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, b.WaitIdle(waitCtx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestBrokerRedeliversOnFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := newConnectedBroker(t, "job-results")

	var (
		mu     sync.Mutex
		counts []uint32
	)
	runBroker(t, b, func(_ context.Context, m events.Message) error {
		mu.Lock()
		defer mu.Unlock()
		counts = append(counts, m.Metadata.DeliveryCount)
		if m.Metadata.DeliveryCount < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, b.Publish(ctx, "job-results", "k", []byte("x")))

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, b.WaitIdle(waitCtx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []uint32{1, 2, 3}, counts)
}

func TestBrokerDropsPermanentFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := newConnectedBroker(t, "job-results")

	var (
		mu    sync.Mutex
		calls int
	)
	runBroker(t, b, func(context.Context, events.Message) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return events.Permanent(errors.New("poison"))
	})
	require.NoError(t, b.Publish(ctx, "job-results", "", []byte("{")))

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, b.WaitIdle(waitCtx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
	assert.Zero(t, b.Pending())
}

func TestBrokerLifecycleErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := NewBroker(logger.Noop())

	assert.ErrorIs(t, b.Subscribe("t"), errNotConnected)
	assert.ErrorIs(t, b.Run(ctx, func(context.Context, events.Message) error { return nil }), errNotConnected)

	require.NoError(t, b.Connect(ctx))
	assert.ErrorIs(t, b.Publish(ctx, "missing", "", nil), errUnknownTopic)

	require.NoError(t, b.Subscribe("t"))
	require.NoError(t, b.Publish(ctx, "t", "", []byte("queued")))
	assert.Equal(t, 1, b.Pending())
	require.NoError(t, b.Disconnect(ctx))
	assert.Zero(t, b.Pending())

	b.Stop()
}
