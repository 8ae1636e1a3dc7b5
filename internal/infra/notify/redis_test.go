package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/coursework-ingestor/internal/domain/jobresult"
	"github.com/ahrav/coursework-ingestor/pkg/common/logger"
)

type fakeStream struct {
	args []*redis.XAddArgs
	err  error
}

func (f *fakeStream) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.args = append(f.args, a)
	cmd := redis.NewStringCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
	} else {
		cmd.SetVal("1-0")
	}
	return cmd
}

func newTestNotifier(stream *fakeStream, name string) *RedisNotifier {
	n := newRedisNotifier(stream, name, logger.Noop(), noop.NewTracerProvider().Tracer("test"))
	n.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	return n
}

func TestRedisNotifierWritesEntry(t *testing.T) {
	t.Parallel()
	stream := new(fakeStream)
	n := newTestNotifier(stream, "")

	n.NotifyUser(context.Background(), "instructor-1", jobresult.Notification{
		Title:   "Assignment ready for review",
		Message: "Week 3 quiz is ready",
		Link:    "/instructor/assignments/a1/review",
		Data:    map[string]string{"assignment_id": "a1"},
	}, jobresult.NotifyOptions{Priority: jobresult.PriorityHigh, Category: "assignment"})

	require.Len(t, stream.args, 1)
	got := stream.args[0]
	assert.Equal(t, DefaultStream, got.Stream)
	values, ok := got.Values.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "instructor-1", values["user_id"])
	assert.Equal(t, "high", values["priority"])
	assert.Equal(t, "assignment", values["category"])
	assert.Equal(t, `{"assignment_id":"a1"}`, values["data"])
	assert.Equal(t, "2024-03-01T12:00:00Z", values["created_at"])
}

func TestRedisNotifierDefaultsPriority(t *testing.T) {
	t.Parallel()
	stream := new(fakeStream)
	n := newTestNotifier(stream, "alerts")

	n.NotifyUser(context.Background(), "u", jobresult.Notification{Title: "t"}, jobresult.NotifyOptions{})

	require.Len(t, stream.args, 1)
	assert.Equal(t, "alerts", stream.args[0].Stream)
	values := stream.args[0].Values.(map[string]any)
	assert.Equal(t, "normal", values["priority"])
	assert.Equal(t, "{}", values["data"])
}

func TestRedisNotifierSwallowsErrors(t *testing.T) {
	t.Parallel()
	stream := &fakeStream{err: errors.New("connection refused")}
	n := newTestNotifier(stream, "")

	assert.NotPanics(t, func() {
		n.NotifyUser(context.Background(), "u", jobresult.Notification{Title: "t"}, jobresult.NotifyOptions{})
	})
	assert.Len(t, stream.args, 1)
}
