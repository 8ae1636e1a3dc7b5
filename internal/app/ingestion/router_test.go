package ingestion

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/coursework-ingestor/internal/domain/events"
	"github.com/ahrav/coursework-ingestor/internal/domain/jobresult"
	"github.com/ahrav/coursework-ingestor/pkg/common/logger"
)

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	return NewRouter(testTracer(), logger.Noop(), newTestMetrics(t))
}

func TestRouterDispatchesByJobType(t *testing.T) {
	t.Parallel()
	r := newTestRouter(t)

	var got []jobresult.Envelope
	record := JobHandlerFunc(func(_ context.Context, env jobresult.Envelope) error {
		got = append(got, env)
		return nil
	})
	r.Register(jobresult.JobTypeCompression, record)
	r.Register(jobresult.JobTypeTranscription, JobHandlerFunc(func(context.Context, jobresult.Envelope) error {
		t.Fatal("transcription handler must not be called")
		return nil
	}))

	err := r.HandleMessage(context.Background(), events.Message{
		Source: events.SourceServiceBus,
		Body:   []byte(`{"jobId": "j1", "job_type": "compression", "payload": {}}`),
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "j1", got[0].JobID)
	assert.Equal(t, events.SourceServiceBus, got[0].Source)
}

func TestRouterUnknownJobTypeIsAcknowledged(t *testing.T) {
	t.Parallel()
	r := newTestRouter(t)
	err := r.HandleMessage(context.Background(), events.Message{Body: []byte(`{"jobId": "j", "job_type": "thumbnail"}`)})
	assert.NoError(t, err)
}

func TestRouterMalformedMessageIsPermanent(t *testing.T) {
	t.Parallel()
	r := newTestRouter(t)
	err := r.HandleMessage(context.Background(), events.Message{Body: []byte(`{not json`)})
	require.Error(t, err)
	assert.True(t, events.IsPermanent(err))
	assert.ErrorIs(t, err, jobresult.ErrMalformedEnvelope)
}

func TestRouterPreservesHandlerErrorKind(t *testing.T) {
	t.Parallel()
	r := newTestRouter(t)
	transient := errors.New("db down")
	r.Register(jobresult.JobTypeCompression, JobHandlerFunc(func(context.Context, jobresult.Envelope) error {
		return transient
	}))
	r.Register(jobresult.JobTypeTranscription, JobHandlerFunc(func(context.Context, jobresult.Envelope) error {
		return events.Permanent(jobresult.ErrVideoNotFound)
	}))

	err := r.HandleMessage(context.Background(), events.Message{Body: []byte(`{"jobId": "a", "job_type": "compression"}`)})
	assert.ErrorIs(t, err, transient)
	assert.False(t, events.IsPermanent(err))

	err = r.HandleMessage(context.Background(), events.Message{Body: []byte(`{"jobId": "b", "job_type": "transcription"}`)})
	assert.ErrorIs(t, err, jobresult.ErrVideoNotFound)
	assert.True(t, events.IsPermanent(err))
}
