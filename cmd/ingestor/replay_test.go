package main

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"

	"github.com/ahrav/coursework-ingestor/internal/app/ingestion"
	"github.com/ahrav/coursework-ingestor/internal/domain/jobresult"
	"github.com/ahrav/coursework-ingestor/internal/infra/storage"
	"github.com/ahrav/coursework-ingestor/internal/infra/storage/memory"
	"github.com/ahrav/coursework-ingestor/pkg/common/logger"
)

func newReplayApp(t *testing.T, store *memory.Store) *app {
	t.Helper()
	metrics, err := ingestion.NewMetrics(metricnoop.NewMeterProvider())
	require.NoError(t, err)

	tracer := storage.NoOpTracer()
	router := ingestion.NewRouter(tracer, logger.Noop(), metrics)
	router.Register(jobresult.JobTypeCompression, ingestion.NewCompressionHandler(store, tracer, logger.Noop()))
	return &app{log: logger.Noop(), tracer: tracer, metrics: metrics, router: router}
}

func TestReplayAppliesEnvelopes(t *testing.T) {
	t.Parallel()
	store := memory.NewStore()
	store.PutVideo("v1")
	store.PutVideo("v2")
	a := newReplayApp(t, store)

	input := strings.Join([]string{
		`{"jobId": "j1", "job_type": "compression", "payload": {"video_id": "v1", "compressed_video_url": "https://cdn/v1.mp4"}}`,
		``,
		`{"jobId": "j2", "job_type": "compression", "payload": {"videoId": "v2", "cloudUrl": "https://cdn/v2.mp4"}}`,
		`not json`,
		`{"jobId": "j3", "job_type": "compression", "payload": {"video_id": "missing", "compressed_video_url": "https://cdn/m.mp4"}}`,
	}, "\n")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.replay(ctx, strings.NewReader(input)))

	v1, ok := store.Video("v1")
	require.True(t, ok)
	assert.Equal(t, "https://cdn/v1.mp4", v1.CompressedVideoURL)
	v2, ok := store.Video("v2")
	require.True(t, ok)
	assert.Equal(t, "https://cdn/v2.mp4", v2.CompressedVideoURL)
}

type nopNotifier struct{}

func (nopNotifier) NotifyUser(context.Context, string, jobresult.Notification, jobresult.NotifyOptions) {
}

func TestReplayAcksRedeliveredBatchWithRejectedQuestion(t *testing.T) {
	t.Parallel()
	store := memory.NewStore()
	aid := uuid.New()
	store.PutAssignment(jobresult.Progress{AssignmentID: aid, InstructorID: "instructor-1", TotalTypes: 3, Status: jobresult.AssignmentStatusGenerating})
	a := newReplayApp(t, store)
	finalizer := ingestion.NewProgressFinalizer(store, nopNotifier{}, a.tracer, logger.Noop(), a.metrics)
	a.router.Register(jobresult.JobTypeQuestionGeneration,
		ingestion.NewQuestionIngestor(store, finalizer, ingestion.DefaultQuestionIngestorConfig(), a.tracer, logger.Noop(), a.metrics))

	line := `{"jobId": "gen-1", "job_type": "question_generation", "assignment_id": "` + aid.String() +
		`", "payload": {"questions": [{"prompt_markdown": "A", "type": "MCQ"}, {"prompt_markdown": "bad\u0000", "type": "MCQ"}]}}`

	for range 2 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		require.NoError(t, a.replay(ctx, strings.NewReader(line)))
		cancel()
	}

	p, ok := store.Assignment(aid)
	require.True(t, ok)
	assert.Equal(t, 1, p.GeneratedTypes)
}

type recordingPublisher struct{ bodies []string }

func (p *recordingPublisher) Publish(_ context.Context, topic, _ string, body []byte) error {
	p.bodies = append(p.bodies, topic+":"+string(body))
	return nil
}

func TestPublishLinesSkipsBlankLines(t *testing.T) {
	t.Parallel()
	p := new(recordingPublisher)
	n, err := publishLines(context.Background(), p, strings.NewReader("a\n\n  \r\nb\n"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"replay:a", "replay:b"}, p.bodies)
}
