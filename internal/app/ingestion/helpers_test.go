package ingestion

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/coursework-ingestor/internal/domain/events"
	"github.com/ahrav/coursework-ingestor/internal/domain/jobresult"
	"github.com/ahrav/coursework-ingestor/internal/infra/storage/memory"
	"github.com/ahrav/coursework-ingestor/pkg/common/logger"
)

func testTracer() trace.Tracer { return noop.NewTracerProvider().Tracer("test") }

func newTestMetrics(t *testing.T) Metrics {
	t.Helper()
	m, err := NewMetrics(metricnoop.NewMeterProvider())
	require.NoError(t, err)
	return m
}

type mockNotifier struct{ mock.Mock }

func (m *mockNotifier) NotifyUser(ctx context.Context, userID string, n jobresult.Notification, opts jobresult.NotifyOptions) {
	m.Called(ctx, userID, n, opts)
}

// ingestFixture wires a QuestionIngestor and ProgressFinalizer to an
// in-memory store.
type ingestFixture struct {
	store    *memory.Store
	notifier *mockNotifier
	ingestor *QuestionIngestor
}

func newIngestFixture(t *testing.T, cfg QuestionIngestorConfig) *ingestFixture {
	t.Helper()
	store := memory.NewStore()
	notifier := new(mockNotifier)
	metrics := newTestMetrics(t)
	finalizer := NewProgressFinalizer(store, notifier, testTracer(), logger.Noop(), metrics)
	return &ingestFixture{
		store:    store,
		notifier: notifier,
		ingestor: NewQuestionIngestor(store, finalizer, cfg, testTracer(), logger.Noop(), metrics),
	}
}

func (f *ingestFixture) seedAssignment(totalTypes int) uuid.UUID {
	id := uuid.New()
	f.store.PutAssignment(jobresult.Progress{
		AssignmentID: id,
		Title:        "Week 3 quiz",
		InstructorID: "instructor-1",
		TotalTypes:   totalTypes,
		Status:       jobresult.AssignmentStatusGenerating,
	})
	return id
}

func questionEnvelope(t *testing.T, assignmentID uuid.UUID, questions ...map[string]any) jobresult.Envelope {
	t.Helper()
	payload, err := json.Marshal(map[string]any{"questions": questions})
	require.NoError(t, err)
	return jobresult.Envelope{
		JobID:        "gen-" + assignmentID.String(),
		JobType:      jobresult.JobTypeQuestionGeneration,
		Payload:      payload,
		AssignmentID: assignmentID.String(),
		Source:       events.SourceServiceBus,
	}
}

func q(prompt, typ string) map[string]any {
	return map[string]any{"prompt_markdown": prompt, "type": typ}
}

func qAt(prompt, typ string, orderIndex int) map[string]any {
	return map[string]any{"prompt_markdown": prompt, "type": typ, "order_index": orderIndex}
}
