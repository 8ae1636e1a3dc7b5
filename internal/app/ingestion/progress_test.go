package ingestion

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/coursework-ingestor/internal/domain/jobresult"
	"github.com/ahrav/coursework-ingestor/internal/infra/storage/memory"
	"github.com/ahrav/coursework-ingestor/pkg/common/logger"
)

func newTestFinalizer(t *testing.T) (*ProgressFinalizer, *memory.Store, *mockNotifier) {
	t.Helper()
	store := memory.NewStore()
	notifier := new(mockNotifier)
	return NewProgressFinalizer(store, notifier, testTracer(), logger.Noop(), newTestMetrics(t)), store, notifier
}

func TestProgressFinalizerAdvance(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p, store, notifier := newTestFinalizer(t)
	aid := uuid.New()
	store.PutAssignment(jobresult.Progress{
		AssignmentID: aid, Title: "Loops", InstructorID: "inst-9", TotalTypes: 2, Status: jobresult.AssignmentStatusDraft,
	})

	notifier.On("NotifyUser", mock.Anything, "inst-9", mock.Anything, mock.Anything).Return().Once()

	finalized, err := p.Advance(ctx, aid)
	require.NoError(t, err)
	assert.False(t, finalized)
	notifier.AssertNotCalled(t, "NotifyUser", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	finalized, err = p.Advance(ctx, aid)
	require.NoError(t, err)
	assert.True(t, finalized)

	call := notifier.Calls[0]
	n := call.Arguments.Get(2).(jobresult.Notification)
	opts := call.Arguments.Get(3).(jobresult.NotifyOptions)
	assert.Equal(t, "Assignment ready for review", n.Title)
	assert.Contains(t, n.Message, "Loops")
	assert.Equal(t, "/instructor/assignments/"+aid.String()+"/review", n.Link)
	assert.Equal(t, jobresult.NotifyOptions{Priority: jobresult.PriorityHigh, Category: "assignment"}, opts)

	// Counter keeps moving but the flip already happened.
	finalized, err = p.Advance(ctx, aid)
	require.NoError(t, err)
	assert.False(t, finalized)

	progress, _ := store.Assignment(aid)
	assert.Equal(t, 3, progress.GeneratedTypes)
	assert.Equal(t, jobresult.AssignmentStatusReadyForReview, progress.Status)
	notifier.AssertExpectations(t)
}

func TestProgressFinalizerZeroTotalNeverFinalizes(t *testing.T) {
	t.Parallel()
	p, store, notifier := newTestFinalizer(t)
	aid := uuid.New()
	store.PutAssignment(jobresult.Progress{AssignmentID: aid, InstructorID: "inst", Status: jobresult.AssignmentStatusGenerating})

	finalized, err := p.Advance(context.Background(), aid)
	require.NoError(t, err)
	assert.False(t, finalized)
	notifier.AssertNotCalled(t, "NotifyUser", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestProgressFinalizerPublishedAssignmentIsNotReopened(t *testing.T) {
	t.Parallel()
	p, store, notifier := newTestFinalizer(t)
	aid := uuid.New()
	store.PutAssignment(jobresult.Progress{AssignmentID: aid, InstructorID: "inst", TotalTypes: 1, Status: jobresult.AssignmentStatusPublished})

	finalized, err := p.Advance(context.Background(), aid)
	require.NoError(t, err)
	assert.False(t, finalized)
	notifier.AssertNotCalled(t, "NotifyUser", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	progress, _ := store.Assignment(aid)
	assert.Equal(t, jobresult.AssignmentStatusPublished, progress.Status)
}

func TestProgressFinalizerUnknownAssignment(t *testing.T) {
	t.Parallel()
	p, _, _ := newTestFinalizer(t)
	_, err := p.Advance(context.Background(), uuid.New())
	assert.ErrorIs(t, err, jobresult.ErrAssignmentNotFound)
}
