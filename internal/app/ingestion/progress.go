package ingestion

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/coursework-ingestor/internal/domain/jobresult"
	"github.com/ahrav/coursework-ingestor/pkg/common/logger"
)

const (
	notificationCategory = "assignment"
	reviewLinkFormat     = "/instructor/assignments/%s/review"
)

// ProgressFinalizer advances an assignment's generation counter and, when the
// counter reaches the expected total, moves the assignment to review and
// tells its instructor. The status flip is conditional in the store, so only
// one caller ever observes flipped == true.
type ProgressFinalizer struct {
	assignments jobresult.AssignmentRepository
	notifier    jobresult.Notifier

	tracer  trace.Tracer
	logger  *logger.Logger
	metrics Metrics
}

// NewProgressFinalizer constructs a ProgressFinalizer.
func NewProgressFinalizer(
	assignments jobresult.AssignmentRepository,
	notifier jobresult.Notifier,
	tracer trace.Tracer,
	log *logger.Logger,
	metrics Metrics,
) *ProgressFinalizer {
	return &ProgressFinalizer{
		assignments: assignments,
		notifier:    notifier,
		tracer:      tracer,
		logger:      log.With("component", "progress_finalizer"),
		metrics:     metrics,
	}
}

// Advance records one more completed generation result for assignmentID.
// It reports whether this call finalized the assignment.
func (p *ProgressFinalizer) Advance(ctx context.Context, assignmentID uuid.UUID) (bool, error) {
	ctx, span := p.tracer.Start(ctx, "progress_finalizer.advance",
		trace.WithAttributes(attribute.String("assignment_id", assignmentID.String())))
	defer span.End()

	progress, err := p.assignments.IncrementGeneratedTypes(ctx, assignmentID)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("increment generated types: %w", err)
	}
	span.SetAttributes(
		attribute.Int("generated_types", progress.GeneratedTypes),
		attribute.Int("total_types", progress.TotalTypes),
	)

	log := p.logger.With("assignment_id", assignmentID,
		"generated_types", progress.GeneratedTypes, "total_types", progress.TotalTypes)
	if !progress.Complete() {
		log.Debug(ctx, "generation progress advanced")
		return false, nil
	}

	flipped, err := p.assignments.MarkReadyForReview(ctx, assignmentID)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("mark ready for review: %w", err)
	}
	if !flipped {
		log.Debug(ctx, "assignment already finalized")
		return false, nil
	}

	p.metrics.IncAssignmentsFinalized(ctx)
	span.AddEvent("assignment_finalized")
	log.Info(ctx, "assignment ready for review")

	if progress.InstructorID == "" {
		log.Warn(ctx, "assignment has no instructor, skipping notification")
		return true, nil
	}

	title := progress.Title
	if title == "" {
		title = "Your assignment"
	}
	p.notifier.NotifyUser(ctx, progress.InstructorID, jobresult.Notification{
		Title:   "Assignment ready for review",
		Message: fmt.Sprintf("%s has finished generating and is ready for your review.", title),
		Link:    fmt.Sprintf(reviewLinkFormat, assignmentID),
		Data: map[string]string{
			"assignment_id": assignmentID.String(),
			"status":        string(jobresult.AssignmentStatusReadyForReview),
		},
	}, jobresult.NotifyOptions{Priority: jobresult.PriorityHigh, Category: notificationCategory})

	return true, nil
}
