package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/coursework-ingestor/internal/domain/jobresult"
	"github.com/ahrav/coursework-ingestor/internal/infra/storage"
)

var _ jobresult.AssignmentRepository = (*assignmentStore)(nil)

type assignmentStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewAssignmentStore creates a PostgreSQL-backed assignment progress repository.
func NewAssignmentStore(pool *pgxpool.Pool, tracer trace.Tracer) *assignmentStore {
	return &assignmentStore{db: pool, tracer: tracer}
}

const incrementGeneratedTypes = `
UPDATE assignments
SET generated_types = generated_types + 1, updated_at = NOW()
WHERE id = $1
RETURNING id, title, instructor_id, total_types, generated_types, status`

// IncrementGeneratedTypes adds one to generated_types in a single statement so
// concurrent replicas never lose an increment.
func (s *assignmentStore) IncrementGeneratedTypes(ctx context.Context, assignmentID uuid.UUID) (jobresult.Progress, error) {
	dbAttrs := append(
		storage.DefaultDBAttributes,
		attribute.String("assignment_id", assignmentID.String()),
	)

	var p jobresult.Progress
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.increment_generated_types", dbAttrs, func(ctx context.Context) error {
		var (
			total, generated int32
			status           string
		)
		err := s.db.QueryRow(ctx, incrementGeneratedTypes, assignmentID).Scan(
			&p.AssignmentID, &p.Title, &p.InstructorID, &total, &generated, &status,
		)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: %s", jobresult.ErrAssignmentNotFound, assignmentID)
			}
			return fmt.Errorf("increment generated types error: %w", err)
		}
		p.TotalTypes = int(total)
		p.GeneratedTypes = int(generated)
		p.Status = jobresult.AssignmentStatus(status)
		return nil
	})
	return p, err
}

// Only pre-review states may transition; the predicate makes the flip one-shot.
const markReadyForReview = `
UPDATE assignments
SET status = 'ready_for_review', updated_at = NOW()
WHERE id = $1 AND status IN ('draft', 'generating')`

// MarkReadyForReview flips status and reports whether this call did it.
func (s *assignmentStore) MarkReadyForReview(ctx context.Context, assignmentID uuid.UUID) (bool, error) {
	dbAttrs := append(
		storage.DefaultDBAttributes,
		attribute.String("assignment_id", assignmentID.String()),
	)

	var flipped bool
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.mark_ready_for_review", dbAttrs, func(ctx context.Context) error {
		tag, err := s.db.Exec(ctx, markReadyForReview, assignmentID)
		if err != nil {
			return fmt.Errorf("mark ready for review error: %w", err)
		}
		flipped = tag.RowsAffected() == 1
		trace.SpanFromContext(ctx).SetAttributes(attribute.Bool("flipped", flipped))
		return nil
	})
	return flipped, err
}
