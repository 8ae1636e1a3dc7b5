package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/coursework-ingestor/internal/domain/jobresult"
	"github.com/ahrav/coursework-ingestor/internal/infra/storage"
)

var _ jobresult.QuestionRepository = (*questionStore)(nil)

// questionStore persists generated questions. Uniqueness of order indexes
// and prompts is enforced by constraints so concurrent replicas cannot
// collide even when their reads interleave.
type questionStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewQuestionStore creates a PostgreSQL-backed question repository.
func NewQuestionStore(pool *pgxpool.Pool, tracer trace.Tracer) *questionStore {
	return &questionStore{db: pool, tracer: tracer}
}

func questionAttrs(assignmentID uuid.UUID, extra ...attribute.KeyValue) []attribute.KeyValue {
	attrs := append([]attribute.KeyValue{}, storage.DefaultDBAttributes...)
	attrs = append(attrs, attribute.String("assignment_id", assignmentID.String()))
	return append(attrs, extra...)
}

const maxOrderIndex = `
SELECT COALESCE(MAX(order_index), 0)
FROM questions
WHERE assignment_id = $1 AND numbering_space = $2`

// MaxOrderIndex returns the highest order index used in space, or 0.
func (s *questionStore) MaxOrderIndex(
	ctx context.Context,
	assignmentID uuid.UUID,
	space jobresult.NumberingSpace,
) (int, error) {
	attrs := questionAttrs(assignmentID, attribute.String("numbering_space", string(space)))

	var maxIdx int32
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.max_order_index", attrs, func(ctx context.Context) error {
		if err := s.db.QueryRow(ctx, maxOrderIndex, assignmentID, string(space)).Scan(&maxIdx); err != nil {
			return fmt.Errorf("max order index query error: %w", err)
		}
		return nil
	})
	return int(maxIdx), err
}

// md5 lets the planner use questions_prompt_key.
const promptExists = `
SELECT EXISTS (
    SELECT 1 FROM questions
    WHERE assignment_id = $1
      AND md5(prompt_markdown) = md5($2)
      AND prompt_markdown = $2
)`

// ExistsByPrompt reports whether an identical prompt is already stored.
func (s *questionStore) ExistsByPrompt(ctx context.Context, assignmentID uuid.UUID, prompt string) (bool, error) {
	var exists bool
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.question_prompt_exists", questionAttrs(assignmentID),
		func(ctx context.Context) error {
			if err := s.db.QueryRow(ctx, promptExists, assignmentID, prompt).Scan(&exists); err != nil {
				return fmt.Errorf("prompt exists query error: %w", err)
			}
			return nil
		})
	return exists, err
}

const orderIndexTaken = `
SELECT EXISTS (
    SELECT 1 FROM questions
    WHERE assignment_id = $1 AND numbering_space = $2 AND order_index = $3
)`

// OrderIndexTaken reports whether orderIndex is occupied in space.
func (s *questionStore) OrderIndexTaken(
	ctx context.Context,
	assignmentID uuid.UUID,
	space jobresult.NumberingSpace,
	orderIndex int,
) (bool, error) {
	attrs := questionAttrs(assignmentID,
		attribute.String("numbering_space", string(space)),
		attribute.Int("order_index", orderIndex),
	)

	var taken bool
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.order_index_taken", attrs, func(ctx context.Context) error {
		if err := s.db.QueryRow(ctx, orderIndexTaken, assignmentID, string(space), int32(orderIndex)).Scan(&taken); err != nil {
			return fmt.Errorf("order index query error: %w", err)
		}
		return nil
	})
	return taken, err
}

const insertQuestion = `
INSERT INTO questions (
    id, assignment_id, type, prompt_markdown, content_json,
    explanation, answers, points, order_index, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

// Insert stores q, translating constraint violations into domain errors.
func (s *questionStore) Insert(ctx context.Context, q *jobresult.Question) error {
	attrs := questionAttrs(q.AssignmentID,
		attribute.String("question_id", q.ID.String()),
		attribute.String("type", q.Type.StorageValue()),
		attribute.Int("order_index", q.OrderIndex),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.insert_question", attrs, func(ctx context.Context) error {
		_, err := s.db.Exec(ctx, insertQuestion,
			q.ID,
			q.AssignmentID,
			q.Type.StorageValue(),
			q.PromptMarkdown,
			nullableJSON(q.ContentJSON),
			q.Explanation,
			nullableJSON(q.Answers),
			int32(q.Points),
			int32(q.OrderIndex),
			q.CreatedAt,
		)
		if err == nil {
			return nil
		}

		if constraint, ok := uniqueViolation(err); ok {
			switch constraint {
			case orderIndexConstraint:
				return fmt.Errorf("%w: %d", jobresult.ErrOrderIndexConflict, q.OrderIndex)
			case promptConstraint:
				return jobresult.ErrDuplicateQuestion
			}
		}
		if foreignKeyViolation(err) {
			return fmt.Errorf("%w: %s", jobresult.ErrAssignmentNotFound, q.AssignmentID)
		}
		if invalidData(err) {
			return fmt.Errorf("%w: %w", jobresult.ErrInvalidQuestion, err)
		}
		return fmt.Errorf("insert question error: %w", err)
	})
}

// nullableJSON keeps empty payloads as SQL NULL rather than invalid JSON.
func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

const listQuestions = `
SELECT id, assignment_id, type, prompt_markdown, COALESCE(content_json::text, ''),
       explanation, COALESCE(answers::text, ''), points, order_index, created_at
FROM questions
WHERE assignment_id = $1
ORDER BY numbering_space, order_index`

// ListByAssignment returns every question of an assignment ordered by
// numbering space and order index.
func (s *questionStore) ListByAssignment(ctx context.Context, assignmentID uuid.UUID) ([]jobresult.Question, error) {
	var out []jobresult.Question
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_questions", questionAttrs(assignmentID),
		func(ctx context.Context) error {
			rows, err := s.db.Query(ctx, listQuestions, assignmentID)
			if err != nil {
				return fmt.Errorf("list questions query error: %w", err)
			}
			defer rows.Close()

			for rows.Next() {
				var (
					q                    jobresult.Question
					typ, content, answer string
					points, orderIdx     int32
				)
				if err := rows.Scan(
					&q.ID, &q.AssignmentID, &typ, &q.PromptMarkdown, &content,
					&q.Explanation, &answer, &points, &orderIdx, &q.CreatedAt,
				); err != nil {
					return fmt.Errorf("scan question: %w", err)
				}
				q.Type = jobresult.ParseStorageValue(typ)
				if content != "" {
					q.ContentJSON = []byte(content)
				}
				if answer != "" {
					q.Answers = []byte(answer)
				}
				q.Points = int(points)
				q.OrderIndex = int(orderIdx)
				out = append(out, q)
			}
			return rows.Err()
		})
	return out, err
}
