package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/coursework-ingestor/internal/domain/events"
	"github.com/ahrav/coursework-ingestor/internal/domain/jobresult"
	"github.com/ahrav/coursework-ingestor/pkg/common/logger"
)

// progressAdvancer is satisfied by ProgressFinalizer.
type progressAdvancer interface {
	Advance(ctx context.Context, assignmentID uuid.UUID) (bool, error)
}

// QuestionIngestorConfig tunes the question ingestion engine.
type QuestionIngestorConfig struct {
	// MaxProbeAttempts bounds the upward search for a free order index.
	MaxProbeAttempts int
	// DefaultPoints is used when a question declares no points.
	DefaultPoints int
}

// DefaultQuestionIngestorConfig returns production defaults.
func DefaultQuestionIngestorConfig() QuestionIngestorConfig {
	return QuestionIngestorConfig{MaxProbeAttempts: 1000, DefaultPoints: 1}
}

// QuestionIngestor persists generated questions exactly once and allocates
// their order indexes without a cross-replica lock. Every allocation decision
// re-reads the store, and the store's unique constraints catch whatever the
// re-read misses.
type QuestionIngestor struct {
	questions jobresult.QuestionRepository
	progress  progressAdvancer
	cfg       QuestionIngestorConfig
	now       func() time.Time

	tracer  trace.Tracer
	logger  *logger.Logger
	metrics Metrics
}

// NewQuestionIngestor constructs a QuestionIngestor. Non-positive config
// values fall back to the defaults.
func NewQuestionIngestor(
	questions jobresult.QuestionRepository,
	progress progressAdvancer,
	cfg QuestionIngestorConfig,
	tracer trace.Tracer,
	log *logger.Logger,
	metrics Metrics,
) *QuestionIngestor {
	def := DefaultQuestionIngestorConfig()
	if cfg.MaxProbeAttempts <= 0 {
		cfg.MaxProbeAttempts = def.MaxProbeAttempts
	}
	if cfg.DefaultPoints <= 0 {
		cfg.DefaultPoints = def.DefaultPoints
	}
	return &QuestionIngestor{
		questions: questions,
		progress:  progress,
		cfg:       cfg,
		now:       time.Now,
		tracer:    tracer,
		logger:    log.With("component", "question_ingestor"),
		metrics:   metrics,
	}
}

// Handle implements JobHandler.
func (q *QuestionIngestor) Handle(ctx context.Context, env jobresult.Envelope) error {
	_, err := q.Ingest(ctx, env)
	return err
}

// Ingest processes every question in env and returns the per-item outcomes.
//
// Structural problems (no questions, no resolvable assignment) are returned
// as permanent errors. Store read failures abort the batch with a retryable
// error; redelivery is safe because already inserted prompts are skipped.
// An individual insert failure is recorded and the batch continues.
func (q *QuestionIngestor) Ingest(ctx context.Context, env jobresult.Envelope) (*jobresult.BatchSummary, error) {
	ctx, span := q.tracer.Start(ctx, "question_ingestor.ingest",
		trace.WithAttributes(attribute.String("job_id", env.JobID)))
	defer span.End()

	logger := logger.NewLoggerContext(q.logger.With("job_id", env.JobID))

	batch, err := NormalizeQuestions(env.Payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid payload")
		return nil, events.Permanent(err)
	}

	assignmentID, err := ResolveAssignmentID(batch, env)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "assignment unresolved")
		return nil, events.Permanent(err)
	}
	logger.Add("assignment_id", assignmentID)
	span.SetAttributes(
		attribute.String("assignment_id", assignmentID.String()),
		attribute.Int("question_count", len(batch.Questions)),
	)

	alloc, err := newIndexAllocator(ctx, q.questions, assignmentID, q.cfg.MaxProbeAttempts, q.logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	summary := &jobresult.BatchSummary{AssignmentID: assignmentID}
	for pos, gq := range batch.Questions {
		outcome, err := q.ingestOne(ctx, alloc, assignmentID, pos, gq)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logger.Error(ctx, "aborting batch on store error", "position", pos, "error", err)
			return summary, err
		}
		if outcome.Status == jobresult.OutcomeFailed {
			logger.Warn(ctx, "question insert failed", "position", pos, "type", outcome.Type, "error", outcome.Err)
		}
		summary.Record(outcome)
	}

	q.metrics.AddQuestionsInserted(ctx, summary.Inserted)
	q.metrics.AddQuestionsSkipped(ctx, summary.Skipped)
	q.metrics.AddQuestionsFailed(ctx, summary.Failed)
	span.SetAttributes(
		attribute.Int("inserted", summary.Inserted),
		attribute.Int("skipped", summary.Skipped),
		attribute.Int("failed", summary.Failed),
	)
	logger.Add("inserted", summary.Inserted, "skipped", summary.Skipped, "failed", summary.Failed)

	if summary.Inserted == 0 {
		if summary.Failed > 0 {
			// Nothing landed, so a redelivery cannot double count progress.
			span.SetStatus(codes.Error, "no question inserted")
			if err := retryableFailure(summary); err != nil {
				return summary, fmt.Errorf("no question inserted: %w", err)
			}
			// Every failure would repeat on redelivery. When earlier items
			// already exist this is a redelivered envelope whose progress was
			// counted the first time.
			if hasDuplicates(summary) {
				logger.Warn(ctx, "redelivered envelope has only duplicate and rejected questions")
				return summary, nil
			}
			return summary, events.Permanent(firstFailure(summary))
		}
		logger.Info(ctx, "no new questions, treating envelope as a duplicate delivery")
		return summary, nil
	}

	finalized, err := q.progress.Advance(ctx, assignmentID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return summary, permanentIf(err, jobresult.ErrAssignmentNotFound)
	}
	summary.Finalized = finalized

	span.SetStatus(codes.Ok, "questions ingested")
	logger.Info(ctx, "question batch ingested", "finalized", finalized)
	return summary, nil
}

// ingestOne runs the per-question steps. A returned error is a store read
// failure that should abort the batch; insert failures are reported through
// the outcome instead.
func (q *QuestionIngestor) ingestOne(
	ctx context.Context,
	alloc *indexAllocator,
	assignmentID uuid.UUID,
	pos int,
	gq jobresult.GeneratedQuestion,
) (jobresult.ItemOutcome, error) {
	typ := jobresult.NormalizeQuestionType(gq.Type)
	outcome := jobresult.ItemOutcome{Position: pos, Type: typ}

	if strings.TrimSpace(gq.PromptMarkdown) == "" {
		outcome.Status = jobresult.OutcomeSkippedEmpty
		return outcome, nil
	}

	exists, err := q.questions.ExistsByPrompt(ctx, assignmentID, gq.PromptMarkdown)
	if err != nil {
		return outcome, fmt.Errorf("check duplicate prompt: %w", err)
	}
	if exists {
		outcome.Status = jobresult.OutcomeSkippedDuplicate
		return outcome, nil
	}

	space := typ.Space()
	idx, err := alloc.resolve(ctx, space, gq.OrderIndex)
	if err != nil {
		return outcome, err
	}

	points := q.cfg.DefaultPoints
	if gq.Points != nil {
		points = *gq.Points
	}
	question := &jobresult.Question{
		ID:             uuid.New(),
		AssignmentID:   assignmentID,
		Type:           typ,
		PromptMarkdown: gq.PromptMarkdown,
		ContentJSON:    gq.ContentJSON,
		Explanation:    gq.Explanation,
		Answers:        gq.Answers,
		Points:         points,
		CreatedAt:      q.now().UTC(),
	}

	for attempt := 0; ; attempt++ {
		alloc.claim(space, idx)
		question.OrderIndex = idx

		err := q.questions.Insert(ctx, question)
		switch {
		case err == nil:
			outcome.Status = jobresult.OutcomeInserted
			outcome.OrderIndex = idx
			outcome.QuestionID = question.ID
			return outcome, nil

		case errors.Is(err, jobresult.ErrDuplicateQuestion):
			// A concurrent replica inserted the same prompt after our check.
			outcome.Status = jobresult.OutcomeSkippedDuplicate
			return outcome, nil

		case errors.Is(err, jobresult.ErrOrderIndexConflict) && attempt < q.cfg.MaxProbeAttempts:
			if idx, err = alloc.probe(ctx, space); err != nil {
				return outcome, err
			}

		default:
			outcome.Status = jobresult.OutcomeFailed
			outcome.OrderIndex = idx
			outcome.Err = err
			return outcome, nil
		}
	}
}

// retryableFailure returns the first item failure that could succeed on a
// later attempt, or nil when every failure is deterministic.
func retryableFailure(s *jobresult.BatchSummary) error {
	for _, o := range s.Outcomes {
		if o.Status != jobresult.OutcomeFailed {
			continue
		}
		if o.Err == nil {
			return errors.New("unknown insert failure")
		}
		if !errors.Is(o.Err, jobresult.ErrInvalidQuestion) && !errors.Is(o.Err, jobresult.ErrAssignmentNotFound) {
			return o.Err
		}
	}
	return nil
}

func hasDuplicates(s *jobresult.BatchSummary) bool {
	for _, o := range s.Outcomes {
		if o.Status == jobresult.OutcomeSkippedDuplicate {
			return true
		}
	}
	return false
}

func firstFailure(s *jobresult.BatchSummary) error {
	for _, o := range s.Outcomes {
		if o.Status == jobresult.OutcomeFailed && o.Err != nil {
			return o.Err
		}
	}
	return errors.New("unknown insert failure")
}
