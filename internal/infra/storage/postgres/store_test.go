package postgres

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/coursework-ingestor/internal/domain/jobresult"
	"github.com/ahrav/coursework-ingestor/internal/infra/storage"
)

func setupStoreTest(t *testing.T) (context.Context, *pgxpool.Pool, func()) {
	t.Helper()
	pool, cleanup := storage.SetupTestContainer(t)
	return context.Background(), pool, cleanup
}

func seedAssignment(t *testing.T, ctx context.Context, pool *pgxpool.Pool, total int) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := pool.Exec(ctx,
		`INSERT INTO assignments (id, title, instructor_id, total_types, status) VALUES ($1, 'Quiz', 'instructor-1', $2, 'generating')`,
		id, total)
	require.NoError(t, err)
	return id
}

func newQuestion(assignmentID uuid.UUID, typ jobresult.QuestionType, prompt string, idx int) *jobresult.Question {
	return &jobresult.Question{
		ID:             uuid.New(),
		AssignmentID:   assignmentID,
		Type:           typ,
		PromptMarkdown: prompt,
		ContentJSON:    json.RawMessage(`{"choices":["a","b"]}`),
		Points:         1,
		OrderIndex:     idx,
		CreatedAt:      time.Now().UTC(),
	}
}

func TestQuestionStore_InsertAndQuery(t *testing.T) {
	t.Parallel()
	ctx, pool, cleanup := setupStoreTest(t)
	defer cleanup()

	store := NewQuestionStore(pool, storage.NoOpTracer())
	aid := seedAssignment(t, ctx, pool, 2)

	require.NoError(t, store.Insert(ctx, newQuestion(aid, jobresult.QuestionTypeMCQ, "Q1", 1)))
	require.NoError(t, store.Insert(ctx, newQuestion(aid, jobresult.QuestionTypeCode, "Q2", 1)))
	require.NoError(t, store.Insert(ctx, newQuestion(aid, jobresult.QuestionTypeEssay, "Q3", 2)))

	maxGeneral, err := store.MaxOrderIndex(ctx, aid, jobresult.SpaceGeneral)
	require.NoError(t, err)
	assert.Equal(t, 2, maxGeneral)

	maxCode, err := store.MaxOrderIndex(ctx, aid, jobresult.SpaceCode)
	require.NoError(t, err)
	assert.Equal(t, 1, maxCode)

	taken, err := store.OrderIndexTaken(ctx, aid, jobresult.SpaceCode, 2)
	require.NoError(t, err)
	assert.False(t, taken)

	exists, err := store.ExistsByPrompt(ctx, aid, "Q2")
	require.NoError(t, err)
	assert.True(t, exists)

	qs, err := store.ListByAssignment(ctx, aid)
	require.NoError(t, err)
	require.Len(t, qs, 3)
	assert.JSONEq(t, `{"choices":["a","b"]}`, string(qs[0].ContentJSON))
}

func TestQuestionStore_ConstraintViolations(t *testing.T) {
	t.Parallel()
	ctx, pool, cleanup := setupStoreTest(t)
	defer cleanup()

	store := NewQuestionStore(pool, storage.NoOpTracer())
	aid := seedAssignment(t, ctx, pool, 1)

	require.NoError(t, store.Insert(ctx, newQuestion(aid, jobresult.QuestionTypeMCQ, "Q1", 1)))

	err := store.Insert(ctx, newQuestion(aid, jobresult.QuestionTypeFillBlank, "other", 1))
	assert.ErrorIs(t, err, jobresult.ErrOrderIndexConflict)

	err = store.Insert(ctx, newQuestion(aid, jobresult.QuestionTypeCode, "Q1", 1))
	assert.ErrorIs(t, err, jobresult.ErrDuplicateQuestion)

	err = store.Insert(ctx, newQuestion(aid, jobresult.QuestionTypeMCQ, "bad\x00", 2))
	assert.ErrorIs(t, err, jobresult.ErrInvalidQuestion)
}

func TestVideoStore_SetURLs(t *testing.T) {
	t.Parallel()
	ctx, pool, cleanup := setupStoreTest(t)
	defer cleanup()

	store := NewVideoStore(pool, storage.NoOpTracer())
	_, err := pool.Exec(ctx, `INSERT INTO videos (id, title) VALUES ('v1', 'Lecture')`)
	require.NoError(t, err)

	require.NoError(t, store.SetCompressedURL(ctx, "v1", "https://x/v1.mp4"))
	require.NoError(t, store.SetCompressedURL(ctx, "v1", "https://x/v1.mp4"))
	require.NoError(t, store.SetTranscriptURL(ctx, "v1", "https://blob/transcripts/v1.json"))

	var compressed, transcript string
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT compressed_video_url, transcript_url FROM videos WHERE id = 'v1'`).Scan(&compressed, &transcript))
	assert.Equal(t, "https://x/v1.mp4", compressed)
	assert.Equal(t, "https://blob/transcripts/v1.json", transcript)

	err = store.SetCompressedURL(ctx, "missing", "https://x/m.mp4")
	assert.ErrorIs(t, err, jobresult.ErrVideoNotFound)
}

func TestAssignmentStore_ProgressAndFinalization(t *testing.T) {
	t.Parallel()
	ctx, pool, cleanup := setupStoreTest(t)
	defer cleanup()

	store := NewAssignmentStore(pool, storage.NoOpTracer())
	aid := seedAssignment(t, ctx, pool, 3)

	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.IncrementGeneratedTypes(ctx, aid)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	var generated int
	require.NoError(t, pool.QueryRow(ctx, `SELECT generated_types FROM assignments WHERE id = $1`, aid).Scan(&generated))
	assert.Equal(t, 3, generated)

	flipped, err := store.MarkReadyForReview(ctx, aid)
	require.NoError(t, err)
	assert.True(t, flipped)

	flipped, err = store.MarkReadyForReview(ctx, aid)
	require.NoError(t, err)
	assert.False(t, flipped, "second flip must be a no-op")

	_, err = store.IncrementGeneratedTypes(ctx, uuid.New())
	assert.ErrorIs(t, err, jobresult.ErrAssignmentNotFound)
}
