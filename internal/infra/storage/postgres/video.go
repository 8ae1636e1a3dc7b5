package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/coursework-ingestor/internal/domain/jobresult"
	"github.com/ahrav/coursework-ingestor/internal/infra/storage"
)

var _ jobresult.VideoRepository = (*videoStore)(nil)

// videoStore writes worker artifact URLs onto the videos table.
type videoStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewVideoStore creates a PostgreSQL-backed video repository.
func NewVideoStore(pool *pgxpool.Pool, tracer trace.Tracer) *videoStore {
	return &videoStore{db: pool, tracer: tracer}
}

const setTranscriptURL = `
UPDATE videos
SET transcript_url = $2, updated_at = NOW()
WHERE id = $1`

// SetTranscriptURL overwrites the video's transcript URL.
func (s *videoStore) SetTranscriptURL(ctx context.Context, videoID, url string) error {
	return s.setURL(ctx, "postgres.set_transcript_url", setTranscriptURL, videoID, url)
}

const setCompressedURL = `
UPDATE videos
SET compressed_video_url = $2, updated_at = NOW()
WHERE id = $1`

// SetCompressedURL overwrites the video's compressed video URL.
func (s *videoStore) SetCompressedURL(ctx context.Context, videoID, url string) error {
	return s.setURL(ctx, "postgres.set_compressed_url", setCompressedURL, videoID, url)
}

func (s *videoStore) setURL(ctx context.Context, spanName, query, videoID, url string) error {
	dbAttrs := append(
		storage.DefaultDBAttributes,
		attribute.String("video_id", videoID),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, spanName, dbAttrs, func(ctx context.Context) error {
		tag, err := s.db.Exec(ctx, query, videoID, url)
		if err != nil {
			return fmt.Errorf("update video %s: %w", videoID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", jobresult.ErrVideoNotFound, videoID)
		}
		return nil
	})
}
