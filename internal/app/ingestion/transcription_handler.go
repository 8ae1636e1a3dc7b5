package ingestion

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/coursework-ingestor/internal/domain/events"
	"github.com/ahrav/coursework-ingestor/internal/domain/jobresult"
	"github.com/ahrav/coursework-ingestor/pkg/common/logger"
)

const (
	transcriptPathFormat  = "transcripts/%s.json"
	transcriptContentType = "application/json"
)

type wireTranscription struct {
	VideoID       string `json:"video_id"`
	VideoIDCamel  string `json:"videoId"`
	Transcription *struct {
		Duration float64          `json:"duration"`
		Language string           `json:"language"`
		Words    []jobresult.Word `json:"words"`
	} `json:"transcription"`
}

// TranscriptionHandler stores a finished transcript as a blob and points the
// video at it. Delete, upload and the URL write all overwrite, so replays
// converge on the same state.
type TranscriptionHandler struct {
	videos jobresult.VideoRepository
	blobs  jobresult.TranscriptStore

	tracer trace.Tracer
	logger *logger.Logger
}

// NewTranscriptionHandler constructs a TranscriptionHandler.
func NewTranscriptionHandler(
	videos jobresult.VideoRepository,
	blobs jobresult.TranscriptStore,
	tracer trace.Tracer,
	log *logger.Logger,
) *TranscriptionHandler {
	return &TranscriptionHandler{
		videos: videos,
		blobs:  blobs,
		tracer: tracer,
		logger: log.With("component", "transcription_handler"),
	}
}

// Handle implements JobHandler. A payload missing its video id or transcript
// is returned as a retryable error so the broker redelivers it. A payload that
// is not valid JSON is permanent.
func (h *TranscriptionHandler) Handle(ctx context.Context, env jobresult.Envelope) error {
	ctx, span := h.tracer.Start(ctx, "transcription_handler.handle",
		trace.WithAttributes(attribute.String("job_id", env.JobID)))
	defer span.End()

	var w wireTranscription
	if err := json.Unmarshal(env.Payload, &w); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed payload")
		return events.Permanent(fmt.Errorf("%w: transcription payload: %v", jobresult.ErrMalformedEnvelope, err))
	}
	payload := jobresult.TranscriptionPayload{VideoID: firstNonEmpty(w.VideoID, w.VideoIDCamel)}
	if payload.VideoID == "" || w.Transcription == nil {
		err := fmt.Errorf("%w: video_id and transcription are required", jobresult.ErrMissingField)
		span.RecordError(err)
		span.SetStatus(codes.Error, "missing field")
		return err
	}
	payload.Duration = w.Transcription.Duration
	payload.Language = w.Transcription.Language
	payload.Words = w.Transcription.Words
	span.SetAttributes(attribute.String("video_id", payload.VideoID))

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}

	path := fmt.Sprintf(transcriptPathFormat, payload.VideoID)
	if err := h.blobs.Delete(ctx, path); err != nil {
		span.RecordError(err)
		return fmt.Errorf("delete previous transcript %s: %w", path, err)
	}
	if err := h.blobs.Upload(ctx, path, data, transcriptContentType); err != nil {
		span.RecordError(err)
		return fmt.Errorf("upload transcript %s: %w", path, err)
	}

	url := h.blobs.PublicURL(path)
	if err := h.videos.SetTranscriptURL(ctx, payload.VideoID, url); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return permanentIf(err, jobresult.ErrVideoNotFound)
	}

	span.SetStatus(codes.Ok, "transcript stored")
	h.logger.Info(ctx, "transcript stored",
		"job_id", env.JobID, "video_id", payload.VideoID, "words", len(payload.Words), "url", url)
	return nil
}
