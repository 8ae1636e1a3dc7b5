package ingestion

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/coursework-ingestor/internal/domain/events"
	"github.com/ahrav/coursework-ingestor/internal/domain/jobresult"
	"github.com/ahrav/coursework-ingestor/pkg/common/logger"
)

type wireCompression struct {
	VideoID            string `json:"video_id"`
	VideoIDCamel       string `json:"videoId"`
	CompressedVideoURL string `json:"compressed_video_url"`
	CloudURL           string `json:"cloud_url"`
	CloudURLCamel      string `json:"cloudUrl"`
}

// CompressionHandler writes a compressed video's URL onto the video row.
type CompressionHandler struct {
	videos   jobresult.VideoRepository
	validate *validator.Validate

	tracer trace.Tracer
	logger *logger.Logger
}

// NewCompressionHandler constructs a CompressionHandler.
func NewCompressionHandler(videos jobresult.VideoRepository, tracer trace.Tracer, log *logger.Logger) *CompressionHandler {
	return &CompressionHandler{
		videos:   videos,
		validate: validator.New(),
		tracer:   tracer,
		logger:   log.With("component", "compression_handler"),
	}
}

// Handle implements JobHandler. On the keyed broker the message key names the
// video; when it disagrees with the payload the key wins.
func (h *CompressionHandler) Handle(ctx context.Context, env jobresult.Envelope) error {
	ctx, span := h.tracer.Start(ctx, "compression_handler.handle",
		trace.WithAttributes(attribute.String("job_id", env.JobID)))
	defer span.End()

	var w wireCompression
	if err := json.Unmarshal(env.Payload, &w); err != nil {
		span.RecordError(err)
		return events.Permanent(fmt.Errorf("%w: compression payload: %v", jobresult.ErrMalformedEnvelope, err))
	}
	payload := jobresult.CompressionPayload{
		VideoID:            firstNonEmpty(w.VideoID, w.VideoIDCamel),
		CompressedVideoURL: firstNonEmpty(w.CompressedVideoURL, w.CloudURL, w.CloudURLCamel),
	}

	if env.Source == events.SourceKafka && env.Key != "" && env.Key != payload.VideoID {
		h.logger.Warn(ctx, "message key does not match payload video id, using key",
			"job_id", env.JobID, "key", env.Key, "video_id", payload.VideoID)
		payload.VideoID = env.Key
	}

	if err := h.validate.Struct(payload); err != nil {
		err = fmt.Errorf("%w: %v", jobresult.ErrMissingField, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid payload")
		return events.Permanent(err)
	}
	span.SetAttributes(attribute.String("video_id", payload.VideoID))

	if err := h.videos.SetCompressedURL(ctx, payload.VideoID, payload.CompressedVideoURL); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return permanentIf(err, jobresult.ErrVideoNotFound)
	}

	span.SetStatus(codes.Ok, "compressed url stored")
	h.logger.Info(ctx, "compressed video url stored",
		"job_id", env.JobID, "video_id", payload.VideoID, "url", payload.CompressedVideoURL)
	return nil
}
