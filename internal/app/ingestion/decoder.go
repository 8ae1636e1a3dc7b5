package ingestion

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ahrav/coursework-ingestor/internal/domain/events"
	"github.com/ahrav/coursework-ingestor/internal/domain/jobresult"
)

// wireEnvelope is the JSON shape workers publish. The videoId/cloudUrl pair
// is the legacy compression value still produced on the log-based broker.
type wireEnvelope struct {
	JobID               string          `json:"jobId"`
	JobIDSnake          string          `json:"job_id"`
	JobType             string          `json:"job_type"`
	JobTypeCamel        string          `json:"jobType"`
	Payload             json.RawMessage `json:"payload"`
	Status              string          `json:"status"`
	CompletionTimestamp string          `json:"completionTimestamp"`
	ServerIdentity      string          `json:"serverIdentity"`
	AssignmentID        string          `json:"assignment_id"`
	AssignmentIDCamel   string          `json:"assignmentId"`

	VideoID  string `json:"videoId"`
	CloudURL string `json:"cloudUrl"`
}

// Decode parses a raw message body into an envelope. Every error it returns
// wraps jobresult.ErrMalformedEnvelope.
func Decode(msg events.Message) (jobresult.Envelope, error) {
	body := bytes.TrimSpace(msg.Body)
	if len(body) == 0 {
		return jobresult.Envelope{}, fmt.Errorf("%w: empty body", jobresult.ErrMalformedEnvelope)
	}

	var w wireEnvelope
	if err := json.Unmarshal(body, &w); err != nil {
		return jobresult.Envelope{}, fmt.Errorf("%w: %v", jobresult.ErrMalformedEnvelope, err)
	}

	env := jobresult.Envelope{
		JobID:          firstNonEmpty(w.JobID, w.JobIDSnake),
		JobType:        jobresult.JobType(firstNonEmpty(w.JobType, w.JobTypeCamel)),
		Payload:        w.Payload,
		Status:         w.Status,
		CompletedAt:    parseTimestamp(w.CompletionTimestamp),
		WorkerIdentity: w.ServerIdentity,
		AssignmentID:   firstNonEmpty(w.AssignmentID, w.AssignmentIDCamel),
		Source:         msg.Source,
		Key:            msg.Key,
	}

	if env.JobType == "" {
		if w.VideoID == "" || w.CloudURL == "" {
			return jobresult.Envelope{}, fmt.Errorf("%w: missing job_type", jobresult.ErrMalformedEnvelope)
		}
		return legacyCompression(w, msg, env)
	}

	return env, nil
}

func legacyCompression(w wireEnvelope, msg events.Message, env jobresult.Envelope) (jobresult.Envelope, error) {
	payload, err := json.Marshal(map[string]string{
		"video_id":             w.VideoID,
		"compressed_video_url": w.CloudURL,
	})
	if err != nil {
		return jobresult.Envelope{}, fmt.Errorf("%w: %v", jobresult.ErrMalformedEnvelope, err)
	}

	env.JobType = jobresult.JobTypeCompression
	env.Payload = payload
	if env.JobID == "" {
		env.JobID = firstNonEmpty(msg.Metadata.MessageID, fmt.Sprintf("compression-%s", w.VideoID))
	}
	if env.CompletedAt.IsZero() {
		env.CompletedAt = msg.ReceivedAt
	}
	return env, nil
}

// parseTimestamp accepts RFC 3339 with or without fractional seconds. An
// unparseable value yields the zero time; the timestamp is informational.
func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
