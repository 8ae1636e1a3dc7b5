// Package jobresult models completion notices emitted by out-of-process
// worker fleets and the entities those notices mutate.
package jobresult

import (
	"encoding/json"
	"time"

	"github.com/ahrav/coursework-ingestor/internal/domain/events"
)

// JobType selects which handler processes an envelope. Values outside the
// known set are carried through as-is so they can be logged.
type JobType string

const (
	JobTypeTranscription      JobType = "transcription"
	JobTypeCompression        JobType = "compression"
	JobTypeQuestionGeneration JobType = "question_generation"
)

// Envelope is the transport agnostic wrapper around one job's completion
// notice. The same logical envelope may arrive more than once.
type Envelope struct {
	JobID          string
	JobType        JobType
	Payload        json.RawMessage
	Status         string
	CompletedAt    time.Time
	WorkerIdentity string

	// AssignmentID is an optional top-level hint some workers attach.
	AssignmentID string

	// Source and Key describe how the envelope arrived. Key is only set by
	// keyed transports.
	Source events.Source
	Key    string
}
