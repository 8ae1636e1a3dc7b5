package jobresult

import (
	"context"

	"github.com/google/uuid"
)

// VideoRepository writes worker-produced artifact URLs onto videos. Both
// writes overwrite, so replaying them is safe.
type VideoRepository interface {
	SetTranscriptURL(ctx context.Context, videoID, url string) error
	SetCompressedURL(ctx context.Context, videoID, url string) error
}

// QuestionRepository is the store contract the ingestion engine relies on.
// Every read goes to the store; callers must not cache results across
// questions because other replicas insert concurrently.
type QuestionRepository interface {
	// MaxOrderIndex returns the highest persisted order index in space, or 0.
	MaxOrderIndex(ctx context.Context, assignmentID uuid.UUID, space NumberingSpace) (int, error)
	// ExistsByPrompt reports whether a question with the identical prompt exists.
	ExistsByPrompt(ctx context.Context, assignmentID uuid.UUID, prompt string) (bool, error)
	// OrderIndexTaken reports whether orderIndex is occupied within space.
	OrderIndexTaken(ctx context.Context, assignmentID uuid.UUID, space NumberingSpace, orderIndex int) (bool, error)
	// Insert persists q. It returns ErrOrderIndexConflict or
	// ErrDuplicateQuestion when a concurrent writer won the race.
	Insert(ctx context.Context, q *Question) error
}

// AssignmentRepository mutates assignment generation progress.
type AssignmentRepository interface {
	// IncrementGeneratedTypes atomically adds one to generated_types and
	// returns the updated progress.
	IncrementGeneratedTypes(ctx context.Context, assignmentID uuid.UUID) (Progress, error)
	// MarkReadyForReview flips the status and reports whether this call
	// performed the transition. It returns false if already flipped.
	MarkReadyForReview(ctx context.Context, assignmentID uuid.UUID) (bool, error)
}

// TranscriptStore persists transcript artifacts in object storage.
type TranscriptStore interface {
	// Delete removes the artifact at path. A missing artifact is not an error.
	Delete(ctx context.Context, path string) error
	Upload(ctx context.Context, path string, data []byte, contentType string) error
	PublicURL(path string) string
}

// NotificationPriority orders delivery urgency.
type NotificationPriority string

const (
	PriorityLow    NotificationPriority = "low"
	PriorityNormal NotificationPriority = "normal"
	PriorityHigh   NotificationPriority = "high"
)

// Notification is the user-facing content of a dispatch.
type Notification struct {
	Title   string
	Message string
	Link    string
	Data    map[string]string
}

// NotifyOptions tune how a notification is delivered.
type NotifyOptions struct {
	Priority NotificationPriority
	Category string
}

// Notifier dispatches notifications. It is fire-and-forget; failures are the
// implementation's to log.
type Notifier interface {
	NotifyUser(ctx context.Context, userID string, n Notification, opts NotifyOptions)
}
