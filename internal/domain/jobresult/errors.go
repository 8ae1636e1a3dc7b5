package jobresult

import "errors"

var (
	// ErrMalformedEnvelope indicates a body that cannot be decoded.
	ErrMalformedEnvelope = errors.New("malformed job result envelope")
	// ErrMissingField indicates a required payload field is absent.
	ErrMissingField = errors.New("missing required field")
	// ErrAssignmentUnresolved indicates no assignment id could be derived.
	ErrAssignmentUnresolved = errors.New("assignment id could not be resolved")
	// ErrNoQuestions indicates a generation payload carried no questions.
	ErrNoQuestions = errors.New("payload contains no questions")
	// ErrDuplicateQuestion indicates an identical prompt already exists.
	ErrDuplicateQuestion = errors.New("duplicate question prompt")
	// ErrOrderIndexConflict indicates the order index was taken concurrently.
	ErrOrderIndexConflict = errors.New("order index already taken")
	// ErrInvalidQuestion indicates the store rejected a question's content.
	// Inserting it again cannot succeed.
	ErrInvalidQuestion = errors.New("invalid question content")
	// ErrAssignmentNotFound indicates the assignment row does not exist.
	ErrAssignmentNotFound = errors.New("assignment not found")
	// ErrVideoNotFound indicates the video row does not exist.
	ErrVideoNotFound = errors.New("video not found")
)
