package jobresult

import "github.com/google/uuid"

// OutcomeStatus is the result of processing one question in a batch.
type OutcomeStatus string

const (
	OutcomeInserted         OutcomeStatus = "inserted"
	OutcomeSkippedEmpty     OutcomeStatus = "skipped_empty"
	OutcomeSkippedDuplicate OutcomeStatus = "skipped_duplicate"
	OutcomeFailed           OutcomeStatus = "failed"
)

// ItemOutcome records what happened to a single question.
type ItemOutcome struct {
	// Position is the question's index within the envelope.
	Position   int
	Status     OutcomeStatus
	Type       QuestionType
	OrderIndex int
	QuestionID uuid.UUID
	Err        error
}

// BatchSummary aggregates per-question outcomes for one envelope.
type BatchSummary struct {
	AssignmentID uuid.UUID
	Inserted     int
	Skipped      int
	Failed       int
	// Finalized is set when this envelope moved the assignment to
	// ready-for-review.
	Finalized bool
	Outcomes  []ItemOutcome
}

// Record appends an outcome and updates the counters.
func (s *BatchSummary) Record(o ItemOutcome) {
	switch o.Status {
	case OutcomeInserted:
		s.Inserted++
	case OutcomeSkippedEmpty, OutcomeSkippedDuplicate:
		s.Skipped++
	case OutcomeFailed:
		s.Failed++
	}
	s.Outcomes = append(s.Outcomes, o)
}
