package jobresult

import "github.com/google/uuid"

// AssignmentStatus is the lifecycle state of an assignment.
type AssignmentStatus string

const (
	AssignmentStatusDraft          AssignmentStatus = "draft"
	AssignmentStatusGenerating     AssignmentStatus = "generating"
	AssignmentStatusReadyForReview AssignmentStatus = "ready_for_review"
	AssignmentStatusPublished      AssignmentStatus = "published"
)

// Progress is the generation progress of an assignment. GeneratedTypes only
// ever moves upward.
type Progress struct {
	AssignmentID   uuid.UUID
	Title          string
	InstructorID   string
	TotalTypes     int
	GeneratedTypes int
	Status         AssignmentStatus
}

// Complete reports whether every expected generation result has arrived.
func (p Progress) Complete() bool {
	return p.TotalTypes > 0 && p.GeneratedTypes >= p.TotalTypes
}
