package jobresult

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// QuestionType is the canonical four-way question kind.
type QuestionType int

const (
	QuestionTypeMCQ QuestionType = iota
	QuestionTypeFillBlank
	QuestionTypeEssay
	QuestionTypeCode
)

// String returns the canonical name.
func (t QuestionType) String() string {
	switch t {
	case QuestionTypeFillBlank:
		return "FillBlank"
	case QuestionTypeEssay:
		return "Essay"
	case QuestionTypeCode:
		return "Code"
	default:
		return "MCQ"
	}
}

// StorageValue is the representation persisted in the questions table.
func (t QuestionType) StorageValue() string {
	switch t {
	case QuestionTypeFillBlank:
		return "fill_blank"
	case QuestionTypeEssay:
		return "essay"
	case QuestionTypeCode:
		return "code"
	default:
		return "mcq"
	}
}

// Space returns the numbering space the type allocates order indexes from.
func (t QuestionType) Space() NumberingSpace {
	if t == QuestionTypeCode {
		return SpaceCode
	}
	return SpaceGeneral
}

// NormalizeQuestionType maps the free-form type a worker declared onto the
// canonical type. Unrecognized values fall back to MCQ.
func NormalizeQuestionType(declared string) QuestionType {
	key := strings.ToLower(strings.TrimSpace(declared))
	key = strings.NewReplacer("-", "", "_", "", " ", "").Replace(key)

	switch key {
	case "code", "coding", "programming", "codequestion":
		return QuestionTypeCode
	case "fillblank", "fillintheblank", "fillintheblanks", "fillblanks", "cloze":
		return QuestionTypeFillBlank
	case "essay", "longanswer", "shortanswer", "openended", "freetext":
		return QuestionTypeEssay
	default:
		return QuestionTypeMCQ
	}
}

// ParseStorageValue is the inverse of StorageValue.
func ParseStorageValue(v string) QuestionType { return NormalizeQuestionType(v) }

// NumberingSpace is an independent order_index sequence within an assignment.
type NumberingSpace string

const (
	// SpaceCode holds Code questions.
	SpaceCode NumberingSpace = "code"
	// SpaceGeneral holds MCQ, FillBlank and Essay questions.
	SpaceGeneral NumberingSpace = "general"
)

// Spaces lists every numbering space.
var Spaces = []NumberingSpace{SpaceGeneral, SpaceCode}

// Question is a persisted assessment item. It is never mutated after insert.
type Question struct {
	ID             uuid.UUID
	AssignmentID   uuid.UUID
	Type           QuestionType
	PromptMarkdown string
	ContentJSON    json.RawMessage
	Explanation    string
	Answers        json.RawMessage
	Points         int
	OrderIndex     int
	CreatedAt      time.Time
}
