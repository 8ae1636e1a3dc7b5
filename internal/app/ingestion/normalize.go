package ingestion

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"github.com/google/uuid"
	regexp "github.com/wasilibs/go-re2"

	"github.com/ahrav/coursework-ingestor/internal/domain/jobresult"
)

// wireQuestion accepts both the snake_case and camelCase spellings workers
// have emitted over time.
type wireQuestion struct {
	AssignmentID        string          `json:"assignment_id"`
	AssignmentIDCamel   string          `json:"assignmentId"`
	OrderIndex          *float64        `json:"order_index"`
	OrderIndexCamel     *float64        `json:"orderIndex"`
	PromptMarkdown      string          `json:"prompt_markdown"`
	PromptMarkdownCamel string          `json:"promptMarkdown"`
	Prompt              string          `json:"prompt"`
	ContentJSON         json.RawMessage `json:"content_json"`
	ContentJSONCamel    json.RawMessage `json:"contentJson"`
	Explanation         string          `json:"explanation"`
	Answers             json.RawMessage `json:"answers"`
	Type                string          `json:"type"`
	QuestionType        string          `json:"question_type"`
	Points              *float64        `json:"points"`
}

func (w wireQuestion) toDomain() jobresult.GeneratedQuestion {
	orderIdx := w.OrderIndex
	if orderIdx == nil {
		orderIdx = w.OrderIndexCamel
	}
	content := w.ContentJSON
	if isAbsent(content) {
		content = w.ContentJSONCamel
	}

	return jobresult.GeneratedQuestion{
		AssignmentID:   firstNonEmpty(w.AssignmentID, w.AssignmentIDCamel),
		OrderIndex:     positiveInt(orderIdx),
		PromptMarkdown: firstNonEmpty(w.PromptMarkdown, w.PromptMarkdownCamel, w.Prompt),
		ContentJSON:    presentOrNil(content),
		Explanation:    w.Explanation,
		Answers:        presentOrNil(w.Answers),
		Type:           firstNonEmpty(w.Type, w.QuestionType),
		Points:         positiveInt(w.Points),
	}
}

// wireBatch covers the object shapes: {questions:[...]}, {data:{questions:[...]}}
// and a bare single question.
type wireBatch struct {
	AssignmentID      string          `json:"assignment_id"`
	AssignmentIDCamel string          `json:"assignmentId"`
	Questions         json.RawMessage `json:"questions"`
	Data              *struct {
		AssignmentID      string          `json:"assignment_id"`
		AssignmentIDCamel string          `json:"assignmentId"`
		Questions         json.RawMessage `json:"questions"`
	} `json:"data"`
}

// NormalizeQuestions converts every accepted payload shape into the canonical
// batch. It is pure: the same payload always yields the same batch.
func NormalizeQuestions(payload json.RawMessage) (jobresult.QuestionBatch, error) {
	raw := bytes.TrimSpace(payload)
	if isAbsent(raw) {
		return jobresult.QuestionBatch{}, jobresult.ErrNoQuestions
	}

	var (
		batch jobresult.QuestionBatch
		list  json.RawMessage
	)

	switch raw[0] {
	case '[':
		list = raw
	case '{':
		var wb wireBatch
		if err := json.Unmarshal(raw, &wb); err != nil {
			return jobresult.QuestionBatch{}, fmt.Errorf("%w: %v", jobresult.ErrMalformedEnvelope, err)
		}
		batch.AssignmentID = firstNonEmpty(wb.AssignmentID, wb.AssignmentIDCamel)

		switch {
		case !isAbsent(wb.Questions):
			list = wb.Questions
		case wb.Data != nil && !isAbsent(wb.Data.Questions):
			list = wb.Data.Questions
			batch.AssignmentID = firstNonEmpty(batch.AssignmentID, wb.Data.AssignmentID, wb.Data.AssignmentIDCamel)
		default:
			var single wireQuestion
			if err := json.Unmarshal(raw, &single); err != nil {
				return jobresult.QuestionBatch{}, fmt.Errorf("%w: %v", jobresult.ErrMalformedEnvelope, err)
			}
			q := single.toDomain()
			if q.PromptMarkdown == "" {
				return jobresult.QuestionBatch{}, jobresult.ErrNoQuestions
			}
			batch.Questions = []jobresult.GeneratedQuestion{q}
			return batch, nil
		}
	default:
		return jobresult.QuestionBatch{}, fmt.Errorf("%w: unexpected payload shape", jobresult.ErrMalformedEnvelope)
	}

	var wqs []wireQuestion
	if err := json.Unmarshal(list, &wqs); err != nil {
		return jobresult.QuestionBatch{}, fmt.Errorf("%w: %v", jobresult.ErrMalformedEnvelope, err)
	}
	if len(wqs) == 0 {
		return jobresult.QuestionBatch{}, jobresult.ErrNoQuestions
	}

	batch.Questions = make([]jobresult.GeneratedQuestion, 0, len(wqs))
	for _, wq := range wqs {
		batch.Questions = append(batch.Questions, wq.toDomain())
	}
	return batch, nil
}

var uuidPattern = regexp.MustCompile(`(?i)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)

// ResolveAssignmentID walks the fallback chain: payload-level id, the first
// question that declares one, the envelope's own field, then a UUID embedded
// in the job id. Candidates that are not UUIDs are passed over.
func ResolveAssignmentID(batch jobresult.QuestionBatch, env jobresult.Envelope) (uuid.UUID, error) {
	candidates := []string{batch.AssignmentID}
	for _, q := range batch.Questions {
		if q.AssignmentID != "" {
			candidates = append(candidates, q.AssignmentID)
			break
		}
	}
	candidates = append(candidates, env.AssignmentID, uuidPattern.FindString(env.JobID))

	for _, c := range candidates {
		if c == "" {
			continue
		}
		if id, err := uuid.Parse(c); err == nil {
			return id, nil
		}
	}
	return uuid.Nil, fmt.Errorf("%w: job %q", jobresult.ErrAssignmentUnresolved, env.JobID)
}

func isAbsent(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

func presentOrNil(raw json.RawMessage) json.RawMessage {
	if isAbsent(raw) {
		return nil
	}
	return raw
}

// positiveInt keeps whole numbers >= 1 and drops everything else.
func positiveInt(v *float64) *int {
	if v == nil || *v < 1 || *v != math.Trunc(*v) || *v > math.MaxInt32 {
		return nil
	}
	i := int(*v)
	return &i
}
