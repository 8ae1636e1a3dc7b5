package jobresult

import "encoding/json"

// Word is a single timed token in a transcript.
type Word struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// TranscriptionPayload is the result of a transcription job.
type TranscriptionPayload struct {
	VideoID  string  `json:"video_id"`
	Duration float64 `json:"duration"`
	Language string  `json:"language"`
	Words    []Word  `json:"words"`
}

// CompressionPayload is the result of a compression job.
type CompressionPayload struct {
	VideoID            string `validate:"required"`
	CompressedVideoURL string `validate:"required,url"`
}

// GeneratedQuestion is one question produced by a generation worker. Optional
// fields are pointers or empty raw messages when absent.
type GeneratedQuestion struct {
	AssignmentID   string
	OrderIndex     *int
	PromptMarkdown string
	ContentJSON    json.RawMessage
	Explanation    string
	Answers        json.RawMessage
	Type           string
	Points         *int
}

// QuestionBatch is the canonical form of a question generation payload,
// whichever wire shape it arrived in.
type QuestionBatch struct {
	// AssignmentID is the assignment declared at payload level, if any.
	AssignmentID string
	Questions    []GeneratedQuestion
}
