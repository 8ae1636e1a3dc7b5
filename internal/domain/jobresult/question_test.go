package jobresult

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeQuestionType(t *testing.T) {
	tests := []struct {
		declared string
		want     QuestionType
	}{
		{"MCQ", QuestionTypeMCQ},
		{"multiple_choice", QuestionTypeMCQ},
		{"", QuestionTypeMCQ},
		{"something-new", QuestionTypeMCQ},
		{"FillBlank", QuestionTypeFillBlank},
		{"fill_in_the_blank", QuestionTypeFillBlank},
		{"fill-blank", QuestionTypeFillBlank},
		{"Essay", QuestionTypeEssay},
		{"short_answer", QuestionTypeEssay},
		{"Code", QuestionTypeCode},
		{" coding ", QuestionTypeCode},
	}
	for _, tt := range tests {
		t.Run(tt.declared, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeQuestionType(tt.declared))
		})
	}
}

func TestQuestionTypeStorageRoundTrip(t *testing.T) {
	for _, typ := range []QuestionType{QuestionTypeMCQ, QuestionTypeFillBlank, QuestionTypeEssay, QuestionTypeCode} {
		assert.Equal(t, typ, ParseStorageValue(typ.StorageValue()), typ.String())
	}
}

func TestQuestionTypeSpace(t *testing.T) {
	assert.Equal(t, SpaceCode, QuestionTypeCode.Space())
	assert.Equal(t, SpaceGeneral, QuestionTypeMCQ.Space())
	assert.Equal(t, SpaceGeneral, QuestionTypeFillBlank.Space())
	assert.Equal(t, SpaceGeneral, QuestionTypeEssay.Space())
}

func TestProgressComplete(t *testing.T) {
	assert.False(t, Progress{TotalTypes: 0, GeneratedTypes: 4}.Complete())
	assert.False(t, Progress{TotalTypes: 3, GeneratedTypes: 2}.Complete())
	assert.True(t, Progress{TotalTypes: 3, GeneratedTypes: 3}.Complete())
	assert.True(t, Progress{TotalTypes: 3, GeneratedTypes: 4}.Complete())
}

func TestBatchSummaryRecord(t *testing.T) {
	var s BatchSummary
	s.Record(ItemOutcome{Status: OutcomeInserted})
	s.Record(ItemOutcome{Status: OutcomeSkippedEmpty})
	s.Record(ItemOutcome{Status: OutcomeSkippedDuplicate})
	s.Record(ItemOutcome{Status: OutcomeFailed})

	assert.Equal(t, 1, s.Inserted)
	assert.Equal(t, 2, s.Skipped)
	assert.Equal(t, 1, s.Failed)
	assert.Len(t, s.Outcomes, 4)
}
