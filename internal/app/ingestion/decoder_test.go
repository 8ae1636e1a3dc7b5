package ingestion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/coursework-ingestor/internal/domain/events"
	"github.com/ahrav/coursework-ingestor/internal/domain/jobresult"
)

func TestDecode(t *testing.T) {
	received := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		msg     events.Message
		want    jobresult.Envelope
		wantErr bool
	}{
		{
			name: "canonical envelope",
			msg: events.Message{Source: events.SourceServiceBus, Body: []byte(`{
				"jobId": "job-1", "job_type": "compression",
				"payload": {"video_id": "v1"}, "status": "completed",
				"completionTimestamp": "2026-03-01T10:00:00.123Z", "serverIdentity": "worker-7"}`)},
			want: jobresult.Envelope{
				JobID:          "job-1",
				JobType:        jobresult.JobTypeCompression,
				Payload:        []byte(`{"video_id": "v1"}`),
				Status:         "completed",
				CompletedAt:    time.Date(2026, 3, 1, 10, 0, 0, 123000000, time.UTC),
				WorkerIdentity: "worker-7",
				Source:         events.SourceServiceBus,
			},
		},
		{
			name: "alternate spellings",
			msg:  events.Message{Source: events.SourceMemory, Body: []byte(`{"job_id": "job-2", "jobType": "transcription", "assignmentId": "a-1"}`)},
			want: jobresult.Envelope{
				JobID:        "job-2",
				JobType:      jobresult.JobTypeTranscription,
				AssignmentID: "a-1",
				Source:       events.SourceMemory,
			},
		},
		{
			name: "unknown job type passes through",
			msg:  events.Message{Body: []byte(`{"jobId": "job-3", "job_type": "thumbnail"}`)},
			want: jobresult.Envelope{JobID: "job-3", JobType: "thumbnail"},
		},
		{
			name: "legacy compression value",
			msg: events.Message{
				Source:     events.SourceKafka,
				Key:        "v9",
				Body:       []byte(`{"videoId": "v9", "cloudUrl": "https://cdn/v9.mp4"}`),
				ReceivedAt: received,
				Metadata:   events.Metadata{Partition: 2, Offset: 40},
			},
			want: jobresult.Envelope{
				JobID:       "compression-v9",
				JobType:     jobresult.JobTypeCompression,
				Payload:     []byte(`{"compressed_video_url":"https://cdn/v9.mp4","video_id":"v9"}`),
				CompletedAt: received,
				Source:      events.SourceKafka,
				Key:         "v9",
			},
		},
		{name: "empty body", msg: events.Message{Body: []byte("  ")}, wantErr: true},
		{name: "not json", msg: events.Message{Body: []byte("hello")}, wantErr: true},
		{name: "missing job type", msg: events.Message{Body: []byte(`{"jobId": "x"}`)}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.msg)
			if tt.wantErr {
				assert.ErrorIs(t, err, jobresult.ErrMalformedEnvelope)
				return
			}
			require.NoError(t, err)

			assert.Equal(t, tt.want.JobID, got.JobID)
			assert.Equal(t, tt.want.JobType, got.JobType)
			assert.Equal(t, tt.want.Status, got.Status)
			assert.Equal(t, tt.want.WorkerIdentity, got.WorkerIdentity)
			assert.Equal(t, tt.want.AssignmentID, got.AssignmentID)
			assert.Equal(t, tt.want.Source, got.Source)
			assert.Equal(t, tt.want.Key, got.Key)
			assert.True(t, tt.want.CompletedAt.Equal(got.CompletedAt), "completed at: %v", got.CompletedAt)
			if tt.want.Payload != nil {
				assert.JSONEq(t, string(tt.want.Payload), string(got.Payload))
			}
		})
	}
}

func TestDecodeUnparseableTimestampIsZero(t *testing.T) {
	env, err := Decode(events.Message{Body: []byte(`{"jobId": "j", "job_type": "compression", "completionTimestamp": "yesterday"}`)})
	require.NoError(t, err)
	assert.True(t, env.CompletedAt.IsZero())
}
