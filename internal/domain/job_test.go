package domain

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from JobState
		to   JobState
		want bool
	}{
		{JobStateQueued, JobStateProcessing, true},
		{JobStateQueued, JobStateFailed, true},
		{JobStateQueued, JobStateCompleted, false},
		{JobStateQueued, JobStateCancelled, false},
		{JobStateProcessing, JobStateCompleted, true},
		{JobStateProcessing, JobStateFailed, true},
		{JobStateProcessing, JobStateCancelled, true},
		{JobStateProcessing, JobStateQueued, false},
		{JobStateProcessing, JobStateProcessing, false},
		{JobStateCompleted, JobStateFailed, false},
		{JobStateCompleted, JobStateCancelled, false},
		{JobStateFailed, JobStateCompleted, false},
		{JobStateCancelled, JobStateCompleted, false},
		{JobStateCancelled, JobStateProcessing, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestJobCloneIsDeep(t *testing.T) {
	original := &Job{
		ID:         "job-1",
		Parameters: json.RawMessage(`{"prompt":"a cat"}`),
		Result:     &JobResult{Ref: "s3://bucket/a.png", Metadata: map[string]any{"width": 1024}},
	}

	clone := original.Clone()
	clone.Parameters[0] = '['
	clone.Result.Ref = "changed"
	clone.Result.Metadata["width"] = 1

	assert.Equal(t, `{"prompt":"a cat"}`, string(original.Parameters))
	assert.Equal(t, "s3://bucket/a.png", original.Result.Ref)
	assert.Equal(t, 1024, original.Result.Metadata["width"])
}

func TestJobListFilterNormalize(t *testing.T) {
	filter := JobListFilter{PageSize: 500}
	filter.Normalize()

	assert.Equal(t, 1, filter.Page)
	assert.Equal(t, 100, filter.PageSize)
}

func TestJobListFilterNormalizeClampsHugePage(t *testing.T) {
	filter := JobListFilter{Page: math.MaxInt / 10, PageSize: 50}
	filter.Normalize()

	assert.Equal(t, MaxPage, filter.Page)
	assert.Equal(t, (MaxPage-1)*50, filter.Offset())
	assert.Positive(t, filter.Offset())
}

func TestJobNeedsRevert(t *testing.T) {
	tests := []struct {
		state   JobState
		charged bool
		want    bool
	}{
		{state: JobStateCancelled, charged: true, want: true},
		{state: JobStateFailed, charged: true, want: true},
		{state: JobStateCompleted, charged: true, want: false},
		{state: JobStateProcessing, charged: true, want: false},
		{state: JobStateCancelled, charged: false, want: false},
	}
	for _, tc := range tests {
		job := &Job{State: tc.state, UsageCharged: tc.charged}
		assert.Equal(t, tc.want, job.NeedsRevert(), "%s charged=%v", tc.state, tc.charged)
	}
}
