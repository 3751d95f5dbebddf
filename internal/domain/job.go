package domain

import (
	"encoding/json"
	"time"
)

type JobKind string

const (
	JobKindImage JobKind = "image"
	JobKindVideo JobKind = "video"
	JobKindVoice JobKind = "voice"
)

func (k JobKind) Valid() bool {
	switch k {
	case JobKindImage, JobKindVideo, JobKindVoice:
		return true
	default:
		return false
	}
}

// Provider names the backend adapter a job was submitted to.
type Provider string

const (
	ProviderRunway     Provider = "runway"
	ProviderPika       Provider = "pika"
	ProviderMiniMax    Provider = "minimax"
	ProviderDALLE3     Provider = "dalle3"
	ProviderStability  Provider = "stability"
	ProviderElevenLabs Provider = "elevenlabs"
	ProviderGoogleTTS  Provider = "google_tts"
	ProviderOpenAITTS  Provider = "openai_tts"
)

type JobState string

const (
	JobStateQueued     JobState = "queued"
	JobStateProcessing JobState = "processing"
	JobStateCompleted  JobState = "completed"
	JobStateFailed     JobState = "failed"
	JobStateCancelled  JobState = "cancelled"
)

func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed || s == JobStateCancelled
}

// CanTransition reports whether the registry accepts a move from one state to another.
//
// queued may only advance to processing (provider id attached) or to failed
// (submission never produced a provider id). processing may move to any
// terminal state. Terminal states have no outgoing edges.
func CanTransition(from, to JobState) bool {
	switch from {
	case JobStateQueued:
		return to == JobStateProcessing || to == JobStateFailed
	case JobStateProcessing:
		return to.Terminal()
	default:
		return false
	}
}

// JobResult references the produced artifact. Bytes live in blob storage.
type JobResult struct {
	Ref      string         `json:"ref"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Job is one generation request submitted to exactly one provider.
type Job struct {
	ID            string
	OwnerID       string
	Kind          JobKind
	Provider      Provider
	Parameters    json.RawMessage
	State         JobState
	ProviderJobID string
	Result        *JobResult
	// PendingResult is a completion the provider already delivered that has
	// not been settled yet. Synchronous providers cannot be polled again, so
	// it is kept until the completion goes through.
	PendingResult *JobResult
	FailureReason string
	Quantity      int64
	// UsageCharged is set before usage is committed to the ledger and cleared
	// when a non-completed job has its usage reverted.
	UsageCharged bool
	Progress     int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Clone returns a deep copy so callers never share mutable state with a repository.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	clone := *j
	clone.Parameters = append(json.RawMessage(nil), j.Parameters...)
	clone.Result = j.Result.Clone()
	clone.PendingResult = j.PendingResult.Clone()
	return &clone
}

func (r *JobResult) Clone() *JobResult {
	if r == nil {
		return nil
	}
	clone := *r
	if r.Metadata != nil {
		clone.Metadata = make(map[string]any, len(r.Metadata))
		for key, value := range r.Metadata {
			clone.Metadata[key] = value
		}
	}
	return &clone
}

// NeedsRevert reports whether usage was charged for a job that ended without
// completing.
func (j *Job) NeedsRevert() bool {
	return j.UsageCharged && j.State.Terminal() && j.State != JobStateCompleted
}

// TransitionDetails carries the payload of a terminal transition.
type TransitionDetails struct {
	Result        *JobResult
	FailureReason string
}

type JobListFilter struct {
	OwnerID  string
	Kind     JobKind
	State    JobState
	Page     int
	PageSize int
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
	// MaxPage keeps (Page-1)*PageSize far below any int overflow.
	MaxPage = 100000
)

func (f *JobListFilter) Normalize() {
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.Page > MaxPage {
		f.Page = MaxPage
	}
	if f.PageSize <= 0 {
		f.PageSize = DefaultPageSize
	}
	if f.PageSize > MaxPageSize {
		f.PageSize = MaxPageSize
	}
}

// Offset is the number of rows skipped before the current page.
func (f JobListFilter) Offset() int {
	return (f.Page - 1) * f.PageSize
}
