package quota

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/iago/genjobs-back/internal/domain"
)

const (
	defaultVideoSeconds = 5
	maxVideoSeconds     = 60
	defaultImageCount   = 1
	maxImageCount       = 10
	wordsPerMinute      = 150
)

type billingParameters struct {
	Duration *int   `json:"duration"`
	Count    *int   `json:"count"`
	Text     string `json:"text"`
}

// Quantity computes the billable units of a request before submission:
// seconds of video, minutes of voice, number of images. It is never
// recomputed from provider output.
func Quantity(kind domain.JobKind, parameters json.RawMessage) (int64, error) {
	var params billingParameters
	if len(parameters) > 0 {
		if err := json.Unmarshal(parameters, &params); err != nil {
			return 0, fmt.Errorf("decode parameters: %w", domain.ErrInvalidParameters)
		}
	}

	switch kind {
	case domain.JobKindVideo:
		seconds := defaultVideoSeconds
		if params.Duration != nil {
			seconds = *params.Duration
		}
		if seconds < 1 || seconds > maxVideoSeconds {
			return 0, fmt.Errorf("duration must be between 1 and %d seconds: %w", maxVideoSeconds, domain.ErrInvalidParameters)
		}
		return int64(seconds), nil
	case domain.JobKindImage:
		count := defaultImageCount
		if params.Count != nil {
			count = *params.Count
		}
		if count < 1 || count > maxImageCount {
			return 0, fmt.Errorf("count must be between 1 and %d: %w", maxImageCount, domain.ErrInvalidParameters)
		}
		return int64(count), nil
	case domain.JobKindVoice:
		words := len(strings.Fields(params.Text))
		if words == 0 {
			return 0, fmt.Errorf("text is required: %w", domain.ErrInvalidParameters)
		}
		minutes := (words + wordsPerMinute - 1) / wordsPerMinute
		return int64(minutes), nil
	default:
		return 0, fmt.Errorf("kind %q: %w", kind, domain.ErrInvalidParameters)
	}
}

// Normalize validates parameters, fills the billed defaults into them and
// returns the rewritten document with its quantity. Adapters receive exactly
// the values the owner is charged for.
func Normalize(kind domain.JobKind, parameters json.RawMessage) (json.RawMessage, int64, error) {
	if len(bytes.TrimSpace(parameters)) == 0 {
		parameters = json.RawMessage(`{}`)
	}

	decoder := json.NewDecoder(bytes.NewReader(parameters))
	decoder.UseNumber()
	var fields map[string]any
	if err := decoder.Decode(&fields); err != nil || fields == nil {
		return nil, 0, fmt.Errorf("parameters must be a JSON object: %w", domain.ErrInvalidParameters)
	}

	quantity, err := Quantity(kind, parameters)
	if err != nil {
		return nil, 0, err
	}

	switch kind {
	case domain.JobKindVideo:
		fields["duration"] = quantity
	case domain.JobKindImage:
		fields["count"] = quantity
	default:
		return append(json.RawMessage(nil), parameters...), quantity, nil
	}

	normalized, err := json.Marshal(fields)
	if err != nil {
		return nil, 0, fmt.Errorf("encode parameters: %w", err)
	}
	return normalized, quantity, nil
}

// Unit names the billable unit of a kind, for user-facing messages.
func Unit(kind domain.JobKind) string {
	switch kind {
	case domain.JobKindVideo:
		return "seconds"
	case domain.JobKindVoice:
		return "minutes"
	default:
		return "images"
	}
}
