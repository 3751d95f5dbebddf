package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/iago/genjobs-back/internal/domain"
)

// DALLE3 is synchronous: the images endpoint answers with the artifacts, so
// Submit returns an immediate result. The model accepts one image per call.
type DALLE3 struct {
	client *httpClient
}

func NewDALLE3(config ClientConfig) *DALLE3 {
	return &DALLE3{
		client: newHTTPClient("dalle3", "https://api.openai.com/v1", config, bearer(config.APIKey)),
	}
}

func (d *DALLE3) Name() domain.Provider { return domain.ProviderDALLE3 }

func (d *DALLE3) Traits() Traits {
	return Traits{Kinds: []domain.JobKind{domain.JobKindImage}}
}

type dalleResponse struct {
	Data []struct {
		URL           string `json:"url"`
		RevisedPrompt string `json:"revised_prompt"`
	} `json:"data"`
}

func (d *DALLE3) Submit(ctx context.Context, kind domain.JobKind, parameters json.RawMessage) (SubmitResult, error) {
	if kind != domain.JobKindImage {
		return SubmitResult{}, unsupportedKind(d.Name(), kind)
	}
	params, err := decodeParameters(parameters)
	if err != nil {
		return SubmitResult{}, err
	}
	if strings.TrimSpace(params.Prompt) == "" {
		return SubmitResult{}, missingField(d.Name(), "prompt")
	}

	count := max(params.Count, 1)
	urls := make([]string, 0, count)
	revised := ""
	for i := 0; i < count; i++ {
		var generated dalleResponse
		if _, err := d.client.doJSON(ctx, request{
			method: http.MethodPost,
			path:   "/images/generations",
			body: map[string]any{
				"model":  "dall-e-3",
				"prompt": params.Prompt,
				"n":      1,
				"size":   firstNonEmpty(params.Size, "1024x1024"),
			},
		}, &generated); err != nil {
			return SubmitResult{}, fmt.Errorf("dalle3 generate: %w", err)
		}
		if len(generated.Data) == 0 || generated.Data[0].URL == "" {
			return SubmitResult{}, fmt.Errorf("dalle3 response without image: %w", ErrProviderUnavailable)
		}
		urls = append(urls, generated.Data[0].URL)
		revised = firstNonEmpty(revised, generated.Data[0].RevisedPrompt)
	}

	metadata := map[string]any{"images": urls}
	if revised != "" {
		metadata["revised_prompt"] = revised
	}
	return SubmitResult{
		ProviderJobID: "dalle3-" + uuid.NewString(),
		Immediate: &PollResult{
			Status:    domain.ProviderStatusCompleted,
			Progress:  100,
			ResultRef: urls[0],
			Metadata:  metadata,
		},
	}, nil
}

func (d *DALLE3) Poll(context.Context, string) (PollResult, error) {
	return PollResult{}, ErrPushOnly
}

func (d *DALLE3) Cancel(context.Context, string) (bool, error) {
	return false, nil
}
