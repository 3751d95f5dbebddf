package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/iago/genjobs-back/internal/domain"
)

// Pika reports progress only through webhooks, so Poll is unsupported and the
// job advances through the callback path.
type Pika struct {
	client     *httpClient
	webhookURL string
}

func NewPika(config ClientConfig, webhookURL string) *Pika {
	return &Pika{
		client:     newHTTPClient("pika", "https://api.pika.art", config, headerKey("X-API-KEY", config.APIKey)),
		webhookURL: strings.TrimSpace(webhookURL),
	}
}

func (p *Pika) Name() domain.Provider { return domain.ProviderPika }

func (p *Pika) Traits() Traits {
	return Traits{Kinds: []domain.JobKind{domain.JobKindVideo}}
}

func (p *Pika) Submit(ctx context.Context, kind domain.JobKind, parameters json.RawMessage) (SubmitResult, error) {
	if kind != domain.JobKindVideo {
		return SubmitResult{}, unsupportedKind(p.Name(), kind)
	}
	params, err := decodeParameters(parameters)
	if err != nil {
		return SubmitResult{}, err
	}
	if strings.TrimSpace(params.Prompt) == "" {
		return SubmitResult{}, missingField(p.Name(), "prompt")
	}

	payload := map[string]any{
		"promptText":  params.Prompt,
		"duration":    params.Duration,
		"aspectRatio": firstNonEmpty(params.AspectRatio, "16:9"),
	}
	if p.webhookURL != "" {
		payload["webhookUrl"] = p.webhookURL
	}

	var created struct {
		VideoID string `json:"video_id"`
	}
	if _, err := p.client.doJSON(ctx, request{
		method: http.MethodPost,
		path:   "/generate/2.2/t2v",
		body:   payload,
	}, &created); err != nil {
		return SubmitResult{}, fmt.Errorf("pika submit: %w", err)
	}
	if created.VideoID == "" {
		return SubmitResult{}, fmt.Errorf("pika submit without video id: %w", ErrProviderUnavailable)
	}
	return SubmitResult{ProviderJobID: created.VideoID}, nil
}

func (p *Pika) Poll(context.Context, string) (PollResult, error) {
	return PollResult{}, ErrPushOnly
}

func (p *Pika) Cancel(context.Context, string) (bool, error) {
	return false, nil
}
