package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/iago/genjobs-back/internal/domain"
)

// MiniMax serves both video and asynchronous speech. The provider job id is
// prefixed with the kind so Poll knows which query endpoint to hit.
type MiniMax struct {
	client *httpClient
}

func NewMiniMax(config ClientConfig) *MiniMax {
	return &MiniMax{
		client: newHTTPClient("minimax", "https://api.minimax.io", config, bearer(config.APIKey)),
	}
}

func (m *MiniMax) Name() domain.Provider { return domain.ProviderMiniMax }

func (m *MiniMax) Traits() Traits {
	return Traits{Kinds: []domain.JobKind{domain.JobKindVideo, domain.JobKindVoice}, Pollable: true}
}

type minimaxBaseResponse struct {
	StatusCode int    `json:"status_code"`
	StatusMsg  string `json:"status_msg"`
}

// check maps MiniMax's in-body error codes. 1002 and 1039 are rate limits,
// 1000 and 1001 are server-side faults.
func (b minimaxBaseResponse) check() error {
	switch b.StatusCode {
	case 0:
		return nil
	case 1000, 1001, 1002, 1039:
		return fmt.Errorf("minimax code %d: %w", b.StatusCode, ErrProviderUnavailable)
	default:
		return fmt.Errorf("minimax code %d: %w", b.StatusCode, ErrProviderRejected)
	}
}

type minimaxSubmitResponse struct {
	TaskID   any                 `json:"task_id"`
	BaseResp minimaxBaseResponse `json:"base_resp"`
}

type minimaxQueryResponse struct {
	Status   string              `json:"status"`
	FileID   any                 `json:"file_id"`
	BaseResp minimaxBaseResponse `json:"base_resp"`
}

func (m *MiniMax) Submit(ctx context.Context, kind domain.JobKind, parameters json.RawMessage) (SubmitResult, error) {
	params, err := decodeParameters(parameters)
	if err != nil {
		return SubmitResult{}, err
	}

	var (
		path    string
		payload map[string]any
	)
	switch kind {
	case domain.JobKindVideo:
		if strings.TrimSpace(params.Prompt) == "" {
			return SubmitResult{}, missingField(m.Name(), "prompt")
		}
		path = "/v1/video_generation"
		payload = map[string]any{
			"model":    firstNonEmpty(params.Model, "MiniMax-Hailuo-02"),
			"prompt":   params.Prompt,
			"duration": params.Duration,
		}
		if params.ImageURL != "" {
			payload["first_frame_image"] = params.ImageURL
		}
	case domain.JobKindVoice:
		if strings.TrimSpace(params.Text) == "" {
			return SubmitResult{}, missingField(m.Name(), "text")
		}
		path = "/v1/t2a_async_v2"
		payload = map[string]any{
			"model": firstNonEmpty(params.Model, "speech-02-hd"),
			"text":  params.Text,
			"voice_setting": map[string]any{
				"voice_id": firstNonEmpty(params.Voice, "English_expressive_narrator"),
			},
		}
	default:
		return SubmitResult{}, unsupportedKind(m.Name(), kind)
	}

	var created minimaxSubmitResponse
	if _, err := m.client.doJSON(ctx, request{method: http.MethodPost, path: path, body: payload}, &created); err != nil {
		return SubmitResult{}, fmt.Errorf("minimax submit: %w", err)
	}
	if err := created.BaseResp.check(); err != nil {
		return SubmitResult{}, fmt.Errorf("minimax submit: %w", err)
	}
	taskID := stringify(created.TaskID)
	if taskID == "" {
		return SubmitResult{}, fmt.Errorf("minimax submit without task id: %w", ErrProviderUnavailable)
	}
	return SubmitResult{ProviderJobID: string(kind) + ":" + taskID}, nil
}

func (m *MiniMax) Poll(ctx context.Context, providerJobID string) (PollResult, error) {
	kind, taskID, ok := strings.Cut(providerJobID, ":")
	if !ok || taskID == "" {
		return PollResult{}, fmt.Errorf("minimax job id %q: %w", providerJobID, ErrProviderRejected)
	}

	path := "/v1/query/video_generation?task_id=" + url.QueryEscape(taskID)
	if domain.JobKind(kind) == domain.JobKindVoice {
		path = "/v1/query/t2a_async_query_v2?task_id=" + url.QueryEscape(taskID)
	}

	var query minimaxQueryResponse
	if _, err := m.client.doJSON(ctx, request{method: http.MethodGet, path: path}, &query); err != nil {
		return PollResult{}, fmt.Errorf("minimax poll: %w", err)
	}
	if err := query.BaseResp.check(); err != nil {
		return PollResult{}, fmt.Errorf("minimax poll: %w", err)
	}

	switch strings.ToLower(query.Status) {
	case "queueing", "preparing":
		return PollResult{Status: domain.ProviderStatusQueued}, nil
	case "processing":
		return PollResult{Status: domain.ProviderStatusProcessing}, nil
	case "success":
		fileID := stringify(query.FileID)
		return PollResult{
			Status:    domain.ProviderStatusCompleted,
			Progress:  100,
			ResultRef: "minimax-file:" + fileID,
			Metadata:  map[string]any{"file_id": fileID},
		}, nil
	case "fail", "failed", "expired":
		return PollResult{
			Status:        domain.ProviderStatusFailed,
			FailureDetail: firstNonEmpty(query.BaseResp.StatusMsg, strings.ToLower(query.Status)),
		}, nil
	default:
		return PollResult{}, fmt.Errorf("minimax unknown status %q: %w", query.Status, ErrProviderUnavailable)
	}
}

func (m *MiniMax) Cancel(context.Context, string) (bool, error) {
	return false, nil
}

// stringify accepts ids that MiniMax returns either as strings or numbers.
func stringify(value any) string {
	switch typed := value.(type) {
	case string:
		return strings.TrimSpace(typed)
	case float64:
		return fmt.Sprintf("%.0f", typed)
	case nil:
		return ""
	default:
		return fmt.Sprint(typed)
	}
}
