package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/iago/genjobs-back/internal/domain"
	"github.com/iago/genjobs-back/internal/storage"
)

// synthesizer is the vendor-specific half of a synchronous speech adapter: it
// turns text into audio bytes.
type synthesizer func(ctx context.Context, params generationParameters) ([]byte, error)

// Speech adapts a synchronous text-to-speech API. The audio comes back inline,
// is written to the blob store, and Submit reports the stored reference as an
// immediate result.
type Speech struct {
	name       domain.Provider
	blobs      storage.BlobStore
	synthesize synthesizer
}

func (s *Speech) Name() domain.Provider { return s.name }

func (s *Speech) Traits() Traits {
	return Traits{Kinds: []domain.JobKind{domain.JobKindVoice}}
}

func (s *Speech) Submit(ctx context.Context, kind domain.JobKind, parameters json.RawMessage) (SubmitResult, error) {
	if kind != domain.JobKindVoice {
		return SubmitResult{}, unsupportedKind(s.name, kind)
	}
	params, err := decodeParameters(parameters)
	if err != nil {
		return SubmitResult{}, err
	}
	if strings.TrimSpace(params.Text) == "" {
		return SubmitResult{}, missingField(s.name, "text")
	}
	if s.blobs == nil {
		return SubmitResult{}, fmt.Errorf("%s: no blob store configured: %w", s.name, ErrProviderUnavailable)
	}

	audio, err := s.synthesize(ctx, params)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("%s synthesize: %w", s.name, err)
	}
	if len(audio) == 0 {
		return SubmitResult{}, fmt.Errorf("%s returned no audio: %w", s.name, ErrProviderUnavailable)
	}

	id := uuid.NewString()
	ref, err := s.blobs.Put(ctx, fmt.Sprintf("voice/%s/%s.mp3", s.name, id), audio)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("%s store audio: %w", s.name, errors.Join(err, ErrProviderUnavailable))
	}

	return SubmitResult{
		ProviderJobID: string(s.name) + "-" + id,
		Immediate: &PollResult{
			Status:    domain.ProviderStatusCompleted,
			Progress:  100,
			ResultRef: ref,
			Metadata:  map[string]any{"bytes": len(audio), "format": "mp3"},
		},
	}, nil
}

func (s *Speech) Poll(context.Context, string) (PollResult, error) {
	return PollResult{}, ErrPushOnly
}

func (s *Speech) Cancel(context.Context, string) (bool, error) {
	return false, nil
}

func NewOpenAITTS(config ClientConfig, blobs storage.BlobStore) *Speech {
	client := newHTTPClient("openai_tts", "https://api.openai.com/v1", config, bearer(config.APIKey))
	return &Speech{
		name:  domain.ProviderOpenAITTS,
		blobs: blobs,
		synthesize: func(ctx context.Context, params generationParameters) ([]byte, error) {
			resp, err := client.do(ctx, request{
				method: http.MethodPost,
				path:   "/audio/speech",
				body: map[string]any{
					"model":           firstNonEmpty(params.Model, "tts-1"),
					"input":           params.Text,
					"voice":           firstNonEmpty(params.Voice, "alloy"),
					"response_format": "mp3",
				},
			})
			return resp.body, err
		},
	}
}

func NewElevenLabs(config ClientConfig, blobs storage.BlobStore) *Speech {
	client := newHTTPClient("elevenlabs", "https://api.elevenlabs.io", config, headerKey("xi-api-key", config.APIKey))
	return &Speech{
		name:  domain.ProviderElevenLabs,
		blobs: blobs,
		synthesize: func(ctx context.Context, params generationParameters) ([]byte, error) {
			voiceID := firstNonEmpty(params.Voice, "21m00Tcm4TlvDq8ikWAM")
			resp, err := client.do(ctx, request{
				method:  http.MethodPost,
				path:    "/v1/text-to-speech/" + url.PathEscape(voiceID) + "?output_format=mp3_44100_128",
				headers: map[string]string{"Accept": "audio/mpeg"},
				body: map[string]any{
					"text":     params.Text,
					"model_id": firstNonEmpty(params.Model, "eleven_multilingual_v2"),
				},
			})
			return resp.body, err
		},
	}
}

func NewGoogleTTS(config ClientConfig, blobs storage.BlobStore) *Speech {
	apiKey := strings.TrimSpace(config.APIKey)
	client := newHTTPClient("google_tts", "https://texttospeech.googleapis.com", config, nil)
	return &Speech{
		name:  domain.ProviderGoogleTTS,
		blobs: blobs,
		synthesize: func(ctx context.Context, params generationParameters) ([]byte, error) {
			language := firstNonEmpty(params.Language, "en-US")
			voice := map[string]any{"languageCode": language}
			if params.Voice != "" {
				voice["name"] = params.Voice
			}

			var synthesized struct {
				AudioContent string `json:"audioContent"`
			}
			if _, err := client.doJSON(ctx, request{
				method: http.MethodPost,
				path:   "/v1/text:synthesize?key=" + url.QueryEscape(apiKey),
				body: map[string]any{
					"input":       map[string]any{"text": params.Text},
					"voice":       voice,
					"audioConfig": map[string]any{"audioEncoding": "MP3"},
				},
			}, &synthesized); err != nil {
				return nil, err
			}
			audio, err := base64.StdEncoding.DecodeString(synthesized.AudioContent)
			if err != nil {
				return nil, fmt.Errorf("decode audio content: %w", errors.Join(err, ErrProviderUnavailable))
			}
			return audio, nil
		},
	}
}
