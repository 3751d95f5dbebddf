package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iago/genjobs-back/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(baseURL string, retries int) ClientConfig {
	return ClientConfig{
		APIKey:     "test-key",
		BaseURL:    baseURL,
		Timeout:    2 * time.Second,
		MaxRetries: retries,
	}
}

type memoryBlobs struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func (m *memoryBlobs) Put(_ context.Context, key string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.blobs == nil {
		m.blobs = make(map[string][]byte)
	}
	m.blobs[key] = data
	return "mem://" + key, nil
}

func TestRunwaySubmitAndPoll(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, runwayAPIVersion, r.Header.Get("X-Runway-Version"))
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/text_to_video":
			var body map[string]any
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "a cat surfing", body["promptText"])
			_, _ = w.Write([]byte(`{"id":"task-1"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/v1/tasks/task-1":
			_, _ = w.Write([]byte(`{"id":"task-1","status":"RUNNING","progress":0.4}`))
		case r.Method == http.MethodGet && r.URL.Path == "/v1/tasks/task-2":
			_, _ = w.Write([]byte(`{"id":"task-2","status":"SUCCEEDED","output":["https://cdn.example/v.mp4"]}`))
		case r.Method == http.MethodGet && r.URL.Path == "/v1/tasks/task-3":
			_, _ = w.Write([]byte(`{"id":"task-3","status":"FAILED","failure":"content moderation"}`))
		case r.Method == http.MethodDelete && r.URL.Path == "/v1/tasks/task-1":
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	adapter := NewRunway(testConfig(server.URL, 0))
	ctx := context.Background()

	submitted, err := adapter.Submit(ctx, domain.JobKindVideo, json.RawMessage(`{"prompt":"a cat surfing","duration":6}`))
	require.NoError(t, err)
	assert.Equal(t, "task-1", submitted.ProviderJobID)
	assert.Nil(t, submitted.Immediate)

	running, err := adapter.Poll(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderStatusProcessing, running.Status)
	assert.Equal(t, 40, running.Progress)

	done, err := adapter.Poll(ctx, "task-2")
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderStatusCompleted, done.Status)
	assert.Equal(t, "https://cdn.example/v.mp4", done.ResultRef)

	failed, err := adapter.Poll(ctx, "task-3")
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderStatusFailed, failed.Status)
	assert.Equal(t, "content moderation", failed.FailureDetail)

	supported, err := adapter.Cancel(ctx, "task-1")
	require.NoError(t, err)
	assert.True(t, supported)
}

func TestRunwayRejectsWrongKind(t *testing.T) {
	adapter := NewRunway(testConfig("http://127.0.0.1:1", 0))
	_, err := adapter.Submit(context.Background(), domain.JobKindVoice, json.RawMessage(`{"text":"hi"}`))
	assert.ErrorIs(t, err, ErrProviderRejected)
}

func TestClientRetriesOnRateLimit(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate_limited"}`))
			return
		}
		_, _ = w.Write([]byte(`{"video_id":"pika-1"}`))
	}))
	defer server.Close()

	adapter := NewPika(testConfig(server.URL, 2), "")
	result, err := adapter.Submit(context.Background(), domain.JobKindVideo, json.RawMessage(`{"prompt":"waves"}`))
	require.NoError(t, err)
	assert.Equal(t, "pika-1", result.ProviderJobID)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestClientClassifiesErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantErr   error
		wantCalls int32
	}{
		{name: "validation", status: http.StatusBadRequest, wantErr: ErrProviderRejected, wantCalls: 1},
		{name: "unprocessable", status: http.StatusUnprocessableEntity, wantErr: ErrProviderRejected, wantCalls: 1},
		{name: "auth", status: http.StatusUnauthorized, wantErr: ErrProviderUnavailable, wantCalls: 1},
		{name: "server", status: http.StatusBadGateway, wantErr: ErrProviderUnavailable, wantCalls: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(strings.Repeat("x", 2000)))
			}))
			defer server.Close()

			adapter := NewPika(testConfig(server.URL, 1), "")
			_, err := adapter.Submit(context.Background(), domain.JobKindVideo, json.RawMessage(`{"prompt":"waves"}`))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.wantCalls, atomic.LoadInt32(&calls))

			var httpErr *HTTPError
			require.ErrorAs(t, err, &httpErr)
			assert.Len(t, httpErr.Message, maxErrorBody)
		})
	}
}

func TestClientTransportFailureIsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	baseURL := server.URL
	server.Close()

	adapter := NewRunway(testConfig(baseURL, 0))
	_, err := adapter.Poll(context.Background(), "task-1")
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestPikaIsPushOnly(t *testing.T) {
	adapter := NewPika(testConfig("http://127.0.0.1:1", 0), "https://hooks.example/pika")
	_, err := adapter.Poll(context.Background(), "pika-1")
	assert.ErrorIs(t, err, ErrPushOnly)

	supported, err := adapter.Cancel(context.Background(), "pika-1")
	require.NoError(t, err)
	assert.False(t, supported)
}

func TestMiniMaxVoiceUsesSpeechEndpoints(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/t2a_async_v2":
			_, _ = w.Write([]byte(`{"task_id":95157322514444,"base_resp":{"status_code":0}}`))
		case "/v1/query/t2a_async_query_v2":
			assert.Equal(t, "95157322514444", r.URL.Query().Get("task_id"))
			_, _ = w.Write([]byte(`{"status":"Success","file_id":186248456,"base_resp":{"status_code":0}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	adapter := NewMiniMax(testConfig(server.URL, 0))
	ctx := context.Background()

	submitted, err := adapter.Submit(ctx, domain.JobKindVoice, json.RawMessage(`{"text":"hello world"}`))
	require.NoError(t, err)
	assert.Equal(t, "voice:95157322514444", submitted.ProviderJobID)

	polled, err := adapter.Poll(ctx, submitted.ProviderJobID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderStatusCompleted, polled.Status)
	assert.Equal(t, "minimax-file:186248456", polled.ResultRef)
}

func TestMiniMaxInBodyErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"task_id":"","base_resp":{"status_code":2013,"status_msg":"invalid params"}}`))
	}))
	defer server.Close()

	adapter := NewMiniMax(testConfig(server.URL, 0))
	_, err := adapter.Submit(context.Background(), domain.JobKindVideo, json.RawMessage(`{"prompt":"x"}`))
	assert.ErrorIs(t, err, ErrProviderRejected)
}

func TestStabilityPollInProgress(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2beta/results/pending":
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(`{"id":"pending","status":"in-progress"}`))
		case "/v2beta/results/done":
			_, _ = w.Write([]byte(`{"finish_reason":"SUCCESS","url":"https://cdn.example/i.png","seed":42}`))
		case "/v2beta/results/filtered":
			_, _ = w.Write([]byte(`{"finish_reason":"CONTENT_FILTERED"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	adapter := NewStability(testConfig(server.URL, 0))
	ctx := context.Background()

	pending, err := adapter.Poll(ctx, "pending")
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderStatusProcessing, pending.Status)

	done, err := adapter.Poll(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderStatusCompleted, done.Status)
	assert.Equal(t, "https://cdn.example/i.png", done.ResultRef)

	filtered, err := adapter.Poll(ctx, "filtered")
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderStatusFailed, filtered.Status)

	expired, err := adapter.Poll(ctx, "gone")
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderStatusFailed, expired.Status)
}

func TestDALLE3ReturnsImmediateResult(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		assert.Equal(t, "/images/generations", r.URL.Path)
		_, _ = w.Write([]byte(`{"data":[{"url":"https://img.example/` + string(rune('0'+n)) + `.png","revised_prompt":"a red fox"}]}`))
	}))
	defer server.Close()

	adapter := NewDALLE3(testConfig(server.URL, 0))
	result, err := adapter.Submit(context.Background(), domain.JobKindImage, json.RawMessage(`{"prompt":"fox","count":2}`))
	require.NoError(t, err)
	require.NotNil(t, result.Immediate)
	assert.Equal(t, domain.ProviderStatusCompleted, result.Immediate.Status)
	assert.Equal(t, "https://img.example/1.png", result.Immediate.ResultRef)
	assert.Len(t, result.Immediate.Metadata["images"], 2)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.True(t, strings.HasPrefix(result.ProviderJobID, "dalle3-"))
}

func TestOpenAITTSStoresAudio(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), `"input":"hello there"`)
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("ID3-audio"))
	}))
	defer server.Close()

	blobs := &memoryBlobs{}
	adapter := NewOpenAITTS(testConfig(server.URL, 0), blobs)
	result, err := adapter.Submit(context.Background(), domain.JobKindVoice, json.RawMessage(`{"text":"hello there"}`))
	require.NoError(t, err)
	require.NotNil(t, result.Immediate)
	assert.True(t, strings.HasPrefix(result.Immediate.ResultRef, "mem://voice/openai_tts/"))
	assert.Len(t, blobs.blobs, 1)
}

func TestGoogleTTSDecodesAudio(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.URL.Query().Get("key"))
		_, _ = w.Write([]byte(`{"audioContent":"` + base64.StdEncoding.EncodeToString([]byte("mp3-bytes")) + `"}`))
	}))
	defer server.Close()

	blobs := &memoryBlobs{}
	adapter := NewGoogleTTS(testConfig(server.URL, 0), blobs)
	result, err := adapter.Submit(context.Background(), domain.JobKindVoice, json.RawMessage(`{"text":"ola"}`))
	require.NoError(t, err)
	require.NotNil(t, result.Immediate)
	for _, data := range blobs.blobs {
		assert.Equal(t, []byte("mp3-bytes"), data)
	}
}

func TestElevenLabsRequiresText(t *testing.T) {
	adapter := NewElevenLabs(testConfig("http://127.0.0.1:1", 0), &memoryBlobs{})
	_, err := adapter.Submit(context.Background(), domain.JobKindVoice, json.RawMessage(`{"voice":"abc"}`))
	assert.ErrorIs(t, err, ErrProviderRejected)
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry(
		NewRunway(testConfig("http://127.0.0.1:1", 0)),
		NewPika(testConfig("http://127.0.0.1:1", 0), ""),
		NewStability(testConfig("http://127.0.0.1:1", 0)),
	)

	_, err := registry.Get("midjourney")
	assert.ErrorIs(t, err, domain.ErrUnknownProvider)

	_, err = registry.Resolve(domain.ProviderRunway, domain.JobKindImage)
	assert.ErrorIs(t, err, ErrProviderRejected)

	adapter, err := registry.Resolve(domain.ProviderStability, domain.JobKindImage)
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderStability, adapter.Name())

	assert.Equal(t, []domain.Provider{domain.ProviderRunway, domain.ProviderStability}, registry.Pollable())
}

func TestClientConfigMaxCallDuration(t *testing.T) {
	assert.Equal(t, 30*time.Second, ClientConfig{}.MaxCallDuration())

	worst := ClientConfig{Timeout: 30 * time.Second, MaxRetries: 2}.MaxCallDuration()
	assert.Equal(t, 90*time.Second+350*time.Millisecond+700*time.Millisecond, worst)
}
