package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIdentityResolvesOwner(t *testing.T) {
	var owner string
	handler := RequestID(Identity(StaticTokens{"tok-1": "owner-1"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner = OwnerID(r.Context())
		w.WriteHeader(http.StatusOK)
	})))

	request := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	request.Header.Set("Authorization", "Bearer tok-1")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "owner-1", owner)
}

func TestIdentityRejectsMissingOrUnknownTokens(t *testing.T) {
	handler := RequestID(Identity(StaticTokens{"tok-1": "owner-1"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not run")
	})))

	for _, header := range []string{"", "Basic dXNlcg==", "Bearer ", "Bearer tok-2"} {
		request := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
		request.Header.Set("X-Request-Id", "req-42")
		if header != "" {
			request.Header.Set("Authorization", header)
		}
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, request)

		assert.Equal(t, http.StatusUnauthorized, recorder.Code, header)
		assert.Contains(t, recorder.Body.String(), `"request_id":"req-42"`)
	}
}

func TestOwnerIDOutsideIdentity(t *testing.T) {
	assert.Empty(t, OwnerID(context.Background()))
}

func TestRequestIDReplacesOversizedValues(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	request := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	request.Header.Set("X-Request-Id", strings.Repeat("x", 200))
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	assert.Len(t, seen, 36)
	assert.Equal(t, seen, recorder.Header().Get("X-Request-Id"))
}

func TestRateLimitPerIP(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handler := RateLimit(ctx, 1, 2)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		request := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
		request.RemoteAddr = "10.0.0.1:5000"
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, request)
		codes = append(codes, recorder.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	request := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	request.RemoteAddr = "10.0.0.2:5000"
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	assert.Equal(t, http.StatusOK, recorder.Code)
}
