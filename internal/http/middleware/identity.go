package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

const ownerIDContextKey contextKey = "owner_id"

var ErrUnauthenticated = errors.New("unauthenticated")

// IdentityVerifier resolves a bearer credential to the owner id it acts for.
type IdentityVerifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// StaticTokens verifies against a fixed token to owner map.
type StaticTokens map[string]string

func (t StaticTokens) Verify(_ context.Context, token string) (string, error) {
	for candidate, ownerID := range t {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			return ownerID, nil
		}
	}
	return "", ErrUnauthenticated
}

// Identity rejects requests without a verified bearer token and stores the
// owner id in the request context.
func Identity(verifier IdentityVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authorization := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(authorization, prefix) {
				writeError(w, r, http.StatusUnauthorized, "unauthorized", "authentication required")
				return
			}

			token := strings.TrimSpace(strings.TrimPrefix(authorization, prefix))
			if token == "" {
				writeError(w, r, http.StatusUnauthorized, "unauthorized", "authentication required")
				return
			}
			ownerID, err := verifier.Verify(r.Context(), token)
			if err != nil || ownerID == "" {
				writeError(w, r, http.StatusUnauthorized, "unauthorized", "authentication required")
				return
			}

			ctx := context.WithValue(r.Context(), ownerIDContextKey, ownerID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OwnerID returns the verified owner id, or "" outside Identity.
func OwnerID(ctx context.Context) string {
	value, _ := ctx.Value(ownerIDContextKey).(string)
	return value
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write([]byte(`{"error":{"code":"` + code + `","message":"` + message + `"},"request_id":"` + GetRequestID(r.Context()) + `"}`))
}
