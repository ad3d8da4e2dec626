package auth

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

var (
	// ErrMissingToken indicates that no Authorization header was provided.
	ErrMissingToken = errors.New("missing admin token")
	// ErrInvalidPrefix indicates the header did not use the Bearer prefix.
	ErrInvalidPrefix = errors.New("invalid authorization prefix")
)

// ExtractToken parses a Bearer token from the Authorization header.
func ExtractToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingToken
	}

	if !strings.HasPrefix(header, "Bearer ") {
		return "", ErrInvalidPrefix
	}

	token := strings.TrimPrefix(header, "Bearer ")
	if token == "" {
		return "", ErrMissingToken
	}

	return token, nil
}

// RequireToken guards admin routes with a single shared token. Comparison is
// constant time.
func RequireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, err := ExtractToken(r)
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, err.Error())
				return
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeAuthError(w, http.StatusForbidden, "invalid admin token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeAuthError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized", "detail": detail})
}
