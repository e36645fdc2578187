// Package httpserver contains HTTP handlers and middleware.
//
// It provides REST API endpoints for the application including job
// submission, worker dispatch, and webhook/DLQ-replay delivery.
// The package follows clean architecture principles and provides
// a clear separation between HTTP concerns and business logic.
package httpserver

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// constantTimeEquals compares two trimmed strings without leaking timing
// information, the shared mechanism behind the `x-queue-secret` check.
func constantTimeEquals(expected, got string) bool {
	expected = strings.TrimSpace(expected)
	got = strings.TrimSpace(got)
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}

// RequireQueueSecret guards the worker and DLQ-replay endpoints with the
// shared `x-queue-secret` header.
func RequireQueueSecret(secret string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !constantTimeEquals(secret, r.Header.Get("x-queue-secret")) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// bearerToken extracts the raw token from an `Authorization: Bearer <token>`
// header.
func bearerToken(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return "", false
	}
	token := strings.TrimSpace(authz[len(prefix):])
	if token == "" {
		return "", false
	}
	return token, true
}
