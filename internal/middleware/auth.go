// Package middleware provides HTTP middleware for the gateway API.
package middleware

import (
	"crypto/subtle"
	"net/http"
)

// APIKeyHeader is the header carrying the gateway API key.
const APIKeyHeader = "X-API-Key"

// APIKey returns middleware that rejects requests without the expected
// key. The key may arrive in the X-API-Key header or the api_key query
// parameter (the latter for websocket clients that cannot set headers).
func APIKey(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(APIKeyHeader)
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}

			if subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":true,"message":"invalid or missing API key"}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
