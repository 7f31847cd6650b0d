package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
)

// WorkerSecret rejects requests whose x-worker-secret header does not
// match the configured value. The comparison is constant time; the gate
// runs before any request body is read or upstream call is issued.
func WorkerSecret(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			supplied := r.Header.Get("x-worker-secret")
			if secret == "" || subtle.ConstantTimeCompare([]byte(supplied), []byte(secret)) != 1 {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
