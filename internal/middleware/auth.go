package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/dukerupert/mapsheet/internal/auth"
)

// RequireServiceToken admits requests whose bearer token matches the bcrypt
// hash. The caller's X-Service-Name header is recorded in the context.
func RequireServiceToken(hash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := auth.BearerToken(r.Header.Get("Authorization"))
			if err := auth.VerifyToken(hash, token); err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("WWW-Authenticate", `Bearer realm="billing"`)
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
				return
			}

			service := r.Header.Get("X-Service-Name")
			if service == "" {
				service = "unknown"
			}
			ctx := auth.WithCaller(r.Context(), auth.Caller{
				Service:   service,
				RequestID: RequestIDFrom(r.Context()),
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
