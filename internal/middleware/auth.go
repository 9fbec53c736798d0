package middleware

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/go-redis/redis/v8"

	"github.com/bankstack/backend/internal/token"
)

type contextKey string

const principalIDKey contextKey = "principalID"

// PrincipalID returns the authenticated principal id attached by Auth.
func PrincipalID(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(principalIDKey).(int64)
	return id, ok
}

// WithPrincipalID attaches a principal id to the context. Exposed for
// handler tests; production requests get it from Auth.
func WithPrincipalID(ctx context.Context, principalID int64) context.Context {
	return context.WithValue(ctx, principalIDKey, principalID)
}

// Auth is the single chokepoint in front of the ledger: it verifies the
// bearer token against the shared secret and configured algorithm,
// rejects revoked tokens, and attaches the caller's principal id to the
// request context. It is a pure function of (token, secret, algorithm,
// time) plus the revocation list; there is no server-side session state.
func Auth(codec *token.Codec, redisClient *redis.Client) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
				return
			}
			rawToken := parts[1]

			claims, err := codec.Verify(rawToken)
			if err != nil {
				// Expired, tampered, malformed, wrong algorithm: all the same
				// answer, so callers cannot probe which check failed.
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			if redisClient != nil {
				revoked, err := redisClient.Exists(r.Context(), token.RevocationKey(rawToken)).Result()
				if err != nil {
					// Revocation state unknown; the token's own expiry still
					// bounds the exposure.
					log.Printf("[AUTH] Revocation check failed: %v", err)
				} else if revoked > 0 {
					http.Error(w, "Invalid token", http.StatusUnauthorized)
					return
				}
			}

			ctx := WithPrincipalID(r.Context(), claims.PrincipalID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
