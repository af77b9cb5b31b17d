package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/xvpaul/vmshare/lib/logger"
)

type contextKey string

const userIDKey contextKey = "user_id"

// JwtAuth creates a chi middleware that validates an HMAC JWT bearer
// token and injects its subject claim into the request context as the
// user ID every handler authenticates against.
func JwtAuth(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log := logger.FromContext(r.Context())

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				log.DebugContext(r.Context(), "missing authorization header")
				writeAuthError(w, "authorization header required")
				return
			}

			token, err := extractBearerToken(authHeader)
			if err != nil {
				log.DebugContext(r.Context(), "invalid authorization header", "error", err)
				writeAuthError(w, "invalid authorization header format")
				return
			}

			claims := jwt.MapClaims{}
			parsed, err := jwt.ParseWithClaims(token, claims, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrTokenUnverifiable
				}
				return []byte(jwtSecret), nil
			})
			if err != nil || !parsed.Valid {
				log.DebugContext(r.Context(), "invalid jwt", "error", err)
				writeAuthError(w, "invalid token")
				return
			}

			sub, _ := claims["sub"].(string)
			if sub == "" {
				log.DebugContext(r.Context(), "jwt missing sub claim")
				writeAuthError(w, "invalid token")
				return
			}

			ctx := context.WithValue(r.Context(), userIDKey, sub)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetUserIDFromContext extracts the authenticated user ID set by JwtAuth.
func GetUserIDFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(userIDKey).(string)
	return userID
}

func extractBearerToken(authHeader string) (string, error) {
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", jwt.ErrTokenMalformed
	}
	return parts[1], nil
}

func writeAuthError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + message + `"}`))
}
