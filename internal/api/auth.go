package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// requireToken rejects requests without a valid HS256 bearer token signed
// with secret.
func requireToken(secret string, logger *zap.Logger) func(http.Handler) http.Handler {
	keyFunc := func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
			if !ok || tokenString == "" {
				writeText(w, http.StatusUnauthorized, "Error: Authorization header is required")
				return
			}

			if _, err := jwt.Parse(tokenString, keyFunc, jwt.WithValidMethods([]string{"HS256"})); err != nil {
				logger.Warn("Rejected trigger token", zap.Error(err))
				writeText(w, http.StatusUnauthorized, "Error: invalid token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
