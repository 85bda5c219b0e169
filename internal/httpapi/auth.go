package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// OpsScope is the scope claim required on /ops routes.
const OpsScope = "ops"

// RequireScope accepts HS256 bearer tokens signed with secret whose "scope"
// claim (space separated) contains scope.
func RequireScope(secret []byte, scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(secret) == 0 {
				writeError(w, http.StatusServiceUnavailable, "ops api disabled")
				return
			}
			header := strings.TrimSpace(r.Header.Get("Authorization"))
			if header == "" {
				writeError(w, http.StatusUnauthorized, "missing authorization token")
				return
			}
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				writeError(w, http.StatusUnauthorized, "invalid authorization format")
				return
			}
			tokenStr := strings.TrimSpace(parts[1])
			if tokenStr == "" {
				writeError(w, http.StatusUnauthorized, "invalid authorization token")
				return
			}

			claims := jwt.MapClaims{}
			token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (any, error) {
				return secret, nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
			if err != nil || !token.Valid {
				writeError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}
			if !hasScope(claims, scope) {
				writeError(w, http.StatusForbidden, "insufficient scope")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func hasScope(claims jwt.MapClaims, want string) bool {
	raw, _ := claims["scope"].(string)
	for _, s := range strings.Fields(raw) {
		if s == want {
			return true
		}
	}
	return false
}

// IssueOpsToken mints a token accepted by the /ops routes.
func IssueOpsToken(secret []byte, subject string, ttl time.Duration, now time.Time) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("ops secret is empty")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	claims := jwt.MapClaims{
		"sub":   subject,
		"scope": OpsScope,
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}
	return signed, nil
}
