// Package auth guards the admin API. Operators present a shared bearer token
// and identify themselves with the X-Operator header, which is recorded as
// the author of blacklist changes.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"
)

type ctxKey string

const operatorCtxKey ctxKey = "operator"

// OperatorHeader names the acting administrator.
const OperatorHeader = "X-Operator"

// RequireToken is chi middleware that validates the admin bearer token.
// An empty token disables the admin API entirely.
func RequireToken(token string) func(http.Handler) http.Handler {
	want := sha256.Sum256([]byte(token))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				writeAuthError(w, http.StatusServiceUnavailable, "admin api disabled")
				return
			}
			got, ok := bearer(r)
			if !ok {
				writeAuthError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			sum := sha256.Sum256([]byte(got))
			if subtle.ConstantTimeCompare(sum[:], want[:]) != 1 {
				writeAuthError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			operator := strings.TrimSpace(r.Header.Get(OperatorHeader))
			if operator == "" {
				operator = "admin"
			}
			ctx := context.WithValue(r.Context(), operatorCtxKey, operator)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OperatorFromCtx returns the operator name set by RequireToken.
func OperatorFromCtx(ctx context.Context) string {
	op, _ := ctx.Value(operatorCtxKey).(string)
	return op
}

func bearer(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(h[len(prefix):]), true
}

func writeAuthError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
