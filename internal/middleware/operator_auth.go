package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

type contextKey string

const (
	ctxOperatorKey contextKey = "operator"
	ctxEventKey    contextKey = "event"
)

// TokenValidator is the part of the auth service used by OperatorAuth.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (uuid.UUID, string, error)
}

// OperatorAuth admits requests carrying a valid operator Bearer token and
// puts the operator id into the request context.
func OperatorAuth(tokens TokenValidator, role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				http.Error(w, `{"error":"missing or malformed Authorization header"}`, http.StatusUnauthorized)
				return
			}
			id, gotRole, err := tokens.ValidateToken(r.Context(), raw)
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}
			if role != "" && gotRole != role {
				http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithOperator(r.Context(), id)))
		})
	}
}

// OperatorFromCtx returns the authenticated operator id, or uuid.Nil.
func OperatorFromCtx(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(ctxOperatorKey).(uuid.UUID)
	return id
}

// WithOperator returns a context carrying the operator id.
func WithOperator(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, ctxOperatorKey, id)
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
