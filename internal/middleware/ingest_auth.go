package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
)

const ctxSourceKey contextKey = "ingest_source"

// IngestKeys holds the SHA-256 digests of the shared secrets event producers
// present. Raw keys are not retained.
type IngestKeys struct {
	digests [][sha256.Size]byte
}

// NewIngestKeys hashes the configured keys, skipping blanks.
func NewIngestKeys(raw []string) IngestKeys {
	var k IngestKeys
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			k.digests = append(k.digests, sha256.Sum256([]byte(s)))
		}
	}
	return k
}

// Match reports whether raw is one of the keys. Every digest is compared so
// timing does not reveal which key matched.
func (k IngestKeys) Match(raw string) bool {
	sum := sha256.Sum256([]byte(raw))
	var hit int
	for i := range k.digests {
		hit |= subtle.ConstantTimeCompare(sum[:], k.digests[i][:])
	}
	return hit == 1
}

// IngestAuth guards the event routes. A request passes with a Bearer ingest
// key, or with a valid operator token when tokens is set. The caller's source
// ("key:<prefix>" or "operator") is put into the request context.
func IngestAuth(keys IngestKeys, tokens TokenValidator, role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				http.Error(w, `{"error":"missing or malformed Authorization header"}`, http.StatusUnauthorized)
				return
			}
			if keys.Match(raw) {
				next.ServeHTTP(w, r.WithContext(WithSource(r.Context(), "key:"+hashKey(raw)[:8])))
				return
			}
			if tokens != nil {
				if id, gotRole, err := tokens.ValidateToken(r.Context(), raw); err == nil && (role == "" || gotRole == role) {
					ctx := WithOperator(r.Context(), id)
					next.ServeHTTP(w, r.WithContext(WithSource(ctx, "operator")))
					return
				}
			}
			http.Error(w, `{"error":"invalid ingest credential"}`, http.StatusUnauthorized)
		})
	}
}

// SourceFromCtx returns who submitted the event, or "".
func SourceFromCtx(ctx context.Context) string {
	s, _ := ctx.Value(ctxSourceKey).(string)
	return s
}

// WithSource returns a context carrying the event source.
func WithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, ctxSourceKey, source)
}

func hashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
