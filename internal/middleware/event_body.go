package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/klikdeploy/backend/internal/ingest"
)

// DefaultMaxEventBytes bounds inbound event bodies.
const DefaultMaxEventBytes = 64 << 10

// EventDecoder validates and decodes a raw deployment event.
type EventDecoder interface {
	Decode(raw []byte) (ingest.Event, error)
}

// EventFromCtx returns the event parsed by EventBody.
func EventFromCtx(ctx context.Context) (ingest.Event, bool) {
	ev, ok := ctx.Value(ctxEventKey).(ingest.Event)
	return ev, ok
}

// WithEvent returns a context carrying ev.
func WithEvent(ctx context.Context, ev ingest.Event) context.Context {
	return context.WithValue(ctx, ctxEventKey, ev)
}

// EventBody reads at most maxBytes of the body, validates it as a deployment
// event and stores the decoded event in the request context. Schema
// violations are answered with 400 before the handler runs.
func EventBody(dec EventDecoder, maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxEventBytes
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBytes))
			r.Body.Close()
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
					return
				}
				writeError(w, http.StatusBadRequest, "failed to read body")
				return
			}
			ev, err := dec.Decode(body)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(WithEvent(r.Context(), ev)))
		})
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
