package router

import (
	"net/http"

	"github.com/klikdeploy/backend/internal/auth"
)

// New returns an http.Handler that serves the operator API under /api/v1
// plus health and metrics endpoints.
func New(authHandler *auth.Handler, metrics http.Handler) http.Handler {
	mux := http.NewServeMux()
	base := "/api/v1"
	mux.HandleFunc(base+"/auth/login", methodPOST(authHandler.Login))
	mux.HandleFunc("/healthz", methodGET(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
	return mux
}

func methodGET(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func methodPOST(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}
