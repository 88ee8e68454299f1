package router

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/klikdeploy/backend/internal/auth"
)

func TestRouter_Routes(t *testing.T) {
	svc := auth.NewService(auth.NewMemoryRepository(), "secret", time.Hour)
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) })
	h := New(auth.NewHandler(svc, nil), metrics)

	cases := []struct {
		method, path, body string
		want               int
	}{
		{http.MethodGet, "/healthz", "", http.StatusOK},
		{http.MethodGet, "/metrics", "", http.StatusTeapot},
		{http.MethodGet, "/api/v1/auth/login", "", http.StatusMethodNotAllowed},
		{http.MethodPost, "/api/v1/auth/login", `{"email":"x@y.z","password":"p"}`, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.body)))
		if rec.Code != tc.want {
			t.Errorf("%s %s: got %d, want %d", tc.method, tc.path, rec.Code, tc.want)
		}
	}
}
