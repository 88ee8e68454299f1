package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

func newTestService(t *testing.T) *service {
	t.Helper()
	svc := NewService(NewMemoryRepository(), "test-secret", time.Hour)
	if _, err := svc.CreateOperator(context.Background(), "ops@example.com", "hunter22"); err != nil {
		t.Fatalf("CreateOperator: %v", err)
	}
	return svc
}

// ---------------------------------------------------------------------------
// 1. TestLogin_IssuesOperatorToken
// ---------------------------------------------------------------------------

func TestLogin_IssuesOperatorToken(t *testing.T) {
	svc := newTestService(t)
	sess, err := svc.Login(context.Background(), "ops@example.com", "hunter22")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	id, role, err := svc.ValidateToken(context.Background(), sess.Token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if role != RoleOperator || id != sess.OperatorID {
		t.Errorf("claims: got (%s, %q), want (%s, %q)", id, role, sess.OperatorID, RoleOperator)
	}
	if !sess.ExpiresAt.After(time.Now()) {
		t.Errorf("expires_at in the past: %s", sess.ExpiresAt)
	}
}

// ---------------------------------------------------------------------------
// 2. TestLogin_RejectsBadCredentials
// ---------------------------------------------------------------------------

func TestLogin_RejectsBadCredentials(t *testing.T) {
	svc := newTestService(t)
	if _, err := svc.Login(context.Background(), "ops@example.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password: got %v", err)
	}
	if _, err := svc.Login(context.Background(), "nobody@example.com", "hunter22"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown email: got %v", err)
	}
}

// ---------------------------------------------------------------------------
// 3. TestValidateToken_RejectsForeignAndExpired
// ---------------------------------------------------------------------------

func TestValidateToken_RejectsForeignAndExpired(t *testing.T) {
	svc := newTestService(t)
	other := NewService(NewMemoryRepository(), "other-secret", time.Hour)
	foreign, _, _ := other.issueToken(uuid.New(), RoleOperator)
	if _, _, err := svc.ValidateToken(context.Background(), foreign); err == nil {
		t.Error("token signed with another secret accepted")
	}

	svc.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, _, _ := svc.issueToken(uuid.New(), RoleOperator)
	if _, _, err := svc.ValidateToken(context.Background(), expired); !errors.Is(err, jwt.ErrTokenExpired) {
		t.Errorf("expired token: got %v", err)
	}
}

// ---------------------------------------------------------------------------
// 4. TestEnsureOperator_Idempotent
// ---------------------------------------------------------------------------

func TestEnsureOperator_Idempotent(t *testing.T) {
	svc := newTestService(t)
	if err := EnsureOperator(context.Background(), svc, "ops@example.com", "hunter22"); err != nil {
		t.Fatalf("EnsureOperator: %v", err)
	}
}

// ---------------------------------------------------------------------------
// 5. TestHandler_Login
// ---------------------------------------------------------------------------

func TestHandler_Login(t *testing.T) {
	h := NewHandler(newTestService(t), nil)

	body, _ := json.Marshal(LoginRequest{Email: "OPS@example.com", Password: "hunter22"})
	rec := httptest.NewRecorder()
	h.Login(rec, httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want %d", rec.Code, http.StatusOK)
	}
	var resp LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil || resp.Token == "" {
		t.Fatalf("decode: %v token=%q", err, resp.Token)
	}
	if resp.TokenType != "Bearer" || resp.Role != RoleOperator || resp.OperatorID == "" || resp.ExpiresAt.IsZero() {
		t.Errorf("response: %+v", resp)
	}

	body, _ = json.Marshal(LoginRequest{Email: "ops@example.com", Password: "nope"})
	rec = httptest.NewRecorder()
	h.Login(rec, httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body)))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status: got %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	var errBody errorResponse
	if err := json.NewDecoder(rec.Body).Decode(&errBody); err != nil || errBody.Code != "invalid_credentials" {
		t.Errorf("error body: %+v (%v)", errBody, err)
	}

	rec = httptest.NewRecorder()
	h.Login(rec, httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader([]byte(`{"email":"ops@example.com"}`))))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing password: got %d, want %d", rec.Code, http.StatusBadRequest)
	}
}
