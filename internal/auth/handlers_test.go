package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/gin-gonic/gin"
)

func setupAuthRouter(t *testing.T) (*gin.Engine, *Manager, *MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := NewMemoryStore()
	m := NewManager(store, "test-secret")
	h := NewHandler(m)

	r := gin.New()
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)

	protected := v1.Group("")
	protected.Use(Middleware(m), RequireAuth(m))
	h.RegisterProtectedRoutes(protected)

	return r, m, store
}

func postJSON(t *testing.T, r *gin.Engine, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return body
}

func TestSignupEndpoint(t *testing.T) {
	r, _, _ := setupAuthRouter(t)

	w := postJSON(t, r, "/v1/auth/signup", gin.H{
		"email":     "ada@example.com",
		"password":  "hunter2222",
		"firstName": "Ada",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	user := body["user"].(map[string]any)
	if user["email"] != "ada@example.com" {
		t.Fatalf("user = %+v", user)
	}
	if user["isVerified"] != false {
		t.Fatal("new user must not be verified")
	}
	// Credentials and codes never leave the server.
	for _, k := range []string{"passwordHash", "verifyCode"} {
		if _, ok := user[k]; ok {
			t.Fatalf("response leaks %s", k)
		}
	}

	// Same address again conflicts.
	w = postJSON(t, r, "/v1/auth/signup", gin.H{"email": "ada@example.com", "password": "hunter2222"})
	if w.Code != http.StatusConflict {
		t.Fatalf("duplicate signup status = %d", w.Code)
	}
}

func TestSignupEndpoint_Validation(t *testing.T) {
	r, _, _ := setupAuthRouter(t)

	cases := []struct {
		name string
		body gin.H
	}{
		{"missing password", gin.H{"email": "ada@example.com"}},
		{"bad email", gin.H{"email": "not-an-email", "password": "hunter2222"}},
		{"short password", gin.H{"email": "ada@example.com", "password": "short"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := postJSON(t, r, "/v1/auth/signup", tc.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestVerifyAndLoginEndpoints(t *testing.T) {
	r, _, store := setupAuthRouter(t)

	w := postJSON(t, r, "/v1/auth/signup", gin.H{"email": "ada@example.com", "password": "hunter2222"})
	if w.Code != http.StatusCreated {
		t.Fatalf("signup status = %d", w.Code)
	}

	// Login before verification is forbidden.
	w = postJSON(t, r, "/v1/auth/login", gin.H{"email": "ada@example.com", "password": "hunter2222"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("unverified login status = %d", w.Code)
	}

	code := storedCode(t, store, "ada@example.com")
	w = postJSON(t, r, "/v1/auth/verify", gin.H{"email": "ada@example.com", "code": code})
	if w.Code != http.StatusOK {
		t.Fatalf("verify status = %d, body %s", w.Code, w.Body.String())
	}

	w = postJSON(t, r, "/v1/auth/login", gin.H{"email": "ada@example.com", "password": "hunter2222"})
	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d, body %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if token, _ := body["token"].(string); token == "" {
		t.Fatal("login returned no token")
	}

	w = postJSON(t, r, "/v1/auth/login", gin.H{"email": "ada@example.com", "password": "wrong"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad password status = %d", w.Code)
	}
}

func TestResendEndpoint(t *testing.T) {
	r, _, store := setupAuthRouter(t)

	postJSON(t, r, "/v1/auth/signup", gin.H{"email": "ada@example.com", "password": "hunter2222"})

	w := postJSON(t, r, "/v1/auth/resend", gin.H{"email": "ada@example.com"})
	if w.Code != http.StatusOK {
		t.Fatalf("resend status = %d", w.Code)
	}
	// The resend rotates the stored code; the fresh one still redeems.
	code := storedCode(t, store, "ada@example.com")
	w = postJSON(t, r, "/v1/auth/verify", gin.H{"email": "ada@example.com", "code": code})
	if w.Code != http.StatusOK {
		t.Fatalf("verify resent code status = %d", w.Code)
	}

	w = postJSON(t, r, "/v1/auth/resend", gin.H{"email": "nobody@example.com"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("resend unknown email status = %d", w.Code)
	}
}

func TestMeEndpoint(t *testing.T) {
	r, m, store := setupAuthRouter(t)
	ctx := context.Background()

	user := signupUser(t, m, "ada@example.com")
	if err := m.Verify(ctx, "ada@example.com", storedCode(t, store, "ada@example.com")); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	token, _, err := m.Login(ctx, "ada@example.com", "hunter22")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	// No token: rejected.
	req := httptest.NewRequest(http.MethodGet, "/v1/auth/me", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated /me status = %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("/me status = %d, body %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	got := body["user"].(map[string]any)
	if got["id"] != user.ID {
		t.Fatalf("/me returned user %v, want %s", got["id"], user.ID)
	}
}

func TestForgotAndResetEndpoints(t *testing.T) {
	store := NewMemoryStore()
	sender := &recordingSender{}
	m := NewManager(store, "test-secret").
		WithSender(sender).
		WithResetLinkBase("https://legitprove.com")
	h := NewHandler(m)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	h.RegisterRoutes(r.Group("/v1"))

	w := postJSON(t, r, "/v1/auth/signup", SignupRequest{
		Email:    "ada@example.com",
		Password: "hunter2222",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("signup status = %d: %s", w.Code, w.Body.String())
	}

	w = postJSON(t, r, "/v1/auth/forgot-password", map[string]string{"email": "ghost@example.com"})
	if w.Code != http.StatusNotFound {
		t.Errorf("forgot unknown email status = %d, want 404", w.Code)
	}

	w = postJSON(t, r, "/v1/auth/forgot-password", map[string]string{"email": "ada@example.com"})
	if w.Code != http.StatusOK {
		t.Fatalf("forgot status = %d: %s", w.Code, w.Body.String())
	}
	link, err := url.Parse(sender.resetLink)
	if err != nil || link.Query().Get("token") == "" {
		t.Fatalf("reset email link %q unusable: %v", sender.resetLink, err)
	}
	token := link.Query().Get("token")

	w = postJSON(t, r, "/v1/auth/reset-password", map[string]string{
		"email": "ada@example.com", "token": token, "password": "short",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("short password status = %d, want 400", w.Code)
	}

	w = postJSON(t, r, "/v1/auth/reset-password", map[string]string{
		"email": "ada@example.com", "token": "bogus", "password": "correct-horse",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("bogus token status = %d, want 400", w.Code)
	}
	if body := decodeBody(t, w); body["error"] != "reset_invalid" {
		t.Errorf("bogus token error = %v, want reset_invalid", body["error"])
	}

	w = postJSON(t, r, "/v1/auth/reset-password", map[string]string{
		"email": "ada@example.com", "token": token, "password": "correct-horse",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("reset status = %d: %s", w.Code, w.Body.String())
	}
}
