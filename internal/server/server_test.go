package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"

	"github.com/legitprove/middleman/internal/config"
	"github.com/legitprove/middleman/internal/notify"
)

// mailCapture stands in for the Brevo API, recording every message the
// server sends.
type mailCapture struct {
	mu     sync.Mutex
	emails []notify.Email
	client *notify.Client
}

func newMailCapture(t *testing.T) *mailCapture {
	t.Helper()
	mc := &mailCapture{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var e notify.Email
		if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
			t.Errorf("decode email: %v", err)
		}
		mc.mu.Lock()
		mc.emails = append(mc.emails, e)
		mc.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(srv.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mc.client = notify.NewClient("test-key", "Legit Prove", "no-reply@legitprove.com", logger).WithBaseURL(srv.URL)
	return mc
}

func (mc *mailCapture) all() []notify.Email {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return append([]notify.Email(nil), mc.emails...)
}

func (mc *mailCapture) last() notify.Email {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if len(mc.emails) == 0 {
		return notify.Email{}
	}
	return mc.emails[len(mc.emails)-1]
}

func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	cfg := &config.Config{
		Port:         "8080",
		Env:          "development",
		LogLevel:     "error",
		JWTSecret:    "test-secret-test-secret",
		SenderName:   config.DefaultSenderName,
		SenderEmail:  config.DefaultSenderEmail,
		BaseURL:      config.DefaultBaseURL,
		RateLimitRPS: 1000,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := New(cfg, append([]Option{WithLogger(logger)}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv
}

func get(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t)

	w := get(t, srv, "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("/health status = %d", w.Code)
	}
	var health struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Status != "healthy" {
		t.Fatalf("health status = %q", health.Status)
	}

	if w := get(t, srv, "/health/live"); w.Code != http.StatusOK {
		t.Fatalf("/health/live status = %d", w.Code)
	}
	// Readiness flips only after Run starts listening.
	if w := get(t, srv, "/health/ready"); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("/health/ready before Run status = %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	w := get(t, srv, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("middleman_")) {
		t.Fatal("/metrics missing service metrics")
	}
}

func TestInfoEndpoint(t *testing.T) {
	srv := newTestServer(t)
	w := get(t, srv, "/api")
	if w.Code != http.StatusOK {
		t.Fatalf("/api status = %d", w.Code)
	}
	var info struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode info: %v", err)
	}
	if info.Name == "" {
		t.Fatal("/api returned no service name")
	}
}

func TestProtectedRoutesRequireAuth(t *testing.T) {
	srv := newTestServer(t)

	for _, path := range []string{
		"/v1/auth/me",
		"/v1/settlement/balance",
	} {
		if w := get(t, srv, path); w.Code != http.StatusUnauthorized {
			t.Fatalf("GET %s without token status = %d, want 401", path, w.Code)
		}
	}

	for path, body := range map[string]string{
		"/v1/requests":        `{"name":"Ada"}`,
		"/v1/payments/intent": `{"requestId":"mmr_1"}`,
	} {
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		srv.Router().ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("POST %s without token status = %d, want 401", path, w.Code)
		}
	}
}

// TestRequestFlow exercises the wired server end to end: signup,
// verify with the code captured off the outbound email, login, create
// a request with the session token, then read it back publicly.
func TestRequestFlow(t *testing.T) {
	mail := newMailCapture(t)
	srv := newTestServer(t, WithMailer(mail.client))

	codeRe := regexp.MustCompile(`\d{6}`)

	post := func(path, token, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		w := httptest.NewRecorder()
		srv.Router().ServeHTTP(w, req)
		return w
	}

	if w := post("/v1/auth/signup", "", `{"email":"ada@example.com","password":"hunter2222","firstName":"Ada"}`); w.Code != http.StatusCreated {
		t.Fatalf("signup status = %d, body %s", w.Code, w.Body.String())
	}
	code := codeRe.FindString(mail.last().HTMLContent)
	if code == "" {
		t.Fatal("verification email carried no code")
	}

	if w := post("/v1/auth/verify", "", `{"email":"ada@example.com","code":"`+code+`"}`); w.Code != http.StatusOK {
		t.Fatalf("verify status = %d, body %s", w.Code, w.Body.String())
	}

	w := post("/v1/auth/login", "", `{"email":"ada@example.com","password":"hunter2222"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d, body %s", w.Code, w.Body.String())
	}
	var login struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &login); err != nil {
		t.Fatalf("decode login: %v", err)
	}

	body := `{"name":"Ada Lovelace","email":"buyer@example.com","counterpartyEmail":"seller@example.com","role":"buyer","category":"electronics","price":"49.99","currency":"usd"}`
	w = post("/v1/requests", login.Token, body)
	if w.Code != http.StatusCreated {
		t.Fatalf("create request status = %d, body %s", w.Code, w.Body.String())
	}

	var created struct {
		Request struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"request"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.Request.Status != "pending" {
		t.Fatalf("new request status = %q", created.Request.Status)
	}

	// Both parties got their confirmation code by mail on create.
	sent := mail.all()
	if len(sent) != 3 {
		t.Fatalf("sent %d emails, want 3 (verification + two codes)", len(sent))
	}

	// Request reads stay public.
	if w := get(t, srv, "/v1/requests/"+created.Request.ID); w.Code != http.StatusOK {
		t.Fatalf("get request status = %d", w.Code)
	}
}

func TestSecurityHeaders(t *testing.T) {
	srv := newTestServer(t)
	w := get(t, srv, "/health")
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("X-Content-Type-Options = %q", got)
	}
	if w.Header().Get("X-Frame-Options") == "" {
		t.Fatal("missing X-Frame-Options header")
	}
}

func TestRequestIDPropagation(t *testing.T) {
	srv := newTestServer(t)

	w := get(t, srv, "/health")
	if w.Header().Get("X-Request-ID") == "" {
		t.Fatal("response missing generated X-Request-ID")
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req_known")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "req_known" {
		t.Fatalf("X-Request-ID = %q, want caller's value echoed", got)
	}
}
