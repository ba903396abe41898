package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

// fakeSource serves a fixed set of requests; Stripe itself is never
// reached because every test fails before the API call.
type fakeSource struct {
	requests map[string]RequestInfo
	paid     []string
}

func (f *fakeSource) Get(ctx context.Context, id string) (RequestInfo, error) {
	req, ok := f.requests[id]
	if !ok {
		return RequestInfo{}, ErrRequestNotFound
	}
	return req, nil
}

func (f *fakeSource) MarkPaid(ctx context.Context, id string) error {
	if _, ok := f.requests[id]; !ok {
		return ErrRequestNotFound
	}
	f.paid = append(f.paid, id)
	return nil
}

func newFakeSource() *fakeSource {
	return &fakeSource{requests: map[string]RequestInfo{
		"mmr_1": {ID: "mmr_1", Price: "49.99", Currency: "USD"},
		"mmr_2": {ID: "mmr_2", Price: "10.00", Currency: "EUR", IsPaid: true},
		"mmr_3": {ID: "mmr_3", Price: "not-a-price", Currency: "USD"},
	}}
}

func TestCreateIntent_Unconfigured(t *testing.T) {
	svc := NewService("", newFakeSource())
	if svc.Configured() {
		t.Fatal("keyless service must report unconfigured")
	}
	if _, err := svc.CreateIntent(context.Background(), "mmr_1"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err = %v, want ErrNotConfigured", err)
	}
	if err := svc.ConfirmPayment(context.Background(), "mmr_1", "pi_x"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("confirm err = %v, want ErrNotConfigured", err)
	}
}

func TestCreateIntent_Preconditions(t *testing.T) {
	svc := NewService("sk_test_dummy", newFakeSource())

	if _, err := svc.CreateIntent(context.Background(), "mmr_missing"); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("missing request err = %v, want ErrRequestNotFound", err)
	}
	if _, err := svc.CreateIntent(context.Background(), "mmr_2"); !errors.Is(err, ErrAlreadyPaid) {
		t.Fatalf("paid request err = %v, want ErrAlreadyPaid", err)
	}
	if _, err := svc.CreateIntent(context.Background(), "mmr_3"); err == nil {
		t.Fatal("unparseable price must fail")
	}
}

func TestConfirmPayment_UnknownRequest(t *testing.T) {
	svc := NewService("sk_test_dummy", newFakeSource())
	if err := svc.ConfirmPayment(context.Background(), "mmr_missing", "pi_x"); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("err = %v, want ErrRequestNotFound", err)
	}
}

func TestMinorUnits(t *testing.T) {
	tests := []struct {
		price   string
		want    int64
		wantErr bool
	}{
		{"49.99", 4999, false},
		{"100.00", 10000, false},
		{"100", 10000, false},
		{"0.01", 1, false},
		{"5.5", 550, false},
		{" 12.34 ", 1234, false},
		{"abc", 0, true},
		{"12.x", 0, true},
	}
	for _, tt := range tests {
		got, err := minorUnits(tt.price)
		if tt.wantErr {
			if err == nil {
				t.Errorf("minorUnits(%q) = %d, want error", tt.price, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("minorUnits(%q): %v", tt.price, err)
			continue
		}
		if got != tt.want {
			t.Errorf("minorUnits(%q) = %d, want %d", tt.price, got, tt.want)
		}
	}
}

func setupPaymentsRouter(t *testing.T, svc *Service) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(svc).RegisterProtectedRoutes(r.Group("/v1"))
	return r
}

func postIntent(t *testing.T, r *gin.Engine, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/payments/intent", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestIntentEndpoint_ErrorMapping(t *testing.T) {
	r := setupPaymentsRouter(t, NewService("sk_test_dummy", newFakeSource()))

	if w := postIntent(t, r, gin.H{}); w.Code != http.StatusBadRequest {
		t.Fatalf("missing requestId status = %d", w.Code)
	}
	if w := postIntent(t, r, gin.H{"requestId": "mmr_missing"}); w.Code != http.StatusNotFound {
		t.Fatalf("unknown request status = %d", w.Code)
	}
	if w := postIntent(t, r, gin.H{"requestId": "mmr_2"}); w.Code != http.StatusConflict {
		t.Fatalf("paid request status = %d", w.Code)
	}
}

func TestIntentEndpoint_Disabled(t *testing.T) {
	r := setupPaymentsRouter(t, NewService("", newFakeSource()))
	if w := postIntent(t, r, gin.H{"requestId": "mmr_1"}); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("disabled payments status = %d", w.Code)
	}
}
