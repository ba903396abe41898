// Package payments integrates the Stripe payment-intent flow with the
// middleman coordinator. A succeeded intent is the external "payment
// confirmed" signal that flips a request's paid flag; everything past
// that signal belongs to the transition engine.
package payments

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/paymentintent"
)

var (
	ErrNotConfigured     = errors.New("payments are not configured")
	ErrRequestNotFound   = errors.New("middleman request not found")
	ErrAlreadyPaid       = errors.New("request already paid")
	ErrPaymentIncomplete = errors.New("payment failed or incomplete")
)

// RequestInfo is the slice of a middleman request payments needs.
type RequestInfo struct {
	ID       string
	Price    string
	Currency string
	IsPaid   bool
}

// RequestSource abstracts the request service so this package doesn't
// import it. Lookups for unknown IDs return ErrRequestNotFound.
type RequestSource interface {
	Get(ctx context.Context, id string) (RequestInfo, error)
	MarkPaid(ctx context.Context, id string) error
}

// Intent is what the client needs to drive the card flow.
type Intent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"clientSecret"`
	Amount       int64  `json:"amount"` // minor units
	Currency     string `json:"currency"`
}

// Service creates and confirms payment intents for middleman requests.
type Service struct {
	requests   RequestSource
	configured bool
}

// NewService creates a payment service. An empty secret key leaves the
// service unconfigured; intent operations then fail with
// ErrNotConfigured while the opaque paid signal stays available.
func NewService(secretKey string, requests RequestSource) *Service {
	if secretKey != "" {
		stripe.Key = secretKey
	}
	return &Service{
		requests:   requests,
		configured: secretKey != "",
	}
}

// Configured reports whether a Stripe key is present.
func (s *Service) Configured() bool {
	return s.configured
}

// CreateIntent opens a payment intent for the full price of a request.
// The amount always comes from the stored request, never the client.
func (s *Service) CreateIntent(ctx context.Context, requestID string) (*Intent, error) {
	if !s.configured {
		return nil, ErrNotConfigured
	}

	req, err := s.requests.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.IsPaid {
		return nil, ErrAlreadyPaid
	}

	cents, err := minorUnits(req.Price)
	if err != nil {
		return nil, fmt.Errorf("request %s has unparseable price %q: %w", requestID, req.Price, err)
	}

	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(cents),
		Currency:           stripe.String(strings.ToLower(req.Currency)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
	}
	params.AddMetadata("request_id", requestID)

	pi, err := paymentintent.New(params)
	if err != nil {
		return nil, fmt.Errorf("create payment intent: %w", err)
	}

	return &Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Amount:       pi.Amount,
		Currency:     string(pi.Currency),
	}, nil
}

// ConfirmPayment checks an intent's status with Stripe and, when it
// succeeded, records the paid signal on the request.
func (s *Service) ConfirmPayment(ctx context.Context, requestID, paymentIntentID string) error {
	if !s.configured {
		return ErrNotConfigured
	}

	if _, err := s.requests.Get(ctx, requestID); err != nil {
		return err
	}

	pi, err := paymentintent.Get(paymentIntentID, nil)
	if err != nil {
		return fmt.Errorf("retrieve payment intent: %w", err)
	}
	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		return fmt.Errorf("%w: intent status %s", ErrPaymentIncomplete, pi.Status)
	}

	return s.requests.MarkPaid(ctx, requestID)
}

// minorUnits converts a two-decimal price string to cents without
// passing through a float.
func minorUnits(price string) (int64, error) {
	whole, frac, _ := strings.Cut(strings.TrimSpace(price), ".")
	for len(frac) < 2 {
		frac += "0"
	}
	if len(frac) > 2 {
		frac = frac[:2]
	}
	n, err := strconv.ParseInt(whole+frac, 10, 64)
	if err != nil {
		return 0, err
	}
	return n, nil
}
