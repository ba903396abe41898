// Package notify delivers transactional email through the Brevo HTTP
// API. Delivery is best-effort: failures are counted and logged, never
// surfaced to the operation that triggered the email.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/legitprove/middleman/internal/retry"
)

const defaultBaseURL = "https://api.brevo.com/v3"

var (
	emailSendTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "middleman",
		Subsystem: "email",
		Name:      "send_total",
		Help:      "Total email send attempts by kind.",
	}, []string{"kind"})

	emailSendErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "middleman",
		Subsystem: "email",
		Name:      "send_errors_total",
		Help:      "Total email send failures by kind.",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(emailSendTotal, emailSendErrors)
}

// Party identifies a sender or recipient.
type Party struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

// Email is one outbound message.
type Email struct {
	Sender      Party   `json:"sender"`
	To          []Party `json:"to"`
	Subject     string  `json:"subject"`
	HTMLContent string  `json:"htmlContent"`
}

// Client sends email through Brevo. A client with an empty API key is
// a no-op that only logs, which keeps demo mode working offline.
type Client struct {
	apiKey  string
	baseURL string
	sender  Party
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a Brevo client. senderName/senderEmail appear as
// the From identity on every message.
func NewClient(apiKey, senderName, senderEmail string, logger *slog.Logger) *Client {
	return &Client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		sender:  Party{Name: senderName, Email: senderEmail},
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

// WithBaseURL overrides the API endpoint, used by tests.
func (c *Client) WithBaseURL(u string) *Client {
	c.baseURL = u
	return c
}

// Send posts one email. Callers that must not fail on delivery errors
// should go through the domain helpers instead.
func (c *Client) Send(ctx context.Context, kind string, email Email) error {
	emailSendTotal.WithLabelValues(kind).Inc()

	if c.apiKey == "" {
		c.logger.Info("email delivery skipped (no API key)",
			"kind", kind, "to", email.To[0].Email, "subject", email.Subject)
		return nil
	}

	email.Sender = c.sender
	body, err := json.Marshal(email)
	if err != nil {
		emailSendErrors.WithLabelValues(kind).Inc()
		return fmt.Errorf("marshal email: %w", err)
	}

	// Network errors and 5xx responses are retried with backoff; a 4xx
	// means the message itself is bad and a retry cannot fix it.
	err = retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/smtp/email", bytes.NewReader(body))
		if err != nil {
			return retry.Permanent(fmt.Errorf("build email request: %w", err))
		}
		req.Header.Set("api-key", c.apiKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("send email: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= 300 {
			detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			apiErr := fmt.Errorf("email API returned %d: %s", resp.StatusCode, detail)
			if resp.StatusCode < 500 {
				return retry.Permanent(apiErr)
			}
			return apiErr
		}
		return nil
	})
	if err != nil {
		emailSendErrors.WithLabelValues(kind).Inc()
		return err
	}
	return nil
}

// SendVerification emails an account-verification code. The short
// validity window is part of the message because the code really does
// die that fast.
func (c *Client) SendVerification(ctx context.Context, to, name, code string) error {
	return c.Send(ctx, "verification", Email{
		To:      []Party{{Email: to, Name: name}},
		Subject: "Verify Your Email",
		HTMLContent: fmt.Sprintf(`<h1>Hello %s,</h1>
<p>Thanks for signing up with us! Please use the following code to verify your email:</p>
<h2>%s</h2>
<p>This code is valid for 1 minute.</p>`, html.EscapeString(name), html.EscapeString(code)),
	})
}

// SendPasswordReset emails a password-reset link.
func (c *Client) SendPasswordReset(ctx context.Context, to, name, resetLink string) error {
	return c.Send(ctx, "password_reset", Email{
		To:      []Party{{Email: to, Name: name}},
		Subject: "Reset Your Password",
		HTMLContent: fmt.Sprintf(`<h1>Hello %s,</h1>
<p>We received a request to reset your password. Use the link below to choose a new one:</p>
<a href="%s">%s</a>
<p>The link is valid for 15 minutes. If you did not ask for a reset, ignore this email.</p>`,
			html.EscapeString(name), resetLink, resetLink),
	})
}

// SendMiddlemanCode emails a party its confirmation code together with
// the deal terms and a link to act on.
func (c *Client) SendMiddlemanCode(ctx context.Context, to, role, category, price, currency, actionLink, code string) error {
	return c.Send(ctx, "middleman_code", Email{
		To:      []Party{{Email: to}},
		Subject: fmt.Sprintf("Middleman Service Details - %s", role),
		HTMLContent: fmt.Sprintf(`<h1>Hello %s,</h1>
<p>The middleman service has been initiated for the following details:</p>
<ul>
<li>Category: %s</li>
<li>Price: %s %s</li>
</ul>
<p>Your confirmation code is: <strong>%s</strong></p>
<p>Please follow the link below to proceed with your action:</p>
<a href="%s">%s</a>`,
			html.EscapeString(role), html.EscapeString(category),
			html.EscapeString(currency), html.EscapeString(price),
			html.EscapeString(code),
			actionLink, actionLink),
	})
}

// SendStatusUpdate emails a party that its request changed state.
func (c *Client) SendStatusUpdate(ctx context.Context, to, requestID, status, actionLink string) error {
	return c.Send(ctx, "status_update", Email{
		To:      []Party{{Email: to}},
		Subject: fmt.Sprintf("Middleman Request %s", status),
		HTMLContent: fmt.Sprintf(`<p>Your middleman request %s is now <strong>%s</strong>.</p>
<a href="%s">%s</a>`,
			html.EscapeString(requestID), html.EscapeString(status),
			actionLink, actionLink),
	})
}
