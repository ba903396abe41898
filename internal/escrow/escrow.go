// Package escrow coordinates brokered transactions between two
// untrusted counterparties via a neutral middleman.
//
// Flow:
//  1. A party opens a request naming its counterparty → both sides
//     receive a confirmation code by email
//  2. Seller accepts the terms → status pending → accepted
//  3. Each party redeems its code → when both are in, status → confirmed
//  4. Payment is confirmed externally → isPaid set
//  5. Completion call on a paid, confirmed request → status → completed
//  6. Settlement consolidates completed requests into a withdrawal
//
// Unpaid requests that sit pending for more than seven days are swept
// to incompleted.
package escrow

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/legitprove/middleman/internal/idgen"
	"github.com/legitprove/middleman/internal/metrics"
	"github.com/legitprove/middleman/internal/syncutil"
	"github.com/legitprove/middleman/internal/traces"
)

var (
	ErrRequestNotFound = errors.New("middleman request not found")
	ErrCodeNotFound    = errors.New("confirmation code not found")
	ErrCodeExpired     = errors.New("confirmation code expired")
	ErrCodeUsed        = errors.New("confirmation code already used")
	ErrCodeMismatch    = errors.New("confirmation code does not match")
	ErrUnauthorized    = errors.New("not a party to this request")
	ErrInvalidRole     = errors.New("role must be buyer or seller")
	ErrInvalidAmount   = errors.New("invalid amount")

	// ErrStorageUnavailable wraps transient storage failures. Callers may
	// retry; every other error class is terminal for the call.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// Status represents the state of a middleman request.
type Status string

const (
	StatusPending     Status = "pending"     // Created, waiting on the seller
	StatusAccepted    Status = "accepted"    // Seller agreed to the terms
	StatusConfirmed   Status = "confirmed"   // Both parties redeemed their codes
	StatusCompleted   Status = "completed"   // Paid and explicitly completed
	StatusIncompleted Status = "incompleted" // Swept: unpaid for over seven days
	StatusWithdrawn   Status = "withdrawn"   // Settled into a withdrawal
)

// Role identifies which side of the deal a party is on. The initiator's
// role is stored on the request; the counterparty holds the other role.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

// ParseRole validates a client-supplied role string.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleBuyer:
		return RoleBuyer, nil
	case RoleSeller:
		return RoleSeller, nil
	}
	return "", ErrInvalidRole
}

// Other returns the opposite role.
func (r Role) Other() Role {
	if r == RoleBuyer {
		return RoleSeller
	}
	return RoleBuyer
}

// CodeValidity is how long a confirmation code can be redeemed after
// issuance. Account-verification codes use a much shorter window; the
// two are deliberately separate constants.
const CodeValidity = 10 * time.Minute

// StaleAfter is how long an unpaid pending request survives before the
// sweep marks it incompleted.
const StaleAfter = 7 * 24 * time.Hour

// Request is a single brokered transaction between a buyer and seller.
type Request struct {
	ID                string    `json:"id"`
	Role              Role      `json:"role"` // initiator's role
	FirstName         string    `json:"firstName,omitempty"`
	LastName          string    `json:"lastName,omitempty"`
	Email             string    `json:"email"`
	CounterpartyEmail string    `json:"counterpartyEmail"`
	Category          string    `json:"category"`
	Price             string    `json:"price"`
	Currency          string    `json:"currency"`
	Status            Status    `json:"status"`
	IsPaid            bool      `json:"isPaid"`
	BuyerConfirmed    bool      `json:"buyerConfirmed"`
	SellerConfirmed   bool      `json:"sellerConfirmed"`
	Withdrawn         bool      `json:"withdrawn"`
	CreatedAt         time.Time `json:"createdAt"`
}

// PartyEmail returns the email of the party holding the given role.
func (r *Request) PartyEmail(role Role) string {
	if r.Role == role {
		return r.Email
	}
	return r.CounterpartyEmail
}

// IsParty reports whether email holds the given role on this request.
func (r *Request) IsParty(email string, role Role) bool {
	return strings.EqualFold(r.PartyEmail(role), email)
}

// IsTerminal returns true if the request is in a final state.
func (r *Request) IsTerminal() bool {
	switch r.Status {
	case StatusWithdrawn, StatusIncompleted:
		return true
	}
	return false
}

// ConfirmationCode is one party's short-lived proof of intent. At most
// one unconsumed code exists per (request, email, role); a reissue
// overwrites the prior one. Codes are never deleted, only marked
// confirmed, so the ledger stays auditable.
type ConfirmationCode struct {
	RequestID string    `json:"requestId"`
	Email     string    `json:"email"`
	Role      Role      `json:"role"`
	Code      string    `json:"-"`
	Confirmed bool      `json:"confirmed"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists middleman requests. Transition methods are conditional:
// they match only when the guard holds and report whether a row changed,
// so racing callers resolve at the storage layer.
type Store interface {
	Create(ctx context.Context, req *Request) error
	Get(ctx context.Context, id string) (*Request, error)

	// MarkAccepted applies pending → accepted.
	MarkAccepted(ctx context.Context, id string) (bool, error)
	// MarkPaid flips isPaid regardless of status.
	MarkPaid(ctx context.Context, id string) (bool, error)
	// MarkCompleted moves a paid, non-terminal request to completed.
	MarkCompleted(ctx context.Context, id string) (bool, error)
	// SetConfirmed sets the per-role confirmation flag.
	SetConfirmed(ctx context.Context, id string, role Role) error
	// PromoteConfirmed advances status to confirmed once both flags are
	// set. Reports whether this call was the one that flipped it.
	PromoteConfirmed(ctx context.Context, id string) (bool, error)

	ListByParticipant(ctx context.Context, email string, limit int) ([]*Request, error)
	// SweepStale marks unpaid pending requests created before the cutoff
	// as incompleted, returning how many changed.
	SweepStale(ctx context.Context, before time.Time) (int64, error)

	// WithdrawableAmount sums price over completed, non-withdrawn
	// requests where email is the paid party.
	WithdrawableAmount(ctx context.Context, email string) (string, error)
	// ClaimCompleted atomically marks those same rows withdrawn and
	// returns the total claimed plus the row count. A concurrent second
	// claim sees zero rows.
	ClaimCompleted(ctx context.Context, email string) (string, int64, error)
}

// CodeStore persists confirmation codes.
type CodeStore interface {
	// Put inserts or overwrites the entry for (requestID, email, role).
	Put(ctx context.Context, code *ConfirmationCode) error
	Get(ctx context.Context, requestID, email string, role Role) (*ConfirmationCode, error)
	// MarkConfirmed consumes the code. The update is conditional on
	// confirmed=false so exactly one of two racing redemptions wins.
	MarkConfirmed(ctx context.Context, requestID, email string, role Role, code string) (bool, error)
}

// Notifier delivers transactional email. Delivery failures are logged,
// never fatal to the transition that triggered them.
type Notifier interface {
	CodeIssued(ctx context.Context, recipient string, role Role, req *Request, code string) error
	StatusChanged(ctx context.Context, recipient string, req *Request) error
}

// CreateRequest contains the parameters for opening a middleman request.
type CreateRequest struct {
	Role              string `json:"role" binding:"required"`
	FirstName         string `json:"firstName"`
	LastName          string `json:"lastName"`
	Email             string `json:"email" binding:"required"`
	CounterpartyEmail string `json:"counterpartyEmail" binding:"required"`
	Category          string `json:"category" binding:"required"`
	Price             string `json:"price" binding:"required"`
	Currency          string `json:"currency" binding:"required"`
}

// RedeemResult reports the confirmation state after a successful
// redemption, including whether this redemption advanced the status.
type RedeemResult struct {
	BuyerConfirmed  bool   `json:"buyerConfirmed"`
	SellerConfirmed bool   `json:"sellerConfirmed"`
	Status          Status `json:"status"`
	Promoted        bool   `json:"promoted"`
}

// Service implements the transition engine over a request store and a
// confirmation-code ledger.
type Service struct {
	store    Store
	codes    CodeStore
	notifier Notifier
	locks    syncutil.ShardedMutex // serializes multi-step operations per request ID
}

// NewService creates a new middleman service.
func NewService(store Store, codes CodeStore) *Service {
	return &Service{
		store: store,
		codes: codes,
	}
}

// WithNotifier adds an email notifier for code and status events.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// Create opens a new request in status pending and issues a
// confirmation code to each party.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Request, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Create",
		traces.Email(strings.ToLower(req.Email)), traces.Amount(req.Price))
	defer span.End()

	role, err := ParseRole(req.Role)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(req.Email, req.CounterpartyEmail) {
		return nil, errors.New("initiator and counterparty cannot share an email")
	}
	amt, ok := parseAmount(req.Price)
	if !ok || amt.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	r := &Request{
		ID:                generateRequestID(),
		Role:              role,
		FirstName:         req.FirstName,
		LastName:          req.LastName,
		Email:             strings.ToLower(req.Email),
		CounterpartyEmail: strings.ToLower(req.CounterpartyEmail),
		Category:          req.Category,
		Price:             formatAmount(amt),
		Currency:          strings.ToUpper(req.Currency),
		Status:            StatusPending,
		CreatedAt:         time.Now(),
	}

	if err := s.store.Create(ctx, r); err != nil {
		return nil, storageErr("create request", err)
	}
	metrics.RequestsCreatedTotal.Inc()

	for _, party := range []Role{RoleBuyer, RoleSeller} {
		if _, err := s.IssueCode(ctx, r.ID, r.PartyEmail(party), party); err != nil {
			log.Printf("issue %s code for request %s: %v", party, r.ID, err)
		}
	}

	return r, nil
}

// IssueCode generates a fresh code for one party and overwrites any
// prior unconsumed code for the same (request, email, role).
func (s *Service) IssueCode(ctx context.Context, requestID, email string, role Role) (*ConfirmationCode, error) {
	req, err := s.store.Get(ctx, requestID)
	if err != nil {
		return nil, readErr("load request", err)
	}
	if !req.IsParty(email, role) {
		return nil, ErrUnauthorized
	}

	code := &ConfirmationCode{
		RequestID: requestID,
		Email:     strings.ToLower(email),
		Role:      role,
		Code:      generateCode(),
		CreatedAt: time.Now(),
	}
	if err := s.codes.Put(ctx, code); err != nil {
		return nil, storageErr("store confirmation code", err)
	}

	if s.notifier != nil {
		if err := s.notifier.CodeIssued(ctx, code.Email, role, req, code.Code); err != nil {
			log.Printf("notify %s of code for request %s: %v", code.Email, requestID, err)
		}
	}
	return code, nil
}

// Redeem consumes a confirmation code and records the party's
// confirmation. When both parties have confirmed, the request advances
// to confirmed; either party's redemption can be the one that flips it.
func (s *Service) Redeem(ctx context.Context, requestID, email string, role Role, code string) (*RedeemResult, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Redeem",
		traces.RequestID(requestID), attribute.String("role", string(role)))
	defer span.End()

	// Conditional store updates already serialize racing transitions;
	// the lock keeps multi-step operations (redeem, then promote) ordered.
	unlock := s.locks.Lock(requestID)
	defer unlock()

	req, err := s.store.Get(ctx, requestID)
	if err != nil {
		return nil, readErr("load request", err)
	}
	if !req.IsParty(email, role) {
		return nil, ErrUnauthorized
	}

	entry, err := s.codes.Get(ctx, requestID, strings.ToLower(email), role)
	if err != nil {
		if errors.Is(err, ErrCodeNotFound) {
			metrics.CodeRedemptionsTotal.WithLabelValues("not_found").Inc()
		}
		return nil, readErr("load confirmation code", err)
	}
	if time.Since(entry.CreatedAt) > CodeValidity {
		metrics.CodeRedemptionsTotal.WithLabelValues("expired").Inc()
		return nil, ErrCodeExpired
	}
	// Used is checked before the code value so a replay of a consumed
	// code reports AlreadyUsed, not success.
	if entry.Confirmed {
		metrics.CodeRedemptionsTotal.WithLabelValues("already_used").Inc()
		return nil, ErrCodeUsed
	}
	if entry.Code != code {
		metrics.CodeRedemptionsTotal.WithLabelValues("mismatch").Inc()
		return nil, ErrCodeMismatch
	}

	claimed, err := s.codes.MarkConfirmed(ctx, requestID, strings.ToLower(email), role, code)
	if err != nil {
		return nil, storageErr("consume confirmation code", err)
	}
	if !claimed {
		// Lost a race with another redemption of the same code.
		metrics.CodeRedemptionsTotal.WithLabelValues("already_used").Inc()
		return nil, ErrCodeUsed
	}
	metrics.CodeRedemptionsTotal.WithLabelValues("success").Inc()

	if err := s.store.SetConfirmed(ctx, requestID, role); err != nil {
		// Retry once — the code is consumed, the flag must follow.
		if retryErr := s.store.SetConfirmed(ctx, requestID, role); retryErr != nil {
			log.Printf("CRITICAL: request %s code for %s consumed but confirmation flag not set: %v",
				requestID, role, retryErr)
			return nil, storageErr("record confirmation", err)
		}
	}

	fresh, err := s.store.Get(ctx, requestID)
	if err != nil {
		return nil, readErr("reload request", err)
	}

	result := &RedeemResult{
		BuyerConfirmed:  fresh.BuyerConfirmed,
		SellerConfirmed: fresh.SellerConfirmed,
		Status:          fresh.Status,
	}

	if fresh.BuyerConfirmed && fresh.SellerConfirmed {
		promoted, err := s.store.PromoteConfirmed(ctx, requestID)
		if err != nil {
			return nil, storageErr("promote confirmed", err)
		}
		if promoted {
			metrics.RequestTransitionsTotal.WithLabelValues(string(StatusConfirmed)).Inc()
			result.Status = StatusConfirmed
			result.Promoted = true
			s.notifyStatus(ctx, fresh)
		}
	}

	return result, nil
}

// Accept records the seller's agreement to the terms. Accepting a
// request that is no longer pending changes nothing.
func (s *Service) Accept(ctx context.Context, id string) (*Request, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, readErr("load request", err)
	}
	changed, err := s.store.MarkAccepted(ctx, id)
	if err != nil {
		return nil, storageErr("accept request", err)
	}
	if changed {
		metrics.RequestTransitionsTotal.WithLabelValues(string(StatusAccepted)).Inc()
	}
	fresh, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, readErr("reload request", err)
	}
	return fresh, nil
}

// MarkPaid records the external payment-confirmed signal.
func (s *Service) MarkPaid(ctx context.Context, id string) (*Request, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, readErr("load request", err)
	}
	if _, err := s.store.MarkPaid(ctx, id); err != nil {
		return nil, storageErr("mark paid", err)
	}
	fresh, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, readErr("reload request", err)
	}
	return fresh, nil
}

// Complete moves a paid request to completed, making it eligible for
// settlement. Payment is the only gate; a call whose precondition does
// not hold changes nothing.
func (s *Service) Complete(ctx context.Context, id string) (*Request, error) {
	req, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, readErr("load request", err)
	}
	changed, err := s.store.MarkCompleted(ctx, id)
	if err != nil {
		return nil, storageErr("complete request", err)
	}
	if !changed {
		return req, nil
	}
	metrics.RequestTransitionsTotal.WithLabelValues(string(StatusCompleted)).Inc()
	fresh, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, readErr("reload request", err)
	}
	s.notifyStatus(ctx, fresh)
	return fresh, nil
}

// Get returns a request by ID.
func (s *Service) Get(ctx context.Context, id string) (*Request, error) {
	req, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, readErr("load request", err)
	}
	return req, nil
}

// ConfirmationStatus reports both parties' redemption state.
func (s *Service) ConfirmationStatus(ctx context.Context, id string) (buyer, seller bool, err error) {
	req, err := s.store.Get(ctx, id)
	if err != nil {
		return false, false, readErr("load request", err)
	}
	return req.BuyerConfirmed, req.SellerConfirmed, nil
}

// ListByParticipant returns every request the email takes part in,
// grouped by status. Stale unpaid requests are swept first so a read
// never observes a pending request past its seven-day window.
func (s *Service) ListByParticipant(ctx context.Context, email string, limit int) (map[Status][]*Request, error) {
	if limit <= 0 {
		limit = 100
	}
	if _, err := s.SweepStale(ctx); err != nil {
		log.Printf("sweep before list for %s: %v", email, err)
	}
	reqs, err := s.store.ListByParticipant(ctx, strings.ToLower(email), limit)
	if err != nil {
		return nil, storageErr("list requests", err)
	}
	grouped := make(map[Status][]*Request)
	for _, r := range reqs {
		grouped[r.Status] = append(grouped[r.Status], r)
	}
	return grouped, nil
}

// SweepStale marks unpaid pending requests older than seven days as
// incompleted. Idempotent; safe to run concurrently with reads and
// writes of the same rows.
func (s *Service) SweepStale(ctx context.Context) (int64, error) {
	n, err := s.store.SweepStale(ctx, time.Now().Add(-StaleAfter))
	if err != nil {
		return 0, storageErr("sweep stale requests", err)
	}
	if n > 0 {
		metrics.SweptRequestsTotal.Add(float64(n))
	}
	return n, nil
}

func (s *Service) notifyStatus(ctx context.Context, req *Request) {
	if s.notifier == nil {
		return
	}
	for _, role := range []Role{RoleBuyer, RoleSeller} {
		recipient := req.PartyEmail(role)
		if err := s.notifier.StatusChanged(ctx, recipient, req); err != nil {
			log.Printf("notify %s of request %s status: %v", recipient, req.ID, err)
		}
	}
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrStorageUnavailable, err)
}

// readErr classifies a read failure: the not-found sentinels pass
// through untouched, anything else is a transient storage fault the
// caller may retry.
func readErr(op string, err error) error {
	if errors.Is(err, ErrRequestNotFound) || errors.Is(err, ErrCodeNotFound) {
		return err
	}
	return storageErr(op, err)
}

func generateRequestID() string {
	return idgen.WithPrefix("mmr_")
}

// generateCode draws uniformly from the six-digit space 100000-999999.
// Codes are only unique within their (request, email, role) scope.
func generateCode() string {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return fmt.Sprintf("%06d", n.Int64()+100000)
}
