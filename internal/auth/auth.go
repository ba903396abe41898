// Package auth provides account signup, email verification and JWT
// session auth for the Middleman API.
//
// Authentication model:
// - Public endpoints (request status reads, health): no auth required
// - Mutations (create/accept/redeem/withdraw): require a Bearer token
// - Tokens are issued on login; login requires a verified email
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"math/big"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/legitprove/middleman/internal/idgen"
)

// Errors
var (
	ErrEmailTaken         = errors.New("email already registered")
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrNotVerified        = errors.New("email not verified")
	ErrAlreadyVerified    = errors.New("email already verified")
	ErrCodeExpired        = errors.New("verification code expired")
	ErrCodeMismatch       = errors.New("verification code does not match")
	ErrNoToken            = errors.New("authentication token required")
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrResetInvalid       = errors.New("invalid or expired reset token")
)

// VerificationValidity is the window for redeeming a signup code. It is
// deliberately much shorter than the middleman confirmation-code window;
// the two must never share a constant.
const VerificationValidity = time.Minute

// ResetValidity is how long a password-reset link stays usable.
const ResetValidity = 15 * time.Minute

// DefaultTokenTTL is how long an issued session token lives.
const DefaultTokenTTL = 24 * time.Hour

// User is a registered account.
type User struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	FirstName    string     `json:"firstName,omitempty"`
	LastName     string     `json:"lastName,omitempty"`
	PasswordHash string     `json:"-"`
	IsVerified   bool       `json:"isVerified"`
	VerifyCode   string     `json:"-"`
	VerifySentAt *time.Time `json:"-"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// Store persists user accounts.
type Store interface {
	// Create inserts a user, failing with ErrEmailTaken on duplicates.
	Create(ctx context.Context, user *User) error
	GetByEmail(ctx context.Context, email string) (*User, error)
	GetByID(ctx context.Context, id string) (*User, error)
	// SetVerifyCode records a fresh code, restarting its window.
	SetVerifyCode(ctx context.Context, id, code string, sentAt time.Time) error
	// MarkVerified flips is_verified conditioned on the stored code
	// matching and having been sent after notBefore. Reports whether a
	// row changed.
	MarkVerified(ctx context.Context, id, code string, notBefore time.Time) (bool, error)
	// SetResetToken records a pending password reset for the email,
	// replacing any earlier one. Only the token's hash is stored.
	SetResetToken(ctx context.Context, email, tokenHash string, expiresAt time.Time) error
	// ConsumePasswordReset swaps in a new password hash when tokenHash
	// matches an unexpired pending reset, deleting the reset so the
	// token cannot be replayed. Reports whether a row changed.
	ConsumePasswordReset(ctx context.Context, email, tokenHash, passwordHash string, now time.Time) (bool, error)
}

// EmailSender delivers signup codes and password-reset links.
type EmailSender interface {
	SendVerification(ctx context.Context, to, name, code string) error
	SendPasswordReset(ctx context.Context, to, name, resetLink string) error
}

// Claims are the JWT claims carried by a session token.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Manager handles signup, verification, password resets and session
// tokens.
type Manager struct {
	store     Store
	secret    []byte
	sender    EmailSender
	tokenTTL  time.Duration
	resetBase string
}

// NewManager creates a new auth manager.
func NewManager(store Store, secret string) *Manager {
	return &Manager{
		store:    store,
		secret:   []byte(secret),
		tokenTTL: DefaultTokenTTL,
	}
}

// WithSender adds an email sender for verification codes and reset
// links.
func (m *Manager) WithSender(s EmailSender) *Manager {
	m.sender = s
	return m
}

// WithResetLinkBase sets the public base URL embedded in password-reset
// emails.
func (m *Manager) WithResetLinkBase(base string) *Manager {
	m.resetBase = strings.TrimRight(base, "/")
	return m
}

// SignupRequest contains the parameters for registering an account.
type SignupRequest struct {
	Email     string `json:"email" binding:"required"`
	Password  string `json:"password" binding:"required"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

// Signup registers an account and emails a verification code. The
// account cannot log in until the code is redeemed.
func (m *Manager) Signup(ctx context.Context, req SignupRequest) (*User, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	now := time.Now()
	user := &User{
		ID:           generateUserID(),
		Email:        email,
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		PasswordHash: string(hash),
		VerifyCode:   generateVerifyCode(),
		VerifySentAt: &now,
		CreatedAt:    now,
	}

	if err := m.store.Create(ctx, user); err != nil {
		return nil, err
	}

	m.sendCode(ctx, user)
	return user, nil
}

// ResendCode issues a fresh verification code, restarting the window.
func (m *Manager) ResendCode(ctx context.Context, email string) error {
	user, err := m.store.GetByEmail(ctx, strings.ToLower(email))
	if err != nil {
		return err
	}
	if user.IsVerified {
		return ErrAlreadyVerified
	}

	now := time.Now()
	user.VerifyCode = generateVerifyCode()
	user.VerifySentAt = &now
	if err := m.store.SetVerifyCode(ctx, user.ID, user.VerifyCode, now); err != nil {
		return err
	}

	m.sendCode(ctx, user)
	return nil
}

// Verify redeems a signup code within its one-minute window.
func (m *Manager) Verify(ctx context.Context, email, code string) error {
	user, err := m.store.GetByEmail(ctx, strings.ToLower(email))
	if err != nil {
		return err
	}
	if user.IsVerified {
		return ErrAlreadyVerified
	}
	if user.VerifySentAt == nil || time.Since(*user.VerifySentAt) > VerificationValidity {
		return ErrCodeExpired
	}
	if user.VerifyCode != code {
		return ErrCodeMismatch
	}

	ok, err := m.store.MarkVerified(ctx, user.ID, code, time.Now().Add(-VerificationValidity))
	if err != nil {
		return err
	}
	if !ok {
		// The code was rotated or consumed between read and write.
		return ErrCodeExpired
	}
	return nil
}

// ForgotPassword issues a reset token and emails the account a link
// carrying it. The raw token never touches storage, only its SHA-256.
func (m *Manager) ForgotPassword(ctx context.Context, email string) error {
	user, err := m.store.GetByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return err
	}

	token := idgen.Hex(32)
	expires := time.Now().Add(ResetValidity)
	if err := m.store.SetResetToken(ctx, user.Email, hashResetToken(token), expires); err != nil {
		return err
	}

	m.sendReset(ctx, user, token)
	return nil
}

// ResetPassword redeems a reset token and installs a new password.
// Redemption consumes the token, so it works exactly once.
func (m *Manager) ResetPassword(ctx context.Context, email, token, newPassword string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	ok, err := m.store.ConsumePasswordReset(ctx,
		strings.ToLower(strings.TrimSpace(email)), hashResetToken(token), string(hash), time.Now())
	if err != nil {
		return err
	}
	if !ok {
		return ErrResetInvalid
	}
	return nil
}

// Login checks credentials and issues a session token. Unverified
// accounts are rejected regardless of password.
func (m *Manager) Login(ctx context.Context, email, password string) (string, *User, error) {
	user, err := m.store.GetByEmail(ctx, strings.ToLower(email))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return "", nil, ErrInvalidCredentials
		}
		return "", nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", nil, ErrInvalidCredentials
	}
	if !user.IsVerified {
		return "", nil, ErrNotVerified
	}

	token, err := m.issueToken(user)
	if err != nil {
		return "", nil, err
	}
	return token, user, nil
}

// GetUser returns a user by ID.
func (m *Manager) GetUser(ctx context.Context, id string) (*User, error) {
	return m.store.GetByID(ctx, id)
}

func (m *Manager) issueToken(user *User) (string, error) {
	now := time.Now()
	claims := Claims{
		Email: user.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and verifies a session token.
func (m *Manager) ValidateToken(raw string) (*Claims, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
	if raw == "" {
		return nil, ErrNoToken
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (m *Manager) sendCode(ctx context.Context, user *User) {
	if m.sender == nil {
		return
	}
	if err := m.sender.SendVerification(ctx, user.Email, displayName(user), user.VerifyCode); err != nil {
		log.Printf("send verification code to %s: %v", user.Email, err)
	}
}

func (m *Manager) sendReset(ctx context.Context, user *User, token string) {
	if m.sender == nil {
		return
	}
	link := fmt.Sprintf("%s/reset-password?token=%s&email=%s",
		m.resetBase, token, url.QueryEscape(user.Email))
	if err := m.sender.SendPasswordReset(ctx, user.Email, displayName(user), link); err != nil {
		log.Printf("send password reset to %s: %v", user.Email, err)
	}
}

func displayName(user *User) string {
	name := strings.TrimSpace(user.FirstName + " " + user.LastName)
	if name == "" {
		name = user.Email
	}
	return name
}

func hashResetToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func generateUserID() string {
	return idgen.WithPrefix("usr_")
}

func generateVerifyCode() string {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return fmt.Sprintf("%06d", n.Int64()+100000)
}

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu     sync.RWMutex
	users  map[string]*User        // by ID
	resets map[string]pendingReset // by email
}

type pendingReset struct {
	tokenHash string
	expiresAt time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:  make(map[string]*User),
		resets: make(map[string]pendingReset),
	}
}

func (s *MemoryStore) Create(ctx context.Context, user *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == user.Email {
			return ErrEmailTaken
		}
	}
	cp := *user
	s.users[user.ID] = &cp
	return nil
}

func (s *MemoryStore) GetByEmail(ctx context.Context, email string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrUserNotFound
}

func (s *MemoryStore) GetByID(ctx context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) SetVerifyCode(ctx context.Context, id, code string, sentAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return ErrUserNotFound
	}
	u.VerifyCode = code
	u.VerifySentAt = &sentAt
	return nil
}

func (s *MemoryStore) MarkVerified(ctx context.Context, id, code string, notBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok || u.IsVerified || u.VerifyCode != code {
		return false, nil
	}
	if u.VerifySentAt == nil || u.VerifySentAt.Before(notBefore) {
		return false, nil
	}
	u.IsVerified = true
	return true, nil
}

func (s *MemoryStore) SetResetToken(ctx context.Context, email, tokenHash string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets[email] = pendingReset{tokenHash: tokenHash, expiresAt: expiresAt}
	return nil
}

func (s *MemoryStore) ConsumePasswordReset(ctx context.Context, email, tokenHash, passwordHash string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, ok := s.resets[email]
	if !ok || pending.tokenHash != tokenHash || !pending.expiresAt.After(now) {
		return false, nil
	}
	for _, u := range s.users {
		if u.Email == email {
			u.PasswordHash = passwordHash
			delete(s.resets, email)
			return true, nil
		}
	}
	return false, nil
}

var _ Store = (*MemoryStore)(nil)
