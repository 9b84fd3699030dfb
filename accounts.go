package chatsync

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// User is the identity record of a signed-in principal.
type User struct {
	UID           Identity `json:"uid"`
	Email         string   `json:"email,omitempty"`
	Anonymous     bool     `json:"anonymous"`
	EmailVerified bool     `json:"emailVerified"`
}

// Credentials is the result of a successful sign-in.
type Credentials struct {
	User      User      `json:"user"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// AuthBackend is the identity provider an Auth client signs in against.
type AuthBackend interface {
	SignInAnonymously(ctx context.Context) (*Credentials, error)
	SignUp(ctx context.Context, email, password string) (*Credentials, error)
	SignIn(ctx context.Context, email, password string) (*Credentials, error)
	SendVerification(ctx context.Context, token string) error
	Me(ctx context.Context, token string) (*User, error)
}

// MailFunc delivers an email verification code.
type MailFunc func(ctx context.Context, email, uid, code string) error

// AccountsConfig configures Accounts.
type AccountsConfig struct {
	// SigningKey signs HS256 identity tokens. Required.
	SigningKey []byte
	TokenTTL   time.Duration
	// BcryptCost defaults to bcrypt.DefaultCost.
	BcryptCost int
	// Mail delivers verification codes; by default they are logged.
	Mail MailFunc
	Log  *zap.Logger
}

// Accounts is an in-process identity provider: anonymous and email/password
// accounts, JWT identity tokens and email verification codes.
type Accounts struct {
	key  []byte
	ttl  time.Duration
	cost int
	mail MailFunc
	log  *zap.Logger

	mu      sync.RWMutex
	byEmail map[string]*account
	byUID   map[Identity]*account
}

type account struct {
	user User
	hash []byte
	code string
	// failed verification attempts against code
	misses int
}

// maxVerifyAttempts is how many wrong codes burn the outstanding one.
const maxVerifyAttempts = 5

// NewAccounts creates an account store.
func NewAccounts(cfg AccountsConfig) (*Accounts, error) {
	if len(cfg.SigningKey) == 0 {
		return nil, errors.New("accounts: signing key is required")
	}
	if cfg.TokenTTL == 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	a := &Accounts{
		key:     cfg.SigningKey,
		ttl:     cfg.TokenTTL,
		cost:    cfg.BcryptCost,
		mail:    cfg.Mail,
		log:     cfg.Log,
		byEmail: make(map[string]*account),
		byUID:   make(map[Identity]*account),
	}
	if a.mail == nil {
		a.mail = a.logMail
	}
	return a, nil
}

var _ AuthBackend = (*Accounts)(nil)

func (a *Accounts) SignInAnonymously(_ context.Context) (*Credentials, error) {
	acc := &account{user: User{UID: Identity(uuid.NewString()), Anonymous: true}}
	a.mu.Lock()
	a.byUID[acc.user.UID] = acc
	a.mu.Unlock()
	a.log.Info("anonymous account created", zap.String("uid", string(acc.user.UID)))
	return a.issue(acc.user)
}

func (a *Accounts) SignUp(_ context.Context, email, password string) (*Credentials, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if len(password) < 6 {
		return nil, newAPIError(CodeWeakPassword, "Password should be at least 6 characters.")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), a.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	a.mu.Lock()
	if _, exists := a.byEmail[email]; exists {
		a.mu.Unlock()
		return nil, newAPIError(CodeEmailInUse, "The email address is already in use by another account.")
	}
	acc := &account{user: User{UID: Identity(uuid.NewString()), Email: email}, hash: hash}
	a.byEmail[email] = acc
	a.byUID[acc.user.UID] = acc
	a.mu.Unlock()

	a.log.Info("account created", zap.String("uid", string(acc.user.UID)), zap.String("email", email))
	return a.issue(acc.user)
}

func (a *Accounts) SignIn(_ context.Context, email, password string) (*Credentials, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	a.mu.RLock()
	acc := a.byEmail[email]
	var user User
	var hash []byte
	if acc != nil {
		user, hash = acc.user, acc.hash
	}
	a.mu.RUnlock()

	if acc == nil || bcrypt.CompareHashAndPassword(hash, []byte(password)) != nil {
		return nil, newAPIError(CodeInvalidCredential, "The email or password is incorrect.")
	}
	return a.issue(user)
}

// SendVerification mails a fresh verification code to the token's owner.
func (a *Accounts) SendVerification(ctx context.Context, token string) error {
	uid, err := a.ValidateToken(token)
	if err != nil {
		return err
	}
	return a.SendVerificationTo(ctx, uid)
}

// SendVerificationTo mails a fresh verification code to uid.
func (a *Accounts) SendVerificationTo(ctx context.Context, uid Identity) error {
	code := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]

	a.mu.Lock()
	acc := a.byUID[uid]
	if acc == nil || acc.user.Email == "" {
		a.mu.Unlock()
		return newAPIError(CodeInvalidArgument, "This account has no email address.")
	}
	acc.code, acc.misses = code, 0
	email := acc.user.Email
	a.mu.Unlock()

	return a.mail(ctx, email, string(uid), code)
}

// Verify marks the email of uid verified when code matches the last one sent.
func (a *Accounts) Verify(_ context.Context, uid Identity, code string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	acc := a.byUID[uid]
	if acc == nil || acc.code == "" {
		return newAPIError(CodeInvalidCode, "The verification code is invalid or has expired.")
	}
	if subtle.ConstantTimeCompare([]byte(acc.code), []byte(code)) != 1 {
		acc.misses++
		if acc.misses >= maxVerifyAttempts {
			acc.code, acc.misses = "", 0
			a.log.Warn("verification code burned after repeated misses", zap.String("uid", string(uid)))
		}
		return newAPIError(CodeInvalidCode, "The verification code is invalid or has expired.")
	}
	acc.user.EmailVerified = true
	acc.code, acc.misses = "", 0
	a.log.Info("email verified", zap.String("uid", string(uid)))
	return nil
}

func (a *Accounts) Me(_ context.Context, token string) (*User, error) {
	uid, err := a.ValidateToken(token)
	if err != nil {
		return nil, err
	}
	return a.Lookup(uid)
}

// Lookup returns the account record of uid.
func (a *Accounts) Lookup(uid Identity) (*User, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	acc := a.byUID[uid]
	if acc == nil {
		return nil, newAPIError(CodeInvalidToken, "The identity token refers to an unknown account.")
	}
	u := acc.user
	return &u, nil
}

// ValidateToken returns the identity a token was issued to.
func (a *Accounts) ValidateToken(token string) (Identity, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", newAPIError(CodeInvalidToken, "The identity token is invalid or expired.")
	}
	uid := Identity(claims.Subject)
	a.mu.RLock()
	_, ok := a.byUID[uid]
	a.mu.RUnlock()
	if !ok {
		return "", newAPIError(CodeInvalidToken, "The identity token refers to an unknown account.")
	}
	return uid, nil
}

// issue creates a signed HS256 JWT for the user.
func (a *Accounts) issue(u User) (*Credentials, error) {
	now := time.Now()
	exp := now.Add(a.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   string(u.UID),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.key)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	return &Credentials{User: u, Token: signed, ExpiresAt: exp}, nil
}

func (a *Accounts) logMail(_ context.Context, email, uid, code string) error {
	a.log.Info("verification code issued",
		zap.String("email", email), zap.String("uid", uid), zap.String("code", code))
	return nil
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if _, err := mail.ParseAddress(email); err != nil || email == "" {
		return "", newAPIError(CodeInvalidEmail, "The email address is badly formatted.")
	}
	return email, nil
}
