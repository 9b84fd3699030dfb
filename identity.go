package chatsync

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// IdentityService tracks who is signed in.
type IdentityService interface {
	CurrentIdentity
	User() *User
	SignInAnonymously(ctx context.Context) (*User, error)
	SignUp(ctx context.Context, email, password string) (*User, error)
	SignIn(ctx context.Context, email, password string) (*User, error)
	SignOut(ctx context.Context) error
	SendVerification(ctx context.Context) error
	Reload(ctx context.Context) (*User, error)
	// OnChange registers fn for sign-in and sign-out. fn is invoked once
	// immediately with the current user, nil when signed out. The returned
	// function unregisters it.
	OnChange(fn func(*User)) (unsubscribe func())
}

// Auth is the client-side session over an AuthBackend.
type Auth struct {
	backend AuthBackend
	log     *zap.Logger

	mu       sync.RWMutex
	creds    *Credentials
	nextID   int
	handlers map[int]func(*User)
}

// NewAuth creates a signed-out session.
func NewAuth(backend AuthBackend, log *zap.Logger) *Auth {
	if log == nil {
		log = zap.NewNop()
	}
	return &Auth{backend: backend, log: log, handlers: make(map[int]func(*User))}
}

var _ IdentityService = (*Auth)(nil)

// Restore resumes a previously issued session, e.g. one persisted by a CLI.
func (a *Auth) Restore(creds *Credentials) {
	a.setCredentials(creds)
}

// Current returns the signed-in identity, or "".
func (a *Auth) Current() Identity {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.creds == nil {
		return ""
	}
	return a.creds.User.UID
}

// User returns a copy of the signed-in user, or nil.
func (a *Auth) User() *User {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.creds == nil {
		return nil
	}
	u := a.creds.User
	return &u
}

// Token returns the identity token of the session, or "".
func (a *Auth) Token() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.creds == nil {
		return ""
	}
	return a.creds.Token
}

// Credentials returns a copy of the session credentials, or nil.
func (a *Auth) Credentials() *Credentials {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.creds == nil {
		return nil
	}
	c := *a.creds
	return &c
}

func (a *Auth) SignInAnonymously(ctx context.Context) (*User, error) {
	creds, err := a.backend.SignInAnonymously(ctx)
	if err != nil {
		a.log.Warn("anonymous sign-in failed", zap.Error(err))
		return nil, err
	}
	a.setCredentials(creds)
	a.log.Info("signed in anonymously", zap.String("uid", string(creds.User.UID)))
	return a.User(), nil
}

// SignUp creates an account and signs in. A verification email is requested
// best-effort; its failure does not fail the sign-up.
func (a *Auth) SignUp(ctx context.Context, email, password string) (*User, error) {
	creds, err := a.backend.SignUp(ctx, email, password)
	if err != nil {
		a.log.Warn("sign-up failed", zap.Error(err))
		return nil, err
	}
	a.setCredentials(creds)
	a.log.Info("signed up", zap.String("uid", string(creds.User.UID)))
	if err := a.backend.SendVerification(ctx, creds.Token); err != nil {
		a.log.Warn("verification email not sent", zap.Error(err))
	}
	return a.User(), nil
}

func (a *Auth) SignIn(ctx context.Context, email, password string) (*User, error) {
	creds, err := a.backend.SignIn(ctx, email, password)
	if err != nil {
		a.log.Warn("sign-in failed", zap.Error(err))
		return nil, err
	}
	a.setCredentials(creds)
	a.log.Info("signed in", zap.String("uid", string(creds.User.UID)))
	return a.User(), nil
}

// SignOut drops the session. It never fails for a local session.
func (a *Auth) SignOut(_ context.Context) error {
	if a.Current() == "" {
		return nil
	}
	a.setCredentials(nil)
	a.log.Info("signed out")
	return nil
}

// SendVerification requests a verification email for the signed-in account.
func (a *Auth) SendVerification(ctx context.Context) error {
	token := a.Token()
	if token == "" {
		return &ValidationError{Err: ErrNotSignedIn}
	}
	return a.backend.SendVerification(ctx, token)
}

// Reload refreshes the signed-in user from the backend, picking up a
// completed email verification.
func (a *Auth) Reload(ctx context.Context) (*User, error) {
	token := a.Token()
	if token == "" {
		return nil, &ValidationError{Err: ErrNotSignedIn}
	}
	u, err := a.backend.Me(ctx, token)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	if a.creds != nil && a.creds.Token == token {
		a.creds.User = *u
	}
	a.mu.Unlock()
	return a.User(), nil
}

func (a *Auth) OnChange(fn func(*User)) func() {
	a.mu.Lock()
	a.nextID++
	id := a.nextID
	a.handlers[id] = fn
	a.mu.Unlock()

	a.call(fn, a.User())
	return func() {
		a.mu.Lock()
		delete(a.handlers, id)
		a.mu.Unlock()
	}
}

func (a *Auth) setCredentials(creds *Credentials) {
	a.mu.Lock()
	prev := a.creds
	if creds != nil {
		c := *creds
		creds = &c
	}
	a.creds = creds
	handlers := make([]func(*User), 0, len(a.handlers))
	for _, h := range a.handlers {
		handlers = append(handlers, h)
	}
	a.mu.Unlock()

	if prev == nil && creds == nil {
		return
	}
	if prev != nil && creds != nil && prev.User.UID == creds.User.UID {
		return
	}
	u := a.User()
	for _, h := range handlers {
		a.call(h, u)
	}
}

func (a *Auth) call(fn func(*User), u *User) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("auth state handler panicked", zap.Any("reason", r))
		}
	}()
	fn(u)
}
