// Package chatsync keeps chat views in sync with a hosted document store.
//
// It renders a bounded live feed of messages, posts new messages
// optimistically, caches user profiles locally and publishes presence.
//
// Example:
//
//	remote := chatsync.NewHTTPRemote("http://localhost:8787")
//	auth := chatsync.NewAuth(remote, nil)
//	client := chatsync.NewClient(remote, auth, chatsync.NewMemoryLocalStore())
//	_ = client.Start(ctx)
//
//	auth.SignInAnonymously(ctx)
//	conv, _ := client.Open(ctx, chatsync.GlobalScope(), chatsync.NewMessageList())
//	conv.Send(ctx, chatsync.NewTextInput("hello"))
package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultWindow           = 50
	DefaultOperationTimeout = 10 * time.Second
	DefaultMirrorRetries    = 2
)

// Route is the screen a user belongs on after signing in.
type Route string

const (
	RouteHome         Route = "home"
	RouteVerification Route = "verification"
	RouteOnboarding   Route = "onboarding"
)

// ProfileSink receives the signed-in user's profile after every sign-in.
// p is nil when the user has no profile document yet.
type ProfileSink func(uid Identity, p *UserProfile)

// ============================================================================
// Client
// ============================================================================

// Client wires the profile cache, sender, presence and feeds of one session.
type Client struct {
	remote RemoteStore
	auth   IdentityService
	local  LocalStore

	log            *zap.Logger
	defaultPicture string
	timeout        time.Duration
	window         int
	feedBackoff    BackoffConfig
	mirrorRetries  int
	sink           ProfileSink
	now            func() time.Time

	profiles  *ProfileCache
	sender    *Sender
	presence  *PresenceUpdater
	listeners *ListenerRegistry

	mu      sync.Mutex
	lastUID Identity
	started bool
}

type ClientOption func(*Client)

func WithLogger(log *zap.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// WithDefaultPicture sets the picture rendered for senders without one.
func WithDefaultPicture(url string) ClientOption {
	return func(c *Client) { c.defaultPicture = url }
}

// WithOperationTimeout bounds each remote operation started by the client.
func WithOperationTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// WithWindow sets how many recent messages a feed renders.
func WithWindow(n int) ClientOption {
	return func(c *Client) { c.window = n }
}

func WithFeedBackoff(cfg BackoffConfig) ClientOption {
	return func(c *Client) { c.feedBackoff = cfg }
}

func WithMirrorRetries(n int) ClientOption {
	return func(c *Client) { c.mirrorRetries = n }
}

func WithProfileSink(sink ProfileSink) ClientOption {
	return func(c *Client) { c.sink = sink }
}

func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) { c.now = now }
}

// NewClient creates a client. local may be nil for an in-memory cache.
func NewClient(remote RemoteStore, auth IdentityService, local LocalStore, opts ...ClientOption) *Client {
	c := &Client{
		remote:         remote,
		auth:           auth,
		local:          local,
		log:            zap.NewNop(),
		defaultPicture: DefaultPictureURL,
		timeout:        DefaultOperationTimeout,
		window:         DefaultWindow,
		mirrorRetries:  DefaultMirrorRetries,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.local == nil {
		c.local = NewMemoryLocalStore()
	}

	c.profiles = NewProfileCache(remote, c.local, c.log.Named("profiles"), c.timeout)
	c.sender = NewSender(remote, auth, c.profiles, c.log.Named("send"), SenderConfig{
		DefaultPicture: c.defaultPicture,
		Timeout:        c.timeout,
		MirrorRetries:  c.mirrorRetries,
		Now:            c.now,
	})
	c.presence = NewPresenceUpdater(remote, auth, c.log.Named("presence"), c.timeout)
	c.listeners = NewListenerRegistry(c.log.Named("listeners"))
	return c
}

func (c *Client) Auth() IdentityService { return c.auth }

func (c *Client) Profiles() *ProfileCache { return c.profiles }

func (c *Client) Sender() *Sender { return c.sender }

func (c *Client) Presence() *PresenceUpdater { return c.presence }

func (c *Client) Listeners() *ListenerRegistry { return c.listeners }

// Start observes identity changes: every sign-in marks the user online and
// hands the profile to the ProfileSink; every sign-out evicts the cached
// profile of the user that left. Start is idempotent.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	unsubscribe := c.auth.OnChange(func(u *User) { c.onIdentityChange(ctx, u) })
	c.listeners.Track("identity", "change", unsubscribe)
	return nil
}

func (c *Client) onIdentityChange(ctx context.Context, u *User) {
	c.mu.Lock()
	prev := c.lastUID
	if u != nil {
		c.lastUID = u.UID
	} else {
		c.lastUID = ""
	}
	c.mu.Unlock()

	if u == nil {
		if prev != "" {
			_ = c.profiles.Invalidate(prev)
		}
		c.log.Debug("identity cleared")
		return
	}
	if u.UID == prev {
		return
	}
	log := c.log.With(zap.String("uid", string(u.UID)))
	log.Info("identity established")

	if err := c.presence.MarkOnline(ctx); err != nil {
		log.Warn("could not mark user online", zap.Error(err))
	}
	p, err := c.profiles.Get(ctx, u.UID)
	if err != nil {
		log.Warn("profile not synced", zap.Error(err))
		return
	}
	if c.sink != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error("profile sink panicked", zap.Any("reason", r))
				}
			}()
			c.sink(u.UID, p)
		}()
	}
}

// ── Conversations ──────────────────────────────────────────

// Conversation is a live feed and a sender sharing one view.
type Conversation struct {
	client  *Client
	scope   Scope
	view    View
	feed    *Feed
	binding Binding
}

// Open subscribes view to scope.
func (c *Client) Open(ctx context.Context, scope Scope, view View) (*Conversation, error) {
	feed, err := Subscribe(ctx, c.remote, c.auth, scope, view, FeedConfig{
		Window:  c.window,
		Backoff: c.feedBackoff,
	}, c.log.Named("feed"))
	if err != nil {
		return nil, err
	}
	b := c.listeners.Track(scope.String(), "snapshot", func() { _ = feed.Close() })
	return &Conversation{client: c, scope: scope, view: view, feed: feed, binding: b}, nil
}

// OpenDirect opens the signed-in user's conversation with peer.
func (c *Client) OpenDirect(ctx context.Context, peer Identity, view View) (*Conversation, error) {
	uid := c.auth.Current()
	if uid == "" {
		return nil, &ValidationError{Err: ErrNotSignedIn}
	}
	return c.Open(ctx, DirectedScope(uid, peer), view)
}

func (cv *Conversation) Scope() Scope { return cv.scope }

func (cv *Conversation) Feed() *Feed { return cv.feed }

// Send posts the text of in to the conversation. A closed conversation
// rejects the send without clearing in.
func (cv *Conversation) Send(ctx context.Context, in Input) (*SendResult, error) {
	if cv.feed.State() == FeedClosed {
		return &SendResult{State: SendValidating}, &ValidationError{Err: ErrClosed}
	}
	return cv.client.sender.Send(ctx, cv.scope, cv.view, in)
}

// Close ends the live feed.
func (cv *Conversation) Close() error {
	if !cv.client.listeners.Release(cv.binding.ID) {
		return cv.feed.Close()
	}
	return nil
}

// ── Profile ────────────────────────────────────────────────

// Profile returns the signed-in user's profile, nil if there is none yet.
func (c *Client) Profile(ctx context.Context) (*UserProfile, error) {
	return c.profiles.Get(ctx, c.auth.Current())
}

// CompleteOnboarding writes the full profile of the signed-in user, carrying
// over a previously uploaded picture, and replaces the cached copy.
func (c *Client) CompleteOnboarding(ctx context.Context, name, bio string) (*UserProfile, error) {
	u := c.auth.User()
	if u == nil {
		return nil, &ValidationError{Err: ErrNotSignedIn}
	}
	ctx, cancel := c.operationContext(ctx)
	defer cancel()

	var existing UserProfile
	raw, err := c.remote.Get(ctx, usersCollection, string(u.UID))
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("read profile: %w", err)
	default:
		if err := json.Unmarshal(raw, &existing); err != nil {
			c.log.Warn("existing profile undecodable, overwriting", zap.String("uid", string(u.UID)), zap.Error(err))
		}
	}

	picture := existing.ProfilePicURL
	if picture == "" {
		picture = existing.PictureURL
	}
	p := &UserProfile{
		Name:       name,
		Bio:        bio,
		PictureURL: picture,
		Email:      u.Email,
		IsOnline:   true,
		CreatedAt:  c.now().UTC(),
	}
	if err := c.remote.Set(ctx, usersCollection, string(u.UID), p, false); err != nil {
		c.log.Error("onboarding write failed", zap.String("uid", string(u.UID)), zap.Error(err))
		return nil, fmt.Errorf("write profile %s: %w", u.UID, err)
	}
	if err := c.profiles.Put(u.UID, p); err != nil {
		c.log.Warn("onboarded profile not cached", zap.String("uid", string(u.UID)), zap.Error(err))
	}
	c.log.Info("profile created", zap.String("uid", string(u.UID)))
	cp := *p
	return &cp, nil
}

// SetProfilePicture records the download URL of an uploaded picture and
// evicts the cached profile.
func (c *Client) SetProfilePicture(ctx context.Context, url string) error {
	uid := c.auth.Current()
	if uid == "" {
		return &ValidationError{Err: ErrNotSignedIn}
	}
	ctx, cancel := c.operationContext(ctx)
	defer cancel()

	if err := c.remote.Set(ctx, usersCollection, string(uid), map[string]any{"profilePicUrl": url}, true); err != nil {
		c.log.Error("profile picture write failed", zap.String("uid", string(uid)), zap.Error(err))
		return fmt.Errorf("write profile picture %s: %w", uid, err)
	}
	return c.profiles.Invalidate(uid)
}

// ── Session ────────────────────────────────────────────────

// NextStep decides where a freshly signed-in user goes: home once the email
// is verified, verification when a profile exists, onboarding otherwise.
func (c *Client) NextStep(ctx context.Context) (Route, error) {
	u := c.auth.User()
	if u == nil {
		return "", &ValidationError{Err: ErrNotSignedIn}
	}
	if u.EmailVerified {
		return RouteHome, nil
	}
	p, err := c.profiles.Get(ctx, u.UID)
	if err != nil {
		return "", err
	}
	if p != nil && p.Name != "" {
		return RouteVerification, nil
	}
	return RouteOnboarding, nil
}

// CheckVerification reloads the account and reports whether its email has
// been verified.
func (c *Client) CheckVerification(ctx context.Context) (bool, error) {
	ctx, cancel := c.operationContext(ctx)
	defer cancel()
	u, err := c.auth.Reload(ctx)
	if err != nil {
		return false, err
	}
	return u.EmailVerified, nil
}

// SignOut marks the user offline, signs out and evicts the cached profile of
// the user that was signed in.
func (c *Client) SignOut(ctx context.Context) error {
	uid := c.auth.Current()
	if uid == "" {
		return nil
	}
	if err := c.presence.MarkOffline(ctx); err != nil {
		c.log.Warn("could not mark user offline", zap.String("uid", string(uid)), zap.Error(err))
	}
	if err := c.auth.SignOut(ctx); err != nil {
		return err
	}
	return c.profiles.Invalidate(uid)
}

// Close cancels pending sends, marks the user offline and detaches every
// feed and observer.
func (c *Client) Close(ctx context.Context) error {
	if n := c.sender.CancelPending(); n > 0 {
		c.log.Info("pending sends cancelled", zap.Int("count", n))
	}
	if c.auth.Current() != "" {
		if err := c.presence.MarkOffline(ctx); err != nil {
			c.log.Warn("could not mark user offline", zap.Error(err))
		}
	}
	c.listeners.Teardown()
	c.mu.Lock()
	c.started = false
	c.mu.Unlock()
	return nil
}

func (c *Client) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout > 0 {
		return context.WithTimeout(ctx, c.timeout)
	}
	return context.WithCancel(ctx)
}
