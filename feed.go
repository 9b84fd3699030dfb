package chatsync

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// FeedState is the connection state of a feed.
type FeedState string

const (
	FeedConnecting   FeedState = "connecting"
	FeedLive         FeedState = "live"
	FeedReconnecting FeedState = "reconnecting"
	FeedDegraded     FeedState = "degraded"
	FeedClosed       FeedState = "closed"
)

// FeedConfig configures a feed. Window must be positive.
type FeedConfig struct {
	Window  int
	Backoff BackoffConfig
}

// Feed keeps a View in sync with the most recent Window messages of a scope.
// Every remote snapshot fully replaces the rendered entries.
type Feed struct {
	scope    Scope
	window   int
	remote   RemoteStore
	identity CurrentIdentity
	view     View
	log      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	state   FeedState
	gen     int
	sub     Subscription
	lastErr error
	recon   *reconnector
	onState []func(FeedState, error)
}

// Subscribe opens a live feed of scope rendered into view. Failures to
// establish or keep the live query are retried with backoff and reported
// through the feed state, never returned.
func Subscribe(ctx context.Context, remote RemoteStore, identity CurrentIdentity, scope Scope, view View, cfg FeedConfig, log *zap.Logger) (*Feed, error) {
	if cfg.Window <= 0 {
		return nil, &ValidationError{Err: ErrUnboundedWindow}
	}
	if log == nil {
		log = zap.NewNop()
	}
	cfg.Backoff.defaults()

	f := &Feed{
		scope:    scope,
		window:   cfg.Window,
		remote:   remote,
		identity: identity,
		view:     view,
		log:      log.With(zap.String("scope", scope.String())),
		state:    FeedConnecting,
		recon:    newReconnector(cfg.Backoff),
	}
	f.ctx, f.cancel = context.WithCancel(ctx)
	f.connect()
	return f, nil
}

// Scope returns the scope the feed reads.
func (f *Feed) Scope() Scope { return f.scope }

// State returns the current connection state.
func (f *Feed) State() FeedState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Err returns the last subscription failure, or nil while live.
func (f *Feed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastErr
}

// OnStateChange registers fn for state transitions. FeedDegraded means the
// feed gave up reconnecting and the view is no longer updated.
func (f *Feed) OnStateChange(fn func(state FeedState, err error)) {
	f.mu.Lock()
	f.onState = append(f.onState, fn)
	f.mu.Unlock()
}

// Reconnect restarts a degraded feed with a fresh backoff budget.
func (f *Feed) Reconnect() {
	f.mu.Lock()
	if f.state != FeedDegraded {
		f.mu.Unlock()
		return
	}
	f.recon.reset()
	f.state = FeedConnecting
	f.mu.Unlock()
	f.emit(FeedConnecting, nil)
	f.connect()
}

// Close cancels the live query. It is safe to call more than once.
func (f *Feed) Close() error {
	f.mu.Lock()
	if f.state == FeedClosed {
		f.mu.Unlock()
		return nil
	}
	f.state = FeedClosed
	sub := f.sub
	f.sub = nil
	f.mu.Unlock()

	f.cancel()
	if sub != nil {
		sub.Unsubscribe()
	}
	f.log.Debug("feed closed")
	f.emit(FeedClosed, nil)
	return nil
}

func (f *Feed) connect() {
	f.mu.Lock()
	if f.state == FeedClosed {
		f.mu.Unlock()
		return
	}
	f.gen++
	gen := f.gen
	f.mu.Unlock()

	q := Query{Collection: f.scope.Collection(), OrderBy: "createdAt", LimitToLast: f.window}
	sub, err := f.remote.Watch(f.ctx, q,
		func(docs []Doc) { f.onSnapshot(gen, docs) },
		func(err error) { f.onFailure(gen, err) },
	)
	if err != nil {
		f.onFailure(gen, err)
		return
	}

	f.mu.Lock()
	if f.state == FeedClosed || gen != f.gen {
		f.mu.Unlock()
		sub.Unsubscribe()
		return
	}
	f.sub = sub
	f.mu.Unlock()
}

func (f *Feed) onSnapshot(gen int, docs []Doc) {
	f.mu.Lock()
	if f.state == FeedClosed || gen != f.gen {
		f.mu.Unlock()
		return
	}
	prev := f.state
	f.state = FeedLive
	f.lastErr = nil
	if prev != FeedLive {
		f.recon.markConnected()
	}
	f.mu.Unlock()

	f.render(docs)
	if prev != FeedLive {
		f.log.Info("feed live", zap.Int("window", f.window))
		f.emit(FeedLive, nil)
	}
}

func (f *Feed) onFailure(gen int, err error) {
	f.mu.Lock()
	if f.state == FeedClosed || gen != f.gen {
		f.mu.Unlock()
		return
	}
	sub := f.sub
	f.sub = nil
	f.gen++
	f.recon.disconnected()
	subErr := &RemoteSubscriptionError{Scope: f.scope, Attempt: f.recon.attempt + 1, Err: err}
	f.lastErr = subErr

	if !f.recon.shouldReconnect() {
		f.state = FeedDegraded
		f.mu.Unlock()
		if sub != nil {
			sub.Unsubscribe()
		}
		f.log.Error("feed stopped updating", zap.Int("attempts", subErr.Attempt-1), zap.Error(err))
		f.emit(FeedDegraded, subErr)
		return
	}
	delay := f.recon.nextDelay()
	f.state = FeedReconnecting
	f.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	f.log.Warn("feed subscription failed, reconnecting",
		zap.Int("attempt", subErr.Attempt),
		zap.Duration("delay", delay),
		zap.Error(err),
	)
	f.emit(FeedReconnecting, subErr)

	go func() {
		if sleepCtx(f.ctx, delay) {
			f.connect()
		}
	}()
}

func (f *Feed) render(docs []Doc) {
	var current Identity
	if f.identity != nil {
		current = f.identity.Current()
	}

	msgs := make([]Message, 0, len(docs))
	for _, d := range docs {
		var m Message
		if err := json.Unmarshal(d.Data, &m); err != nil {
			f.log.Warn("skipping undecodable message", zap.String("id", d.ID), zap.Error(err))
			continue
		}
		m.ID = d.ID
		m.Seq = d.Seq
		msgs = append(msgs, m)
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Before(msgs[j]) })
	if len(msgs) > f.window {
		msgs = msgs[len(msgs)-f.window:]
	}

	entries := make([]Entry, len(msgs))
	for i, m := range msgs {
		entries[i] = Entry{ID: m.ID, Message: m, Kind: Classify(m, current)}
	}
	f.view.Replace(entries)
	f.view.ScrollToEnd()
}

func (f *Feed) emit(state FeedState, err error) {
	f.mu.Lock()
	handlers := append([]func(FeedState, error){}, f.onState...)
	f.mu.Unlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(state, err)
		}()
	}
}
