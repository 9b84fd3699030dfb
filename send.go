package chatsync

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SendState is the stage a send attempt reached.
type SendState string

const (
	SendValidating SendState = "validating"
	SendResolving  SendState = "resolving"
	SendRendered   SendState = "rendered"
	SendCommitting SendState = "committing"
	SendCommitted  SendState = "committed"
	SendRolledBack SendState = "rolled_back"
	SendPartial    SendState = "partially_mirrored"
)

// DefaultPictureURL is rendered for senders without a profile picture.
const DefaultPictureURL = "default_image_url"

// Input is the text field a message is composed in.
type Input interface {
	Value() string
	Clear()
}

// TextInput is a goroutine-safe Input.
type TextInput struct {
	mu   sync.Mutex
	text string
}

// NewTextInput creates an input holding text.
func NewTextInput(text string) *TextInput {
	return &TextInput{text: text}
}

func (t *TextInput) Value() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.text
}

func (t *TextInput) Clear() { t.Set("") }

// Set replaces the input text.
func (t *TextInput) Set(text string) {
	t.mu.Lock()
	t.text = text
	t.mu.Unlock()
}

// SendResult describes the outcome of one send attempt.
type SendResult struct {
	TentativeID string
	Message     Message
	MessageIDs  []string
	State       SendState
}

// SenderConfig configures a Sender.
type SenderConfig struct {
	DefaultPicture string
	// Timeout bounds each send from profile resolution to the last write.
	Timeout time.Duration
	// MirrorRetries is how many times a failed mirror write of a directed
	// message is retried before compensating.
	MirrorRetries int
	MirrorBackoff BackoffConfig
	Now           func() time.Time
}

// Sender renders a message as tentative before writing it durably and rolls
// the tentative entry back when the write fails.
type Sender struct {
	remote   RemoteStore
	identity CurrentIdentity
	profiles *ProfileCache
	log      *zap.Logger
	cfg      SenderConfig

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

// NewSender creates a sender.
func NewSender(remote RemoteStore, identity CurrentIdentity, profiles *ProfileCache, log *zap.Logger, cfg SenderConfig) *Sender {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.DefaultPicture == "" {
		cfg.DefaultPicture = DefaultPictureURL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MirrorBackoff.BaseDelay == 0 {
		cfg.MirrorBackoff.BaseDelay = 200 * time.Millisecond
	}
	if cfg.MirrorBackoff.MaxDelay == 0 {
		cfg.MirrorBackoff.MaxDelay = 2 * time.Second
	}
	return &Sender{
		remote:   remote,
		identity: identity,
		profiles: profiles,
		log:      log,
		cfg:      cfg,
		inflight: make(map[string]context.CancelFunc),
	}
}

// Send posts the text of in to scope. The input is cleared as soon as it
// validates, and a tentative own entry is appended to view before any write.
// On a failed write the tentative entry is removed again; on success it is
// left for the next feed render to supersede.
func (s *Sender) Send(ctx context.Context, scope Scope, view View, in Input) (*SendResult, error) {
	res := &SendResult{State: SendValidating}

	var uid Identity
	if s.identity != nil {
		uid = s.identity.Current()
	}
	if uid == "" {
		s.log.Warn("send rejected: user not authenticated")
		return res, &ValidationError{Err: ErrNotSignedIn}
	}
	if !scope.IsGlobal() && scope.Owner != uid {
		s.log.Warn("send rejected: scope owner mismatch",
			zap.String("uid", string(uid)), zap.String("scope", scope.String()))
		return res, &ValidationError{Err: ErrScopeMismatch}
	}
	text := strings.TrimSpace(in.Value())
	if text == "" {
		s.log.Warn("send rejected: message input is empty")
		return res, &ValidationError{Err: ErrEmptyMessage}
	}
	in.Clear()

	res.TentativeID = "local-" + uuid.NewString()
	ctx, cancel := s.operationContext(ctx)
	s.track(res.TentativeID, cancel)
	defer s.untrack(res.TentativeID)
	log := s.log.With(zap.String("tentative_id", res.TentativeID), zap.String("scope", scope.String()))

	res.State = SendResolving
	picture := s.cfg.DefaultPicture
	profile, err := s.profiles.Get(ctx, uid)
	switch {
	case err != nil:
		log.Warn("sender profile unavailable, using default picture", zap.Error(err))
	case profile != nil && profile.PictureURL != "":
		picture = profile.PictureURL
	}

	res.Message = Message{
		Text:       text,
		SenderID:   uid,
		PictureURL: picture,
		CreatedAt:  s.cfg.Now().UTC(),
	}
	view.Append(Entry{ID: res.TentativeID, Message: res.Message, Kind: KindOwn, Tentative: true})
	view.ScrollToEnd()
	res.State = SendRendered
	log.Debug("tentative entry rendered")

	res.State = SendCommitting
	ids, err := s.commit(ctx, scope, res.Message)
	res.MessageIDs = ids

	var partial *PartialMirrorWriteError
	switch {
	case err == nil:
		res.State = SendCommitted
		log.Info("message committed", zap.Strings("ids", ids))
		return res, nil
	case errors.As(err, &partial):
		res.State = SendPartial
		log.Error("message durable for sender only", zap.Error(err))
		return res, err
	default:
		view.Remove(res.TentativeID)
		res.State = SendRolledBack
		log.Error("message write failed, tentative entry removed", zap.Error(err))
		return res, err
	}
}

// CancelPending aborts every send that has not finished committing; each of
// them rolls back. It returns the number of sends cancelled.
func (s *Sender) CancelPending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cancel := range s.inflight {
		cancel()
	}
	return len(s.inflight)
}

// Pending returns the number of sends in flight.
func (s *Sender) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

func (s *Sender) commit(ctx context.Context, scope Scope, msg Message) ([]string, error) {
	if scope.IsGlobal() {
		id, err := s.remote.Append(ctx, scope.Collection(), msg)
		if err != nil {
			return nil, &RemoteWriteError{Scope: scope, Err: err}
		}
		return []string{id}, nil
	}
	return s.commitMirrored(ctx, scope, msg)
}

// commitMirrored stores msg under scope and its mirror. Without an atomic
// batch the sender's copy is written first; a mirror that still fails after
// retries is compensated by deleting the sender's copy.
func (s *Sender) commitMirrored(ctx context.Context, scope Scope, msg Message) ([]string, error) {
	mirror := scope.Mirror()

	if b, ok := s.remote.(BatchAppender); ok {
		ids, err := b.AppendBatch(ctx, []BatchWrite{
			{Collection: scope.Collection(), Data: msg},
			{Collection: mirror.Collection(), Data: msg},
		})
		if err != nil {
			return nil, &RemoteWriteError{Scope: scope, Err: err}
		}
		return ids, nil
	}

	first, err := s.remote.Append(ctx, scope.Collection(), msg)
	if err != nil {
		return nil, &RemoteWriteError{Scope: scope, Err: err}
	}
	second, err := s.appendWithRetry(ctx, mirror.Collection(), msg)
	if err == nil {
		return []string{first, second}, nil
	}

	if d, ok := s.remote.(Deleter); ok {
		cctx, cancel := s.operationContext(context.WithoutCancel(ctx))
		derr := d.Delete(cctx, scope.Collection(), first)
		cancel()
		if derr == nil {
			s.log.Warn("mirror write failed, sender copy withdrawn",
				zap.String("scope", scope.String()), zap.String("id", first), zap.Error(err))
			return nil, &RemoteWriteError{Scope: mirror, Err: err}
		}
		s.log.Error("compensating delete failed",
			zap.String("scope", scope.String()), zap.String("id", first), zap.Error(derr))
	}
	return []string{first}, &PartialMirrorWriteError{Written: scope, Missing: mirror, MessageID: first, Err: err}
}

func (s *Sender) appendWithRetry(ctx context.Context, collection string, msg Message) (string, error) {
	backoff := s.cfg.MirrorBackoff
	backoff.MaxAttempts = s.cfg.MirrorRetries
	if backoff.MaxAttempts <= 0 {
		backoff.MaxAttempts = 0
	}
	recon := newReconnector(backoff)

	for {
		id, err := s.remote.Append(ctx, collection, msg)
		if err == nil {
			return id, nil
		}
		if !recon.shouldReconnect() || ctx.Err() != nil {
			return "", err
		}
		delay := recon.nextDelay()
		s.log.Warn("mirror write failed, retrying",
			zap.String("collection", collection),
			zap.Int("attempt", recon.attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if !sleepCtx(ctx, delay) {
			return "", ctx.Err()
		}
	}
}

func (s *Sender) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.Timeout > 0 {
		return context.WithTimeout(ctx, s.cfg.Timeout)
	}
	return context.WithCancel(ctx)
}

func (s *Sender) track(id string, cancel context.CancelFunc) {
	s.mu.Lock()
	s.inflight[id] = cancel
	s.mu.Unlock()
}

func (s *Sender) untrack(id string) {
	s.mu.Lock()
	cancel := s.inflight[id]
	delete(s.inflight, id)
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
