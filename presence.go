package chatsync

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// PresenceUpdater merge-writes the isOnline flag of the current user's
// profile. Writes are best-effort: failures are logged and returned, never
// retried.
type PresenceUpdater struct {
	remote   RemoteStore
	identity CurrentIdentity
	log      *zap.Logger
	timeout  time.Duration
}

// NewPresenceUpdater creates a presence updater.
func NewPresenceUpdater(remote RemoteStore, identity CurrentIdentity, log *zap.Logger, timeout time.Duration) *PresenceUpdater {
	if log == nil {
		log = zap.NewNop()
	}
	return &PresenceUpdater{remote: remote, identity: identity, log: log, timeout: timeout}
}

// MarkOnline sets isOnline for the current identity.
func (p *PresenceUpdater) MarkOnline(ctx context.Context) error {
	return p.mark(ctx, p.identity.Current(), true)
}

// MarkOffline clears isOnline for the current identity.
func (p *PresenceUpdater) MarkOffline(ctx context.Context) error {
	return p.mark(ctx, p.identity.Current(), false)
}

func (p *PresenceUpdater) mark(ctx context.Context, uid Identity, online bool) error {
	if uid == "" {
		p.log.Debug("presence not updated: user not authenticated")
		return &ValidationError{Err: ErrNotSignedIn}
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	err := p.remote.Set(ctx, usersCollection, string(uid), map[string]any{"isOnline": online}, true)
	if err != nil {
		p.log.Warn("presence update failed",
			zap.String("uid", string(uid)), zap.Bool("online", online), zap.Error(err))
		return err
	}
	p.log.Debug("presence updated", zap.String("uid", string(uid)), zap.Bool("online", online))
	return nil
}
