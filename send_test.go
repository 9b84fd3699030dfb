package chatsync

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestSender(remote RemoteStore, uid Identity, cfg SenderConfig) *Sender {
	if cfg.MirrorBackoff.BaseDelay == 0 {
		cfg.MirrorBackoff = BackoffConfig{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	}
	profiles := NewProfileCache(remote, NewMemoryLocalStore(), nil, 0)
	return NewSender(remote, identityOf(uid), profiles, nil, cfg)
}

func appendsOf(f *flakyRemote) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appendCalls
}

func storedMessage(t *testing.T, remote *MemoryRemote, scope Scope, id string) Message {
	t.Helper()
	raw, err := remote.Get(context.Background(), scope.Collection(), id)
	require.NoError(t, err)
	return decodeMessage(t, Doc{ID: id, Data: raw})
}

// ============================================================================
// Validation
// ============================================================================

func TestSendValidation(t *testing.T) {
	tests := []struct {
		name  string
		uid   Identity
		scope Scope
		text  string
		want  error
	}{
		{"not signed in", "", GlobalScope(), "hello", ErrNotSignedIn},
		{"empty text", "alice", GlobalScope(), "", ErrEmptyMessage},
		{"whitespace only", "alice", GlobalScope(), " \n\t ", ErrEmptyMessage},
		{"foreign directed scope", "alice", DirectedScope("bob", "carol"), "hello", ErrScopeMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			remote := newFlakyRemote()
			sender := newTestSender(remote, tt.uid, SenderConfig{})
			view := NewMessageList()
			in := NewTextInput(tt.text)

			res, err := sender.Send(context.Background(), tt.scope, view, in)
			require.ErrorIs(t, err, tt.want)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			require.Equal(t, SendValidating, res.State)
			require.Equal(t, tt.text, in.Value())
			require.Empty(t, view.Entries())
			require.Zero(t, appendsOf(remote))
			require.Zero(t, remote.gets())
		})
	}
}

// ============================================================================
// Global scope
// ============================================================================

func TestSendGlobal(t *testing.T) {
	ctx := context.Background()
	remote := newFlakyRemote()
	seedProfile(t, remote.mem, "alice", UserProfile{Name: "Alice", PictureURL: "https://img/alice.png"})
	now := baseTime.Add(time.Hour)
	sender := newTestSender(remote, "alice", SenderConfig{Now: func() time.Time { return now }})
	view := NewMessageList()
	in := NewTextInput("  hi there  ")

	res, err := sender.Send(ctx, GlobalScope(), view, in)
	require.NoError(t, err)
	require.Equal(t, SendCommitted, res.State)
	require.Empty(t, in.Value())
	require.Len(t, res.MessageIDs, 1)
	require.True(t, strings.HasPrefix(res.TentativeID, "local-"))

	entries := view.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, res.TentativeID, entries[0].ID)
	require.True(t, entries[0].Tentative)
	require.Equal(t, KindOwn, entries[0].Kind)
	require.Equal(t, "hi there", entries[0].Message.Text)
	require.Equal(t, "https://img/alice.png", entries[0].Message.PictureURL)
	require.Equal(t, res.TentativeID, view.ScrolledTo())

	stored := storedMessage(t, remote.mem, GlobalScope(), res.MessageIDs[0])
	require.Equal(t, "hi there", stored.Text)
	require.Equal(t, Identity("alice"), stored.SenderID)
	require.Equal(t, "https://img/alice.png", stored.PictureURL)
	require.True(t, now.Equal(stored.CreatedAt))
	require.Zero(t, sender.Pending())
}

func TestSendUsesDefaultPictureWithoutProfile(t *testing.T) {
	t.Run("package default", func(t *testing.T) {
		remote := newFlakyRemote()
		sender := newTestSender(remote, "alice", SenderConfig{})
		res, err := sender.Send(context.Background(), GlobalScope(), NewMessageList(), NewTextInput("hi"))
		require.NoError(t, err)
		require.Equal(t, DefaultPictureURL, res.Message.PictureURL)
	})

	t.Run("configured default", func(t *testing.T) {
		remote := newFlakyRemote()
		sender := newTestSender(remote, "alice", SenderConfig{DefaultPicture: "https://img/anon.png"})
		res, err := sender.Send(context.Background(), GlobalScope(), NewMessageList(), NewTextInput("hi"))
		require.NoError(t, err)
		require.Equal(t, "https://img/anon.png", res.Message.PictureURL)
	})

	t.Run("profile read failure", func(t *testing.T) {
		remote := newFlakyRemote()
		remote.getErr = errors.New("profile service down")
		sender := newTestSender(remote, "alice", SenderConfig{})
		res, err := sender.Send(context.Background(), GlobalScope(), NewMessageList(), NewTextInput("hi"))
		require.NoError(t, err)
		require.Equal(t, SendCommitted, res.State)
		require.Equal(t, DefaultPictureURL, res.Message.PictureURL)
	})
}

func TestSendRollsBackFailedWrite(t *testing.T) {
	remote := newFlakyRemote()
	remote.failAppends("messages", -1)
	sender := newTestSender(remote, "alice", SenderConfig{})
	view := NewMessageList()
	view.Append(Entry{ID: "existing", Message: messageAt("bob", "earlier", 0), Kind: KindOther})
	in := NewTextInput("hello")

	res, err := sender.Send(context.Background(), GlobalScope(), view, in)
	var we *RemoteWriteError
	require.ErrorAs(t, err, &we)
	require.ErrorIs(t, err, errAppend)
	require.Equal(t, GlobalScope(), we.Scope)
	require.Equal(t, SendRolledBack, res.State)
	require.Empty(t, res.MessageIDs)
	require.Empty(t, in.Value())
	require.False(t, view.Contains(res.TentativeID))
	require.Equal(t, []string{"earlier"}, texts(view.Entries()))
}

func TestSendSupersededByFeed(t *testing.T) {
	ctx := context.Background()
	remote := NewMemoryRemote()
	view := NewMessageList()
	feed, err := Subscribe(ctx, remote, identityOf("alice"), GlobalScope(), view, fastFeed(10, 3), nil)
	require.NoError(t, err)
	defer feed.Close()

	sender := newTestSender(remote, "alice", SenderConfig{})
	res, err := sender.Send(ctx, GlobalScope(), view, NewTextInput("hi"))
	require.NoError(t, err)

	require.False(t, view.Contains(res.TentativeID))
	entries := view.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, res.MessageIDs[0], entries[0].ID)
	require.False(t, entries[0].Tentative)
	require.Equal(t, KindOwn, entries[0].Kind)
}

// ============================================================================
// Directed scope
// ============================================================================

func TestSendDirectedBatch(t *testing.T) {
	remote := NewMemoryRemote()
	scope := DirectedScope("alice", "bob")
	sender := newTestSender(remote, "alice", SenderConfig{})

	res, err := sender.Send(context.Background(), scope, NewMessageList(), NewTextInput("psst"))
	require.NoError(t, err)
	require.Equal(t, SendCommitted, res.State)
	require.Len(t, res.MessageIDs, 2)

	mine := storedMessage(t, remote, scope, res.MessageIDs[0])
	theirs := storedMessage(t, remote, scope.Mirror(), res.MessageIDs[1])
	require.Equal(t, mine.Text, theirs.Text)
	require.Equal(t, mine.SenderID, theirs.SenderID)
	require.True(t, mine.CreatedAt.Equal(theirs.CreatedAt))
}

func TestSendDirectedRetriesMirror(t *testing.T) {
	remote := newFlakyRemote()
	scope := DirectedScope("alice", "bob")
	remote.failAppends(scope.Mirror().Collection(), 2)
	sender := newTestSender(remote, "alice", SenderConfig{MirrorRetries: 2})

	res, err := sender.Send(context.Background(), scope, NewMessageList(), NewTextInput("psst"))
	require.NoError(t, err)
	require.Equal(t, SendCommitted, res.State)
	require.Len(t, res.MessageIDs, 2)
	require.Equal(t, 4, appendsOf(remote))
	storedMessage(t, remote.mem, scope.Mirror(), res.MessageIDs[1])
}

func TestSendDirectedCompensates(t *testing.T) {
	remote := &compensatingRemote{flakyRemote: newFlakyRemote()}
	scope := DirectedScope("alice", "bob")
	remote.failAppends(scope.Mirror().Collection(), -1)
	sender := newTestSender(remote, "alice", SenderConfig{MirrorRetries: 1})
	view := NewMessageList()

	res, err := sender.Send(context.Background(), scope, view, NewTextInput("psst"))
	var we *RemoteWriteError
	require.ErrorAs(t, err, &we)
	require.Equal(t, scope.Mirror(), we.Scope)
	require.Equal(t, SendRolledBack, res.State)
	require.False(t, view.Contains(res.TentativeID))

	require.Len(t, remote.deleted, 1)
	_, err = remote.mem.Get(context.Background(), scope.Collection(), remote.deleted[0])
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSendDirectedPartialMirror(t *testing.T) {
	scope := DirectedScope("alice", "bob")

	check := func(t *testing.T, remote RemoteStore, mem *MemoryRemote) {
		view := NewMessageList()
		res, err := newTestSender(remote, "alice", SenderConfig{}).Send(context.Background(), scope, view, NewTextInput("psst"))

		var partial *PartialMirrorWriteError
		require.ErrorAs(t, err, &partial)
		require.ErrorIs(t, err, errAppend)
		require.Equal(t, scope, partial.Written)
		require.Equal(t, scope.Mirror(), partial.Missing)
		require.Equal(t, SendPartial, res.State)
		require.Equal(t, []string{partial.MessageID}, res.MessageIDs)
		require.True(t, view.Contains(res.TentativeID))
		storedMessage(t, mem, scope, partial.MessageID)
	}

	t.Run("store without delete", func(t *testing.T) {
		remote := newFlakyRemote()
		remote.failAppends(scope.Mirror().Collection(), -1)
		check(t, remote, remote.mem)
	})

	t.Run("compensating delete fails", func(t *testing.T) {
		remote := &compensatingRemote{flakyRemote: newFlakyRemote(), deleteErr: errors.New("delete rejected")}
		remote.failAppends(scope.Mirror().Collection(), -1)
		check(t, remote, remote.mem)
	})
}

func TestSendDirectedFirstWriteFails(t *testing.T) {
	remote := newFlakyRemote()
	scope := DirectedScope("alice", "bob")
	remote.failAppends(scope.Collection(), 1)
	view := NewMessageList()

	res, err := newTestSender(remote, "alice", SenderConfig{}).Send(context.Background(), scope, view, NewTextInput("psst"))
	var we *RemoteWriteError
	require.ErrorAs(t, err, &we)
	require.Equal(t, scope, we.Scope)
	require.Equal(t, SendRolledBack, res.State)
	require.Equal(t, 1, appendsOf(remote))
	require.Empty(t, view.Entries())
}

// ============================================================================
// Cancellation
// ============================================================================

func TestSendCancelPending(t *testing.T) {
	remote := newFlakyRemote()
	remote.appendGate = make(chan struct{})
	sender := newTestSender(remote, "alice", SenderConfig{})
	view := NewMessageList()

	type outcome struct {
		res *SendResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := sender.Send(context.Background(), GlobalScope(), view, NewTextInput("stuck"))
		done <- outcome{res, err}
	}()

	require.Eventually(t, func() bool { return appendsOf(remote) == 1 }, eventually, tick)
	require.Equal(t, 1, sender.Pending())
	require.Len(t, view.Entries(), 1)
	require.Equal(t, 1, sender.CancelPending())

	select {
	case out := <-done:
		require.ErrorIs(t, out.err, context.Canceled)
		require.Equal(t, SendRolledBack, out.res.State)
		require.Empty(t, view.Entries())
	case <-time.After(eventually):
		t.Fatal("send did not return after cancellation")
	}
	require.Zero(t, sender.Pending())
}

func TestSendTimesOut(t *testing.T) {
	remote := newFlakyRemote()
	remote.appendGate = make(chan struct{})
	sender := newTestSender(remote, "alice", SenderConfig{Timeout: 20 * time.Millisecond})
	view := NewMessageList()

	res, err := sender.Send(context.Background(), GlobalScope(), view, NewTextInput("slow"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, SendRolledBack, res.State)
	require.Empty(t, view.Entries())
}
