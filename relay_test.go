package chatsync

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// relayFixture is a relay over a MemoryRemote served by httptest.
type relayFixture struct {
	mem      *MemoryRemote
	accounts *Accounts
	box      *mailbox
	srv      *httptest.Server
}

func newRelayFixture(t *testing.T, log *zap.Logger) *relayFixture {
	t.Helper()
	box := &mailbox{}
	f := &relayFixture{mem: NewMemoryRemote(), accounts: newTestAccounts(t, box), box: box}
	f.srv = httptest.NewServer(NewRelay(f.mem, f.accounts, log))
	t.Cleanup(f.srv.Close)
	return f
}

// session returns a relay client whose requests carry the token of auth.
func (f *relayFixture) session() (*HTTPRemote, *Auth) {
	var auth *Auth
	remote := NewHTTPRemote(f.srv.URL+"/", WithTokenSource(func() string { return auth.Token() }))
	auth = NewAuth(remote, nil)
	return remote, auth
}

func (f *relayFixture) signedIn(t *testing.T) (*HTTPRemote, *Auth) {
	t.Helper()
	remote, auth := f.session()
	_, err := auth.SignInAnonymously(context.Background())
	require.NoError(t, err)
	return remote, auth
}

func (f *relayFixture) client(t *testing.T) (*Client, *Auth) {
	t.Helper()
	remote, auth := f.signedIn(t)
	c := NewClient(remote, auth, nil,
		WithOperationTimeout(5*time.Second),
		WithFeedBackoff(BackoffConfig{BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, MaxAttempts: 50}),
	)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c, auth
}

// ============================================================================
// Accounts
// ============================================================================

func TestRelayAccounts(t *testing.T) {
	ctx := context.Background()
	f := newRelayFixture(t, nil)
	remote, _ := f.session()

	creds, err := remote.SignUp(ctx, "ada@example.com", "secret1")
	require.NoError(t, err)
	require.Equal(t, "ada@example.com", creds.User.Email)
	require.NotEmpty(t, creds.Token)

	_, err = remote.SignUp(ctx, "ada@example.com", "secret1")
	require.ErrorIs(t, err, ErrAlreadyExists)
	requireCode(t, err, CodeEmailInUse)

	_, err = remote.SignIn(ctx, "ada@example.com", "wrong1")
	require.ErrorIs(t, err, ErrUnauthorized)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "The email or password is incorrect.", apiErr.Message)

	signedIn, err := remote.SignIn(ctx, "ada@example.com", "secret1")
	require.NoError(t, err)
	require.Equal(t, creds.User.UID, signedIn.User.UID)

	require.NoError(t, remote.SendVerification(ctx, creds.Token))
	code := f.box.code("ada@example.com")
	require.NotEmpty(t, code)
	requireCode(t, remote.Verify(ctx, creds.User.UID, "bogus"), CodeInvalidCode)
	require.NoError(t, remote.Verify(ctx, creds.User.UID, code))

	u, err := remote.Me(ctx, creds.Token)
	require.NoError(t, err)
	require.True(t, u.EmailVerified)

	_, err = remote.Me(ctx, "garbage")
	requireCode(t, err, CodeInvalidToken)

	anon, err := remote.SignInAnonymously(ctx)
	require.NoError(t, err)
	require.True(t, anon.User.Anonymous)
}

// ============================================================================
// Documents
// ============================================================================

func TestRelayDocuments(t *testing.T) {
	ctx := context.Background()
	f := newRelayFixture(t, nil)
	alice, aliceAuth := f.signedIn(t)
	uid := string(aliceAuth.Current())

	_, err := alice.Get(ctx, usersCollection, uid)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, alice.Set(ctx, usersCollection, uid, UserProfile{Name: "Alice"}, false))
	require.NoError(t, alice.Set(ctx, usersCollection, uid, map[string]any{"isOnline": true}, true))
	raw, err := alice.Get(ctx, usersCollection, uid)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"name":"Alice"`)
	require.Contains(t, string(raw), `"isOnline":true`)

	err = alice.Set(ctx, usersCollection, "someone-else", map[string]any{"name": "x"}, true)
	require.ErrorIs(t, err, ErrUnauthorized)
	requireCode(t, err, CodePermissionDenied)

	id, err := alice.Append(ctx, "messages", messageAt(Identity(uid), "hello", 0))
	require.NoError(t, err)
	stored := storedMessage(t, f.mem, GlobalScope(), id)
	require.Equal(t, "hello", stored.Text)

	_, err = alice.Append(ctx, "messages", messageAt("impostor", "hello", 0))
	requireCode(t, err, CodePermissionDenied)

	_, err = alice.Append(ctx, usersCollection, map[string]any{"senderId": uid})
	requireCode(t, err, CodeInvalidArgument)

	_, err = alice.Append(ctx, "elsewhere", messageAt(Identity(uid), "x", 0))
	requireCode(t, err, CodeInvalidArgument)

	require.NoError(t, alice.Delete(ctx, "messages", id))
	_, err = f.mem.Get(ctx, "messages", id)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRelayMessagesAreAppendOnly(t *testing.T) {
	ctx := context.Background()
	f := newRelayFixture(t, nil)
	alice, aliceAuth := f.signedIn(t)
	mallory, _ := f.signedIn(t)
	me := aliceAuth.Current()

	id, err := alice.Append(ctx, "messages", messageAt(me, "hello", 0))
	require.NoError(t, err)

	t.Run("forged message under another sender", func(t *testing.T) {
		err := mallory.Set(ctx, "messages", "forged", messageAt(me, "I owe mallory", 0), false)
		requireCode(t, err, CodePermissionDenied)
		_, err = f.mem.Get(ctx, "messages", "forged")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("overwrite of a stored message", func(t *testing.T) {
		requireCode(t, mallory.Set(ctx, "messages", id, map[string]any{"text": "edited"}, true), CodePermissionDenied)
		requireCode(t, alice.Set(ctx, "messages", id, messageAt(me, "edited", 0), false), CodePermissionDenied)
		require.Equal(t, "hello", storedMessage(t, f.mem, GlobalScope(), id).Text)
	})

	t.Run("delete by someone other than the sender", func(t *testing.T) {
		requireCode(t, mallory.Delete(ctx, "messages", id), CodePermissionDenied)
		require.Equal(t, "hello", storedMessage(t, f.mem, GlobalScope(), id).Text)
	})

	t.Run("mirrored pair survives the recipient", func(t *testing.T) {
		bob, bobAuth := f.signedIn(t)
		scope := DirectedScope(me, bobAuth.Current())
		ids, err := alice.AppendBatch(ctx, []BatchWrite{
			{Collection: scope.Collection(), Data: messageAt(me, "psst", 0)},
			{Collection: scope.Mirror().Collection(), Data: messageAt(me, "psst", 0)},
		})
		require.NoError(t, err)

		requireCode(t, bob.Delete(ctx, scope.Mirror().Collection(), ids[1]), CodePermissionDenied)
		requireCode(t, bob.Set(ctx, scope.Mirror().Collection(), ids[1], map[string]any{"text": "x"}, true), CodePermissionDenied)
		require.Equal(t, "psst", storedMessage(t, f.mem, scope.Mirror(), ids[1]).Text)

		require.NoError(t, alice.Delete(ctx, scope.Collection(), ids[0]))
		_, err = f.mem.Get(ctx, scope.Collection(), ids[0])
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("sender withdraws", func(t *testing.T) {
		require.NoError(t, alice.Delete(ctx, "messages", id))
		requireCode(t, alice.Delete(ctx, "messages", id), CodeNotFound)
	})
}

func TestRelayBatch(t *testing.T) {
	ctx := context.Background()
	f := newRelayFixture(t, nil)
	alice, auth := f.signedIn(t)
	me := auth.Current()
	scope := DirectedScope(me, "bob")

	ids, err := alice.AppendBatch(ctx, []BatchWrite{
		{Collection: scope.Collection(), Data: messageAt(me, "psst", 0)},
		{Collection: scope.Mirror().Collection(), Data: messageAt(me, "psst", 0)},
	})
	require.NoError(t, err)
	require.Len(t, ids, 2)
	storedMessage(t, f.mem, scope.Mirror(), ids[1])

	_, err = alice.AppendBatch(ctx, []BatchWrite{
		{Collection: scope.Collection(), Data: messageAt(me, "ok", 0)},
		{Collection: DirectedScope("bob", "carol").Collection(), Data: messageAt(me, "nope", 0)},
	})
	requireCode(t, err, CodePermissionDenied)

	_, err = alice.AppendBatch(ctx, nil)
	requireCode(t, err, CodeInvalidArgument)
}

func TestRelayRequiresToken(t *testing.T) {
	f := newRelayFixture(t, nil)
	anonymous, _ := f.session()

	_, err := anonymous.Get(context.Background(), usersCollection, "x")
	require.ErrorIs(t, err, ErrUnauthorized)
	requireCode(t, err, CodeInvalidToken)

	resp, err := http.Get(f.srv.URL + "/v1/doc?collection=messages&key=x")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRelayRejectsMalformedBody(t *testing.T) {
	f := newRelayFixture(t, nil)
	resp, err := http.Post(f.srv.URL+"/v1/auth/signin", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	res, err := decodeJSONBody(resp)
	require.NoError(t, err)
	require.False(t, res.OK)
	require.Equal(t, CodeInvalidArgument, res.Error.Code)
}

func TestRelayLogsRequests(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	f := newRelayFixture(t, zap.New(core))

	resp, err := http.Get(f.srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	entries := logs.FilterMessage("http").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, "/healthz", fields["path"])
	require.EqualValues(t, http.StatusOK, fields["status"])
}

func TestRelayRecovererWritesEnvelope(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	relay := NewRelay(NewMemoryRemote(), nil, zap.New(core))
	h := relay.recoverer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("handler bug") }))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/doc", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	res, err := decodeJSONBody(rec.Result())
	require.NoError(t, err)
	require.False(t, res.OK)
	require.Equal(t, CodeInternal, res.Error.Code)
	require.Equal(t, 1, logs.FilterMessage("panic").Len())
}

func decodeJSONBody(resp *http.Response) (*Result, error) {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Result](data)
}

// ============================================================================
// Live queries
// ============================================================================

func TestRelayGlobalFeed(t *testing.T) {
	ctx := context.Background()
	f := newRelayFixture(t, nil)
	alice, aliceAuth := f.client(t)
	bob, _ := f.client(t)

	view := NewMessageList()
	conv, err := alice.Open(ctx, GlobalScope(), view)
	require.NoError(t, err)
	require.Equal(t, FeedLive, conv.Feed().State())
	require.Equal(t, 1, f.mem.WatcherCount())

	bobConv, err := bob.Open(ctx, GlobalScope(), NewMessageList())
	require.NoError(t, err)
	_, err = bobConv.Send(ctx, NewTextInput("hi alice"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		entries := view.Entries()
		return len(entries) == 1 && !entries[0].Tentative && entries[0].Kind == KindOther
	}, eventually, tick)

	_, err = conv.Send(ctx, NewTextInput("hi bob"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		entries := view.Entries()
		return len(entries) == 2 && !entries[1].Tentative &&
			entries[1].Kind == KindOwn && entries[1].Message.SenderID == aliceAuth.Current()
	}, eventually, tick)

	require.NoError(t, conv.Close())
	require.NoError(t, bobConv.Close())
	require.Eventually(t, func() bool { return f.mem.WatcherCount() == 0 }, eventually, tick)
}

func TestRelayDirectedConversation(t *testing.T) {
	ctx := context.Background()
	f := newRelayFixture(t, nil)
	alice, aliceAuth := f.client(t)
	bob, bobAuth := f.client(t)
	carol, _ := f.signedIn(t)

	bobView := NewMessageList()
	_, err := bob.OpenDirect(ctx, aliceAuth.Current(), bobView)
	require.NoError(t, err)

	aliceConv, err := alice.OpenDirect(ctx, bobAuth.Current(), NewMessageList())
	require.NoError(t, err)
	res, err := aliceConv.Send(ctx, NewTextInput("just between us"))
	require.NoError(t, err)
	require.Len(t, res.MessageIDs, 2)

	require.Eventually(t, func() bool {
		entries := bobView.Entries()
		return len(entries) == 1 && entries[0].Message.Text == "just between us" && entries[0].Kind == KindOther
	}, eventually, tick)

	rec := &snapshotRecorder{}
	_, err = carol.Watch(ctx, Query{Collection: DirectedScope(aliceAuth.Current(), bobAuth.Current()).Collection()}, rec.onSnapshot, rec.onError)
	require.ErrorIs(t, err, ErrUnauthorized)
	requireCode(t, err, CodePermissionDenied)
	require.Zero(t, rec.count())
}

func TestRelayFeedRecoversFromLostQuery(t *testing.T) {
	ctx := context.Background()
	f := newRelayFixture(t, nil)
	alice, auth := f.client(t)

	view := NewMessageList()
	conv, err := alice.Open(ctx, GlobalScope(), view)
	require.NoError(t, err)
	states := &stateLog{}
	conv.Feed().OnStateChange(states.record)

	f.mem.FailWatchers(errors.New("store restarted"))
	require.Eventually(t, func() bool { return states.seen(FeedReconnecting) }, eventually, tick)
	require.Eventually(t, func() bool {
		return conv.Feed().State() == FeedLive && f.mem.WatcherCount() == 1
	}, eventually, tick)

	appendMessage(t, f.mem, GlobalScope(), messageAt(auth.Current(), "after restart", 0))
	require.Eventually(t, func() bool {
		entries := view.Entries()
		return len(entries) == 1 && entries[0].Kind == KindOwn
	}, eventually, tick)
}

func TestRelayWatchRejectsBadLimit(t *testing.T) {
	f := newRelayFixture(t, nil)
	_, auth := f.signedIn(t)
	resp, err := http.Get(f.srv.URL + "/v1/watch?collection=messages&limit=-1&token=" + auth.Token())
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// ============================================================================
// Rules
// ============================================================================

func TestAuthorize(t *testing.T) {
	dm := DirectedScope("alice", "bob").Collection()
	tests := []struct {
		name       string
		caller     Identity
		collection string
		key        string
		write      bool
		code       string
	}{
		{"global read", "carol", "messages", "", false, ""},
		{"global write", "carol", "messages", "", true, ""},
		{"read any profile", "carol", "users", "alice", false, ""},
		{"write own profile", "alice", "users", "alice", true, ""},
		{"write other profile", "carol", "users", "alice", true, CodePermissionDenied},
		{"owner reads conversation", "alice", dm, "", false, ""},
		{"peer writes mirror", "bob", dm, "", true, ""},
		{"outsider reads conversation", "carol", dm, "", false, CodePermissionDenied},
		{"missing collection", "alice", "", "", false, CodeInvalidArgument},
		{"unknown collection", "alice", "users/alice/notes", "", false, CodeInvalidArgument},
		{"empty participant", "alice", "users//chats/bob/messages", "", false, CodeInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := authorize(tt.caller, tt.collection, tt.key, tt.write)
			if tt.code == "" {
				require.NoError(t, err)
				return
			}
			requireCode(t, err, tt.code)
		})
	}
}

func TestStatusFor(t *testing.T) {
	require.Equal(t, http.StatusUnauthorized, statusFor(CodeInvalidToken))
	require.Equal(t, http.StatusForbidden, statusFor(CodeInvalidCredential))
	require.Equal(t, http.StatusForbidden, statusFor(CodePermissionDenied))
	require.Equal(t, http.StatusNotFound, statusFor(CodeNotFound))
	require.Equal(t, http.StatusConflict, statusFor(CodeEmailInUse))
	require.Equal(t, http.StatusInternalServerError, statusFor(CodeInternal))
	require.Equal(t, http.StatusBadRequest, statusFor(CodeWeakPassword))
}

func TestToAPIErrorHidesInternals(t *testing.T) {
	require.Equal(t, CodeNotFound, toAPIError(ErrNotFound).Code)
	internal := toAPIError(errors.New("disk on fire"))
	require.Equal(t, CodeInternal, internal.Code)
	require.NotContains(t, internal.Message, "disk")
}
