package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

var (
	errAppend = errors.New("append rejected")
	errWatch  = errors.New("watch unavailable")
)

// staticIdentity is a settable CurrentIdentity.
type staticIdentity struct {
	mu  sync.Mutex
	uid Identity
}

func identityOf(uid Identity) *staticIdentity { return &staticIdentity{uid: uid} }

func (s *staticIdentity) Current() Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uid
}

func (s *staticIdentity) set(uid Identity) {
	s.mu.Lock()
	s.uid = uid
	s.mu.Unlock()
}

// flakyRemote wraps a MemoryRemote with injectable failures. It implements
// neither BatchAppender nor Deleter.
type flakyRemote struct {
	mem *MemoryRemote

	mu             sync.Mutex
	appendFailures map[string]int
	appendGate     chan struct{}
	getGate        chan struct{}
	getErr         error
	setErr         error
	watchFailures  int
	getCalls       int
	appendCalls    int
}

func newFlakyRemote() *flakyRemote {
	return &flakyRemote{mem: NewMemoryRemote(), appendFailures: make(map[string]int)}
}

// failAppends makes the next n appends to collection fail; n < 0 fails forever.
func (f *flakyRemote) failAppends(collection string, n int) {
	f.mu.Lock()
	f.appendFailures[collection] = n
	f.mu.Unlock()
}

func (f *flakyRemote) setWatchFailures(n int) {
	f.mu.Lock()
	f.watchFailures = n
	f.mu.Unlock()
}

func (f *flakyRemote) gets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getCalls
}

func (f *flakyRemote) Get(ctx context.Context, collection, key string) (json.RawMessage, error) {
	f.mu.Lock()
	f.getCalls++
	gate, err := f.getGate, f.getErr
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return f.mem.Get(ctx, collection, key)
}

func (f *flakyRemote) Set(ctx context.Context, collection, key string, data any, merge bool) error {
	f.mu.Lock()
	err := f.setErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.mem.Set(ctx, collection, key, data, merge)
}

func (f *flakyRemote) Append(ctx context.Context, collection string, data any) (string, error) {
	f.mu.Lock()
	f.appendCalls++
	gate := f.appendGate
	n := f.appendFailures[collection]
	if n > 0 {
		f.appendFailures[collection] = n - 1
	}
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if n != 0 {
		return "", errAppend
	}
	return f.mem.Append(ctx, collection, data)
}

func (f *flakyRemote) Watch(ctx context.Context, q Query, onSnapshot SnapshotFunc, onError ErrorFunc) (Subscription, error) {
	f.mu.Lock()
	fail := f.watchFailures > 0
	if fail {
		f.watchFailures--
	}
	f.mu.Unlock()
	if fail {
		return nil, errWatch
	}
	return f.mem.Watch(ctx, q, onSnapshot, onError)
}

// compensatingRemote adds Delete to flakyRemote.
type compensatingRemote struct {
	*flakyRemote
	deleteErr error
	deleted   []string
}

func (c *compensatingRemote) Delete(ctx context.Context, collection, key string) error {
	if c.deleteErr != nil {
		return c.deleteErr
	}
	c.deleted = append(c.deleted, key)
	return c.mem.Delete(ctx, collection, key)
}

// snapshotRecorder collects live query deliveries.
type snapshotRecorder struct {
	mu     sync.Mutex
	snaps  [][]Doc
	errors []error
}

func (r *snapshotRecorder) onSnapshot(docs []Doc) {
	r.mu.Lock()
	r.snaps = append(r.snaps, docs)
	r.mu.Unlock()
}

func (r *snapshotRecorder) onError(err error) {
	r.mu.Lock()
	r.errors = append(r.errors, err)
	r.mu.Unlock()
}

func (r *snapshotRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

func (r *snapshotRecorder) last() []Doc {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snaps) == 0 {
		return nil
	}
	return r.snaps[len(r.snaps)-1]
}

func (r *snapshotRecorder) errs() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errors...)
}

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func messageAt(sender Identity, text string, offset time.Duration) Message {
	return Message{Text: text, SenderID: sender, PictureURL: DefaultPictureURL, CreatedAt: baseTime.Add(offset)}
}

func appendMessage(t *testing.T, remote RemoteStore, scope Scope, m Message) string {
	t.Helper()
	id, err := remote.Append(context.Background(), scope.Collection(), m)
	require.NoError(t, err)
	return id
}

func texts(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Message.Text
	}
	return out
}

func decodeMessage(t *testing.T, d Doc) Message {
	t.Helper()
	var m Message
	require.NoError(t, json.Unmarshal(d.Data, &m))
	m.ID, m.Seq = d.ID, d.Seq
	return m
}

const eventually = 2 * time.Second
const tick = 5 * time.Millisecond
