package chatsync

import (
	"context"
	"encoding/json"
)

// ============================================================================
// Remote Data Service
// ============================================================================

// Doc is one document of a live query result.
type Doc struct {
	ID   string          `json:"id"`
	Seq  int64           `json:"seq"`
	Data json.RawMessage `json:"data"`
}

// Query describes a live query over a collection. Results are ordered by
// OrderBy ascending, ties broken by insertion order. LimitToLast keeps only
// the last N documents of that ordering; zero means unbounded.
type Query struct {
	Collection  string `json:"collection"`
	OrderBy     string `json:"orderBy"`
	LimitToLast int    `json:"limit"`
}

// SnapshotFunc receives the complete ordered result set of a live query.
type SnapshotFunc func(docs []Doc)

// ErrorFunc receives a failure that ended a live query.
type ErrorFunc func(err error)

// Subscription is a cancellation handle for a live query.
type Subscription interface {
	Unsubscribe()
}

// SubscriptionFunc adapts a function to Subscription.
type SubscriptionFunc func()

func (f SubscriptionFunc) Unsubscribe() { f() }

// RemoteStore is the hosted document database the client synchronises with.
type RemoteStore interface {
	// Get returns the raw document or an error wrapping ErrNotFound.
	Get(ctx context.Context, collection, key string) (json.RawMessage, error)
	// Set writes the document. With merge, top-level fields are merged into
	// the existing document instead of replacing it.
	Set(ctx context.Context, collection, key string, data any, merge bool) error
	// Append adds a document with a remote-assigned key and returns the key.
	Append(ctx context.Context, collection string, data any) (string, error)
	// Watch delivers the full result set on establishment and on every change
	// until the subscription is cancelled or onError is called.
	Watch(ctx context.Context, q Query, onSnapshot SnapshotFunc, onError ErrorFunc) (Subscription, error)
}

// BatchWrite is one append of an atomic batch.
type BatchWrite struct {
	Collection string `json:"collection"`
	Data       any    `json:"data"`
}

// BatchAppender is implemented by stores that can append to several
// collections atomically.
type BatchAppender interface {
	AppendBatch(ctx context.Context, writes []BatchWrite) ([]string, error)
}

// Deleter is implemented by stores that can remove a document.
type Deleter interface {
	Delete(ctx context.Context, collection, key string) error
}

// LocalStore is a synchronous durable string key-value store.
type LocalStore interface {
	Get(key string) (value string, ok bool, err error)
	Set(key, value string) error
	Remove(key string) error
}

// CurrentIdentity reports the signed-in principal, or "" when there is none.
type CurrentIdentity interface {
	Current() Identity
}
