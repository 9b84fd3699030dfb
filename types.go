package chatsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// Data Model
// ============================================================================

// Identity is the opaque identifier of a signed-in principal. The zero value
// means nobody is signed in.
type Identity string

// UserProfile is the document stored at users/{uid}.
type UserProfile struct {
	Name          string    `json:"name"`
	Bio           string    `json:"bio"`
	PictureURL    string    `json:"pictureUrl,omitempty"`
	ProfilePicURL string    `json:"profilePicUrl,omitempty"`
	Email         string    `json:"email"`
	IsOnline      bool      `json:"isOnline"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Message is a durable chat message. ID and Seq are assigned by the remote
// service and are not part of the written payload.
type Message struct {
	ID         string    `json:"-"`
	Seq        int64     `json:"-"`
	Text       string    `json:"text"`
	SenderID   Identity  `json:"senderId"`
	PictureURL string    `json:"pictureUrl"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Before reports whether m sorts before o: createdAt ascending, ties broken by
// remote insertion order.
func (m Message) Before(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.Seq < o.Seq
}

// Scope is the partition of messages a feed reads. The zero Scope is the
// single global feed; a directed scope is the owner's copy of a conversation
// with peer.
type Scope struct {
	Owner Identity
	Peer  Identity
}

// GlobalScope returns the shared global feed scope.
func GlobalScope() Scope { return Scope{} }

// DirectedScope returns owner's view of the conversation with peer.
func DirectedScope(owner, peer Identity) Scope {
	return Scope{Owner: owner, Peer: peer}
}

// IsGlobal reports whether s is the global scope.
func (s Scope) IsGlobal() bool { return s.Owner == "" && s.Peer == "" }

// Mirror returns the swapped scope holding the other participant's copy.
func (s Scope) Mirror() Scope { return Scope{Owner: s.Peer, Peer: s.Owner} }

// Collection returns the remote collection path backing the scope.
func (s Scope) Collection() string {
	if s.IsGlobal() {
		return "messages"
	}
	return "users/" + string(s.Owner) + "/chats/" + string(s.Peer) + "/messages"
}

func (s Scope) String() string {
	if s.IsGlobal() {
		return "global"
	}
	return string(s.Owner) + "->" + string(s.Peer)
}

// Kind classifies a rendered entry relative to the current identity.
type Kind string

const (
	KindOwn   Kind = "own"
	KindOther Kind = "other"
)

// Classify returns KindOwn when m was sent by current. With no current
// identity every message is KindOther.
func Classify(m Message, current Identity) Kind {
	if current != "" && m.SenderID == current {
		return KindOwn
	}
	return KindOther
}

// Entry is one rendered row of a message view.
type Entry struct {
	ID        string
	Message   Message
	Kind      Kind
	Tentative bool
}

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrNotFound indicates the requested remote document does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNotSignedIn indicates an operation needs an established identity.
	ErrNotSignedIn = errors.New("not signed in")

	// ErrEmptyMessage indicates the trimmed message text is empty.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrUnboundedWindow indicates a feed was requested without a positive bound.
	ErrUnboundedWindow = errors.New("feed window must be positive")

	// ErrScopeMismatch indicates a directed scope not owned by the sender.
	ErrScopeMismatch = errors.New("scope is not owned by the current identity")

	// ErrUnauthorized indicates rejected credentials or token.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrAlreadyExists indicates the email is already registered.
	ErrAlreadyExists = errors.New("already exists")

	// ErrClosed indicates use of a closed component.
	ErrClosed = errors.New("closed")
)

// ValidationError is a local rejection; no remote call was attempted.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return "validation: " + e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }

// RemoteWriteError reports a rejected durable write. The tentative entry of
// the send has been removed from the view.
type RemoteWriteError struct {
	Scope Scope
	Err   error
}

func (e *RemoteWriteError) Error() string {
	return fmt.Sprintf("write to %s: %v", e.Scope, e.Err)
}
func (e *RemoteWriteError) Unwrap() error { return e.Err }

// RemoteSubscriptionError reports a feed that failed to establish or lost its
// live query.
type RemoteSubscriptionError struct {
	Scope   Scope
	Attempt int
	Err     error
}

func (e *RemoteSubscriptionError) Error() string {
	return fmt.Sprintf("subscription %s (attempt %d): %v", e.Scope, e.Attempt, e.Err)
}
func (e *RemoteSubscriptionError) Unwrap() error { return e.Err }

// PartialMirrorWriteError reports a directed message durable under Written
// but missing from Missing after retries, with the compensating delete of the
// written copy also failing.
type PartialMirrorWriteError struct {
	Written   Scope
	Missing   Scope
	MessageID string
	Err       error
}

func (e *PartialMirrorWriteError) Error() string {
	return fmt.Sprintf("message %s stored in %s but not mirrored to %s: %v",
		e.MessageID, e.Written, e.Missing, e.Err)
}
func (e *PartialMirrorWriteError) Unwrap() error { return e.Err }

// APIError is the error body returned by the relay and by the account
// backend. Message is suitable for showing next to an auth form as-is.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	cause   error
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

func (e *APIError) Unwrap() error { return e.cause }

// Error codes shared by the account backend and the relay.
const (
	CodeEmailInUse        = "auth/email-already-in-use"
	CodeInvalidEmail      = "auth/invalid-email"
	CodeWeakPassword      = "auth/weak-password"
	CodeInvalidCredential = "auth/invalid-credential"
	CodeInvalidToken      = "auth/invalid-token"
	CodeInvalidCode       = "auth/invalid-verification-code"
	CodeNotFound          = "not-found"
	CodePermissionDenied  = "permission-denied"
	CodeInvalidArgument   = "invalid-argument"
	CodeInternal          = "internal"
)

var codeCauses = map[string]error{
	CodeEmailInUse:        ErrAlreadyExists,
	CodeInvalidCredential: ErrUnauthorized,
	CodeInvalidToken:      ErrUnauthorized,
	CodePermissionDenied:  ErrUnauthorized,
	CodeNotFound:          ErrNotFound,
}

func newAPIError(code, message string) *APIError {
	return &APIError{Code: code, Message: message, cause: codeCauses[code]}
}

// Result is the relay response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided value.
func (r *Result) Decode(v any) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}
