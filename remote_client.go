package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	DefaultBaseURL   = "http://localhost:8787"
	DefaultTimeout   = 30 * time.Second
	DefaultHeartbeat = 25 * time.Second
)

// ============================================================================
// HTTP Remote
// ============================================================================

// HTTPRemote talks to a relay server. It serves both as the RemoteStore and
// as the AuthBackend of a client.
type HTTPRemote struct {
	baseURL    string
	httpClient *http.Client
	token      func() string
	heartbeat  time.Duration
	log        *zap.Logger
}

type HTTPRemoteOption func(*HTTPRemote)

func WithHTTPClient(client *http.Client) HTTPRemoteOption {
	return func(r *HTTPRemote) { r.httpClient = client }
}

// WithTokenSource sets the identity token attached to data requests.
func WithTokenSource(token func() string) HTTPRemoteOption {
	return func(r *HTTPRemote) { r.token = token }
}

func WithHeartbeat(interval time.Duration) HTTPRemoteOption {
	return func(r *HTTPRemote) { r.heartbeat = interval }
}

func WithRemoteLogger(log *zap.Logger) HTTPRemoteOption {
	return func(r *HTTPRemote) { r.log = log }
}

// NewHTTPRemote creates a relay client for baseURL.
func NewHTTPRemote(baseURL string, opts ...HTTPRemoteOption) *HTTPRemote {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	r := &HTTPRemote{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		token:      func() string { return "" },
		heartbeat:  DefaultHeartbeat,
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var (
	_ RemoteStore   = (*HTTPRemote)(nil)
	_ BatchAppender = (*HTTPRemote)(nil)
	_ Deleter       = (*HTTPRemote)(nil)
	_ AuthBackend   = (*HTTPRemote)(nil)
)

// ── Documents ──────────────────────────────────────────────

func (r *HTTPRemote) Get(ctx context.Context, collection, key string) (json.RawMessage, error) {
	var doc json.RawMessage
	err := r.call(ctx, http.MethodGet, "/v1/doc", r.token(), nil, docQuery(collection, key, false), &doc)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (r *HTTPRemote) Set(ctx context.Context, collection, key string, data any, merge bool) error {
	return r.call(ctx, http.MethodPut, "/v1/doc", r.token(), data, docQuery(collection, key, merge), nil)
}

func (r *HTTPRemote) Delete(ctx context.Context, collection, key string) error {
	return r.call(ctx, http.MethodDelete, "/v1/doc", r.token(), nil, docQuery(collection, key, false), nil)
}

func (r *HTTPRemote) Append(ctx context.Context, collection string, data any) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	q := map[string]string{"collection": collection}
	if err := r.call(ctx, http.MethodPost, "/v1/append", r.token(), data, q, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (r *HTTPRemote) AppendBatch(ctx context.Context, writes []BatchWrite) ([]string, error) {
	var out struct {
		IDs []string `json:"ids"`
	}
	if err := r.call(ctx, http.MethodPost, "/v1/batch", r.token(), writes, nil, &out); err != nil {
		return nil, err
	}
	return out.IDs, nil
}

// ── Accounts ───────────────────────────────────────────────

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (r *HTTPRemote) SignInAnonymously(ctx context.Context) (*Credentials, error) {
	var creds Credentials
	if err := r.call(ctx, http.MethodPost, "/v1/auth/anonymous", "", nil, nil, &creds); err != nil {
		return nil, err
	}
	return &creds, nil
}

func (r *HTTPRemote) SignUp(ctx context.Context, email, password string) (*Credentials, error) {
	var creds Credentials
	body := credentialsRequest{Email: email, Password: password}
	if err := r.call(ctx, http.MethodPost, "/v1/auth/signup", "", body, nil, &creds); err != nil {
		return nil, err
	}
	return &creds, nil
}

func (r *HTTPRemote) SignIn(ctx context.Context, email, password string) (*Credentials, error) {
	var creds Credentials
	body := credentialsRequest{Email: email, Password: password}
	if err := r.call(ctx, http.MethodPost, "/v1/auth/signin", "", body, nil, &creds); err != nil {
		return nil, err
	}
	return &creds, nil
}

func (r *HTTPRemote) SendVerification(ctx context.Context, token string) error {
	return r.call(ctx, http.MethodPost, "/v1/auth/verification", token, nil, nil, nil)
}

// Verify submits the verification code that was mailed to uid.
func (r *HTTPRemote) Verify(ctx context.Context, uid Identity, code string) error {
	body := map[string]string{"uid": string(uid), "code": code}
	return r.call(ctx, http.MethodPost, "/v1/auth/verify", "", body, nil, nil)
}

func (r *HTTPRemote) Me(ctx context.Context, token string) (*User, error) {
	var u User
	if err := r.call(ctx, http.MethodGet, "/v1/auth/me", token, nil, nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// ── Live queries ───────────────────────────────────────────

// watchEnvelope is one frame of the watch stream.
type watchEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Watch opens a websocket live query. The first snapshot is awaited before
// Watch returns; later failures are delivered to onError exactly once.
func (r *HTTPRemote) Watch(ctx context.Context, q Query, onSnapshot SnapshotFunc, onError ErrorFunc) (Subscription, error) {
	params := url.Values{}
	params.Set("collection", q.Collection)
	if q.OrderBy != "" {
		params.Set("orderBy", q.OrderBy)
	}
	if q.LimitToLast > 0 {
		params.Set("limit", strconv.Itoa(q.LimitToLast))
	}
	if tok := r.token(); tok != "" {
		params.Set("token", tok)
	}
	wsURL := strings.Replace(r.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/v1/watch?" + params.Encode()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(4 << 20)

	// The first frame is either the initial snapshot or a rejection.
	var first watchEnvelope
	if err := wsjson.Read(ctx, conn, &first); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("read initial snapshot: %w", err)
	}
	docs, err := decodeFrame(first)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, err
	}
	onSnapshot(docs)

	w := &wsWatch{conn: conn, onSnapshot: onSnapshot, onError: onError, log: r.log}
	connCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	go w.readLoop(connCtx)
	go w.heartbeatLoop(connCtx, r.heartbeat)
	return SubscriptionFunc(w.close), nil
}

type wsWatch struct {
	conn       *websocket.Conn
	cancel     context.CancelFunc
	onSnapshot SnapshotFunc
	onError    ErrorFunc
	log        *zap.Logger

	mu          sync.Mutex
	intentional bool
	failed      bool
}

func (w *wsWatch) close() {
	w.mu.Lock()
	if w.intentional {
		w.mu.Unlock()
		return
	}
	w.intentional = true
	w.mu.Unlock()
	w.cancel()
	w.conn.Close(websocket.StatusNormalClosure, "unsubscribe")
}

func (w *wsWatch) readLoop(ctx context.Context) {
	for {
		var env watchEnvelope
		if err := wsjson.Read(ctx, w.conn, &env); err != nil {
			w.fail(fmt.Errorf("watch stream: %w", err))
			return
		}
		docs, err := decodeFrame(env)
		if err != nil {
			w.fail(err)
			return
		}
		w.onSnapshot(docs)
	}
}

func (w *wsWatch) heartbeatLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, interval)
			err := w.conn.Ping(pctx)
			cancel()
			if err != nil && ctx.Err() == nil {
				w.log.Warn("watch heartbeat failed", zap.Error(err))
				w.conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// fail reports err unless the subscription was cancelled by its owner.
func (w *wsWatch) fail(err error) {
	w.mu.Lock()
	if w.intentional || w.failed {
		w.mu.Unlock()
		return
	}
	w.failed = true
	w.mu.Unlock()
	w.cancel()
	w.conn.Close(websocket.StatusNormalClosure, "")
	w.onError(err)
}

func decodeFrame(env watchEnvelope) ([]Doc, error) {
	switch env.Type {
	case "snapshot":
		var docs []Doc
		if err := json.Unmarshal(env.Payload, &docs); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		return docs, nil
	case "error":
		var apiErr APIError
		if err := json.Unmarshal(env.Payload, &apiErr); err != nil || apiErr.Message == "" {
			return nil, errors.New("watch rejected by relay")
		}
		return nil, restoreAPIError(&apiErr)
	default:
		return nil, fmt.Errorf("unexpected watch frame %q", env.Type)
	}
}

// ============================================================================
// Internal request helper
// ============================================================================

func (r *HTTPRemote) doRequest(ctx context.Context, method, path, token string, body any, query map[string]string) (int, []byte, error) {
	u := r.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	return resp.StatusCode, data, err
}

// call performs a request and decodes the Result envelope into out.
func (r *HTTPRemote) call(ctx context.Context, method, path, token string, body any, query map[string]string, out any) error {
	status, data, err := r.doRequest(ctx, method, path, token, body, query)
	if err != nil {
		return err
	}
	res, err := decodeJSON[Result](data)
	if err != nil {
		return fmt.Errorf("%s %s: status %d: %w", method, path, status, err)
	}
	if !res.OK {
		if res.Error == nil {
			return fmt.Errorf("%s %s: status %d", method, path, status)
		}
		return restoreAPIError(res.Error)
	}
	if out == nil {
		return nil
	}
	return res.Decode(out)
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// restoreAPIError reattaches the sentinel cause lost on the wire.
func restoreAPIError(e *APIError) *APIError {
	return newAPIError(e.Code, e.Message)
}

func docQuery(collection, key string, merge bool) map[string]string {
	q := map[string]string{"collection": collection, "key": key}
	if merge {
		q["merge"] = "true"
	}
	return q
}
