package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ============================================================================
// Relay server
// ============================================================================

// Relay exposes a RemoteStore and an account backend over HTTP, with live
// queries streamed over websockets.
type Relay struct {
	store    RemoteStore
	accounts *Accounts
	log      *zap.Logger
	router   chi.Router
}

type ctxKey string

const uidKey ctxKey = "uid"

const maxBodyBytes = 1 << 20

// NewRelay builds the relay routes over store and accounts.
func NewRelay(store RemoteStore, accounts *Accounts, log *zap.Logger) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Relay{store: store, accounts: accounts, log: log}

	r := chi.NewRouter()
	r.Use(s.recoverer)
	r.Use(s.requestLogger)

	r.Route("/v1/auth", func(r chi.Router) {
		r.Post("/anonymous", s.handleAnonymous)
		r.Post("/signup", s.handleSignUp)
		r.Post("/signin", s.handleSignIn)
		r.Post("/verify", s.handleVerify)
		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)
			r.Post("/verification", s.handleSendVerification)
			r.Get("/me", s.handleMe)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/v1/doc", s.handleGetDoc)
		r.Put("/v1/doc", s.handleSetDoc)
		r.Delete("/v1/doc", s.handleDeleteDoc)
		r.Post("/v1/append", s.handleAppend)
		r.Post("/v1/batch", s.handleBatch)
		r.Get("/v1/watch", s.handleWatch)
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeOK(w, map[string]string{"status": "ok"})
	})

	s.router = r
	return s
}

func (s *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ── Middleware ─────────────────────────────────────────────

func (s *Relay) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		// metadata only, never bodies
		s.log.Info("http",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("dur", time.Since(start)),
			zap.String("peer", r.RemoteAddr),
		)
	})
}

func (s *Relay) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.log.Error("panic",
					zap.Any("reason", rec),
					zap.ByteString("stack", debug.Stack()),
					zap.String("path", r.URL.Path),
				)
				writeError(w, newAPIError(CodeInternal, "internal"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// authenticate accepts a bearer token or, for websocket clients, a token
// query parameter.
func (s *Relay) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ""
		if h := r.Header.Get("Authorization"); h != "" {
			if parts := strings.SplitN(h, " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
				token = parts[1]
			}
		}
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			writeError(w, newAPIError(CodeInvalidToken, "Missing authentication token."))
			return
		}
		uid, err := s.accounts.ValidateToken(token)
		if err != nil {
			writeError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), uidKey, uid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func callerOf(r *http.Request) Identity {
	uid, _ := r.Context().Value(uidKey).(Identity)
	return uid
}

// ── Accounts ───────────────────────────────────────────────

func (s *Relay) handleAnonymous(w http.ResponseWriter, r *http.Request) {
	creds, err := s.accounts.SignInAnonymously(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, creds)
}

func (s *Relay) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	creds, err := s.accounts.SignUp(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, creds)
}

func (s *Relay) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	creds, err := s.accounts.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, creds)
}

func (s *Relay) handleSendVerification(w http.ResponseWriter, r *http.Request) {
	if err := s.accounts.SendVerificationTo(r.Context(), callerOf(r)); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Relay) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UID  Identity `json:"uid"`
		Code string   `json:"code"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.accounts.Verify(r.Context(), req.UID, req.Code); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Relay) handleMe(w http.ResponseWriter, r *http.Request) {
	u, err := s.accounts.Lookup(callerOf(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, u)
}

// ── Documents ──────────────────────────────────────────────

func (s *Relay) handleGetDoc(w http.ResponseWriter, r *http.Request) {
	collection, key := r.URL.Query().Get("collection"), r.URL.Query().Get("key")
	if err := authorize(callerOf(r), collection, key, false); err != nil {
		writeError(w, err)
		return
	}
	doc, err := s.store.Get(r.Context(), collection, key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, doc)
}

func (s *Relay) handleSetDoc(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	collection, key := q.Get("collection"), q.Get("key")
	if err := authorize(callerOf(r), collection, key, true); err != nil {
		writeError(w, err)
		return
	}
	if isMessageCollection(collection) {
		writeError(w, newAPIError(CodePermissionDenied, "Messages are append-only."))
		return
	}
	var doc map[string]json.RawMessage
	if !decodeBody(w, r, &doc) {
		return
	}
	merge, _ := strconv.ParseBool(q.Get("merge"))
	if err := s.store.Set(r.Context(), collection, key, doc, merge); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Relay) handleDeleteDoc(w http.ResponseWriter, r *http.Request) {
	collection, key := r.URL.Query().Get("collection"), r.URL.Query().Get("key")
	if err := authorize(callerOf(r), collection, key, true); err != nil {
		writeError(w, err)
		return
	}
	d, ok := s.store.(Deleter)
	if !ok {
		writeError(w, newAPIError(CodeInvalidArgument, "Deletes are not supported by this relay."))
		return
	}
	if err := s.authorizeWithdraw(r.Context(), callerOf(r), collection, key); err != nil {
		writeError(w, err)
		return
	}
	if err := d.Delete(r.Context(), collection, key); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Relay) handleAppend(w http.ResponseWriter, r *http.Request) {
	collection := r.URL.Query().Get("collection")
	var doc map[string]json.RawMessage
	if !decodeBody(w, r, &doc) {
		return
	}
	if err := authorizeAppend(callerOf(r), collection, doc); err != nil {
		writeError(w, err)
		return
	}
	id, err := s.store.Append(r.Context(), collection, doc)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]string{"id": id})
}

func (s *Relay) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req []struct {
		Collection string                     `json:"collection"`
		Data       map[string]json.RawMessage `json:"data"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req) == 0 {
		writeError(w, newAPIError(CodeInvalidArgument, "A batch needs at least one write."))
		return
	}
	caller := callerOf(r)
	writes := make([]BatchWrite, len(req))
	for i, wr := range req {
		if err := authorizeAppend(caller, wr.Collection, wr.Data); err != nil {
			writeError(w, err)
			return
		}
		writes[i] = BatchWrite{Collection: wr.Collection, Data: wr.Data}
	}

	var ids []string
	var err error
	if b, ok := s.store.(BatchAppender); ok {
		ids, err = b.AppendBatch(r.Context(), writes)
	} else {
		err = newAPIError(CodeInvalidArgument, "Batches are not supported by this relay.")
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string][]string{"ids": ids})
}

// ── Live queries ───────────────────────────────────────────

func (s *Relay) handleWatch(w http.ResponseWriter, r *http.Request) {
	q := Query{
		Collection: r.URL.Query().Get("collection"),
		OrderBy:    r.URL.Query().Get("orderBy"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, newAPIError(CodeInvalidArgument, "limit must be a non-negative integer."))
			return
		}
		q.LimitToLast = n
	}
	caller := callerOf(r)
	authErr := authorize(caller, q.Collection, "", false)

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()
	ctx := conn.CloseRead(r.Context())

	if authErr != nil {
		s.sendWatchError(ctx, conn, authErr)
		return
	}

	stream := newSnapshotStream()
	sub, err := s.store.Watch(ctx, q, stream.push, stream.fail)
	if err != nil {
		s.sendWatchError(ctx, conn, err)
		return
	}
	defer sub.Unsubscribe()
	log := s.log.With(zap.String("uid", string(caller)), zap.String("collection", q.Collection))
	log.Debug("watch opened")

	for {
		docs, ok, failure := stream.next(ctx)
		if !ok {
			log.Debug("watch closed")
			return
		}
		if failure != nil {
			s.sendWatchError(ctx, conn, failure)
			return
		}
		if err := wsjson.Write(ctx, conn, watchFrame{Type: "snapshot", Payload: docs}); err != nil {
			log.Debug("watch write failed", zap.Error(err))
			return
		}
	}
}

type watchFrame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

func (s *Relay) sendWatchError(ctx context.Context, conn *websocket.Conn, err error) {
	apiErr := toAPIError(err)
	if werr := wsjson.Write(ctx, conn, watchFrame{Type: "error", Payload: apiErr}); werr != nil {
		s.log.Debug("watch error frame not delivered", zap.Error(werr))
	}
	conn.Close(websocket.StatusPolicyViolation, apiErr.Code)
}

// snapshotStream hands the newest snapshot to the websocket writer without
// blocking the store's delivery.
type snapshotStream struct {
	mu      sync.Mutex
	latest  []Doc
	pending bool
	failure error
	notify  chan struct{}
}

func newSnapshotStream() *snapshotStream {
	return &snapshotStream{notify: make(chan struct{}, 1)}
}

func (s *snapshotStream) push(docs []Doc) {
	s.mu.Lock()
	s.latest, s.pending = docs, true
	s.mu.Unlock()
	s.signal()
}

func (s *snapshotStream) fail(err error) {
	s.mu.Lock()
	s.failure = err
	s.mu.Unlock()
	s.signal()
}

func (s *snapshotStream) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *snapshotStream) next(ctx context.Context) ([]Doc, bool, error) {
	for {
		s.mu.Lock()
		switch {
		case s.pending:
			docs := s.latest
			s.pending = false
			s.mu.Unlock()
			if docs == nil {
				docs = []Doc{}
			}
			return docs, true, nil
		case s.failure != nil:
			err := s.failure
			s.mu.Unlock()
			return nil, true, err
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false, nil
		case <-s.notify:
		}
	}
}

// ── Rules ──────────────────────────────────────────────────

// authorize applies the access rules: the global feed is shared, profiles
// are readable by anyone signed in but writable only by their owner, and a
// directed conversation is visible to its two participants.
func authorize(caller Identity, collection, key string, write bool) error {
	switch {
	case collection == "":
		return newAPIError(CodeInvalidArgument, "collection is required.")
	case collection == GlobalScope().Collection():
		return nil
	case collection == usersCollection:
		if write && Identity(key) != caller {
			return newAPIError(CodePermissionDenied, "Profiles can only be written by their owner.")
		}
		return nil
	}
	owner, peer, ok := parseDirectedCollection(collection)
	if !ok {
		return newAPIError(CodeInvalidArgument, "Unknown collection "+collection+".")
	}
	if caller != owner && caller != peer {
		return newAPIError(CodePermissionDenied, "Conversation is not visible to this account.")
	}
	return nil
}

// authorizeAppend additionally requires new messages to carry the caller as
// sender.
func authorizeAppend(caller Identity, collection string, doc map[string]json.RawMessage) error {
	if collection == usersCollection {
		return newAPIError(CodeInvalidArgument, "Profiles are written by key.")
	}
	if err := authorize(caller, collection, "", true); err != nil {
		return err
	}
	var sender Identity
	if raw, ok := doc["senderId"]; ok {
		_ = json.Unmarshal(raw, &sender)
	}
	if sender != caller {
		return newAPIError(CodePermissionDenied, "senderId must be the signed-in account.")
	}
	return nil
}

// authorizeWithdraw lets only the sender delete a stored message.
func (s *Relay) authorizeWithdraw(ctx context.Context, caller Identity, collection, key string) error {
	if !isMessageCollection(collection) {
		return nil
	}
	raw, err := s.store.Get(ctx, collection, key)
	if err != nil {
		return err
	}
	var stored struct {
		SenderID Identity `json:"senderId"`
	}
	if err := json.Unmarshal(raw, &stored); err != nil || stored.SenderID != caller {
		return newAPIError(CodePermissionDenied, "Only the sender can withdraw a message.")
	}
	return nil
}

func isMessageCollection(collection string) bool {
	if collection == GlobalScope().Collection() {
		return true
	}
	_, _, ok := parseDirectedCollection(collection)
	return ok
}

func parseDirectedCollection(collection string) (owner, peer Identity, ok bool) {
	parts := strings.Split(collection, "/")
	if len(parts) != 5 || parts[0] != usersCollection || parts[2] != "chats" || parts[4] != "messages" {
		return "", "", false
	}
	if parts[1] == "" || parts[3] == "" {
		return "", "", false
	}
	return Identity(parts[1]), Identity(parts[3]), true
}

// ── Responses ──────────────────────────────────────────────

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err == nil {
		err = json.Unmarshal(body, v)
	}
	if err != nil {
		writeError(w, newAPIError(CodeInvalidArgument, "Request body is not valid JSON."))
		return false
	}
	return true
}

func writeOK(w http.ResponseWriter, data any) {
	res := Result{OK: true}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			writeError(w, newAPIError(CodeInternal, "internal"))
			return
		}
		res.Data = raw
	}
	writeJSON(w, http.StatusOK, res)
}

func writeError(w http.ResponseWriter, err error) {
	apiErr := toAPIError(err)
	writeJSON(w, statusFor(apiErr.Code), Result{Error: apiErr})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func toAPIError(err error) *APIError {
	var apiErr *APIError
	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.Is(err, ErrNotFound):
		return newAPIError(CodeNotFound, "No document at this path.")
	default:
		return newAPIError(CodeInternal, "internal")
	}
}

func statusFor(code string) int {
	switch code {
	case CodeInvalidToken:
		return http.StatusUnauthorized
	case CodeInvalidCredential, CodePermissionDenied:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeEmailInUse:
		return http.StatusConflict
	case CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}
