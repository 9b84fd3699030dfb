package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// MemoryRemote
// ============================================================================

// MemoryRemote is a goroutine-safe in-process RemoteStore with live queries.
// It backs the relay server and the tests.
type MemoryRemote struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
	watchers    map[string]map[int]*memWatcher
	seq         int64
	nextWatcher int
}

type memDoc struct {
	key  string
	seq  int64
	data json.RawMessage
}

type memCollection struct {
	docs    map[string]*memDoc
	version int64
}

type memWatcher struct {
	q       Query
	onSnap  SnapshotFunc
	onError ErrorFunc
	mu      sync.Mutex
	last    int64
	done    atomic.Bool
}

type memDelivery struct {
	w       *memWatcher
	version int64
	docs    []Doc
}

// NewMemoryRemote creates an empty in-memory remote store.
func NewMemoryRemote() *MemoryRemote {
	return &MemoryRemote{
		collections: make(map[string]*memCollection),
		watchers:    make(map[string]map[int]*memWatcher),
	}
}

var (
	_ RemoteStore   = (*MemoryRemote)(nil)
	_ BatchAppender = (*MemoryRemote)(nil)
	_ Deleter       = (*MemoryRemote)(nil)
)

// ── Documents ────────────────────────────────────────────

func (m *MemoryRemote) Get(ctx context.Context, collection, key string) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := m.collections[collection]
	if c == nil || c.docs[key] == nil {
		return nil, fmt.Errorf("%s/%s: %w", collection, key, ErrNotFound)
	}
	return append(json.RawMessage(nil), c.docs[key].data...), nil
}

func (m *MemoryRemote) Set(ctx context.Context, collection, key string, data any, merge bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}

	m.mu.Lock()
	c := m.collectionLocked(collection)
	existing := c.docs[key]
	if merge && existing != nil {
		raw, err = mergeFields(existing.data, raw)
		if err != nil {
			m.mu.Unlock()
			return err
		}
	}
	if existing != nil {
		existing.data = raw
	} else {
		m.seq++
		c.docs[key] = &memDoc{key: key, seq: m.seq, data: raw}
	}
	pending := m.changedLocked(collection)
	m.mu.Unlock()

	deliverAll(pending)
	return nil
}

func (m *MemoryRemote) Append(ctx context.Context, collection string, data any) (string, error) {
	ids, err := m.AppendBatch(ctx, []BatchWrite{{Collection: collection, Data: data}})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// AppendBatch appends every write or none of them.
func (m *MemoryRemote) AppendBatch(ctx context.Context, writes []BatchWrite) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raws := make([]json.RawMessage, len(writes))
	for i, w := range writes {
		raw, err := json.Marshal(w.Data)
		if err != nil {
			return nil, fmt.Errorf("marshal document %d: %w", i, err)
		}
		raws[i] = raw
	}

	m.mu.Lock()
	ids := make([]string, len(writes))
	touched := make(map[string]bool)
	var order []string
	for i, w := range writes {
		c := m.collectionLocked(w.Collection)
		m.seq++
		ids[i] = uuid.NewString()
		c.docs[ids[i]] = &memDoc{key: ids[i], seq: m.seq, data: raws[i]}
		if !touched[w.Collection] {
			touched[w.Collection] = true
			order = append(order, w.Collection)
		}
	}
	var pending []memDelivery
	for _, col := range order {
		pending = append(pending, m.changedLocked(col)...)
	}
	m.mu.Unlock()

	deliverAll(pending)
	return ids, nil
}

// Delete removes a document. Deleting a missing document is not an error.
func (m *MemoryRemote) Delete(ctx context.Context, collection, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	c := m.collections[collection]
	if c == nil || c.docs[key] == nil {
		m.mu.Unlock()
		return nil
	}
	delete(c.docs, key)
	pending := m.changedLocked(collection)
	m.mu.Unlock()

	deliverAll(pending)
	return nil
}

// ── Live queries ─────────────────────────────────────────

func (m *MemoryRemote) Watch(ctx context.Context, q Query, onSnapshot SnapshotFunc, onError ErrorFunc) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w := &memWatcher{q: q, onSnap: onSnapshot, onError: onError, last: -1}

	m.mu.Lock()
	c := m.collectionLocked(q.Collection)
	id := m.nextWatcher
	m.nextWatcher++
	if m.watchers[q.Collection] == nil {
		m.watchers[q.Collection] = make(map[int]*memWatcher)
	}
	m.watchers[q.Collection][id] = w
	initial := memDelivery{w: w, version: c.version, docs: m.snapshotLocked(c, q)}
	m.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			w.done.Store(true)
			m.mu.Lock()
			delete(m.watchers[q.Collection], id)
			m.mu.Unlock()
		})
	}
	stop := context.AfterFunc(ctx, unsubscribe)

	initial.deliver()
	return SubscriptionFunc(func() {
		stop()
		unsubscribe()
	}), nil
}

// FailWatchers ends every live query with err, as a dropped connection would.
func (m *MemoryRemote) FailWatchers(err error) {
	m.mu.Lock()
	var failed []*memWatcher
	for col, ws := range m.watchers {
		for _, w := range ws {
			failed = append(failed, w)
		}
		delete(m.watchers, col)
	}
	m.mu.Unlock()

	for _, w := range failed {
		if w.done.Swap(true) {
			continue
		}
		if w.onError != nil {
			func() {
				defer func() { recover() }()
				w.onError(err)
			}()
		}
	}
}

// WatcherCount returns the number of live queries.
func (m *MemoryRemote) WatcherCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, ws := range m.watchers {
		n += len(ws)
	}
	return n
}

func (m *MemoryRemote) collectionLocked(name string) *memCollection {
	c := m.collections[name]
	if c == nil {
		c = &memCollection{docs: make(map[string]*memDoc)}
		m.collections[name] = c
	}
	return c
}

func (m *MemoryRemote) changedLocked(collection string) []memDelivery {
	c := m.collectionLocked(collection)
	c.version++
	var pending []memDelivery
	for _, w := range m.watchers[collection] {
		pending = append(pending, memDelivery{w: w, version: c.version, docs: m.snapshotLocked(c, w.q)})
	}
	return pending
}

func (m *MemoryRemote) snapshotLocked(c *memCollection, q Query) []Doc {
	docs := make([]*memDoc, 0, len(c.docs))
	for _, d := range c.docs {
		docs = append(docs, d)
	}
	sort.Slice(docs, func(i, j int) bool {
		if q.OrderBy != "" {
			if cmp := compareField(docs[i].data, docs[j].data, q.OrderBy); cmp != 0 {
				return cmp < 0
			}
		}
		return docs[i].seq < docs[j].seq
	})
	if q.LimitToLast > 0 && len(docs) > q.LimitToLast {
		docs = docs[len(docs)-q.LimitToLast:]
	}
	out := make([]Doc, len(docs))
	for i, d := range docs {
		out[i] = Doc{ID: d.key, Seq: d.seq, Data: append(json.RawMessage(nil), d.data...)}
	}
	return out
}

func deliverAll(pending []memDelivery) {
	for _, d := range pending {
		d.deliver()
	}
}

func (d memDelivery) deliver() {
	w := d.w
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done.Load() || d.version <= w.last {
		return
	}
	w.last = d.version
	defer func() { recover() }() // swallow panics in user callbacks
	w.onSnap(d.docs)
}

// ============================================================================
// Helpers
// ============================================================================

// mergeFields overlays the top-level fields of patch onto base.
func mergeFields(base, patch json.RawMessage) (json.RawMessage, error) {
	var dst, src map[string]json.RawMessage
	if err := json.Unmarshal(base, &dst); err != nil || dst == nil {
		dst = make(map[string]json.RawMessage)
	}
	if err := json.Unmarshal(patch, &src); err != nil {
		return nil, fmt.Errorf("merge requires an object: %w", err)
	}
	for k, v := range src {
		dst[k] = v
	}
	return json.Marshal(dst)
}

// compareField orders two documents by one top-level field. Timestamps and
// numbers compare by value; a missing field sorts first.
func compareField(a, b json.RawMessage, field string) int {
	av, aok := fieldOf(a, field)
	bv, bok := fieldOf(b, field)
	switch {
	case !aok && !bok:
		return 0
	case !aok:
		return -1
	case !bok:
		return 1
	}

	var as, bs string
	if json.Unmarshal(av, &as) == nil && json.Unmarshal(bv, &bs) == nil {
		at, aerr := time.Parse(time.RFC3339Nano, as)
		bt, berr := time.Parse(time.RFC3339Nano, bs)
		if aerr == nil && berr == nil {
			return at.Compare(bt)
		}
		switch {
		case as < bs:
			return -1
		case as > bs:
			return 1
		}
		return 0
	}

	af, aerr := strconv.ParseFloat(string(av), 64)
	bf, berr := strconv.ParseFloat(string(bv), 64)
	if aerr == nil && berr == nil {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		}
		return 0
	}
	return bytes.Compare(av, bv)
}

func fieldOf(raw json.RawMessage, field string) (json.RawMessage, bool) {
	var fields map[string]json.RawMessage
	if json.Unmarshal(raw, &fields) != nil {
		return nil, false
	}
	v, ok := fields[field]
	return v, ok
}
