package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	usersCollection  = "users"
	profileKeyPrefix = "userProfile_"
)

// ProfileCache is a read-through cache of users/{uid} documents kept in a
// LocalStore. Entries have no TTL and no remote subscription: a cached copy is
// served until Invalidate or Put replaces it. Entries are never patched in
// place.
type ProfileCache struct {
	remote  RemoteStore
	local   LocalStore
	log     *zap.Logger
	timeout time.Duration
	group   singleflight.Group

	// gens counts Invalidate and Put calls per uid; a fetch that straddles
	// one is returned but not cached.
	mu   sync.Mutex
	gens map[Identity]uint64
}

// NewProfileCache creates a cache over remote backed by local.
func NewProfileCache(remote RemoteStore, local LocalStore, log *zap.Logger, timeout time.Duration) *ProfileCache {
	if log == nil {
		log = zap.NewNop()
	}
	return &ProfileCache{remote: remote, local: local, log: log, timeout: timeout, gens: make(map[Identity]uint64)}
}

// Get returns the cached profile for uid, fetching and caching it on a miss.
// A missing remote document yields (nil, nil). Concurrent misses for the same
// uid share one remote read.
func (c *ProfileCache) Get(ctx context.Context, uid Identity) (*UserProfile, error) {
	if uid == "" {
		return nil, &ValidationError{Err: ErrNotSignedIn}
	}
	if p, ok := c.cached(uid); ok {
		return p, nil
	}

	v, err, _ := c.group.Do(string(uid), func() (any, error) {
		if p, ok := c.cached(uid); ok {
			return p, nil
		}
		return c.fetch(ctx, uid)
	})
	if err != nil {
		return nil, err
	}
	p, _ := v.(*UserProfile)
	if p == nil {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

// Invalidate evicts the cached entry for uid. A fetch already in flight for
// uid will not repopulate the entry.
func (c *ProfileCache) Invalidate(uid Identity) error {
	c.mu.Lock()
	c.gens[uid]++
	err := c.local.Remove(profileKeyPrefix + string(uid))
	c.mu.Unlock()
	c.group.Forget(string(uid))
	if err != nil {
		c.log.Warn("profile cache eviction failed", zap.String("uid", string(uid)), zap.Error(err))
		return err
	}
	c.log.Debug("profile cache entry evicted", zap.String("uid", string(uid)))
	return nil
}

// Put replaces the cached entry for uid wholesale.
func (c *ProfileCache) Put(uid Identity, p *UserProfile) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[uid]++
	return c.store(uid, p)
}

// store writes the entry; c.mu must be held.
func (c *ProfileCache) store(uid Identity, p *UserProfile) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	if err := c.local.Set(profileKeyPrefix+string(uid), string(data)); err != nil {
		c.log.Warn("profile cache write failed", zap.String("uid", string(uid)), zap.Error(err))
		return err
	}
	return nil
}

func (c *ProfileCache) generation(uid Identity) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[uid]
}

func (c *ProfileCache) cached(uid Identity) (*UserProfile, bool) {
	key := profileKeyPrefix + string(uid)
	raw, ok, err := c.local.Get(key)
	if err != nil {
		c.log.Warn("profile cache read failed", zap.String("uid", string(uid)), zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var p UserProfile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		c.log.Warn("dropping corrupt profile cache entry", zap.String("uid", string(uid)), zap.Error(err))
		_ = c.local.Remove(key)
		return nil, false
	}
	return &p, true
}

func (c *ProfileCache) fetch(ctx context.Context, uid Identity) (*UserProfile, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	gen := c.generation(uid)
	raw, err := c.remote.Get(ctx, usersCollection, string(uid))
	if errors.Is(err, ErrNotFound) {
		c.log.Warn("user profile not found", zap.String("uid", string(uid)))
		return nil, nil
	}
	if err != nil {
		c.log.Error("fetch user profile", zap.String("uid", string(uid)), zap.Error(err))
		return nil, fmt.Errorf("fetch profile %s: %w", uid, err)
	}

	var p UserProfile
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode profile %s: %w", uid, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[uid] != gen {
		c.log.Debug("profile changed during fetch, not cached", zap.String("uid", string(uid)))
		return &p, nil
	}
	if err := c.store(uid, &p); err == nil {
		c.log.Debug("user profile cached", zap.String("uid", string(uid)))
	}
	return &p, nil
}
