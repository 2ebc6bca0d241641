// Package statuscache fronts a rate-limited upstream status endpoint with a
// per-key snapshot cache and request throttle.
package statuscache

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/zapbridge/internal/domain"
)

const (
	// DefaultMinInterval is the minimum spacing between upstream calls per key.
	DefaultMinInterval = time.Second
	// DefaultFreshness is how long a snapshot is served without re-querying.
	DefaultFreshness = 5 * time.Second
	// DefaultFetchTimeout bounds a single upstream call.
	DefaultFetchTimeout = 10 * time.Second
	// DefaultMaxKeys bounds the number of tracked keys.
	DefaultMaxKeys = 5000
)

var (
	// ErrRateLimited must be wrapped by fetch functions when the upstream
	// rejected the call for rate-limiting reasons.
	ErrRateLimited = errors.New("upstream rate limited")
	// ErrStatusUnavailable is returned when upstream fails and no snapshot
	// has ever been obtained for the key.
	ErrStatusUnavailable = errors.New("status unavailable")
)

// Upstream is the raw result of a status fetch.
type Upstream struct {
	State   string
	Details json.RawMessage
}

// FetchFunc queries the upstream status of key.
type FetchFunc func(ctx context.Context, key string) (Upstream, error)

// Config holds the cache policy.
type Config struct {
	MinInterval  time.Duration
	Freshness    time.Duration
	FetchTimeout time.Duration
	MaxKeys      int
}

// DefaultConfig returns the default cache policy.
func DefaultConfig() Config {
	return Config{
		MinInterval:  DefaultMinInterval,
		Freshness:    DefaultFreshness,
		FetchTimeout: DefaultFetchTimeout,
		MaxKeys:      DefaultMaxKeys,
	}
}

// entry is the per-key state. mu is held for the whole fetch so concurrent
// callers for the same key wait for the in-flight result instead of issuing
// their own upstream call.
type entry struct {
	key string

	// refs counts callers inside Get; an entry with refs > 0 is never evicted
	// or removed. refs and forget are guarded by Cache.mu.
	refs   int
	forget bool

	// gen is bumped by Invalidate. A snapshot is only fresh while its gen
	// matches.
	gen atomic.Uint64

	mu          sync.RWMutex
	snapshot    *domain.StatusSnapshot
	snapshotGen uint64
	lastAttempt time.Time
}
// Cache serves instance status snapshots.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*list.Element // key -> element holding *entry
	lru     *list.List

	cfg    Config
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	logger *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithSleep overrides how the cache waits out the minimum interval.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Cache) {
		c.sleep = sleep
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// New creates a cache. Non-positive settings fall back to defaults.
func New(cfg Config, opts ...Option) *Cache {
	def := DefaultConfig()
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = def.MinInterval
	}
	if cfg.Freshness <= 0 {
		cfg.Freshness = def.Freshness
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = def.MaxKeys
	}
	c := &Cache{
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		cfg:     cfg,
		now:     time.Now,
		sleep:   sleepContext,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// acquire returns the entry for key and pins it until release.
func (c *Cache) acquire(key string) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.lru.MoveToFront(el)
		e := el.Value.(*entry)
		e.refs++
		return e
	}

	e := &entry{key: key, refs: 1}
	c.entries[key] = c.lru.PushFront(e)
	c.evictLocked()
	return e
}

func (c *Cache) release(e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e.refs--
	if e.refs == 0 && e.forget {
		c.removeLocked(e)
	}
	c.evictLocked()
}

// evictLocked drops least recently used entries beyond MaxKeys, skipping
// entries that are in use. Caller must hold c.mu.
func (c *Cache) evictLocked() {
	for el := c.lru.Back(); el != nil && c.lru.Len() > c.cfg.MaxKeys; {
		prev := el.Prev()
		if e := el.Value.(*entry); e.refs == 0 {
			c.lru.Remove(el)
			delete(c.entries, e.key)
		}
		el = prev
	}
}

// removeLocked drops e if it is still the tracked entry for its key.
// Caller must hold c.mu.
func (c *Cache) removeLocked(e *entry) {
	if el, ok := c.entries[e.key]; ok && el.Value.(*entry) == e {
		c.lru.Remove(el)
		delete(c.entries, e.key)
	}
}

// Get returns the status of key, calling fetch only when no fresh snapshot
// exists and the per-key minimum interval has elapsed.
//
// Upstream failures are absorbed when any snapshot exists; a rate-limited
// upstream with no snapshot yields a synthesized "connecting" snapshot. Only
// a non rate-limit failure with no snapshot returns ErrStatusUnavailable.
func (c *Cache) Get(ctx context.Context, key string, fetch FetchFunc) (domain.StatusSnapshot, error) {
	e := c.acquire(key)
	defer c.release(e)

	e.mu.RLock()
	if snap, ok := c.fresh(e); ok {
		e.mu.RUnlock()
		return snap, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Another caller may have refreshed while we waited for the lock.
	if snap, ok := c.fresh(e); ok {
		return snap, nil
	}

	now := c.now()
	if !e.lastAttempt.IsZero() {
		if since := now.Sub(e.lastAttempt); since < c.cfg.MinInterval {
			if e.snapshot != nil {
				return *e.snapshot, nil
			}
			if err := c.sleep(ctx, c.cfg.MinInterval-since); err != nil {
				return domain.StatusSnapshot{}, fmt.Errorf("%w: %s: %w", ErrStatusUnavailable, key, err)
			}
			now = c.now()
		}
	}
	e.lastAttempt = now

	gen := e.gen.Load()
	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	raw, err := fetch(fetchCtx, key)
	cancel()

	if err == nil {
		snap := domain.StatusSnapshot{
			Status:    domain.NormalizeConnectionState(raw.State),
			Details:   raw.Details,
			FetchedAt: c.now(),
		}
		if e.snapshot != nil && snap.FetchedAt.Before(e.snapshot.FetchedAt) {
			snap.FetchedAt = e.snapshot.FetchedAt
		}
		e.snapshot = &snap
		e.snapshotGen = gen
		return snap, nil
	}

	if e.snapshot != nil {
		c.logger.Warn("Serving stale status snapshot",
			"instance", key,
			"age", now.Sub(e.snapshot.FetchedAt),
			"rate_limited", errors.Is(err, ErrRateLimited),
			"error", err,
		)
		return *e.snapshot, nil
	}

	if errors.Is(err, ErrRateLimited) {
		c.logger.Warn("Upstream rate limited with no snapshot, reporting connecting", "instance", key)
		return domain.StatusSnapshot{
			Status:    domain.StatusConnecting,
			FetchedAt: now,
		}, nil
	}

	return domain.StatusSnapshot{}, fmt.Errorf("%w: %s: %w", ErrStatusUnavailable, key, err)
}

// fresh reports whether e holds a snapshot inside the freshness window.
// Caller must hold e.mu.
func (c *Cache) fresh(e *entry) (domain.StatusSnapshot, bool) {
	if e.snapshot == nil || e.snapshotGen != e.gen.Load() {
		return domain.StatusSnapshot{}, false
	}
	if c.now().Sub(e.snapshot.FetchedAt) >= c.cfg.Freshness {
		return domain.StatusSnapshot{}, false
	}
	return *e.snapshot, true
}

// Peek returns the cached snapshot for key without contacting upstream.
// Invalidated snapshots are not reported.
func (c *Cache) Peek(key string) (domain.StatusSnapshot, bool) {
	c.mu.Lock()
	el, ok := c.entries[key]
	c.mu.Unlock()
	if !ok {
		return domain.StatusSnapshot{}, false
	}

	e := el.Value.(*entry)
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.snapshot == nil || e.snapshotGen != e.gen.Load() {
		return domain.StatusSnapshot{}, false
	}
	return *e.snapshot, true
}

// Invalidate marks the snapshot of key as outdated so the next Get queries
// upstream once the minimum interval allows it. The poll gate is kept, and a
// fetch already in flight stays the only one for the key. An invalidated
// snapshot may still be served as stale when upstream fails.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		el.Value.(*entry).gen.Add(1)
	}
}

// Forget drops all state for key, e.g. after the instance is deleted. While
// a Get for key is running the entry is kept until that call returns.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return
	}
	e := el.Value.(*entry)
	if e.refs > 0 {
		e.forget = true
		return
	}
	c.removeLocked(e)
}

// Len returns the number of tracked keys.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
