// Package resource caches expensive, device-bound backend resources (loaded
// model handles, voice configurations, remote sessions) on behalf of the
// synthesis adapters.
//
// A [Cache] holds at most one resource per [Key] and remembers the [Device]
// it was loaded for. Each lookup asks the configured [Selector] for the
// current device; an entry loaded for a different device is discarded and
// reloaded. Concurrent first-time loads of the same key and device share a
// single loader invocation. The cache is bounded: once it holds more than its
// capacity, the least recently used entry is evicted.
//
// Resources implementing [io.Closer] are closed once they have left the
// cache and no caller still holds a lease from [Cache.Acquire]. An eviction
// or reload never pulls a model out from under a running synthesis.
package resource

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/polyvox/internal/observe"
)

// DefaultCapacity is the number of entries a Cache holds when no capacity is
// configured.
const DefaultCapacity = 8

// ErrLoaderPanicked is returned when a loader panics. The panic value is
// included in the error text.
var ErrLoaderPanicked = errors.New("resource: loader panicked")

// Key identifies a cached resource within a backend, e.g.
// {Backend: "lightweight", ID: "/models/en_US-lessac-medium.onnx"}.
type Key struct {
	Backend string
	ID      string
}

// String returns "backend/id".
func (k Key) String() string { return k.Backend + "/" + k.ID }

// Loader initialises a resource for dev. It may be slow and may touch the
// network. Loaders should be idempotent: the cache calls them again after a
// device change, an eviction or a forced reload.
type Loader func(ctx context.Context, dev Device) (any, error)

// Stats is a snapshot of cache counters.
type Stats struct {
	Entries   int
	Hits      int64
	Misses    int64
	Stale     int64
	Loads     int64
	Failures  int64
	Evictions int64
}

type entry struct {
	key      Key
	device   Device
	value    any
	loadedAt time.Time

	// Guarded by Cache.mu.
	refs    int
	retired bool
	closed  bool
}

// Cache is a bounded LRU cache of loaded backend resources. It is safe for
// concurrent use.
type Cache struct {
	selector Selector
	capacity int
	metrics  *observe.Metrics

	group singleflight.Group

	mu    sync.Mutex
	items map[Key]*list.Element
	lru   *list.List
	stats Stats
}

// Option configures a [Cache].
type Option func(*Cache)

// WithCapacity bounds the number of cached entries. Values below 1 select
// [DefaultCapacity].
func WithCapacity(n int) Option {
	return func(c *Cache) { c.capacity = n }
}

// WithMetrics records cache lookups and load durations to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// New creates a Cache that consults sel for the current device. A nil sel
// pins every resource to the CPU.
func New(sel Selector, opts ...Option) *Cache {
	if sel == nil {
		sel = Static(CPU)
	}
	c := &Cache{
		selector: sel,
		items:    make(map[Key]*list.Element),
		lru:      list.New(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.capacity < 1 {
		c.capacity = DefaultCapacity
	}
	return c
}

// Selector returns the device selector the cache consults.
func (c *Cache) Selector() Selector { return c.selector }

// Device returns the device a load issued now would target.
func (c *Cache) Device(ctx context.Context) Device { return c.selector.Select(ctx) }

// GetOrLoad returns the resource cached under key for the current device,
// calling load if there is none, the cached entry belongs to another device,
// or force is set. The caller holds no lease; use [Cache.Acquire] when the
// resource is used beyond the call.
//
// A failed load leaves no entry behind. Concurrent calls for the same key and
// device share one load. Loads run detached from ctx cancellation so that an
// abandoned caller does not fail the others waiting on the same load.
func (c *Cache) GetOrLoad(ctx context.Context, key Key, load Loader, force bool) (any, error) {
	v, release, err := c.Acquire(ctx, key, load, force)
	if err != nil {
		return nil, err
	}
	release()
	return v, nil
}

// Acquire is [Cache.GetOrLoad] with a lease: the resource is not closed
// before release is called, even if it is evicted, reloaded or cleared in
// the meantime. release is idempotent.
func (c *Cache) Acquire(ctx context.Context, key Key, load Loader, force bool) (v any, release func(), err error) {
	for {
		e, err := c.lookup(ctx, key, load, force)
		if err != nil {
			return nil, nil, err
		}
		c.mu.Lock()
		if e.closed {
			// Evicted and closed between load and lease; load again.
			c.mu.Unlock()
			force = false
			continue
		}
		e.refs++
		c.mu.Unlock()

		var once sync.Once
		return e.value, func() { once.Do(func() { c.release(e) }) }, nil
	}
}

func (c *Cache) release(e *entry) {
	c.mu.Lock()
	e.refs--
	closeNow := e.retired && e.refs == 0 && !e.closed
	if closeNow {
		e.closed = true
	}
	c.mu.Unlock()
	if closeNow {
		closeAll(context.Background(), []any{e.value})
	}
}

// lookup finds or loads the entry for key without taking a lease.
func (c *Cache) lookup(ctx context.Context, key Key, load Loader, force bool) (*entry, error) {
	dev := c.selector.Select(ctx)

	var stale []any
	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry)
		switch {
		case !force && e.device == dev:
			c.lru.MoveToFront(el)
			c.stats.Hits++
			c.mu.Unlock()
			c.record(ctx, key, "hit")
			return e, nil
		case e.device != dev:
			slog.InfoContext(ctx, "compute device changed, discarding cached resource",
				"key", key.String(), "cached_device", e.device, "device", dev)
			c.stats.Stale++
			c.record(ctx, key, "stale")
		default:
			c.record(ctx, key, "reload")
		}
		stale = c.retireLocked(el, stale)
	} else {
		c.stats.Misses++
		c.record(ctx, key, "miss")
	}
	c.mu.Unlock()
	closeAll(ctx, stale)

	v, err, _ := c.group.Do(key.String()+"@"+string(dev), func() (any, error) {
		return c.load(context.WithoutCancel(ctx), key, dev, load)
	})
	if err != nil {
		return nil, err
	}
	return v.(*entry), nil
}

func (c *Cache) load(ctx context.Context, key Key, dev Device, load Loader) (*entry, error) {
	start := time.Now()
	v, err := safeLoad(ctx, dev, load)
	elapsed := time.Since(start)

	if err != nil {
		c.mu.Lock()
		c.stats.Failures++
		// A concurrent writer may have raced us; never leave a half-built
		// entry for this key behind.
		var evicted []any
		if el, ok := c.items[key]; ok && el.Value.(*entry).device == dev {
			evicted = c.retireLocked(el, evicted)
		}
		c.mu.Unlock()
		closeAll(ctx, evicted)
		c.metrics.RecordResourceLoad(ctx, key.Backend, "error", elapsed)
		slog.ErrorContext(ctx, "resource load failed",
			"key", key.String(), "device", dev, "duration", elapsed, "err", err)
		return nil, err
	}

	slog.InfoContext(ctx, "resource loaded",
		"key", key.String(), "device", dev, "duration", elapsed)
	c.metrics.RecordResourceLoad(ctx, key.Backend, "ok", elapsed)

	e := &entry{key: key, device: dev, value: v, loadedAt: time.Now()}
	var evicted []any
	c.mu.Lock()
	c.stats.Loads++
	if el, ok := c.items[key]; ok {
		evicted = c.retireLocked(el, evicted)
	}
	c.items[key] = c.lru.PushFront(e)
	for c.lru.Len() > c.capacity {
		oldest := c.lru.Back()
		old := oldest.Value.(*entry)
		slog.InfoContext(ctx, "resource cache full, evicting least recently used",
			"key", old.key.String(), "device", old.device, "capacity", c.capacity, "in_use", old.refs)
		c.stats.Evictions++
		c.record(ctx, old.key, "evicted")
		evicted = c.retireLocked(oldest, evicted)
	}
	c.mu.Unlock()
	closeAll(ctx, evicted)
	return e, nil
}

func safeLoad(ctx context.Context, dev Device, load Loader) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrLoaderPanicked, r)
		}
	}()
	v, err = load(ctx, dev)
	if err == nil && v == nil {
		err = errors.New("resource: loader returned nil resource")
	}
	return v, err
}

// Invalidate drops the entry for key. It reports whether an entry existed.
func (c *Cache) Invalidate(key Key) bool {
	c.mu.Lock()
	el, ok := c.items[key]
	var vals []any
	if ok {
		vals = c.retireLocked(el, vals)
	}
	c.mu.Unlock()
	closeAll(context.Background(), vals)
	return ok
}

// InvalidateBackend drops every entry of backend and returns how many were
// removed.
func (c *Cache) InvalidateBackend(backend string) int {
	n := 0
	var vals []any
	c.mu.Lock()
	for el := c.lru.Front(); el != nil; {
		next := el.Next()
		if el.Value.(*entry).key.Backend == backend {
			vals = c.retireLocked(el, vals)
			n++
		}
		el = next
	}
	c.mu.Unlock()
	closeAll(context.Background(), vals)
	return n
}

// Clear drops every entry and returns how many were removed.
func (c *Cache) Clear() int {
	var vals []any
	c.mu.Lock()
	n := c.lru.Len()
	for el := c.lru.Front(); el != nil; {
		next := el.Next()
		vals = c.retireLocked(el, vals)
		el = next
	}
	c.mu.Unlock()
	closeAll(context.Background(), vals)
	return n
}

// Lookup returns the device an entry for key is cached on, if any. It does
// not affect recency.
func (c *Cache) Lookup(key Key) (Device, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return "", false
	}
	return el.Value.(*entry).device, true
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = c.lru.Len()
	return s
}

// retireLocked unlinks el and appends its value to toClose unless a lease
// is still outstanding, in which case the last release closes it. Must be
// called with c.mu held.
func (c *Cache) retireLocked(el *list.Element, toClose []any) []any {
	e := el.Value.(*entry)
	delete(c.items, e.key)
	c.lru.Remove(el)
	e.retired = true
	if e.refs > 0 {
		return toClose
	}
	e.closed = true
	return append(toClose, e.value)
}

func (c *Cache) record(ctx context.Context, key Key, result string) {
	c.metrics.RecordCacheLookup(ctx, key.Backend, result)
}

func closeAll(ctx context.Context, vals []any) {
	for _, v := range vals {
		cl, ok := v.(io.Closer)
		if !ok {
			continue
		}
		if err := cl.Close(); err != nil {
			slog.WarnContext(ctx, "closing cached resource failed", "err", err)
		}
	}
}

// Get is a typed wrapper around [Cache.GetOrLoad].
func Get[T any](ctx context.Context, c *Cache, key Key, load func(ctx context.Context, dev Device) (T, error), force bool) (T, error) {
	t, release, err := Acquire(ctx, c, key, load, force)
	if err != nil {
		return t, err
	}
	release()
	return t, nil
}

// Acquire is a typed wrapper around [Cache.Acquire]. On error no lease is
// held.
func Acquire[T any](ctx context.Context, c *Cache, key Key, load func(ctx context.Context, dev Device) (T, error), force bool) (T, func(), error) {
	var zero T
	v, release, err := c.Acquire(ctx, key, func(ctx context.Context, dev Device) (any, error) {
		return load(ctx, dev)
	}, force)
	if err != nil {
		return zero, nil, err
	}
	t, ok := v.(T)
	if !ok {
		release()
		return zero, nil, fmt.Errorf("resource: cached %s has type %T", key, v)
	}
	return t, release, nil
}
