package service

import (
	"context"
	"sync"
	"time"

	"CapIot.ingest/internal/models"
	"CapIot.ingest/internal/repository"

	"golang.org/x/sync/singleflight"
)

// Registry resolves devices and their owners' preferences.
type Registry interface {
	GetDevice(ctx context.Context, deviceID string) (*models.Device, error)
	GetPreferences(ctx context.Context, ownerID string) (*models.Preferences, error)
}

type cacheEntry[T any] struct {
	value   T
	expires time.Time
}

// ttlCache holds values for a fixed time. Concurrent misses for one key
// share a single load.
type ttlCache[T any] struct {
	ttl   time.Duration
	now   func() time.Time
	group singleflight.Group

	mu      sync.Mutex
	entries map[string]cacheEntry[T]
}

func newTTLCache[T any](ttl time.Duration, now func() time.Time) *ttlCache[T] {
	return &ttlCache[T]{ttl: ttl, now: now, entries: make(map[string]cacheEntry[T])}
}

func (c *ttlCache[T]) get(key string, load func() (T, bool, error)) (T, error) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && c.now().Before(e.expires) {
		c.mu.Unlock()
		return e.value, nil
	}
	if ok {
		delete(c.entries, key)
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(key, func() (any, error) {
		value, keep, err := load()
		if err != nil {
			return value, err
		}
		if keep {
			c.mu.Lock()
			c.entries[key] = cacheEntry[T]{value: value, expires: c.now().Add(c.ttl)}
			c.mu.Unlock()
		}
		return value, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

func (c *ttlCache[T]) forget(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	c.group.Forget(key)
}

// deviceInvalidator is implemented by registries that cache devices.
type deviceInvalidator interface {
	InvalidateDevice(deviceID string)
}

// CachedRegistry fronts a Registry with a TTL cache. Only devices that were
// found are cached, so a freshly provisioned device shows up immediately.
// Callers that reject a request on a cached device reread it through
// refreshDevice, so a rotated key or a new claim applies at once; other
// changes apply within one TTL.
type CachedRegistry struct {
	next    Registry
	devices *ttlCache[*models.Device]
	prefs   *ttlCache[*models.Preferences]
}

// NewCachedRegistry wraps next. A non-positive ttl disables caching and
// returns next unchanged.
func NewCachedRegistry(next Registry, ttl time.Duration) Registry {
	if ttl <= 0 {
		return next
	}
	return newCachedRegistry(next, ttl, time.Now)
}

func newCachedRegistry(next Registry, ttl time.Duration, now func() time.Time) *CachedRegistry {
	return &CachedRegistry{
		next:    next,
		devices: newTTLCache[*models.Device](ttl, now),
		prefs:   newTTLCache[*models.Preferences](ttl, now),
	}
}

func (c *CachedRegistry) GetDevice(ctx context.Context, deviceID string) (*models.Device, error) {
	d, err := c.devices.get(deviceID, func() (*models.Device, bool, error) {
		d, err := c.next.GetDevice(ctx, deviceID)
		return d, err == nil && d != nil, err
	})
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, repository.ErrNotFound
	}
	// Callers get their own copy.
	cp := *d
	return &cp, nil
}

func (c *CachedRegistry) GetPreferences(ctx context.Context, ownerID string) (*models.Preferences, error) {
	p, err := c.prefs.get(ownerID, func() (*models.Preferences, bool, error) {
		p, err := c.next.GetPreferences(ctx, ownerID)
		return p, err == nil, err
	})
	if err != nil || p == nil {
		return nil, err
	}
	cp := *p
	return &cp, nil
}

// InvalidateDevice drops the cached entry for deviceID.
func (c *CachedRegistry) InvalidateDevice(deviceID string) {
	c.devices.forget(deviceID)
}

// refreshDevice rereads a device past the registry's cache. The cached copy
// is kept when the registry does not cache or the reread fails.
func refreshDevice(ctx context.Context, reg Registry, deviceID string, cached *models.Device) *models.Device {
	inv, ok := reg.(deviceInvalidator)
	if !ok {
		return cached
	}
	inv.InvalidateDevice(deviceID)
	fresh, err := reg.GetDevice(ctx, deviceID)
	if err != nil {
		return cached
	}
	return fresh
}
