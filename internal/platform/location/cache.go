package location

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/pssim/internal/platform/identity"
)

// Location is the base URL (scheme://host[:port]) of the backend instance
// hosting a record.
type Location string

func (l Location) String() string { return string(l) }

// ErrInvalidLocation is returned for base URLs that cannot address a backend.
var ErrInvalidLocation = errors.New("invalid location")

// ParseLocation normalizes a backend base URL. Only http and https are
// accepted; any path, query or fragment is dropped.
func ParseLocation(raw string) (Location, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidLocation)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidLocation, raw, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("%w: scheme must be http or https, got %q", ErrInvalidLocation, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: %q has no host", ErrInvalidLocation, raw)
	}
	return Location(scheme + "://" + u.Host), nil
}

// Cache maps insurants to the backend currently known to host their record.
// Safe for concurrent use. Entries never expire; they are replaced by a
// newer discovery or removed explicitly.
type Cache struct {
	entries sync.Map // identity.InsurantID -> Location
	size    atomic.Int64

	store        Store
	storeTimeout time.Duration
	logger       zerolog.Logger
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithStore mirrors every Put and Remove into s. Mirror failures are logged
// and never affect the in-memory entry.
func WithStore(s Store) CacheOption {
	return func(c *Cache) { c.store = s }
}

func WithStoreTimeout(d time.Duration) CacheOption {
	return func(c *Cache) { c.storeTimeout = d }
}

func WithLogger(l zerolog.Logger) CacheOption {
	return func(c *Cache) { c.logger = l }
}

func NewCache(opts ...CacheOption) *Cache {
	c := &Cache{
		storeTimeout: 2 * time.Second,
		logger:       zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get returns the cached location. A miss means "not yet resolved".
func (c *Cache) Get(id identity.InsurantID) (Location, bool) {
	v, ok := c.entries.Load(id)
	if !ok {
		return "", false
	}
	return v.(Location), true
}

// Put stores loc for id, replacing any previous entry.
func (c *Cache) Put(id identity.InsurantID, loc Location) {
	if _, loaded := c.entries.Swap(id, loc); !loaded {
		c.size.Add(1)
	}
	c.mirror(func(ctx context.Context) error { return c.store.Save(ctx, id, loc) }, "save", id)
}

func (c *Cache) Remove(id identity.InsurantID) {
	if _, loaded := c.entries.LoadAndDelete(id); loaded {
		c.size.Add(-1)
	}
	c.mirror(func(ctx context.Context) error { return c.store.Delete(ctx, id) }, "delete", id)
}

// All returns a point-in-time copy of every entry.
func (c *Cache) All() map[identity.InsurantID]Location {
	out := make(map[identity.InsurantID]Location)
	c.entries.Range(func(k, v any) bool {
		out[k.(identity.InsurantID)] = v.(Location)
		return true
	})
	return out
}

func (c *Cache) Len() int {
	return int(c.size.Load())
}

// Warm loads every persisted entry into memory without writing back.
// Entries already in memory win over persisted ones.
func (c *Cache) Warm(ctx context.Context) (int, error) {
	if c.store == nil {
		return 0, nil
	}
	entries, err := c.store.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("warm location cache: %w", err)
	}
	n := 0
	for id, loc := range entries {
		if _, loaded := c.entries.LoadOrStore(id, loc); !loaded {
			c.size.Add(1)
			n++
		}
	}
	return n, nil
}

func (c *Cache) mirror(op func(ctx context.Context) error, action string, id identity.InsurantID) {
	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.storeTimeout)
	defer cancel()
	if err := op(ctx); err != nil {
		c.logger.Warn().Err(err).
			Str("action", action).
			Str("insurant_id", string(id)).
			Msg("location store mirror failed")
	}
}
