package keycache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/rcourtman/pulse-iap/internal/securestore"
	"github.com/rcourtman/pulse-iap/pkg/purchases"
)

// StoreKeyPrefix prefixes the secure store item holding a platform's key.
const StoreKeyPrefix = "iap.pubkey."

// Fetcher retrieves the encoded key for a platform from a remote source.
type Fetcher interface {
	FetchKey(ctx context.Context, platform purchases.Platform) (string, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, platform purchases.Platform) (string, error)

func (f FetcherFunc) FetchKey(ctx context.Context, platform purchases.Platform) (string, error) {
	return f(ctx, platform)
}

// Cache layers memory over the secure store over an optional Fetcher.
type Cache struct {
	store   securestore.Store
	fetcher Fetcher

	mu    sync.RWMutex
	keys  map[purchases.Platform]*PublicKey
	group singleflight.Group
}

// New returns a Cache. fetcher may be nil for offline operation.
func New(store securestore.Store, fetcher Fetcher) *Cache {
	return &Cache{
		store:   store,
		fetcher: fetcher,
		keys:    make(map[purchases.Platform]*PublicKey),
	}
}

// StoreKey returns the secure store item name for platform.
func StoreKey(platform purchases.Platform) string {
	return StoreKeyPrefix + string(platform)
}

// Get returns the key for platform. When no layer can supply one the error
// wraps ErrKeyNotFound.
func (c *Cache) Get(ctx context.Context, platform purchases.Platform) (*PublicKey, error) {
	c.mu.RLock()
	key, ok := c.keys[platform]
	c.mu.RUnlock()
	if ok {
		return key, nil
	}

	v, err, _ := c.group.Do(string(platform), func() (any, error) {
		return c.load(ctx, platform)
	})
	if err != nil {
		return nil, err
	}
	return v.(*PublicKey), nil
}

func (c *Cache) load(ctx context.Context, platform purchases.Platform) (*PublicKey, error) {
	if c.store != nil {
		encoded, ok, err := c.store.GetItem(ctx, StoreKey(platform))
		switch {
		case err != nil:
			log.Warn().Err(err).Str("platform", string(platform)).Msg("Failed to read cached verification key")
		case ok:
			key, err := decode(platform, encoded)
			if err == nil {
				c.remember(key)
				return key, nil
			}
			log.Warn().Err(err).Str("platform", string(platform)).Msg("Discarding malformed cached verification key")
		}
	}

	if c.fetcher == nil {
		return nil, fmt.Errorf("%w for %s", ErrKeyNotFound, platform)
	}

	encoded, err := c.fetcher.FetchKey(ctx, platform)
	if err != nil {
		return nil, fmt.Errorf("%w for %s: fetch: %w", ErrKeyNotFound, platform, err)
	}
	return c.Put(ctx, platform, encoded)
}

// Put decodes encoded, persists it to the secure store and caches it.
func (c *Cache) Put(ctx context.Context, platform purchases.Platform, encoded string) (*PublicKey, error) {
	key, err := decode(platform, encoded)
	if err != nil {
		return nil, err
	}
	if c.store != nil {
		if err := c.store.SetItem(ctx, StoreKey(platform), key.Encoded); err != nil {
			// The key is still usable for this process.
			log.Warn().Err(err).Str("platform", string(platform)).Msg("Failed to persist verification key")
		}
	}
	c.remember(key)
	log.Info().
		Str("platform", string(platform)).
		Str("fingerprint", key.Fingerprint).
		Msg("Verification key loaded")
	return key, nil
}

// Invalidate drops the key for platform from memory and the secure store.
func (c *Cache) Invalidate(ctx context.Context, platform purchases.Platform) error {
	c.mu.Lock()
	delete(c.keys, platform)
	c.mu.Unlock()
	if c.store == nil {
		return nil
	}
	return c.store.DeleteItem(ctx, StoreKey(platform))
}

func (c *Cache) remember(key *PublicKey) {
	c.mu.Lock()
	c.keys[key.Platform] = key
	c.mu.Unlock()
}

// IsNotFound reports whether err means no key was available.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrKeyNotFound)
}
