package keyexpr

import (
	"errors"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/lightninglabs/neutrino/cache"
	"github.com/lightninglabs/neutrino/cache/lru"
)

// DefaultDeriverCacheSize is the number of child keys a CachedDeriver keeps
// when no size is given.
const DefaultDeriverCacheSize = 4096

// Deriver performs BIP32 child derivation.
type Deriver interface {
	DeriveChild(key *hdkeychain.ExtendedKey,
		index uint32) (*hdkeychain.ExtendedKey, error)
}

// HDDeriver derives children with hdkeychain.
type HDDeriver struct{}

// DeriveChild derives the child at index.
func (HDDeriver) DeriveChild(key *hdkeychain.ExtendedKey,
	index uint32) (*hdkeychain.ExtendedKey, error) {

	return key.Derive(index)
}

// childID identifies a derived child by its parent and index.
type childID struct {
	parent string
	index  uint32
}

type cachedChild struct {
	key *hdkeychain.ExtendedKey
}

// Size returns the cost of the entry for the LRU cache. Each child counts as
// one unit.
func (c *cachedChild) Size() (uint64, error) {
	return 1, nil
}

// CachedDeriver memoizes child keys. Address scans derive the same account
// and branch keys over and over, only the final step changes.
type CachedDeriver struct {
	deriver Deriver
	cache   *lru.Cache[childID, *cachedChild]
}

// NewCachedDeriver wraps d with an LRU cache of the given capacity. A zero
// capacity selects DefaultDeriverCacheSize.
func NewCachedDeriver(d Deriver, capacity uint64) *CachedDeriver {
	if d == nil {
		d = HDDeriver{}
	}
	if capacity == 0 {
		capacity = DefaultDeriverCacheSize
	}

	return &CachedDeriver{
		deriver: d,
		cache:   lru.NewCache[childID, *cachedChild](capacity),
	}
}

// DeriveChild returns the cached child or derives and caches it.
func (c *CachedDeriver) DeriveChild(key *hdkeychain.ExtendedKey,
	index uint32) (*hdkeychain.ExtendedKey, error) {

	id := childID{parent: key.String(), index: index}

	hit, err := c.cache.Get(id)
	switch {
	case err == nil:
		return hit.key, nil

	case !errors.Is(err, cache.ErrElementNotFound):
		return nil, err
	}

	child, err := c.deriver.DeriveChild(key, index)
	if err != nil {
		return nil, err
	}
	if _, err := c.cache.Put(id, &cachedChild{key: child}); err != nil {
		return nil, err
	}

	return child, nil
}

// Len returns the number of cached children.
func (c *CachedDeriver) Len() int {
	return c.cache.Len()
}
