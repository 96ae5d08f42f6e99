package secretsd

import (
	"sync"
	"time"

	"github.com/awnumar/memguard"
)

// cachedKey is one entry of the Key Cache (§4.3): a derived key held in a
// memguard enclave between unlock and relock, plus whatever timer governs
// its eviction under the owning collection or secret's UnlockSemantic.
type cachedKey struct {
	enclave *memguard.Enclave
	timer   *time.Timer
}

// KeyCache holds the authentication material a collection or standalone
// secret was last unlocked with, between an unlock and the relock event
// dictated by its UnlockSemantic (§4.3). Both strategies populate it:
// for StrategySplit it holds a derived encryption key; for
// StrategyEncrypted it holds the raw authentication code the plugin
// itself derives from on every call, since the daemon is the only party
// that persists anything across calls — the plugin, per §4.3, tracks
// only whether a collection exists, not what it was unlocked with.
//
// Keys are held in memguard enclaves rather than plain byte slices, and
// a timeout-driven entry uses time.AfterFunc to relock itself without
// the daemon polling for expiry.
type KeyCache struct {
	mu      sync.Mutex
	entries map[string]*cachedKey
}

// NewKeyCache returns an empty Key Cache.
func NewKeyCache() *KeyCache {
	return &KeyCache{entries: make(map[string]*cachedKey)}
}

// cacheKeyFor builds the Key Cache's lookup key for a collection, or for
// a standalone secret when collection is "".
func cacheKeyFor(collection, name string) string {
	if collection == "" {
		return "standalone:" + name
	}
	return "collection:" + collection
}

// Put inserts a derived key, taking ownership of key (it is wiped from
// the caller's buffer and held only inside a memguard enclave). If
// semantic is RelockAfterTimeout, a timer is armed that evicts the key
// after timeout and invokes onRelock.
func (c *KeyCache) Put(collection, name string, key []byte, semantic UnlockSemantic, timeout time.Duration, onRelock func()) {
	enclave := memguard.NewEnclave(key)

	c.mu.Lock()
	defer c.mu.Unlock()

	k := cacheKeyFor(collection, name)
	if old, ok := c.entries[k]; ok && old.timer != nil {
		old.timer.Stop()
	}

	entry := &cachedKey{enclave: enclave}
	if semantic == RelockAfterTimeout && timeout > 0 {
		entry.timer = time.AfterFunc(timeout, func() {
			c.Evict(collection, name)
			if onRelock != nil {
				onRelock()
			}
		})
	}
	c.entries[k] = entry
}

// Get returns an open, caller-owned buffer for the cached key, or nil if
// no key is cached. The caller must call Destroy on the returned buffer
// once done with it.
func (c *KeyCache) Get(collection, name string) *memguard.LockedBuffer {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[cacheKeyFor(collection, name)]
	if !ok {
		return nil
	}
	buf, err := entry.enclave.Open()
	if err != nil {
		return nil
	}
	return buf
}

// Evict removes and destroys a cached key, stopping any relock timer.
// Safe to call when no key is cached.
func (c *KeyCache) Evict(collection, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := cacheKeyFor(collection, name)
	entry, ok := c.entries[k]
	if !ok {
		return
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	delete(c.entries, k)
}

// EvictAll evicts every cached key, used when the device locks and any
// RelockOnDeviceLock entries must fall.
func (c *KeyCache) EvictAll(matching func(collection, name string) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, entry := range c.entries {
		coll, name := splitCacheKey(k)
		if matching != nil && !matching(coll, name) {
			continue
		}
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(c.entries, k)
	}
}

// Contains reports whether a key is currently cached, without opening
// the enclave.
func (c *KeyCache) Contains(collection, name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[cacheKeyFor(collection, name)]
	return ok
}

func splitCacheKey(k string) (collection, name string) {
	if len(k) > len("standalone:") && k[:len("standalone:")] == "standalone:" {
		return "", k[len("standalone:"):]
	}
	if len(k) > len("collection:") && k[:len("collection:")] == "collection:" {
		return k[len("collection:"):], ""
	}
	return "", ""
}
