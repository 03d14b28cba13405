// Package session holds per-actor client state: the authenticated
// identity and the team-key cache. Both live in process memory only and
// are discarded on logout, invalidation, or process end. Only the SDK
// facade mutates them.
package session

import (
	"crypto/rsa"
	"sync"
	"time"

	"github.com/servehq/serve-sdk-go/internal/common"
)

// Identity is the decrypted identity of the logged-in user. The private
// key exists only here, never persisted unwrapped.
type Identity struct {
	AccessToken string
	UserID      string
	Email       string
	PublicKey   *rsa.PublicKey
	PrivateKey  *rsa.PrivateKey
}

// IdentityStore holds at most one identity at a time.
type IdentityStore struct {
	mu       sync.RWMutex
	identity *Identity
}

func NewIdentityStore() *IdentityStore {
	return &IdentityStore{}
}

// Set replaces all identity fields atomically.
func (s *IdentityStore) Set(id Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = &id
}

// Get returns the current identity, or false when nobody is logged in.
func (s *IdentityStore) Get() (Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.identity == nil {
		return Identity{}, false
	}
	return *s.identity, true
}

// Clear discards the identity (logout, failed-login cleanup).
func (s *IdentityStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = nil
}

// IsAuthenticated reports whether an identity is set.
func (s *IdentityStore) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity != nil
}

type cacheEntry struct {
	key      []byte
	cachedAt time.Time
}

// KeyCache maps team id to the decrypted team key. Lazily populated by
// the facade; reads never trigger network I/O. Entries are wiped on
// invalidation.
type KeyCache struct {
	mu   sync.RWMutex
	keys map[string]cacheEntry
}

func NewKeyCache() *KeyCache {
	return &KeyCache{keys: make(map[string]cacheEntry)}
}

// Get returns a copy of the cached team key, or false on a miss. The
// copy belongs to the caller and survives later Put or Invalidate calls,
// which wipe only the cache's own backing slice.
func (c *KeyCache) Get(teamID string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.keys[teamID]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), e.key...), true
}

// Put caches a copy of key for teamID, replacing any previous entry.
func (c *KeyCache) Put(teamID string, key []byte) {
	cp := make([]byte, len(key))
	copy(cp, key)

	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.keys[teamID]; ok {
		common.WipeByteArray(old.key)
	}
	c.keys[teamID] = cacheEntry{key: cp, cachedAt: time.Now()}
}

// Invalidate wipes and removes the entry for teamID.
func (c *KeyCache) Invalidate(teamID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.keys[teamID]; ok {
		common.WipeByteArray(e.key)
		delete(c.keys, teamID)
	}
}

// InvalidateAll wipes and removes every entry (logout).
func (c *KeyCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, e := range c.keys {
		common.WipeByteArray(e.key)
		delete(c.keys, id)
	}
}

// CachedAt returns when the entry for teamID was populated.
func (c *KeyCache) CachedAt(teamID string) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.keys[teamID]
	return e.cachedAt, ok
}

// Len returns the number of cached team keys.
func (c *KeyCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.keys)
}
