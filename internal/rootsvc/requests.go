package rootsvc

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"go.olrik.dev/steward/internal/grant"
	"go.olrik.dev/steward/internal/operation"
)

const (
	defaultRequestKeyTTL = 5 * time.Minute
	maxRequestKeys       = 1024
)

type requestEntry struct {
	hash      string
	id        operation.ID
	createdAt time.Time
}

// requestCache maps Start request keys to the operation they created
type requestCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]requestEntry
}

func newRequestCache(ttl time.Duration) *requestCache {
	return &requestCache{ttl: ttl, entries: make(map[string]requestEntry)}
}

// requestCacheKey scopes keys per user. The sender's unique bus name changes
// when the bridge reconnects, the user id does not.
func requestCacheKey(peer grant.Peer, key string) string {
	return fmt.Sprintf("%d/%s", peer.UID, key)
}

func requestHash(action string, args map[string]any) string {
	// fmt prints maps with sorted keys
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%v", action, args)))
	return hex.EncodeToString(sum[:])
}

// get returns the operation a key created. mismatch is set when the key is
// known but was used with a different request.
func (c *requestCache) get(key, hash string, now time.Time) (id operation.ID, found, mismatch bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(now)

	entry, ok := c.entries[key]
	if !ok {
		return "", false, false
	}
	if entry.hash != hash {
		return "", false, true
	}
	return entry.id, true, false
}

func (c *requestCache) set(key, hash string, id operation.ID, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(now)

	c.entries[key] = requestEntry{hash: hash, id: id, createdAt: now}
	if len(c.entries) <= maxRequestKeys {
		return
	}
	// Over the bound: drop the oldest entry
	var oldestKey string
	var oldestAt time.Time
	for k, e := range c.entries {
		if oldestKey == "" || e.createdAt.Before(oldestAt) {
			oldestKey, oldestAt = k, e.createdAt
		}
	}
	delete(c.entries, oldestKey)
}

func (c *requestCache) prune(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(now)
}

func (c *requestCache) pruneLocked(now time.Time) {
	for k, e := range c.entries {
		if now.Sub(e.createdAt) > c.ttl {
			delete(c.entries, k)
		}
	}
}

func (c *requestCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
