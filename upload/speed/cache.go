package speed

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const maxCachedProfiles = 32

// Cache shares the last known profile per scope across uploads for a short
// time, so a new upload right after a finished one starts from a live
// estimate instead of the cold-start default. Entries expire after the TTL
// to keep stale measurements out of unrelated sessions.
//
// Writes are last-writer-wins. The profile is a scheduling hint, not
// correctness-bearing state, so concurrent sessions overwriting each other
// is acceptable.
type Cache struct {
	lru *expirable.LRU[string, Profile]
}

// NewCache creates a profile cache whose entries expire after ttl.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		lru: expirable.NewLRU[string, Profile](maxCachedProfiles, nil, ttl),
	}
}

// Get returns the cached profile for the scope, if it is still fresh.
func (c *Cache) Get(scope string) (Profile, bool) {
	return c.lru.Get(scope)
}

// Put stores the profile for the scope, replacing any previous one.
func (c *Cache) Put(scope string, profile Profile) {
	c.lru.Add(scope, profile)
}
