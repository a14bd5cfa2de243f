package caching

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

const commitMessageKeyPrefix = "commitMessage:"

// InMemoryCache is a TTL cache used for short-lived API responses.
// It also serves as the commit message cache when redis is not configured.
type InMemoryCache struct {
	cache *cache.Cache
}

var (
	_ MemCache = (*InMemoryCache)(nil)
	_ DbCache  = (*InMemoryCache)(nil)
)

func NewInMemoryCache(ttl time.Duration) *InMemoryCache {
	return &InMemoryCache{cache: cache.New(ttl, 2*ttl)}
}

func (m *InMemoryCache) Get(key string) (interface{}, bool) {
	return m.cache.Get(key)
}

func (m *InMemoryCache) Set(key string, value interface{}) error {
	m.cache.Set(key, value, cache.DefaultExpiration)

	return nil
}

func (m *InMemoryCache) GetCommitMessage(_ context.Context, sha string) (string, error) {
	val, ok := m.cache.Get(commitMessageKeyPrefix + sha)
	if !ok {
		return "", ErrNotFound
	}

	return val.(string), nil
}

// StoreCommitMessage keeps the message for the process lifetime, commit messages never change.
func (m *InMemoryCache) StoreCommitMessage(_ context.Context, sha string, message string) error {
	m.cache.Set(commitMessageKeyPrefix+sha, message, cache.NoExpiration)

	return nil
}
