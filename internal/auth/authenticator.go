// Package auth checks the API keys presented to the read API.
package auth

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// KeyLookup resolves an API key to its owner, returning "" for an unknown
// key. *store.RedisStore implements it.
type KeyLookup interface {
	GetAPIKey(ctx context.Context, apiKey string) (string, error)
}

type cacheEntry struct {
	owner     string
	expiresAt time.Time
}

// Authenticator validates keys against static configuration, then an
// in-process cache, then the shared key store.
type Authenticator struct {
	localCache sync.Map
	lookup     KeyLookup
	ttl        time.Duration
	staticKeys map[string]bool
	logger     *slog.Logger
	now        func() time.Time
}

// NewAuthenticator builds an authenticator. lookup may be nil, in which
// case only the static keys are accepted.
func NewAuthenticator(staticKeys []string, lookup KeyLookup, ttl time.Duration, logger *slog.Logger) *Authenticator {
	keys := make(map[string]bool, len(staticKeys))
	for _, k := range staticKeys {
		if k != "" {
			keys[k] = true
		}
	}
	return &Authenticator{
		lookup:     lookup,
		ttl:        ttl,
		staticKeys: keys,
		logger:     logger,
		now:        time.Now,
	}
}

// Enabled reports whether any key source is configured. With none, the
// API is open.
func (a *Authenticator) Enabled() bool {
	return len(a.staticKeys) > 0 || a.lookup != nil
}

func (a *Authenticator) Validate(ctx context.Context, apiKey string) bool {
	if apiKey == "" {
		return false
	}

	// Level 0: static config keys
	if a.staticKeys[apiKey] {
		return true
	}

	// Level 1: in-memory cache
	if raw, ok := a.localCache.Load(apiKey); ok {
		entry := raw.(cacheEntry)
		if a.now().Before(entry.expiresAt) {
			return true
		}
		a.localCache.Delete(apiKey)
	}

	// Level 2: shared key store
	if a.lookup == nil {
		return false
	}
	owner, err := a.lookup.GetAPIKey(ctx, apiKey)
	if err != nil {
		a.logger.Warn("api key lookup failed", "error", err)
		return false
	}
	if owner == "" {
		return false
	}

	a.localCache.Store(apiKey, cacheEntry{
		owner:     owner,
		expiresAt: a.now().Add(a.ttl),
	})
	return true
}
