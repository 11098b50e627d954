package credentials

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/inkeep/agents-run/internal/common/logger"
)

// secretFields are probed in order when the stored credential is a JSON
// object rather than a bare string.
var secretFields = []string{"access_token", "secret", "value", "token", "key"}

type cacheEntry struct {
	secret    string
	expiresAt time.Time
}

// Resolver looks up credential material through a Store, caches results
// for a TTL, and collapses concurrent lookups for the same key so a
// burst of webhook deliveries produces a single backing fetch.
type Resolver struct {
	store  Store
	ttl    time.Duration
	logger *logger.Logger

	mu    sync.RWMutex
	cache map[string]cacheEntry

	group singleflight.Group

	// now is replaceable in tests
	now func() time.Time
}

func NewResolver(store Store, ttl time.Duration, log *logger.Logger) *Resolver {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Resolver{
		store:  store,
		ttl:    ttl,
		logger: log,
		cache:  make(map[string]cacheEntry),
		now:    time.Now,
	}
}

// Resolve returns the secret for a credential reference scoped to a
// tenant and project.
func (r *Resolver) Resolve(ctx context.Context, tenantID, projectID, credentialRefID string) (string, error) {
	key := tenantID + ":" + projectID + ":" + credentialRefID

	r.mu.RLock()
	entry, ok := r.cache[key]
	r.mu.RUnlock()
	if ok && r.now().Before(entry.expiresAt) {
		return entry.secret, nil
	}

	value, err, _ := r.group.Do(key, func() (interface{}, error) {
		raw, err := r.store.Get(ctx, credentialRefID)
		if err != nil {
			return nil, err
		}
		secret := extractSecret(raw)

		r.mu.Lock()
		r.cache[key] = cacheEntry{secret: secret, expiresAt: r.now().Add(r.ttl)}
		r.mu.Unlock()

		r.logger.Debug("Resolved credential",
			zap.String("credential_ref_id", credentialRefID),
			zap.String("tenant_id", tenantID))
		return secret, nil
	})
	if err != nil {
		return "", err
	}
	return value.(string), nil
}

// Invalidate drops a cached credential, forcing the next Resolve to
// fetch fresh material.
func (r *Resolver) Invalidate(tenantID, projectID, credentialRefID string) {
	key := tenantID + ":" + projectID + ":" + credentialRefID
	r.mu.Lock()
	delete(r.cache, key)
	r.mu.Unlock()
}

// extractSecret handles credentials stored as JSON objects by probing
// well-known field names. Anything that isn't a JSON object is returned
// verbatim.
func extractSecret(raw string) string {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return raw
	}
	for _, field := range secretFields {
		v, ok := obj[field]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err == nil && s != "" {
			return s
		}
	}
	return raw
}
