package controller

import (
	"fmt"
	"sync"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/client"

	metricsv1alpha1 "github.com/observeworks/metrics-operator/api/v1alpha1"
)

// cacheKey is the per-object identity used for the observed-state cache.
// The concrete type is part of the key: the cache may be shared across
// reconcilers, and same-named CRs of different kinds must never alias.
func cacheKey(obj client.Object) string {
	return fmt.Sprintf("%T/%s/%s", obj, obj.GetNamespace(), obj.GetName())
}

// DefaultObservedTTL bounds how long a cached observation may short-circuit
// a reconcile before the controller re-reads remote state anyway.
const DefaultObservedTTL = 5 * time.Minute

type observedEntry struct {
	statusCode metricsv1alpha1.StatusCode
	specHash   string
	observedAt time.Time
}

// ObservedStateCache keeps, per object identity, a snapshot of the last
// successfully read remote state. Distinct objects reconcile concurrently;
// this is the only state they share, so access is guarded.
//
// The cache exists to answer "is this object already converged" for
// event-driven reconciles of stable objects without paying a remote
// describe every time. It is advisory: a miss or stale entry only costs an
// extra read, never correctness.
type ObservedStateCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]observedEntry
}

// NewObservedStateCache creates a cache with the given freshness TTL.
// A zero TTL uses DefaultObservedTTL.
func NewObservedStateCache(ttl time.Duration) *ObservedStateCache {
	if ttl <= 0 {
		ttl = DefaultObservedTTL
	}
	return &ObservedStateCache{
		ttl:     ttl,
		now:     time.Now,
		entries: map[string]observedEntry{},
	}
}

// Record stores the latest observation for the identity.
func (c *ObservedStateCache) Record(key string, statusCode metricsv1alpha1.StatusCode, specHash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = observedEntry{
		statusCode: statusCode,
		specHash:   specHash,
		observedAt: c.now(),
	}
}

// Converged reports whether the identity was recently observed ACTIVE with
// the same desired-spec fingerprint. Only ACTIVE qualifies: transient and
// failed statuses must always be re-read.
func (c *ObservedStateCache) Converged(key, specHash string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	if !ok {
		return false
	}
	if entry.statusCode != metricsv1alpha1.StatusCodeActive || entry.specHash != specHash {
		return false
	}
	return c.now().Sub(entry.observedAt) < c.ttl
}

// Forget drops the identity's snapshot. Called when the object is finalized
// or its remote counterpart disappears.
func (c *ObservedStateCache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}
