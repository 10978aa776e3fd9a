// Package cache implements the process-local TTL+LRU response cache
// described in spec.md §4.2, keyed on a canonicalized (method, params)
// fingerprint.
package cache

import (
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/bluele/gcache"
	"github.com/samber/lo"

	"github.com/nodegw/gateway/internal/metrics"
)

// Cache is a fixed-capacity, TTL-bounded LRU store of raw JSON-RPC
// result bytes, fingerprinted by method and canonicalized params.
// Negative caching is never performed: only Ok responses are stored.
type Cache struct {
	gc          gcache.Cache
	denyMethods []string
	ttl         time.Duration
}

// New builds a Cache with the given capacity, entry TTL, and method
// deny-list. A zero-value denyMethods means every method is cacheable.
func New(capacity int, ttl time.Duration, denyMethods []string) *Cache {
	return &Cache{
		gc:          gcache.New(capacity).LRU().Build(),
		ttl:         ttl,
		denyMethods: denyMethods,
	}
}

// ShouldCacheMethod reports whether method may be cached at all. Any
// method whose result depends on sub-TTL wall-clock freshness or
// mutates state belongs on the deny-list.
func (c *Cache) ShouldCacheMethod(method string) bool {
	return !lo.Contains(c.denyMethods, method)
}

// Key canonicalizes method and params into the cache fingerprint.
// The id field is deliberately excluded so distinct client requests for
// the same logical query share a cached response.
func Key(method string, params []any) (string, error) {
	canonicalParams, err := canonicalize(params)
	if err != nil {
		return "", err
	}

	return method + ":" + canonicalParams, nil
}

// canonicalize produces a stable JSON serialization of an arbitrary
// params slice, independent of map key ordering, so two semantically
// identical requests always fingerprint to the same key.
func canonicalize(v any) (string, error) {
	normalized, err := normalize(v)
	if err != nil {
		return "", err
	}

	b, err := json.Marshal(normalized)
	if err != nil {
		return "", err
	}

	return string(b), nil
}

func normalize(v any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}

		sort.Strings(keys)

		ordered := make([]keyValue, 0, len(val))

		for _, k := range keys {
			normalizedVal, err := normalize(val[k])
			if err != nil {
				return nil, err
			}

			ordered = append(ordered, keyValue{Key: k, Value: normalizedVal})
		}

		return ordered, nil
	case []any:
		normalized := make([]any, len(val))

		for i, elem := range val {
			n, err := normalize(elem)
			if err != nil {
				return nil, err
			}

			normalized[i] = n
		}

		return normalized, nil
	default:
		return val, nil
	}
}

type keyValue struct {
	Value any    `json:"v"`
	Key   string `json:"k"`
}

// Get looks up key, reporting a cache hit. Expired entries are treated
// as a miss — gcache's own TTL eviction keeps the underlying store
// from growing beyond its capacity with stale entries.
func (c *Cache) Get(key string) ([]byte, bool) {
	value, err := c.gc.Get(key)
	if err != nil {
		metrics.CacheResultsTotal.WithLabelValues("miss").Inc()

		return nil, false
	}

	metrics.CacheResultsTotal.WithLabelValues("hit").Inc()

	return value.([]byte), true
}

// Put inserts or overwrites key's value, bounded by the cache's TTL. If
// at capacity, gcache evicts the least-recently-used entry first.
func (c *Cache) Put(key string, value []byte) {
	_ = c.gc.SetWithExpire(key, value, c.ttl)
}

var errNotCacheable = errors.New("response is not cacheable")

// GuardResult rejects a response that must never be cached: only
// successful (non-error, non-null) results are cacheable.
func GuardResult(result json.RawMessage, isError bool) error {
	if isError {
		return errNotCacheable
	}

	if string(result) == "null" || len(result) == 0 {
		return errNotCacheable
	}

	return nil
}
