package compiler

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/unicode/norm"

	"github.com/upb/analytics-control-plane/models"
	"github.com/upb/analytics-control-plane/services/catalog"
)

// CacheKey identifies one compilation: the normalised plan, the constraints it was
// compiled under and the catalog content that resolved it. The digest, not the
// operator-written version, keys the catalog, so an edit that keeps the version string
// still misses.
type CacheKey struct {
	Plan           uint64
	Constraints    uint64
	CatalogVersion string
	CatalogDigest  string
}

// String returns a string representation of the cache key
func (k CacheKey) String() string {
	return strconv.FormatUint(k.Plan, 16) + ":" + strconv.FormatUint(k.Constraints, 16) + ":" + k.CatalogVersion + "@" + k.CatalogDigest
}

// CanonicalJSON marshals v and NFC-normalises the bytes. Struct fields keep declaration
// order and map keys are sorted, so equal values give equal bytes.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return norm.NFC.Bytes(raw), nil
}

// NewCacheKey fingerprints r and cons.
func NewCacheKey(r *catalog.ResolvedPlan, cons models.Constraints) (CacheKey, error) {
	plan, err := CanonicalJSON(r.Plan)
	if err != nil {
		return CacheKey{}, fmt.Errorf("failed to canonicalise plan: %w", err)
	}
	constraints, err := CanonicalJSON(cons)
	if err != nil {
		return CacheKey{}, fmt.Errorf("failed to canonicalise constraints: %w", err)
	}
	return CacheKey{
		Plan:           xxhash.Sum64(plan),
		Constraints:    xxhash.Sum64(constraints),
		CatalogVersion: r.CatalogVersion,
		CatalogDigest:  r.CatalogDigest,
	}, nil
}

// CacheStats represents cache statistics
type CacheStats struct {
	Size    int     `json:"size"`
	MaxSize int     `json:"max_size"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// QueryCache is a size-bounded LRU of compiled queries. Concurrent misses on one key
// share a single compilation. A nil *QueryCache compiles every time.
type QueryCache struct {
	entries *lru.Cache[string, *models.CompiledQuery]
	group   singleflight.Group
	maxSize int
	hits    atomic.Uint64
	misses  atomic.Uint64
}

// NewQueryCache creates a cache holding at most maxSize queries.
func NewQueryCache(maxSize int) (*QueryCache, error) {
	entries, err := lru.New[string, *models.CompiledQuery](maxSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}
	return &QueryCache{entries: entries, maxSize: maxSize}, nil
}

// GetOrCompile returns the cached query for key, or runs compile once for all concurrent
// callers asking for the same key. Failed compilations are not cached. The bool reports
// a cache hit.
func (c *QueryCache) GetOrCompile(key CacheKey, compile func() (*models.CompiledQuery, error)) (*models.CompiledQuery, bool, error) {
	if c == nil {
		q, err := compile()
		return q, false, err
	}

	k := key.String()
	if q, ok := c.entries.Get(k); ok {
		c.hits.Add(1)
		return cloneQuery(q), true, nil
	}
	c.misses.Add(1)

	v, err, _ := c.group.Do(k, func() (any, error) {
		if q, ok := c.entries.Get(k); ok {
			return q, nil
		}
		q, err := compile()
		if err != nil {
			return nil, err
		}
		c.entries.Add(k, q)
		return q, nil
	})
	if err != nil {
		return nil, false, err
	}
	return cloneQuery(v.(*models.CompiledQuery)), false, nil
}

// Clear removes all entries from the cache
func (c *QueryCache) Clear() {
	if c == nil {
		return
	}
	c.entries.Purge()
}

// Stats returns cache statistics
func (c *QueryCache) Stats() CacheStats {
	if c == nil {
		return CacheStats{}
	}
	hits, misses := c.hits.Load(), c.misses.Load()
	stats := CacheStats{
		Size:    c.entries.Len(),
		MaxSize: c.maxSize,
		Hits:    hits,
		Misses:  misses,
	}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	return stats
}

func cloneQuery(q *models.CompiledQuery) *models.CompiledQuery {
	out := *q
	out.Fields = append([]string{}, q.Fields...)
	out.Tables = append([]string{}, q.Tables...)
	out.Canonical = append([]byte{}, q.Canonical...)
	return &out
}
