// Package cache layers an in-process MemoryCache (generalized from the
// teacher's internal/cache/memory.go) in front of the database-backed
// search and metadata caches, the way the original implementation's
// CacheManager fronts SQLite with nothing but still exposes a single
// get/put surface to handlers.
package cache

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"hermesworker/internal/database"
	"hermesworker/pkg/models"
)

// entry is one in-process cache slot with its own expiration, independent of
// the TTL backing the database row it shadows.
type entry struct {
	value      any
	expiration time.Time
}

func (e *entry) expired() bool { return time.Now().After(e.expiration) }

// MemoryCache is a mutex-protected map with a background sweep goroutine,
// adapted from the teacher's MemoryCache for non-track payloads.
type MemoryCache struct {
	mu    sync.RWMutex
	items map[string]*entry
	ttl   time.Duration
}

// NewMemoryCache starts a MemoryCache with a 5-minute expired-entry sweep,
// matching the teacher's cleanupExpired cadence.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	c := &MemoryCache{items: make(map[string]*entry), ttl: ttl}
	go c.sweep()
	return c
}

func (c *MemoryCache) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = &entry{value: value, expiration: time.Now().Add(c.ttl)}
}

func (c *MemoryCache) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.items[key]
	if !ok || e.expired() {
		return nil, false
	}
	return e.value, true
}

func (c *MemoryCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

func (c *MemoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*entry)
}

func (c *MemoryCache) sweep() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		c.mu.Lock()
		for k, e := range c.items {
			if e.expired() {
				delete(c.items, k)
			}
		}
		c.mu.Unlock()
	}
}

// Manager fronts the search and metadata caches with an in-process layer and
// governs whether writes are allowed, matching the original's
// ENABLE_SEARCH_CACHE semantics: reads always consult the database, writes
// are skipped entirely when search caching is disabled.
type Manager struct {
	db                *database.Database
	searchMem         *MemoryCache
	metadataMem       *MemoryCache
	enableSearchWrite bool
	ttl               time.Duration
}

// NewManager builds a cache Manager. enableSearchWrite corresponds to the
// ENABLE_SEARCH_CACHE environment variable; ttlHours to CACHE_EXPIRY_HOURS.
func NewManager(db *database.Database, enableSearchWrite bool, ttlHours int) *Manager {
	ttl := time.Duration(ttlHours) * time.Hour
	return &Manager{
		db:                db,
		searchMem:         NewMemoryCache(5 * time.Minute),
		metadataMem:       NewMemoryCache(5 * time.Minute),
		enableSearchWrite: enableSearchWrite,
		ttl:               ttl,
	}
}

// HashQuery normalises and MD5-hashes a search query the same way the
// original SearchCache._hash_query does, so cache keys are stable across
// case and whitespace variation.
func HashQuery(query string) string {
	normalized := strings.ToLower(strings.TrimSpace(query))
	sum := md5.Sum([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// GetSearch returns a cached search result set for query, trying the
// in-process layer before falling back to the database. Reads proceed
// regardless of enableSearchWrite.
func (m *Manager) GetSearch(query string) ([]byte, bool) {
	hash := HashQuery(query)

	if v, ok := m.searchMem.Get(hash); ok {
		return v.([]byte), true
	}

	row, err := m.db.GetSearchCache(hash)
	if err != nil || row == nil {
		return nil, false
	}
	m.searchMem.Set(hash, []byte(row.ResultsJSON))
	return []byte(row.ResultsJSON), true
}

// PutSearch stores a search result set, a no-op when search-cache writes are
// disabled (the original's ENABLE_SEARCH_CACHE=false behavior).
func (m *Manager) PutSearch(query string, results []byte) error {
	if !m.enableSearchWrite {
		return nil
	}
	hash := HashQuery(query)
	m.searchMem.Set(hash, results)
	return m.db.PutSearchCache(models.SearchCacheEntry{
		QueryHash:   hash,
		Query:       query,
		ResultsJSON: string(results),
	}, m.ttl)
}

// GetMetadata returns a cached video_info payload for videoID.
func (m *Manager) GetMetadata(videoID string) (models.MetadataCacheEntry, bool) {
	if v, ok := m.metadataMem.Get(videoID); ok {
		return v.(models.MetadataCacheEntry), true
	}

	row, err := m.db.GetMetadataCache(videoID)
	if err != nil || row == nil {
		return models.MetadataCacheEntry{}, false
	}
	m.metadataMem.Set(videoID, *row)
	return *row, true
}

// PutMetadata stores a video_info payload. Unlike search results this is
// always written; only the search path is gated by ENABLE_SEARCH_CACHE in
// the original implementation.
func (m *Manager) PutMetadata(e models.MetadataCacheEntry) error {
	m.metadataMem.Set(e.VideoID, e)
	return m.db.PutMetadataCache(e, m.ttl)
}

// Cleanup purges expired rows from both database-backed caches and clears
// the in-process layer, serving the cache_cleanup IPC action.
func (m *Manager) Cleanup() (searchPurged, metadataPurged int64, err error) {
	m.searchMem.Clear()
	m.metadataMem.Clear()
	return m.db.PurgeExpiredCache()
}

// Stats reports row counts for the cache_stats IPC action.
func (m *Manager) Stats() (searchRows, metadataRows int, err error) {
	return m.db.CacheStats()
}

// MarshalResults is a small convenience wrapper so handlers don't need to
// import encoding/json solely to pass results into PutSearch.
func MarshalResults(v any) ([]byte, error) {
	return json.Marshal(v)
}
