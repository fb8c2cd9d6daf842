// Package models provides data model definitions for the offline scoresheet store.
package models

import (
	"encoding/json"
	"time"
)

// CacheEntry memoizes a (url, method) response so read paths can fall back
// to last-known server data while offline. Expiry is enforced at read time.
type CacheEntry struct {
	URL        string          `db:"url" json:"url"`
	Method     string          `db:"method" json:"method"`
	Payload    json.RawMessage `db:"payload" json:"payload"`
	CachedAt   int64           `db:"cached_at" json:"cached_at"`
	TTLSeconds int64           `db:"ttl_seconds" json:"ttl_seconds"`
}

// TableName returns the table name for CacheEntry.
func (CacheEntry) TableName() string {
	return "response_cache"
}

// Expired reports whether the entry is stale at the given instant.
func (c *CacheEntry) Expired(now time.Time) bool {
	return now.Unix() >= c.CachedAt+c.TTLSeconds
}
