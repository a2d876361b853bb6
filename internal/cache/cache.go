// Package cache stores archive resolutions between runs.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/ppiankov/releasetrail/internal/model"
)

// Cache defines the interface for caching
type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte, ttl time.Duration) error
	Delete(key string) error
	Clear() error
}

// Key hashes the parts of a lookup into a stable cache key
func Key(namespace string, parts ...string) string {
	hash := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return "releasetrail:v1:" + namespace + ":" + hex.EncodeToString(hash[:])
}

// New builds the cache described by cfg rooted at dir.
// A disabled cache is a Nop.
func New(cfg model.CacheConfig, dir string) Cache {
	if !cfg.Enabled {
		return Nop{}
	}
	return NewLayeredCache(cfg.MemoryTTL, dir, cfg.DiskTTL)
}

// Nop never stores anything
type Nop struct{}

func (Nop) Get(string) ([]byte, bool) { return nil, false }

func (Nop) Set(string, []byte, time.Duration) error { return nil }

func (Nop) Delete(string) error { return nil }

func (Nop) Clear() error { return nil }
