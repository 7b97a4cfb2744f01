package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
)

// Cache memoizes gateway responses for deterministic queries (block-pinned
// calls and closed log ranges). Entries are content-addressed by their query
// parameters, so concurrent writers racing on one key write identical bytes
// and last-writer-wins is safe.
type Cache struct {
	mu  sync.RWMutex
	mem map[string][]byte
	dir string
}

// NewCache creates a cache. dir is an optional spill directory; empty keeps
// entries in memory only.
func NewCache(dir string) (*Cache, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return &Cache{
		mem: make(map[string][]byte),
		dir: dir,
	}, nil
}

// Get returns the cached response for key, consulting memory then disk.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	body, ok := c.mem[key]
	c.mu.RUnlock()
	if ok {
		return body, true
	}

	if c.dir == "" {
		return nil, false
	}
	body, err := os.ReadFile(c.path(key))
	if err != nil {
		return nil, false
	}

	c.mu.Lock()
	c.mem[key] = body
	c.mu.Unlock()
	return body, true
}

// Put stores a response. Disk write failures are ignored: the cache is an
// optimization, not a store of record.
func (c *Cache) Put(key string, body []byte) {
	c.mu.Lock()
	c.mem[key] = body
	c.mu.Unlock()

	if c.dir != "" {
		tmp := c.path(key) + ".tmp"
		if err := os.WriteFile(tmp, body, 0o644); err == nil {
			os.Rename(tmp, c.path(key))
		}
	}
}

func (c *Cache) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:])+".json")
}
