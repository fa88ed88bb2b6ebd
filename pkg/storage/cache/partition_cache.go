// Package cache keeps local copies of partition files fetched from object
// storage so repeated scans do not re-download them.
package cache

import (
	"context"
	"flag"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-kit/log/level"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jplandry908/openobserve/pkg/storage/client"
	util_log "github.com/jplandry908/openobserve/pkg/util/log"
)

type Config struct {
	Directory string `yaml:"directory"`
	MaxSizeMB int64  `yaml:"max_size_mb"`
	MaxItems  int    `yaml:"max_items"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.Directory, "cache.directory", "", "Directory holding locally cached partition files.")
	f.Int64Var(&cfg.MaxSizeMB, "cache.max-size-mb", 10240, "Maximum total size of cached partition files.")
	f.IntVar(&cfg.MaxItems, "cache.max-items", 100000, "Maximum number of cached partition files.")
}

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "openobserve",
		Name:      "partition_cache_hits_total",
		Help:      "Partition cache lookups served locally.",
	})
	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "openobserve",
		Name:      "partition_cache_misses_total",
		Help:      "Partition cache lookups that had to fetch from object storage.",
	})
)

// PartitionCache maps object keys to local files. Concurrent misses for the
// same key coalesce into a single fetch via a per-key latch.
type PartitionCache struct {
	cfg     Config
	store   client.ObjectClient
	entries *lru.Cache[string, int64]

	mu       sync.Mutex
	inflight map[string]*fetchLatch
	bytes    int64
}

type fetchLatch struct {
	done chan struct{}
	err  error
}

func New(cfg Config, store client.ObjectClient) (*PartitionCache, error) {
	if err := os.MkdirAll(cfg.Directory, 0o777); err != nil {
		return nil, err
	}
	c := &PartitionCache{
		cfg:      cfg,
		store:    store,
		inflight: map[string]*fetchLatch{},
	}
	entries, err := lru.NewWithEvict[string, int64](cfg.MaxItems, c.onEvict)
	if err != nil {
		return nil, err
	}
	c.entries = entries
	return c, nil
}

func (c *PartitionCache) localPath(key string) string {
	return filepath.Join(c.cfg.Directory, filepath.FromSlash(key))
}

// LocalPath is where the file for key lives (or would live) on disk. The
// ingester writes freshly flushed partitions straight into the cache.
func (c *PartitionCache) LocalPath(key string) string { return c.localPath(key) }

// Fetch returns the local path of the partition file for key, downloading it
// if needed.
func (c *PartitionCache) Fetch(ctx context.Context, key string) (string, error) {
	path := c.localPath(key)

	c.mu.Lock()
	if _, ok := c.entries.Get(key); ok {
		c.mu.Unlock()
		cacheHits.Inc()
		return path, nil
	}
	if latch, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		select {
		case <-latch.done:
			if latch.err != nil {
				return "", latch.err
			}
			return path, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	latch := &fetchLatch{done: make(chan struct{})}
	c.inflight[key] = latch
	c.mu.Unlock()

	cacheMisses.Inc()
	size, err := c.download(ctx, key, path)

	c.mu.Lock()
	delete(c.inflight, key)
	if err == nil {
		c.entries.Add(key, size)
		c.bytes += size
		c.evictOverSize()
	}
	c.mu.Unlock()

	latch.err = err
	close(latch.done)
	if err != nil {
		return "", err
	}
	return path, nil
}

// Add registers a file the ingester just wrote locally so queries do not
// re-fetch a partition this node produced.
func (c *PartitionCache) Add(key string, size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries.Get(key); ok {
		return
	}
	c.entries.Add(key, size)
	c.bytes += size
	c.evictOverSize()
}

// Contains reports whether key is cached without touching recency.
func (c *PartitionCache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Contains(key)
}

func (c *PartitionCache) download(ctx context.Context, key, path string) (int64, error) {
	rc, _, err := c.store.GetObject(ctx, key, nil)
	if err != nil {
		return 0, errors.Wrap(err, "fetch partition")
	}
	defer rc.Close()

	if err := os.MkdirAll(filepath.Dir(path), 0o777); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, rc)
	if err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		return 0, err
	}
	return n, os.Rename(tmp.Name(), path)
}

// evictOverSize is called with mu held.
func (c *PartitionCache) evictOverSize() {
	maxBytes := c.cfg.MaxSizeMB << 20
	for c.bytes > maxBytes && c.entries.Len() > 0 {
		c.entries.RemoveOldest()
	}
}

func (c *PartitionCache) onEvict(key string, size int64) {
	c.bytes -= size
	if err := os.Remove(c.localPath(key)); err != nil && !os.IsNotExist(err) {
		level.Warn(util_log.Logger).Log("msg", "failed to remove evicted partition", "key", key, "err", err)
	}
}
