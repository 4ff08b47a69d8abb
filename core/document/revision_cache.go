package document

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/ristretto"
)

const (
	defaultCacheCounters = 1e5
	defaultCacheMaxCost  = 32 << 20 // bytes of reconstructed content
	defaultCacheBuffer   = 64
)

// revisionCache memoizes reconstructed historical content. Keys combine the
// document instance with the revision so a re-created document id never sees
// stale entries.
type revisionCache struct {
	cache  *ristretto.Cache
	hits   atomic.Int64
	misses atomic.Int64

	mu     sync.RWMutex
	closed bool
}

func newRevisionCache(maxCost int64) (*revisionCache, error) {
	if maxCost <= 0 {
		maxCost = defaultCacheMaxCost
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: defaultCacheCounters,
		MaxCost:     maxCost,
		BufferItems: defaultCacheBuffer,
	})
	if err != nil {
		return nil, err
	}
	return &revisionCache{cache: cache}, nil
}

func revisionKey(instance uint64, revision int) string {
	return strconv.FormatUint(instance, 10) + ":" + strconv.Itoa(revision)
}

func (rc *revisionCache) get(instance uint64, revision int) (string, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	if rc.closed {
		return "", false
	}

	value, found := rc.cache.Get(revisionKey(instance, revision))
	if !found {
		rc.misses.Add(1)
		return "", false
	}
	content, ok := value.(string)
	if !ok {
		rc.misses.Add(1)
		return "", false
	}
	rc.hits.Add(1)
	return content, true
}

func (rc *revisionCache) set(instance uint64, revision int, content string) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	if rc.closed {
		return
	}
	rc.cache.Set(revisionKey(instance, revision), content, int64(len(content))+1)
}

// wait blocks until buffered sets are visible to get.
func (rc *revisionCache) wait() {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	if rc.closed {
		return
	}
	rc.cache.Wait()
}

func (rc *revisionCache) stats() (hits, misses int64) {
	return rc.hits.Load(), rc.misses.Load()
}

func (rc *revisionCache) close() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		return
	}
	rc.closed = true
	rc.cache.Close()
}
