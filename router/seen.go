package router

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/groupwire/p2pcore/nodeid"
)

// minSeenCacheSize is the floor on the recent-ids dedup window size.
const minSeenCacheSize = 4096

// seenKey identifies a single origin-assigned sequence number.
type seenKey struct {
	from nodeid.NodeId
	seq  uint32
}

// seenCache deduplicates (from, seq) pairs observed within a bounded
// recent window.
type seenCache struct {
	cache *lru.Cache
}

func newSeenCache(size int) *seenCache {
	if size < minSeenCacheSize {
		size = minSeenCacheSize
	}
	c, err := lru.New(size)
	if err != nil {
		// lru.New only errors on size <= 0, which cannot happen given
		// the floor above.
		panic(err)
	}
	return &seenCache{cache: c}
}

// seenBefore reports whether (from, seq) was already observed, and
// records it if not.
func (s *seenCache) seenBefore(from nodeid.NodeId, seq uint32) bool {
	key := seenKey{from: from, seq: seq}
	if s.cache.Contains(key) {
		return true
	}
	s.cache.Add(key, struct{}{})
	return false
}
