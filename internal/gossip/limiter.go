package gossip

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

// Default per-peer-per-message-kind budget (spec §4.9: 30 requests per
// 60 seconds), expressed as an x/time/rate limiter — replacing the
// teacher's hand-rolled pkg/security.RateLimiter token bucket with the
// ecosystem's equivalent.
const (
	defaultPerKindLimit   = 30
	defaultPerKindWindow  = 60 * time.Second
	defaultPerKindBurst   = 30
	defaultBandwidth      = 5 << 20 // bytes/sec global budget
	defaultBandwidthBurst = 10 << 20
	dedupCacheSize        = 10_000
	dedupCacheTTL         = 10 * time.Minute
)

func defaultPerKindRateLimit() rate.Limit {
	return rate.Limit(float64(defaultPerKindLimit) / defaultPerKindWindow.Seconds())
}

// KindLimiter enforces a per-peer, per-payload-kind request budget.
type KindLimiter struct {
	mu       sync.Mutex
	limiters map[string]map[PayloadType]*rate.Limiter
}

func NewKindLimiter() *KindLimiter {
	return &KindLimiter{limiters: make(map[string]map[PayloadType]*rate.Limiter)}
}

// Allow reports whether peerID may send another message of kind right
// now, consuming one token if so.
func (k *KindLimiter) Allow(peerID string, kind PayloadType) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	perPeer, ok := k.limiters[peerID]
	if !ok {
		perPeer = make(map[PayloadType]*rate.Limiter)
		k.limiters[peerID] = perPeer
	}
	lim, ok := perPeer[kind]
	if !ok {
		lim = rate.NewLimiter(defaultPerKindRateLimit(), defaultPerKindBurst)
		perPeer[kind] = lim
	}
	return lim.Allow()
}

// RemovePeer drops a disconnected peer's limiter state.
func (k *KindLimiter) RemovePeer(peerID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.limiters, peerID)
}

// BandwidthLimiter is the global byte-budget token bucket shared across
// all peers (spec §4.9's "global bandwidth token bucket").
type BandwidthLimiter struct {
	limiter *rate.Limiter
}

func NewBandwidthLimiter() *BandwidthLimiter {
	return &BandwidthLimiter{limiter: rate.NewLimiter(rate.Limit(defaultBandwidth), defaultBandwidthBurst)}
}

// AllowBytes reports whether n bytes of traffic may proceed now.
func (b *BandwidthLimiter) AllowBytes(n int) bool {
	return b.limiter.AllowN(time.Now(), n)
}

// DedupCache suppresses re-processing of envelopes already seen under
// a caller-supplied key (Node uses the payload's content identity, see
// dedupKey), bounded and TTL'd via golang-lru/v2's expirable
// cache (spec §4.9: ~10k entries).
type DedupCache struct {
	cache *lru.LRU[string, struct{}]
}

func NewDedupCache(size int, ttl time.Duration) *DedupCache {
	if size <= 0 {
		size = dedupCacheSize
	}
	if ttl <= 0 {
		ttl = dedupCacheTTL
	}
	return &DedupCache{cache: lru.NewLRU[string, struct{}](size, nil, ttl)}
}

// SeenBefore reports whether key was already recorded, recording it if
// not.
func (d *DedupCache) SeenBefore(key string) bool {
	if _, ok := d.cache.Get(key); ok {
		return true
	}
	d.cache.Add(key, struct{}{})
	return false
}
