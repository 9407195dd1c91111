package relay

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"
)

const (
	regRateLimit  = 5               // registrations per second per remote address
	regBurstLimit = 10              // max burst
	regCleanupAge = 5 * time.Minute // evict idle limiters

	// rateLimiterShards controls how many independent shards the limiter
	// uses. Each shard has its own mutex, so registrations from distinct
	// addresses rarely contend.
	rateLimiterShards = 16
)

type keyLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// rateLimiter is a sharded map of per-key token buckets. Buckets are
// evaluated at the injected clock's time so tests can drive refill.
type rateLimiter struct {
	clock  clock.Clock
	shards [rateLimiterShards]rateLimiterShard
}

type rateLimiterShard struct {
	mu   sync.Mutex
	keys map[string]*keyLimiter
}

func newRateLimiter(c clock.Clock) *rateLimiter {
	if c == nil {
		c = clock.New()
	}
	rl := &rateLimiter{clock: c}
	for i := range rl.shards {
		rl.shards[i].keys = make(map[string]*keyLimiter)
	}
	return rl
}

func (rl *rateLimiter) shard(key string) *rateLimiterShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &rl.shards[h.Sum32()%rateLimiterShards]
}

func (rl *rateLimiter) allow(key string) bool {
	s := rl.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := rl.clock.Now()
	kl, ok := s.keys[key]
	if !ok {
		kl = &keyLimiter{lim: rate.NewLimiter(rate.Limit(regRateLimit), regBurstLimit)}
		s.keys[key] = kl
	}
	kl.lastSeen = now
	return kl.lim.AllowN(now, 1)
}

// cleanup evicts idle limiters. The janitor calls it so allow never iterates
// the map.
func (rl *rateLimiter) cleanup() int {
	now := rl.clock.Now()
	evicted := 0
	for i := range rl.shards {
		s := &rl.shards[i]
		s.mu.Lock()
		for k, v := range s.keys {
			if now.Sub(v.lastSeen) > regCleanupAge {
				delete(s.keys, k)
				evicted++
			}
		}
		s.mu.Unlock()
	}
	return evicted
}
