package memory

import (
	"fmt"
	"sync"
	"time"

	"studychat-be/internal/pkg/apperror"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
)

// RateLimiter bounds turns per user with an in-process sliding window.
// State lives in this process only; it is lost on restart and not shared
// across instances.
type RateLimiter struct {
	cache  *cache.Cache
	mu     sync.Mutex
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	// Entries expire shortly after the window so idle users are purged.
	c := cache.New(2*window, 10*time.Minute)
	return &RateLimiter{
		cache:  c,
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Check prunes timestamps older than the window, rejects at the limit and
// records the current call otherwise. The mutex serializes the
// read-modify-write on the shared table.
func (r *RateLimiter) Check(userId uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	key := userId.String()

	var stamps []time.Time
	if x, found := r.cache.Get(key); found {
		stamps = x.([]time.Time)
	}

	kept := stamps[:0]
	for _, t := range stamps {
		if now.Sub(t) < r.window {
			kept = append(kept, t)
		}
	}

	if len(kept) >= r.limit {
		r.cache.Set(key, kept, cache.DefaultExpiration)
		return apperror.NewRateLimited(
			fmt.Sprintf("rate limit exceeded (%d/%ds)", r.limit, int(r.window.Seconds())))
	}

	kept = append(kept, now)
	r.cache.Set(key, kept, cache.DefaultExpiration)
	return nil
}
