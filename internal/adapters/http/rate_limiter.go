package http

import (
	"sync"
	"time"
)

// sweepAt is the number of tracked keys above which expired histories are purged.
const sweepAt = 1024

// ConnectLimiter allows at most limit connects per key within a sliding interval.
// A non-positive limit disables it.
type ConnectLimiter struct {
	mu       sync.Mutex
	history  map[string][]time.Time
	limit    int
	interval time.Duration
	now      func() time.Time
}

func NewConnectLimiter(limit int, interval time.Duration) *ConnectLimiter {
	return &ConnectLimiter{
		history:  make(map[string][]time.Time),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

func (rl *ConnectLimiter) Allow(key string) bool {
	if rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	windowStart := now.Add(-rl.interval)

	fresh := pruned(rl.history[key], windowStart)
	if len(fresh) >= rl.limit {
		rl.history[key] = fresh
		return false
	}
	rl.history[key] = append(fresh, now)

	if len(rl.history) > sweepAt {
		for k, attempts := range rl.history {
			if left := pruned(attempts, windowStart); len(left) == 0 {
				delete(rl.history, k)
			} else {
				rl.history[k] = left
			}
		}
	}
	return true
}

func pruned(attempts []time.Time, windowStart time.Time) []time.Time {
	fresh := attempts[:0]
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	return fresh
}
