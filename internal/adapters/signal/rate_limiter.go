package signal

import (
	"sync"
	"time"

	"github.com/dkeye/Ring/internal/domain"
)

// InviteLimiter is a sliding-window limit on call invites per user.
type InviteLimiter struct {
	mu       sync.Mutex
	history  map[domain.UserID][]time.Time
	limit    int
	interval time.Duration
	now      func() time.Time
}

func NewInviteLimiter(limit int, interval time.Duration) *InviteLimiter {
	return &InviteLimiter{
		history:  make(map[domain.UserID][]time.Time),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

func (rl *InviteLimiter) Allow(uid domain.UserID) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	fresh := rl.fresh(rl.history[uid], now)
	if len(fresh) >= rl.limit {
		rl.history[uid] = fresh
		return false
	}
	rl.history[uid] = append(fresh, now)
	return true
}

// Prune drops users without attempts inside the window and returns how many were dropped.
func (rl *InviteLimiter) Prune() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	n := 0
	for uid, attempts := range rl.history {
		fresh := rl.fresh(attempts, now)
		if len(fresh) == 0 {
			delete(rl.history, uid)
			n++
			continue
		}
		rl.history[uid] = fresh
	}
	return n
}

func (rl *InviteLimiter) fresh(attempts []time.Time, now time.Time) []time.Time {
	windowStart := now.Add(-rl.interval)
	out := make([]time.Time, 0, len(attempts)+1)
	for _, t := range attempts {
		if t.After(windowStart) {
			out = append(out, t)
		}
	}
	return out
}
