package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

const (
	// refreshMaxFailures is the number of consecutive failed manual
	// refreshes before backoff begins.
	refreshMaxFailures = 3
	// refreshBaseLockout is the first backoff once refreshMaxFailures is
	// reached; it doubles with every further failure.
	refreshBaseLockout = 30 * time.Second
	refreshMaxLockout  = 10 * time.Minute
)

// refreshLimiter backs off manual refreshes after consecutive upstream
// failures. A failing refresh may log in again, and repeated failed logins
// can get the cloud account locked.
type refreshLimiter struct {
	mu          sync.Mutex
	now         func() time.Time
	failures    int
	lockedUntil time.Time
}

func newRefreshLimiter(now func() time.Time) *refreshLimiter {
	return &refreshLimiter{now: now}
}

// check reports whether refreshes are blocked and for how long.
func (rl *refreshLimiter) check() (blocked bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if now := rl.now(); now.Before(rl.lockedUntil) {
		return true, rl.lockedUntil.Sub(now)
	}
	return false, 0
}

func (rl *refreshLimiter) recordFailure() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.failures++
	if rl.failures < refreshMaxFailures {
		return
	}
	lockout := refreshBaseLockout
	for range rl.failures - refreshMaxFailures {
		lockout *= 2
		if lockout >= refreshMaxLockout {
			lockout = refreshMaxLockout
			break
		}
	}
	rl.lockedUntil = rl.now().Add(lockout)
}

func (rl *refreshLimiter) recordSuccess() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.failures = 0
	rl.lockedUntil = time.Time{}
}

// writeRateLimited sends a 429 Too Many Requests response.
func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", retryAfterString(retryAfter))
	writeError(w, http.StatusTooManyRequests, "refresh failed repeatedly; try again later")
}

func retryAfterString(d time.Duration) string {
	return strconv.Itoa(max(int(d.Seconds()), 1))
}
