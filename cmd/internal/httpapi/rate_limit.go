package httpapi

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterIdleTTL   = 10 * time.Minute
	limiterSweepSize = 4096
)

type userLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// uploadLimiter is a per-user token bucket.
type uploadLimiter struct {
	every rate.Limit
	burst int

	mu    sync.Mutex
	users map[string]*userLimiter
}

func newUploadLimiter(perMinute, burst int) *uploadLimiter {
	return &uploadLimiter{
		every: rate.Limit(float64(perMinute) / 60),
		burst: burst,
		users: make(map[string]*userLimiter),
	}
}

// allow reports whether userID may upload at now, or how long to wait.
func (l *uploadLimiter) allow(userID string, now time.Time) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.users) >= limiterSweepSize {
		for id, u := range l.users {
			if now.Sub(u.lastSeen) > limiterIdleTTL {
				delete(l.users, id)
			}
		}
	}

	u := l.users[userID]
	if u == nil {
		u = &userLimiter{lim: rate.NewLimiter(l.every, l.burst)}
		l.users[userID] = u
	}
	u.lastSeen = now

	r := u.lim.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Minute
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return false, d
	}
	return true, 0
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		secs := int64(retryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	writeError(w, http.StatusTooManyRequests, "rate_limited", "too many uploads")
}
