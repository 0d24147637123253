package ginserver

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	gin "github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

// SendLimiter throttles message sends per user.
type SendLimiter struct {
	rps   rate.Limit
	burst int
	now   func() time.Time

	mu    sync.Mutex
	users map[string]*userLimiter
	sweep time.Time
}

type userLimiter struct {
	lim  *rate.Limiter
	seen time.Time
}

func NewSendLimiter(rps float64, burst int) *SendLimiter {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &SendLimiter{rps: rate.Limit(rps), burst: burst, now: time.Now, users: make(map[string]*userLimiter)}
}

// Reserve reports whether userID may send now and, if not, how long to wait.
func (l *SendLimiter) Reserve(userID string) (bool, time.Duration) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked(now)
	u, ok := l.users[userID]
	if !ok {
		u = &userLimiter{lim: rate.NewLimiter(l.rps, l.burst)}
		l.users[userID] = u
	}
	u.seen = now
	r := u.lim.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Second
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return false, d
	}
	return true, 0
}

func (l *SendLimiter) sweepLocked(now time.Time) {
	if now.Sub(l.sweep) < limiterIdleTTL {
		return
	}
	l.sweep = now
	for id, u := range l.users {
		if now.Sub(u.seen) > limiterIdleTTL {
			delete(l.users, id)
		}
	}
}

// allowSend aborts with 429 when the caller is over their send rate.
func (l *SendLimiter) allowSend(c *gin.Context, userID string) bool {
	if l == nil {
		return true
	}
	ok, wait := l.Reserve(userID)
	if ok {
		return true
	}
	c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "You're sending messages too quickly. Please wait a moment."})
	return false
}
