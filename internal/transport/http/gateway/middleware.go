package gatewayhttp

import (
	"net/http"
	"strings"
	"sync"

	"ordergate/internal/session"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const sessionKey = "session"

// authenticate resolves the bearer token into a session.
func authenticate(auth Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		sess, err := auth.Authenticate(token)
		if err != nil {
			httpLog.Warnf("rejected token ip=%s: %v", c.ClientIP(), err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(sessionKey, sess)
		c.Next()
	}
}

func sessionOf(c *gin.Context) session.Session {
	v, _ := c.Get(sessionKey)
	sess, _ := v.(session.Session)
	return sess
}

// throttle limits requests per authenticated account.
type throttle struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newThrottle(perSecond float64, burst int) *throttle {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = max(1, int(perSecond))
	}
	return &throttle{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (t *throttle) limiter(account string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.limiters[account]
	if !ok {
		l = rate.NewLimiter(t.limit, t.burst)
		t.limiters[account] = l
	}
	return l
}

func (t *throttle) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if t == nil {
			c.Next()
			return
		}
		account := sessionOf(c).Account
		if !t.limiter(account).Allow() {
			httpLog.Warnf("throttled %s %s account=%s", c.Request.Method, c.FullPath(), account)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
