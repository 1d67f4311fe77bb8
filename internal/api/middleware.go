package api

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// extractToken pulls a bearer token from the Authorization header, with a
// query-parameter fallback for SSE clients that cannot set headers.
func extractToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return c.Query("token")
}

// requireAuth validates an HS256 JWT signed with the node's shared secret.
func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := extractToken(c)
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return s.authSecret, nil
		})
		if err != nil || !token.Valid {
			s.logger.Warn("rejected token", "client", c.ClientIP(), "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		if claims, ok := token.Claims.(jwt.MapClaims); ok {
			if sub, _ := claims.GetSubject(); sub != "" {
				c.Set("subject", sub)
			}
		}
		c.Next()
	}
}

// rateLimiter is a token bucket per client key.
type rateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens     float64
	limit      float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newRateLimiter() *rateLimiter {
	return &rateLimiter{buckets: make(map[string]*bucket)}
}

// allow consumes one token from key's bucket, refilled at perMinute/60 per
// second up to perMinute.
func (rl *rateLimiter) allow(key string, perMinute int) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{
			tokens:     float64(perMinute),
			limit:      float64(perMinute),
			refillRate: float64(perMinute) / 60.0,
			lastRefill: time.Now(),
		}
		rl.buckets[key] = b
	}

	now := time.Now()
	b.tokens += now.Sub(b.lastRefill).Seconds() * b.refillRate
	if b.tokens > b.limit {
		b.tokens = b.limit
	}
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// rateLimitDeploy guards the deploy endpoint; other endpoints are cheap
// enough to leave unlimited.
func (s *Server) rateLimitDeploy() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if sub, ok := c.Get("subject"); ok {
			key = fmt.Sprint(sub)
		}
		if !s.limiter.allow(key, s.deployPerMin) {
			c.Header("Retry-After", "60")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "deploy rate limit exceeded"})
			return
		}
		c.Next()
	}
}
