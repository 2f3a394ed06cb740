package handlers

import (
	"crypto/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const RequestIDKey = "X-Request-ID"

func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, "+RequestIDKey)

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}

// RequestID reuses the caller's X-Request-ID or assigns a new ULID.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDKey)
		if requestID == "" {
			requestID = newRequestID(time.Now())
		}
		c.Set(RequestIDKey, requestID)
		c.Header(RequestIDKey, requestID)
		c.Next()
	}
}

func newRequestID(t time.Time) string {
	entropy := ulid.Monotonic(rand.Reader, 0)
	id, err := ulid.New(ulid.Timestamp(t), entropy)
	if err != nil {
		return ""
	}
	return id.String()
}

func RequestIDFrom(c *gin.Context) string {
	return c.GetString(RequestIDKey)
}

// AccessLog writes one structured line per request.
func AccessLog(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("request_id", RequestIDFrom(c)),
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.String("client_ip", c.ClientIP()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

// limiterIdleTTL is the minimum idle time before a client's bucket is
// dropped. A bucket is never dropped before it could have refilled.
const limiterIdleTTL = 3 * time.Minute

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type rateLimiter struct {
	bucket    map[string]*clientLimiter
	rate      rate.Limit
	burstSize int
	ttl       time.Duration
	lastSweep time.Time
	now       func() time.Time
	mutex     sync.Mutex
}

func newRateLimiter(reqRate rate.Limit, burstSize int) *rateLimiter {
	ttl := limiterIdleTTL
	if reqRate > 0 {
		if refill := time.Duration(float64(burstSize) / float64(reqRate) * float64(time.Second)); refill > ttl {
			ttl = refill
		}
	}
	return &rateLimiter{
		bucket:    make(map[string]*clientLimiter),
		rate:      reqRate,
		burstSize: burstSize,
		ttl:       ttl,
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

func (r *rateLimiter) limiterFor(ip string) *rate.Limiter {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	now := r.now()
	if now.Sub(r.lastSweep) >= r.ttl {
		for key, client := range r.bucket {
			if now.Sub(client.lastSeen) >= r.ttl {
				delete(r.bucket, key)
			}
		}
		r.lastSweep = now
	}

	client, exist := r.bucket[ip]
	if !exist {
		client = &clientLimiter{limiter: rate.NewLimiter(r.rate, r.burstSize)}
		r.bucket[ip] = client
	}
	client.lastSeen = now
	return client.limiter
}

func (r *rateLimiter) size() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.bucket)
}

// RateLimit applies a token bucket per client IP.
func RateLimit(rps float64, burst int, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	limiters := newRateLimiter(rate.Limit(rps), burst)
	return func(c *gin.Context) {
		clientIP := c.ClientIP()
		if !limiters.limiterFor(clientIP).Allow() {
			logger.Warn("too many requests", zap.String("client_ip", clientIP))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"status":  "error",
				"message": "Too many requests",
			})
			return
		}
		c.Next()
	}
}
