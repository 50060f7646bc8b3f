package httpapi

import (
	"container/heap"
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xpadev-net/live-event-orchestrator/internal/log"
)

const (
	// HeaderAPIKey is the header name for API key authentication.
	HeaderAPIKey = "X-API-Key"
	// HeaderInternalAPIKey is the header name for internal API key authentication.
	HeaderInternalAPIKey = "X-Internal-API-Key"
)

func keyMatches(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// APIKeyAuth returns a middleware that validates the API key, taken from
// X-API-Key or a bearer Authorization header.
func APIKeyAuth(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(HeaderAPIKey)
		if key == "" {
			key, _ = strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		}
		switch {
		case key == "":
			RespondUnauthorized(c, "API key is required")
			c.Abort()
		case !keyMatches(key, apiKey):
			RespondUnauthorized(c, "Invalid API key")
			c.Abort()
		default:
			c.Next()
		}
	}
}

// InternalAPIKeyAuth returns a middleware that validates the internal API key.
func InternalAPIKeyAuth(internalAPIKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(HeaderInternalAPIKey)
		switch {
		case key == "":
			RespondUnauthorized(c, "Internal API key is required")
			c.Abort()
		case !keyMatches(key, internalAPIKey):
			RespondUnauthorized(c, "Invalid internal API key")
			c.Abort()
		default:
			c.Next()
		}
	}
}

// RequestLogger logs one line per request.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Warn("request", fields...)
			return
		}
		log.Info("request", fields...)
	}
}

const defaultMaxClients = 10000

type client struct {
	key      string
	limiter  *rate.Limiter
	lastSeen time.Time
	index    int
}

// clientQueue orders clients by lastSeen, least recent first.
type clientQueue []*client

func (q clientQueue) Len() int           { return len(q) }
func (q clientQueue) Less(i, j int) bool { return q[i].lastSeen.Before(q[j].lastSeen) }
func (q clientQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *clientQueue) Push(x any) {
	c := x.(*client)
	c.index = len(*q)
	*q = append(*q, c)
}

func (q *clientQueue) Pop() any {
	old := *q
	n := len(old)
	c := old[n-1]
	old[n-1] = nil
	c.index = -1
	*q = old[:n-1]
	return c
}

// Limiter is a per-client token bucket: limit requests per window, with a
// burst of limit. Clients idle for longer than window are forgotten.
type Limiter struct {
	limit      rate.Limit
	burst      int
	window     time.Duration
	maxClients int
	now        func() time.Time

	mu      sync.Mutex
	clients map[string]*client
	idle    clientQueue
}

// NewLimiter creates a limiter allowing limit requests per window.
func NewLimiter(limit int, window time.Duration) *Limiter {
	if limit <= 0 {
		limit = 1
	}
	interval := window / time.Duration(limit)
	if interval <= 0 {
		interval = time.Second
	}
	return &Limiter{
		limit:      rate.Every(interval),
		burst:      limit,
		window:     window,
		maxClients: defaultMaxClients,
		now:        time.Now,
		clients:    make(map[string]*client),
	}
}

// Allow reports whether key may make a request now.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	c, ok := l.clients[key]
	if ok {
		c.lastSeen = now
		heap.Fix(&l.idle, c.index)
		return c.limiter.AllowN(now, 1)
	}

	if len(l.clients) >= l.maxClients && l.idle.Len() > 0 {
		evicted := heap.Pop(&l.idle).(*client)
		delete(l.clients, evicted.key)
	}
	c = &client{key: key, limiter: rate.NewLimiter(l.limit, l.burst), lastSeen: now}
	l.clients[key] = c
	heap.Push(&l.idle, c)
	return c.limiter.AllowN(now, 1)
}

// Sweep forgets clients idle since before now minus the window.
func (l *Limiter) Sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	removed := 0
	for l.idle.Len() > 0 && l.idle[0].lastSeen.Before(cutoff) {
		c := heap.Pop(&l.idle).(*client)
		delete(l.clients, c.key)
		removed++
	}
	return removed
}

// Run sweeps idle clients every interval until ctx is cancelled.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := l.Sweep(now); n > 0 {
				log.Debug("rate limiter swept idle clients", zap.Int("removed", n))
			}
		}
	}
}

// Middleware enforces the limit keyed by API key, or by client IP when the
// request carries none.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(HeaderAPIKey)
		if key == "" {
			key = c.ClientIP()
		}
		if !l.Allow(key) {
			RespondError(c, http.StatusTooManyRequests, ErrCodeRateLimitExceeded, "Rate limit exceeded")
			c.Abort()
			return
		}
		c.Next()
	}
}
