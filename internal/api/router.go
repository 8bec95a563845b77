// Package api provides the HTTP façade over the gateway's invocation API
// (§6): GET /health, GET /ready, GET /tools, POST /tools/:name, and an
// optional SSE stream at GET /events.
package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/agentguard/mcp-gateway/internal/config"
)

// RouterDeps holds dependencies for router initialization.
type RouterDeps struct {
	Handlers *Handlers
	// StopRateLimiter is set by NewRouter. Call it during graceful shutdown to
	// stop the rate limiter's background cleanup goroutine.
	StopRateLimiter func()
}

// NewRouter creates and configures the HTTP router.
func NewRouter(cfg *config.Config, deps *RouterDeps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	// Safe default: do not trust any proxy headers (X-Forwarded-For, etc.).
	// Production should configure trusted proxy CIDRs explicitly.
	r.SetTrustedProxies(nil)
	r.Use(gin.Recovery())
	r.Use(securityHeadersMiddleware())
	r.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20) // 1MB
		c.Next()
	})
	r.Use(corsMiddleware(cfg.Server.CORSOrigins))

	r.GET("/health", healthCheck)
	r.GET("/ready", makeReadinessCheck(deps))

	limit := cfg.Server.RateLimitPerMin
	if limit <= 0 {
		limit = 120
	}
	rl := newRateLimiter(limit, time.Minute)
	if deps != nil {
		deps.StopRateLimiter = rl.Stop
	}

	tools := r.Group("/")
	// Middleware order: auth -> rate limit, so unauthenticated requests never
	// consume rate-limit budget and limits key on bearer identity.
	tools.Use(bearerTokenMiddleware(cfg.Server.BearerToken))
	tools.Use(rateLimitMiddleware(rl))
	{
		tools.GET("/tools", deps.Handlers.ListTools)
		tools.POST("/tools/:name", deps.Handlers.InvokeTool)
		tools.GET("/events", deps.Handlers.Events)
	}

	return r
}

// rateLimiter implements a simple in-memory sliding window rate limiter,
// keyed by bearer-token suffix or IP.
type rateLimiter struct {
	mu       sync.Mutex
	visitors map[string][]time.Time
	limit    int
	window   time.Duration
	done     chan struct{}
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	rl := &rateLimiter{
		visitors: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		done:     make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// Stop terminates the cleanup goroutine.
func (rl *rateLimiter) Stop() {
	close(rl.done)
}

func (rl *rateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rl.window)

	timestamps := rl.visitors[key]
	valid := make([]time.Time, 0, len(timestamps))
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}

	if len(valid) >= rl.limit {
		rl.visitors[key] = valid
		return false
	}

	rl.visitors[key] = append(valid, now)
	return true
}

func (rl *rateLimiter) cleanup() {
	ticker := time.NewTicker(rl.window)
	defer ticker.Stop()
	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			cutoff := now.Add(-rl.window)
			for key, timestamps := range rl.visitors {
				valid := make([]time.Time, 0, len(timestamps))
				for _, ts := range timestamps {
					if ts.After(cutoff) {
						valid = append(valid, ts)
					}
				}
				if len(valid) == 0 {
					delete(rl.visitors, key)
				} else {
					rl.visitors[key] = valid
				}
			}
			rl.mu.Unlock()
		}
	}
}

// securityHeadersMiddleware adds security response headers to all responses.
func securityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Content-Security-Policy", "default-src 'self'")
		c.Next()
	}
}

func rateLimitMiddleware(rl *rateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token := strings.TrimPrefix(auth, "Bearer ")
			if len(token) >= 8 {
				// Last 8 chars only — avoid storing full tokens in memory.
				key = "bearer:" + token[len(token)-8:]
			}
		}

		if !rl.allow(key) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		allowed := false
		wildcard := false
		for _, o := range allowedOrigins {
			if o == "*" {
				allowed = true
				wildcard = true
				break
			}
			if o == origin {
				allowed = true
				break
			}
		}

		if allowed {
			if wildcard {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Access-Control-Allow-Credentials", "true")
				c.Header("Vary", "Origin")
			}
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
			c.Header("Access-Control-Max-Age", "86400")
		}

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// bearerTokenMiddleware guards the tool-invocation surface with a
// transport-layer admission check. This is not caller authentication in the
// multi-principal sense: the actor recorded in the audit trail remains the
// single configured identity string regardless of which bearer presents it.
func bearerTokenMiddleware(token string) gin.HandlerFunc {
	if token == "" {
		log.Warn().Msg("server.bearer_token is not configured — tool requests will be rejected")
		return func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		}
	}
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		provided := strings.TrimPrefix(authHeader, "Bearer ")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

// makeReadinessCheck reports sub-checks for the database pool and the
// policy engine(s), grounded on the teacher's makeReadinessCheck pattern.
func makeReadinessCheck(deps *RouterDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}
		ready := true

		if deps == nil || deps.Handlers == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "checks": gin.H{"gateway": "unavailable"}})
			return
		}

		if deps.Handlers.DatabaseReady == nil {
			checks["database"] = "not_configured"
		} else if deps.Handlers.DatabaseReady() {
			checks["database"] = "ok"
		} else {
			checks["database"] = "unavailable"
			ready = false
		}

		checks["policy_engine"] = "ok"
		if deps.Handlers.SecondaryPolicyReady != nil {
			if deps.Handlers.SecondaryPolicyReady() {
				checks["secondary_policy"] = "ok"
			} else {
				checks["secondary_policy"] = "not_loaded"
			}
		}

		status := http.StatusOK
		statusStr := "ready"
		if !ready {
			status = http.StatusServiceUnavailable
			statusStr = "degraded"
		}

		c.JSON(status, gin.H{
			"status":    statusStr,
			"checks":    checks,
			"timestamp": time.Now().UTC(),
		})
	}
}
