package middleware

import (
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-dca/internal/auth"
	"github.com/ksred/klear-dca/pkg/response"
	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type limit struct {
	rate  rate.Limit
	burst int
}

var (
	visitors = make(map[string]*visitor)
	mu       sync.RWMutex

	// Configure limits per endpoint type
	authLimit  = limit{rate.Limit(10.0 / 60.0), 1}    // 10 requests per minute
	vaultLimit = limit{rate.Limit(100.0 / 60.0), 10}  // 100 requests per minute
	queryLimit = limit{rate.Limit(1000.0 / 60.0), 50} // 1000 requests per minute
	adminLimit = limit{rate.Limit(60.0 / 60.0), 10}
)

// Cleanup old visitors periodically
func init() {
	go cleanupVisitors()
}

func limitFor(method, path string) limit {
	switch {
	case strings.HasPrefix(path, "/api/v1/auth"):
		return authLimit
	case strings.HasPrefix(path, "/api/v1/internal"):
		return adminLimit
	case strings.HasPrefix(path, "/api/v1/vaults") && method != "GET":
		return vaultLimit
	case strings.HasPrefix(path, "/api/v1/"):
		return queryLimit
	default:
		return limit{rate.Inf, 1} // No limit for other paths
	}
}

func getLimiter(method, path, clientKey string) *rate.Limiter {
	mu.Lock()
	defer mu.Unlock()

	key := clientKey + ":" + method + ":" + path
	v, exists := visitors[key]
	if !exists {
		l := limitFor(method, path)
		v = &visitor{
			limiter:  rate.NewLimiter(l.rate, l.burst),
			lastSeen: time.Now(),
		}
		visitors[key] = v
	}

	v.lastSeen = time.Now()
	return v.limiter
}

func cleanupVisitors() {
	for {
		time.Sleep(time.Minute)

		mu.Lock()
		for key, v := range visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(visitors, key)
			}
		}
		mu.Unlock()
	}
}

// RateLimit throttles requests per caller and route. Callers are keyed by
// address when authentication ran first, otherwise by client IP.
func RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientKey := c.GetString("address")
		if clientKey == "" {
			clientKey = c.ClientIP()
		}

		limiter := getLimiter(c.Request.Method, c.FullPath(), clientKey)
		if !limiter.Allow() {
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}

// JWTAuth validates the bearer token and stores its claims and address on
// the context.
func JWTAuth(service *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			response.Unauthorized(c, "Authorization header required")
			c.Abort()
			return
		}

		bearerToken := strings.Split(authHeader, " ")
		if len(bearerToken) != 2 || strings.ToLower(bearerToken[0]) != "bearer" {
			response.Unauthorized(c, "Invalid authorization header format")
			c.Abort()
			return
		}

		claims, err := service.ValidateToken(bearerToken[1])
		if err != nil {
			response.Unauthorized(c, "Invalid token")
			c.Abort()
			return
		}

		c.Set("claims", claims)
		c.Set("address", claims.Address)
		c.Next()
	}
}

// RequireAdmin rejects tokens without the admin permission. It must run after
// JWTAuth.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !auth.IsAdmin(c) {
			response.Forbidden(c, "Admin permission required")
			c.Abort()
			return
		}
		c.Next()
	}
}
