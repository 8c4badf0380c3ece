// internal/middleware/ratelimit.go
package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/okoth-labs/bingwa-airtime-gateway/internal/pkg/response"
)

// RateLimit returns a fixed-window rate limiter keyed by
// "ratelimit:route:source-ip", backed by Redis INCR+EXPIRE so the limit holds
// across multiple gateway instances (spec §6, expansion on the
// teacher's in-process session rate limiter).
func RateLimit(client *redis.Client, limitPerMinute int, routeLabel string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		key := fmt.Sprintf("ratelimit:%s:%s", routeLabel, c.ClientIP())

		count, err := client.Incr(ctx, key).Result()
		if err != nil {
			// Fail open: a Redis outage must not take down the push/callback
			// path entirely.
			c.Next()
			return
		}
		if count == 1 {
			client.Expire(ctx, key, time.Minute)
		}
		if int(count) > limitPerMinute {
			response.Error(c, http.StatusTooManyRequests, "rate limit exceeded", nil)
			return
		}

		c.Next()
	}
}
