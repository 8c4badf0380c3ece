// internal/app/router.go
package app

import (
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	gatewayHandler "github.com/okoth-labs/bingwa-airtime-gateway/internal/handlers/gateway"
	"github.com/okoth-labs/bingwa-airtime-gateway/internal/middleware"
)

// Handlers bundles the one handler this gateway exposes, matching the
// teacher's Handlers-struct shape even though there is a single
// vertical here.
type Handlers struct {
	Gateway *gatewayHandler.Handler
}

// SetupRouter wires every route spec.md §6 names. There is no
// authenticated vertical left to mount: the callback endpoints
// authenticate implicitly (the rail only calls back on a correlation
// id it minted), and the bonus-update endpoint carries its own actor
// field for the audit trail rather than a session.
func SetupRouter(r *gin.Engine, redisClient *redis.Client, pushLimitPerMinute, callbackLimitPerMinute int, h *Handlers) {
	r.GET("/ping", h.Gateway.Ping)
	r.GET("/", h.Gateway.Health)

	r.POST("/stk-push", middleware.RateLimit(redisClient, pushLimitPerMinute, "stk-push"), h.Gateway.InitiateTopUp)
	r.POST("/stk-callback", middleware.RateLimit(redisClient, callbackLimitPerMinute, "stk-callback"), h.Gateway.PaymentCallback)
	r.POST("/daraja-reversal-result", middleware.RateLimit(redisClient, callbackLimitPerMinute, "daraja-reversal-result"), h.Gateway.ReversalResult)
	r.POST("/daraja-reversal-timeout", middleware.RateLimit(redisClient, callbackLimitPerMinute, "daraja-reversal-timeout"), h.Gateway.ReversalTimeout)

	r.GET("/transaction-status/:id", h.Gateway.TransactionStatus)

	api := r.Group("/api/airtime-bonuses")
	{
		api.GET("/current", h.Gateway.CurrentBonuses)
		api.POST("/update", h.Gateway.UpdateBonuses)
	}
}
