package api

import (
	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-dca/internal/auth"
	"github.com/ksred/klear-dca/pkg/middleware"
)

// SetupRoutes configures all API endpoints and their handlers.
// Routes are grouped by audience:
// - Auth routes: public token issuance
// - Vault routes: protected by JWT authentication
// - Internal routes: JWT with the admin permission, used by keepers and
//   the venue relay
// Parameters:
//   - router: The main Gin router instance
//   - authService: Validates bearer tokens
//   - authHandlers: Handlers for authentication endpoints
//   - handlers: Handlers for vault endpoints
func SetupRoutes(
	router *gin.Engine,
	authService *auth.Service,
	authHandlers *auth.GinHandlers,
	handlers *GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		vaults := v1.Group("/vaults")
		vaults.Use(middleware.JWTAuth(authService))
		{
			vaults.POST("", handlers.CreateVaultHandler())
			vaults.GET("", handlers.ListVaultsHandler())
			vaults.GET("/:id", handlers.GetVaultHandler())
			vaults.POST("/:id/deposit", handlers.DepositHandler())
			vaults.POST("/:id/cancel", handlers.CancelHandler())
			vaults.GET("/:id/events", handlers.EventsHandler())
			vaults.GET("/:id/executions", handlers.ExecutionsHandler())
			vaults.GET("/:id/transfers", handlers.VaultTransfersHandler())
		}

		account := v1.Group("")
		account.Use(middleware.JWTAuth(authService))
		{
			account.GET("/transfers", handlers.TransfersHandler())
			account.GET("/transfers/:transfer_id", handlers.TransferHandler())
			account.GET("/balances", handlers.BalancesHandler())
		}

		internal := v1.Group("/internal")
		internal.Use(middleware.JWTAuth(authService), middleware.RequireAdmin())
		{
			internal.POST("/vaults/:id/execute", handlers.ExecuteHandler())
			internal.POST("/vaults/:id/disburse-escrow", handlers.DisburseEscrowHandler())
			internal.POST("/venue/confirmations", handlers.ConfirmHandler())
			internal.PUT("/swap-adjustments", handlers.SetSwapAdjustmentHandler())
			internal.POST("/swap-adjustments/recompute", handlers.RecomputeSwapAdjustmentHandler())
		}
	}
}
