package rest

import (
	"github.com/gin-gonic/gin"

	"github.com/mosaicart/market-mirror/internal/api/middleware"
)

// SetupRoutes configures all REST API routes
func SetupRoutes(router *gin.Engine, handler Handler, authCfg middleware.AuthConfig) {
	// Health check endpoint (no auth, no version prefix)
	router.GET("/health", handler.HealthCheck)

	// API v1 routes
	v1 := router.Group("/api/v1")
	{
		// Asset endpoints (public read access)
		v1.GET("/assets/:contract_address/:token_number", handler.GetAsset)
		v1.GET("/assets", handler.ListAssets)

		// Listing endpoints (public read access)
		v1.GET("/listings/:contract_address/:listing_id", handler.GetListing)
		v1.GET("/listings", handler.ListListings)

		// Operational endpoints (requires authentication)
		v1.GET("/cursors/:chain", middleware.Auth(authCfg), handler.GetBlockCursor)
	}
}
