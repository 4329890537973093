package api

import (
	"codedrop/internal/server/ratelimit"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// SetupRouter creates and configures the echo router with all routes
// and middleware.
func SetupRouter(handler *Handler, limiter *ratelimit.Limiter) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "Authorization"},
	}))
	e.Use(RequestLogger())

	// Health & stats
	e.GET("/health", handler.HandleHealth)
	e.GET("/api/stats", handler.HandleStats)

	// Uploads
	e.POST("/api/upload", handler.HandleUpload, RateLimit(limiter, ratelimit.RouteUpload))
	e.GET("/api/info/:code", handler.HandleInfo, RateLimit(limiter, ratelimit.RouteDownload))
	e.POST("/api/redeem/:code", handler.HandleRedeem, RateLimit(limiter, ratelimit.RouteDownload))
	e.GET("/d/:code", handler.HandleDownload, RateLimit(limiter, ratelimit.RouteDownload))

	// Shares
	e.POST("/api/share", handler.HandleCreateShare, RateLimit(limiter, ratelimit.RouteShare))
	e.POST("/s/:code", handler.HandleViewShare, RateLimit(limiter, ratelimit.RouteShare))

	// Operator cleanup trigger (gated inside the handler)
	e.POST("/api/admin/cleanup", handler.HandleCleanup)

	return e
}
