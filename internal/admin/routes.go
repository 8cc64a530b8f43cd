package admin

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/OtokoNoIzumi/Project-QRRag/internal/cache"
	"github.com/OtokoNoIzumi/Project-QRRag/internal/config"
	"github.com/OtokoNoIzumi/Project-QRRag/internal/store"
)

// AuthMiddleware protects the admin API with HTTP basic auth.
func AuthMiddleware(adminPassword string) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, password, hasAuth := c.Request.BasicAuth()
		if !hasAuth || user != "admin" || password != adminPassword {
			c.Header("WWW-Authenticate", `Basic realm="Restricted"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		c.Next()
	}
}

// SetupRoutes registers the admin API under /admin.
func SetupRoutes(router *gin.Engine, st *store.Store, cacheSvc cache.Service, cfg *config.Config, logger *slog.Logger) {
	handler := NewHandler(st, cacheSvc, cfg, logger)

	adminGroup := router.Group("/admin")
	adminGroup.Use(AuthMiddleware(cfg.Admin.Password))
	{
		tokensGroup := adminGroup.Group("/tokens")
		{
			tokensGroup.GET("", handler.ListTokensHandler)
			tokensGroup.POST("", handler.CreateTokensHandler)
			tokensGroup.GET("/:id", handler.GetTokenHandler)
		}

		cacheGroup := adminGroup.Group("/cache")
		{
			cacheGroup.GET("/stats", handler.CacheStatsHandler)
			cacheGroup.POST("/export", handler.ExportCacheHandler)
			cacheGroup.DELETE("", handler.ClearCacheHandler)
		}
	}
}
