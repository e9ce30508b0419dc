package api

import (
	"github.com/gin-gonic/gin"
	"github.com/taoyao-code/enso-gateway/internal/api/middleware"
	"go.uber.org/zap"
)

// RegisterShadowRoutes 注册本地影子只读查询路由
func RegisterShadowRoutes(r gin.IRouter, handler *ShadowHandler, authCfg middleware.AuthConfig, logger *zap.Logger) {
	if r == nil || handler == nil {
		return
	}

	api := r.Group("/api")
	if authCfg.Enabled {
		api.Use(middleware.APIKeyAuth(authCfg, logger))
		logger.Info("api authentication enabled", zap.Int("api_keys_count", len(authCfg.APIKeys)))
	} else {
		logger.Warn("api authentication disabled")
	}

	api.GET("/shadow", handler.ListObjects)
	api.GET("/shadow/:thing", handler.GetObject)
	api.GET("/cloud", handler.CloudState)

	logger.Info("shadow routes registered", zap.Int("endpoints", 3))
}
