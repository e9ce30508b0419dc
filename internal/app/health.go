package app

import (
	"github.com/gin-gonic/gin"
	"github.com/taoyao-code/enso-gateway/internal/health"
)

// NewHealthAggregator 创建健康检查聚合器：存储必选，云端与底层连接按启用情况添加
func NewHealthAggregator(deps *StorageDeps, storageSrc health.StorageSource, maxLogSize int64, cloudSrc health.CloudSource) *health.Aggregator {
	agg := health.NewAggregator(health.NewStorageChecker(storageSrc, maxLogSize))
	if cloudSrc != nil {
		agg.AddChecker(health.NewCloudChecker(cloudSrc))
	}
	if deps != nil && deps.Redis != nil {
		agg.AddChecker(health.NewRedisChecker(deps.Redis))
	}
	if deps != nil && deps.Pool != nil {
		agg.AddChecker(health.NewDatabaseChecker(deps.Pool))
	}
	return agg
}

// RegisterHealthRoutes 注册健康检查HTTP路由
func RegisterHealthRoutes(r *gin.Engine, aggregator *health.Aggregator) {
	health.RegisterHTTPRoutes(r, aggregator)
}
