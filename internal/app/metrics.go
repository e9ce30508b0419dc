package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/taoyao-code/enso-gateway/internal/metrics"
)

// NewMetrics 初始化注册表与同步指标
func NewMetrics(src metrics.Sources) (*prometheus.Registry, *metrics.SyncMetrics) {
	reg := metrics.NewRegistry()
	m := metrics.NewSyncMetrics(reg, src)
	return reg, m
}
