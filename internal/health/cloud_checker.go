package health

import (
	"context"
	"time"

	"github.com/taoyao-code/enso-gateway/internal/cloud"
)

// CloudSource 云端同步引擎状态
type CloudSource interface {
	IsRunning() bool
	Registered() bool
	ChannelStates() []cloud.State
	Subscriptions() []int
}

// CloudChecker 云端通道健康检查：引擎未运行不健康，通道0断开或网关未注册为降级
type CloudChecker struct {
	engine CloudSource
}

// NewCloudChecker 创建云端检查器
func NewCloudChecker(engine CloudSource) *CloudChecker {
	return &CloudChecker{engine: engine}
}

func (c *CloudChecker) Name() string { return "cloud" }

func (c *CloudChecker) Check(_ context.Context) CheckResult {
	start := time.Now()
	if !c.engine.IsRunning() {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: "sync engine not running",
			Latency: time.Since(start),
		}
	}

	states := c.engine.ChannelStates()
	names := make([]string, len(states))
	connected := 0
	for i, s := range states {
		names[i] = s.String()
		if s == cloud.StateConnected {
			connected++
		}
	}
	registered := c.engine.Registered()

	status := StatusHealthy
	message := "ok"
	switch {
	case len(states) == 0 || states[0] != cloud.StateConnected:
		// 本地影子仍可工作，变更进入缓冲
		status = StatusDegraded
		message = "gateway channel not connected"
	case !registered:
		status = StatusDegraded
		message = "gateway not registered"
	}

	return CheckResult{
		Status:  status,
		Message: message,
		Details: map[string]any{
			"channels":      names,
			"connected":     connected,
			"subscriptions": c.engine.Subscriptions(),
			"registered":    registered,
		},
		Latency: time.Since(start),
	}
}
