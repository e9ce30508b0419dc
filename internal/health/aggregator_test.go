package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// mockChecker 模拟检查器
type mockChecker struct {
	name   string
	status Status
}

func (m *mockChecker) Name() string {
	return m.name
}

func (m *mockChecker) Check(ctx context.Context) CheckResult {
	return CheckResult{
		Status:  m.status,
		Message: "mock",
		Latency: time.Millisecond,
	}
}

func TestAggregator(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name      string
		checkers  []Checker
		want      Status
		wantReady bool
	}{
		{"全部健康", []Checker{&mockChecker{"cloud", StatusHealthy}, &mockChecker{"storage", StatusHealthy}}, StatusHealthy, true},
		{"部分降级", []Checker{&mockChecker{"cloud", StatusDegraded}, &mockChecker{"storage", StatusHealthy}}, StatusDegraded, true},
		{"部分不健康", []Checker{&mockChecker{"cloud", StatusDegraded}, &mockChecker{"storage", StatusUnhealthy}}, StatusUnhealthy, false},
		{"没有检查器", nil, StatusHealthy, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := NewAggregator(tt.checkers...)
			assert.Equal(t, tt.want, agg.OverallStatus(ctx))
			assert.Equal(t, tt.wantReady, agg.Ready(ctx))
		})
	}

	t.Run("动态添加检查器", func(t *testing.T) {
		agg := NewAggregator(&mockChecker{"initial", StatusHealthy})
		agg.AddChecker(&mockChecker{"added", StatusHealthy})
		agg.AddChecker(nil)
		assert.Len(t, agg.CheckAll(ctx), 2)
	})

	t.Run("检查超时记为不健康", func(t *testing.T) {
		agg := NewAggregator(CheckerFunc{CheckerName: "slow", Fn: func(ctx context.Context) CheckResult {
			time.Sleep(200 * time.Millisecond)
			return CheckResult{Status: StatusHealthy}
		}})
		agg.timeout = 20 * time.Millisecond
		report := agg.Report(ctx)
		assert.Equal(t, StatusUnhealthy, report.Status)
		assert.Equal(t, "check timed out", report.Checks["slow"].Message)
	})

	t.Run("Alive始终返回true", func(t *testing.T) {
		assert.True(t, NewAggregator().Alive())
	})
}

func TestReadiness(t *testing.T) {
	r := New()
	assert.False(t, r.Ready())
	r.SetStorageLoaded(true)
	assert.False(t, r.Ready())
	r.SetCloudStarted(true)
	assert.True(t, r.Ready())
}
