package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taoyao-code/enso-gateway/internal/cloud"
	"github.com/taoyao-code/enso-gateway/internal/storage"
)

type fakeEngine struct {
	running    bool
	registered bool
	states     []cloud.State
}

func (f *fakeEngine) IsRunning() bool              { return f.running }
func (f *fakeEngine) Registered() bool             { return f.registered }
func (f *fakeEngine) ChannelStates() []cloud.State { return f.states }
func (f *fakeEngine) Subscriptions() []int         { return make([]int, len(f.states)) }

func TestCloudChecker(t *testing.T) {
	tests := []struct {
		name   string
		engine *fakeEngine
		want   Status
	}{
		{"未运行", &fakeEngine{}, StatusUnhealthy},
		{"网关通道断开", &fakeEngine{running: true, registered: true, states: []cloud.State{cloud.StateConnecting}}, StatusDegraded},
		{"未注册", &fakeEngine{running: true, states: []cloud.State{cloud.StateConnected}}, StatusDegraded},
		{"正常", &fakeEngine{running: true, registered: true, states: []cloud.State{cloud.StateConnected, cloud.StateDisconnected}}, StatusHealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := NewCloudChecker(tt.engine).Check(context.Background())
			assert.Equal(t, tt.want, res.Status, res.Message)
		})
	}
}

type fakeStorage struct {
	backend storage.Backend
	stats   storage.Stats
}

func (f *fakeStorage) Backend() storage.Backend { return f.backend }
func (f *fakeStorage) GetStats() storage.Stats  { return f.stats }

func TestStorageChecker(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryBackend()
	src := &fakeStorage{backend: backend}
	c := NewStorageChecker(src, 10)

	res := c.Check(ctx)
	assert.Equal(t, StatusHealthy, res.Status)
	assert.Equal(t, "memory", res.Details["backend"])

	t.Run("写入失败时降级一次", func(t *testing.T) {
		src.stats.WriteFailures = 2
		assert.Equal(t, StatusDegraded, c.Check(ctx).Status)
		assert.Equal(t, StatusHealthy, c.Check(ctx).Status)
	})

	t.Run("日志远超阈值", func(t *testing.T) {
		require.NoError(t, backend.Append(ctx, storage.CurrentLog, make([]byte, 25)))
		assert.Equal(t, StatusDegraded, c.Check(ctx).Status)
	})
}

type fakeRedis struct {
	err   error
	stats redis.PoolStats
}

func (f *fakeRedis) Addr() string                      { return "localhost:6379" }
func (f *fakeRedis) HealthCheck(context.Context) error { return f.err }
func (f *fakeRedis) Stats() *redis.PoolStats           { return &f.stats }

func TestRedisChecker(t *testing.T) {
	tests := []struct {
		name  string
		redis *fakeRedis
		want  Status
	}{
		{"ping 失败", &fakeRedis{err: errors.New("refused")}, StatusUnhealthy},
		{"连接池接近上限", &fakeRedis{stats: redis.PoolStats{TotalConns: 10, IdleConns: 0, Hits: 5}}, StatusDegraded},
		{"超时增多", &fakeRedis{stats: redis.PoolStats{TotalConns: 4, IdleConns: 4, Timeouts: 3, Hits: 1}}, StatusDegraded},
		{"正常", &fakeRedis{stats: redis.PoolStats{TotalConns: 4, IdleConns: 3, Hits: 10}}, StatusHealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NewRedisChecker(tt.redis).Check(context.Background()).Status)
		})
	}
}

func TestHTTPRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name   string
		status Status
		path   string
		code   int
	}{
		{"就绪", StatusDegraded, "/health/ready", http.StatusOK},
		{"未就绪", StatusUnhealthy, "/health/ready", http.StatusServiceUnavailable},
		{"存活", StatusUnhealthy, "/health/live", http.StatusOK},
		{"报告降级仍为200", StatusDegraded, "/health", http.StatusOK},
		{"报告不健康", StatusUnhealthy, "/health", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			RegisterHTTPRoutes(r, NewAggregator(&mockChecker{"cloud", tt.status}))
			rr := httptest.NewRecorder()
			r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.code, rr.Code)
		})
	}
}
