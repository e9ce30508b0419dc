package httpserver

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	cfgpkg "github.com/taoyao-code/enso-gateway/internal/config"
	appmetrics "github.com/taoyao-code/enso-gateway/internal/metrics"
)

func serve(srv *Server, path string) int {
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr.Code
}

func TestHealthzReadyzMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := cfgpkg.HTTPConfig{Addr: ":0", ReadTimeout: time.Second, WriteTimeout: time.Second}
	reg := appmetrics.NewRegistry()
	srv := New(cfg, Options{
		MetricsPath:    "/metrics",
		MetricsHandler: appmetrics.Handler(reg),
		ReadyFn:        func() bool { return true },
		Routes: []Registrar{func(r *gin.Engine) {
			r.GET("/api/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
		}},
	})

	tests := []struct {
		name string
		path string
		code int
	}{
		{"存活", "/healthz", http.StatusOK},
		{"就绪", "/readyz", http.StatusOK},
		{"指标", "/metrics", http.StatusOK},
		{"业务路由", "/api/ping", http.StatusOK},
		{"pprof 未启用", "/debug/pprof/heap", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, serve(srv, tt.path))
		})
	}
}

func TestReadyzNotReady(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := cfgpkg.HTTPConfig{Addr: ":0", ReadTimeout: time.Second, WriteTimeout: time.Second}
	srv := New(cfg, Options{ReadyFn: func() bool { return false }})

	assert.Equal(t, http.StatusServiceUnavailable, serve(srv, "/readyz"))
	assert.Equal(t, http.StatusNotFound, serve(srv, "/metrics"))
}

func TestPprof(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := cfgpkg.HTTPConfig{Addr: ":0", Pprof: cfgpkg.HTTPPprof{Enable: true}}
	srv := New(cfg, Options{})

	assert.Equal(t, http.StatusOK, serve(srv, "/debug/pprof/"))
	assert.Equal(t, http.StatusOK, serve(srv, "/debug/pprof/goroutine"))
}
