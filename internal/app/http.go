package app

import (
	cfgpkg "github.com/taoyao-code/enso-gateway/internal/config"
	"github.com/taoyao-code/enso-gateway/internal/httpserver"
)

// NewHTTPServer 根据配置创建 HTTP 服务器
func NewHTTPServer(cfg cfgpkg.HTTPConfig, opts httpserver.Options) *httpserver.Server {
	return httpserver.New(cfg, opts)
}
