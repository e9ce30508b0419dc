package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/taoyao-code/enso-gateway/internal/api"
	"github.com/taoyao-code/enso-gateway/internal/api/middleware"
	"github.com/taoyao-code/enso-gateway/internal/app"
	"github.com/taoyao-code/enso-gateway/internal/cloud"
	cfgpkg "github.com/taoyao-code/enso-gateway/internal/config"
	"github.com/taoyao-code/enso-gateway/internal/ecom"
	"github.com/taoyao-code/enso-gateway/internal/faultbuffer"
	"github.com/taoyao-code/enso-gateway/internal/handlers"
	"github.com/taoyao-code/enso-gateway/internal/health"
	"github.com/taoyao-code/enso-gateway/internal/httpserver"
	"github.com/taoyao-code/enso-gateway/internal/metrics"
	"github.com/taoyao-code/enso-gateway/internal/monitor"
	"github.com/taoyao-code/enso-gateway/internal/shadow"
	"github.com/taoyao-code/enso-gateway/internal/storage"
	"go.uber.org/zap"
)

// Version 构建时通过 -ldflags 注入
var Version = "dev"

// ErrRebootRequested 云端下发 reset_trgrd 后退出，由进程管理器重启
var ErrRebootRequested = errors.New("reboot requested by cloud")

// Run 统一启动流程，ctx 取消后优雅退出
func Run(ctx context.Context, cfg *cfgpkg.Config, log *zap.Logger) error {
	log.Info("starting enso gateway", zap.String("version", Version))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var rebooted atomic.Bool
	reboot := func() {
		if rebooted.CompareAndSwap(false, true) {
			log.Warn("reboot requested, shutting down")
			cancel()
		}
	}

	var wg sync.WaitGroup
	runQueue := func(q *ecom.Queue, h ecom.Handler) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Run(ctx, h)
		}()
	}
	depth := cfg.Shadow.BusQueueDepth

	// ========== 阶段1: 本地影子与消息总线 ==========
	gwID, err := app.GatewayID(cfg.Gateway)
	if err != nil {
		return err
	}
	bus := ecom.NewBus(log.Named("ecom"))
	store := shadow.NewStore(bus, app.ShadowOptions(cfg.Shadow), log.Named("shadow"))
	ready := health.New()
	log.Info("local shadow initialized", zap.Stringer("gateway", gwID))

	// ========== 阶段2: 打开持久化后端（失败直接返回）==========
	deps, err := app.OpenStorage(ctx, cfg, log)
	if err != nil {
		log.Error("storage initialization failed", zap.Error(err))
		return err
	}
	defer deps.Close()

	mgr := storage.NewManager(deps.Backend, store, bus, cfg.Storage.MaxLogSize, log)
	storageQ, err := bus.RegisterQueue(shadow.StorageHandler, depth)
	if err != nil {
		return err
	}
	runQueue(storageQ, storage.NewHandler(mgr, store))

	// 导出在独立队列上执行，导出过程需要等待存储队列腾出空间
	lsdQ, err := bus.RegisterQueue(shadow.LSDHandler, 4)
	if err != nil {
		return err
	}
	runQueue(lsdQ, handlers.NewLocalShadow(store, log))

	// ========== 阶段3: 本地处理器 ==========
	catalog, err := app.LoadCatalog(cfg.Gateway.CatalogFile)
	if err != nil {
		return err
	}
	certs := app.NewCertUpdater(filepath.Join(cfg.Storage.Dir, "certs"), log)
	gw, err := handlers.NewGateway(store, bus, handlers.GatewayInfo{
		ID:              gwID,
		Manufacturer:    cfg.Gateway.Manufacturer,
		Model:           cfg.Gateway.Model,
		FirmwareName:    cfg.Gateway.FirmwareName,
		FirmwareVersion: cfg.Gateway.FirmwareVersion,
	}, catalog, handlers.GatewayOptions{
		Reboot:      reboot,
		UpdateCerts: certs.Update,
	}, log)
	if err != nil {
		return err
	}
	gwQ, err := bus.RegisterQueue(shadow.GatewayHandler, depth)
	if err != nil {
		return err
	}
	runQueue(gwQ, gw)

	ts := handlers.NewTimestamps(store, time.Now, log)
	if err := bus.RegisterFunc(shadow.TimestampHandler, ts); err != nil {
		return err
	}

	// ========== 阶段4: 云端同步引擎（此时只注册，加载完成后启动）==========
	buffer := faultbuffer.New(nil, app.BufferConfig(cfg.Cloud.Buffer), log.Named("buffer"))
	ccfg := app.CloudConfig(cfg.Cloud, gwID)
	factory, _, err := app.ChannelFactory(cfg.Cloud, gwID, ccfg.Backoff, log)
	if err != nil {
		return err
	}
	engine, err := cloud.NewSyncEngine(ccfg, store, bus, buffer, factory, log)
	if err != nil {
		return err
	}
	engine.SetTimeSource(ts.TimeValid)
	if err := bus.RegisterFunc(shadow.CommsHandler, engine); err != nil {
		return err
	}

	// ========== 阶段5: 回放持久化日志并建立网关对象 ==========
	if err := mgr.LoadFromStorage(ctx); err != nil {
		// 损坏的日志已被删除，继续以空状态运行
		log.Warn("load from storage incomplete", zap.Error(err))
	}
	ready.SetStorageLoaded(true)

	if err := gw.Initialise(); err != nil {
		return fmt.Errorf("initialise gateway: %w", err)
	}
	if err := gw.Start(); err != nil {
		return fmt.Errorf("register gateway: %w", err)
	}
	log.Info("gateway object ready", zap.Int("objects", len(store.Objects())))

	// ========== 阶段6: 指标、健康检查与HTTP服务（非阻塞）==========
	reg, sm := app.NewMetrics(metrics.Sources{
		Engine:    engine,
		Sequencer: engine.Sequencer(),
		Buffer:    buffer,
		Storage:   mgr,
		Bus:       bus,
	})
	healthAgg := app.NewHealthAggregator(deps, mgr, cfg.Storage.MaxLogSize, engine)

	routes := []httpserver.Registrar{
		func(r *gin.Engine) {
			authCfg := middleware.AuthConfig{
				APIKeys: cfg.API.Auth.APIKeys,
				Enabled: cfg.API.Auth.Enabled,
			}
			api.RegisterShadowRoutes(r, api.NewShadowHandler(store, engine, buffer, gwID, log), authCfg, log)
			app.RegisterHealthRoutes(r, healthAgg)
		},
	}

	if cfg.Monitor.Enable {
		hub := monitor.NewHub(store, gwID, log.Named("monitor"))
		hub.SetWriteTimeout(cfg.Monitor.WriteTimeout)
		hub.OnClients(func(n int) { sm.MonitorClients.Set(float64(n)) })
		monQ, err := bus.RegisterQueue(shadow.MonitorHandler, cfg.Monitor.QueueDepth)
		if err != nil {
			return err
		}
		runQueue(monQ, hub)
		wg.Add(1)
		go func() {
			defer wg.Done()
			hub.Run(ctx, 5*time.Second)
		}()
		routes = append(routes, func(r *gin.Engine) { hub.RegisterRoutes(r, cfg.Monitor.Path) })
	}

	opts := httpserver.Options{
		ReadyFn:    ready.Ready,
		Middleware: []gin.HandlerFunc{middleware.RequestMetrics(sm.HTTPRequests)},
		Routes:     routes,
	}
	if cfg.Metrics.Enable {
		opts.MetricsPath = cfg.Metrics.Path
		opts.MetricsHandler = metrics.Handler(reg)
	}
	httpSrv := app.NewHTTPServer(cfg.HTTP, opts)
	go func() {
		if err := httpSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server error", zap.Error(err))
		}
	}()
	log.Info("http server started", zap.String("addr", cfg.HTTP.Addr))

	// ========== 阶段7: 启动云端同步与时间校验 ==========
	if err := engine.Start(ctx); err != nil {
		log.Error("cloud sync start failed", zap.Error(err))
		return err
	}
	ready.SetCloudStarted(true)
	wg.Add(1)
	go func() {
		defer wg.Done()
		ts.Run(ctx)
	}()
	log.Info("all services ready", zap.String("cloud_mode", cfg.Cloud.Mode), zap.String("storage", deps.Backend.Name()))

	// ========== 阶段8: 等待关闭 ==========
	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	} else {
		log.Info("http server stopped")
	}

	engine.Stop()
	log.Info("cloud sync stopped")

	wg.Wait()
	log.Info("shutdown complete")

	if rebooted.Load() {
		return ErrRebootRequested
	}
	return nil
}
