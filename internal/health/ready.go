package health

import "sync/atomic"

// Readiness 启动阶段就绪标志：持久化日志已加载、云端同步已启动
type Readiness struct {
	storageLoaded atomic.Bool
	cloudStarted  atomic.Bool
}

func New() *Readiness { return &Readiness{} }

func (r *Readiness) SetStorageLoaded(v bool) { r.storageLoaded.Store(v) }
func (r *Readiness) SetCloudStarted(v bool)  { r.cloudStarted.Store(v) }

// Ready 总体就绪：各阶段均完成
func (r *Readiness) Ready() bool {
	return r.storageLoaded.Load() && r.cloudStarted.Load()
}
