package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/taoyao-code/enso-gateway/internal/storage"
)

// StorageSource 持久化日志管理器
type StorageSource interface {
	Backend() storage.Backend
	GetStats() storage.Stats
}

// StorageChecker 日志后端健康检查
type StorageChecker struct {
	src     StorageSource
	maxSize int64

	mu         sync.Mutex
	lastFailed uint64
}

// NewStorageChecker 创建存储检查器，maxSize 为整理阈值
func NewStorageChecker(src StorageSource, maxSize int64) *StorageChecker {
	return &StorageChecker{src: src, maxSize: maxSize}
}

func (c *StorageChecker) Name() string { return "storage" }

func (c *StorageChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	backend := c.src.Backend()

	size, err := backend.Size(ctx, storage.CurrentLog)
	if err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("%s backend: %v", backend.Name(), err),
			Latency: time.Since(start),
		}
	}
	archived, err := backend.Exists(ctx, storage.ArchiveLog)
	if err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("%s backend: %v", backend.Name(), err),
			Latency: time.Since(start),
		}
	}

	stats := c.src.GetStats()
	c.mu.Lock()
	newFailures := stats.WriteFailures - c.lastFailed
	c.lastFailed = stats.WriteFailures
	c.mu.Unlock()

	status := StatusHealthy
	message := "ok"
	if newFailures > 0 {
		status = StatusDegraded
		message = "log writes failing"
	}
	if c.maxSize > 0 && size > 2*c.maxSize {
		// 整理没有跟上
		status = StatusDegraded
		message = "log size far above consolidation threshold"
	}

	return CheckResult{
		Status:  status,
		Message: message,
		Details: map[string]any{
			"backend":         backend.Name(),
			"current_size":    size,
			"max_size":        c.maxSize,
			"archive_present": archived,
			"records_written": stats.RecordsWritten,
			"write_failures":  stats.WriteFailures,
			"consolidations":  stats.Consolidations,
		},
		Latency: time.Since(start),
	}
}
