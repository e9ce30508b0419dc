package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/taoyao-code/enso-gateway/internal/shadow"
	"go.uber.org/zap"
)

const (
	CurrentLog = "StoreLog_Current"
	ArchiveLog = "StoreLog_Archive"

	// DefaultMaxLogSize 当前日志达到该大小后整理
	DefaultMaxLogSize = 100000
)

// Config 持久化配置
type Config struct {
	Backend    string `mapstructure:"backend"` // file | memory | redis | sqlite | postgres
	Dir        string `mapstructure:"dir"`
	SQLitePath string `mapstructure:"sqlite_path"`
	KeyPrefix  string `mapstructure:"key_prefix"`
	MaxLogSize int64  `mapstructure:"max_log_size"`
}

// DumpRequester 请求本地影子重新导出持久化属性
type DumpRequester interface {
	SendDumpLocalShadow(dest shadow.HandlerID) error
}

// Stats 持久化计数
type Stats struct {
	RecordsWritten uint64 `json:"records_written"`
	BytesWritten   uint64 `json:"bytes_written"`
	RecordsLoaded  uint64 `json:"records_loaded"`
	Consolidations uint64 `json:"consolidations"`
	CorruptedLogs  uint64 `json:"corrupted_logs"`
	WriteFailures  uint64 `json:"write_failures"`
}

// Manager 追加写日志与整理
type Manager struct {
	backend Backend
	store   *shadow.Store
	dumper  DumpRequester
	maxSize int64
	log     *zap.Logger

	mu        sync.Mutex
	dumpCount int
	stats     Stats
}

// NewManager 创建持久化管理器
func NewManager(backend Backend, store *shadow.Store, dumper DumpRequester, maxSize int64, log *zap.Logger) *Manager {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		backend: backend,
		store:   store,
		dumper:  dumper,
		maxSize: maxSize,
		log:     log.Named("storage"),
	}
}

// Backend 当前后端
func (m *Manager) Backend() Backend { return m.backend }

// GetStats 获取计数
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// WriteRecord 追加一条记录到当前日志
func (m *Manager) WriteRecord(ctx context.Context, r Record) error {
	data, err := r.Encode()
	if err != nil {
		return err
	}
	if err := m.backend.Append(ctx, CurrentLog, data); err != nil {
		m.mu.Lock()
		m.stats.WriteFailures++
		m.mu.Unlock()
		m.log.Error("failed to write record", zap.Stringer("record", r), zap.Error(err))
		return fmt.Errorf("%w: %v", shadow.ErrWriteFailed, err)
	}
	m.mu.Lock()
	m.stats.RecordsWritten++
	m.stats.BytesWritten += uint64(len(data))
	m.mu.Unlock()
	m.log.Debug("record written", zap.Stringer("record", r))
	return nil
}

// LoadFromStorage 启动时先回放归档日志再回放当前日志；存在归档说明上次整理被中断，回放后重新导出
func (m *Manager) LoadFromStorage(ctx context.Context) error {
	consolidate := false

	archived, err := m.backend.Exists(ctx, ArchiveLog)
	if err != nil {
		return fmt.Errorf("%w: %v", shadow.ErrOpenFailed, err)
	}
	if archived {
		m.log.Info("archive log exists", zap.String("log", ArchiveLog))
		consolidate = true
		if err := m.loadLog(ctx, ArchiveLog); err != nil {
			m.log.Error("error reading archive log, deleting archive", zap.Error(err))
			if rerr := m.backend.Remove(ctx, ArchiveLog); rerr != nil {
				m.log.Error("remove corrupted log failed", zap.String("log", ArchiveLog), zap.Error(rerr))
			}
			consolidate = false
		}
	}

	var loadErr error
	current, err := m.backend.Exists(ctx, CurrentLog)
	if err != nil {
		return fmt.Errorf("%w: %v", shadow.ErrOpenFailed, err)
	}
	if current {
		if err := m.loadLog(ctx, CurrentLog); err != nil {
			m.log.Error("error reading current log, deleting current", zap.Error(err))
			if rerr := m.backend.Remove(ctx, CurrentLog); rerr != nil {
				m.log.Error("remove corrupted log failed", zap.String("log", CurrentLog), zap.Error(rerr))
			}
			loadErr = err
		}
		if consolidate {
			m.log.Info("consolidating logs")
			loadErr = m.requestDump()
		}
	}

	for _, obj := range m.store.Objects() {
		if err := m.store.RegisterObject(obj.ID); err != nil && !errors.Is(err, shadow.ErrAlreadyRegistered) {
			m.log.Warn("register restored device failed", zap.Stringer("device", obj.ID), zap.Error(err))
		}
	}
	m.store.DumpObjectStore()
	return loadErr
}

// loadLog 回放一个日志；遇到损坏记录时停止并返回错误
func (m *Manager) loadLog(ctx context.Context, name string) error {
	data, err := m.backend.Read(ctx, name)
	if err != nil {
		return fmt.Errorf("%w: %v", shadow.ErrOpenFailed, err)
	}
	d := NewDecoder(bytes.NewReader(data))
	n := 0
	for {
		r, err := d.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			m.mu.Lock()
			m.stats.CorruptedLogs++
			m.mu.Unlock()
			return fmt.Errorf("%s: %w", name, err)
		}
		if err := m.apply(r); err != nil {
			return fmt.Errorf("%s record %d: %w", name, n, err)
		}
		n++
	}
	m.mu.Lock()
	m.stats.RecordsLoaded += uint64(n)
	m.mu.Unlock()
	m.log.Info("finished loading log", zap.String("log", name), zap.Int("records", n))
	return nil
}

// apply 回放一条记录，不向处理器发送通知
func (m *Manager) apply(r Record) error {
	if r.IsDeviceTombstone() {
		m.log.Info("deleting device", zap.Stringer("device", r.DeviceID))
		if err := m.store.DestroyDeviceDirectly(r.DeviceID); err != nil && !shadow.IsNotFound(err) {
			return err
		}
		return nil
	}

	if _, ok := m.store.FindObject(r.DeviceID); !ok {
		if err := m.store.RestoreDevice(r.DeviceID); err != nil {
			return fmt.Errorf("restore device %s: %w", r.DeviceID, err)
		}
	}

	if r.IsPropertyTombstone() {
		m.log.Info("deleting property", zap.Stringer("device", r.DeviceID), zap.Uint32("prop", r.PropertyID))
		if err := m.store.RemovePropertyDirectly(r.DeviceID, r.PropertyID); err != nil {
			m.log.Warn("failed to remove property", zap.Uint32("prop", r.PropertyID), zap.Error(err))
		}
		return nil
	}

	if err := m.store.RestoreProperty(r.DeviceID, r.PropertyID, r.CloudName, r.Type, r.Group, r.Value); err != nil {
		return fmt.Errorf("restore property %s %x: %w", r.CloudName, r.PropertyID, err)
	}
	return nil
}

// CheckSizeAndConsolidate 当前日志超过上限时归档并重新导出本地影子
func (m *Manager) CheckSizeAndConsolidate(ctx context.Context) error {
	size, err := m.backend.Size(ctx, CurrentLog)
	if err != nil {
		return fmt.Errorf("%w: %v", shadow.ErrReadFailed, err)
	}
	if size < m.maxSize {
		return nil
	}
	m.log.Info("store size reached limit, consolidating", zap.Int64("size", size), zap.Int64("max", m.maxSize))

	if exists, _ := m.backend.Exists(ctx, ArchiveLog); exists {
		m.log.Warn("archive log already exists, archive will be lost")
	}
	if err := m.backend.Rename(ctx, CurrentLog, ArchiveLog); err != nil {
		return fmt.Errorf("%w: %v", shadow.ErrRenameFailed, err)
	}
	if err := m.backend.Create(ctx, CurrentLog); err != nil {
		return fmt.Errorf("%w: %v", shadow.ErrOpenFailed, err)
	}
	m.mu.Lock()
	m.stats.Consolidations++
	m.dumpCount = 0
	m.mu.Unlock()
	return m.requestDump()
}

func (m *Manager) requestDump() error {
	if m.dumper == nil {
		return shadow.ErrNilArgument
	}
	if err := m.dumper.SendDumpLocalShadow(shadow.LSDHandler); err != nil {
		return fmt.Errorf("%w: request dump: %v", shadow.ErrInternal, err)
	}
	return nil
}

// LocalShadowDumpComplete 上报值与期望值都导出完成后删除归档
func (m *Manager) LocalShadowDumpComplete(ctx context.Context) error {
	m.mu.Lock()
	m.dumpCount++
	done := m.dumpCount == 2
	if done {
		m.dumpCount = 0
	}
	m.mu.Unlock()
	if !done {
		return nil
	}

	m.log.Info("local shadow dump complete")
	if err := m.backend.Remove(ctx, ArchiveLog); err != nil {
		return fmt.Errorf("%w: %v", shadow.ErrRemoveFailed, err)
	}
	return nil
}

// RemoveLogs 删除全部日志
func (m *Manager) RemoveLogs(ctx context.Context) error {
	return errors.Join(m.backend.Remove(ctx, ArchiveLog), m.backend.Remove(ctx, CurrentLog))
}

// ReadRecords 解码指定日志的全部记录
func (m *Manager) ReadRecords(ctx context.Context, name string) ([]Record, error) {
	data, err := m.backend.Read(ctx, name)
	if err != nil {
		return nil, err
	}
	return DecodeAll(data)
}
