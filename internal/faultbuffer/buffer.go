package faultbuffer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/taoyao-code/enso-gateway/internal/shadow"
	"go.uber.org/zap"
)

// Host 缓冲工作器依赖的云端引擎能力
type Host interface {
	// SendDelta 发送一条记录，结果通过 Finished/SendFailed 异步回报
	SendDelta(ctx context.Context, e Entry) error
	// RequestSend 让引擎在合适的时机调用 Buffer.SendWaiting
	RequestSend() error
	// SweepOutOfSync 补发仍未同步的属性，没有可发送内容时返回 false
	SweepOutOfSync(ctx context.Context) bool
	TimeValid() bool
	DeleteQueueBusy() bool
	// RecoveryActive 未同步恢复流程运行中时暂停发送
	RecoveryActive() bool
}

// Config 缓冲配置
type Config struct {
	Capacity       int
	Tick           time.Duration
	InitialBackoff time.Duration
	BackoffStep    time.Duration
	MaxBackoff     time.Duration
	AckTimeout     time.Duration
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		Capacity:       101,
		Tick:           time.Second,
		InitialBackoff: 5 * time.Second,
		BackoffStep:    time.Second,
		MaxBackoff:     60 * time.Second,
		AckTimeout:     30 * time.Second,
	}
}

// Stats 缓冲计数
type Stats struct {
	Pushed   uint64 `json:"pushed"`
	Evicted  uint64 `json:"evicted"`
	Sent     uint64 `json:"sent"`
	Acked    uint64 `json:"acked"`
	Failed   uint64 `json:"failed"`
	Timeouts uint64 `json:"timeouts"`
	Pending  int    `json:"pending"`
}

// Buffer 发送失败或等待发送的变更缓冲，带退避重试
type Buffer struct {
	mu   sync.Mutex
	ring *Ring
	next uint64

	connected        bool
	stopped          bool
	inFlight         bool
	inFlightTicks    int
	backoff          time.Duration
	discoveryBackoff time.Duration
	backoffTicks     int
	stats            Stats

	wake chan struct{}
	host Host
	cfg  Config
	log  *zap.Logger
}

// New 创建缓冲
func New(host Host, cfg Config, log *zap.Logger) *Buffer {
	def := DefaultConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.Tick <= 0 {
		cfg.Tick = def.Tick
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.BackoffStep <= 0 {
		cfg.BackoffStep = def.BackoffStep
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = def.AckTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Buffer{
		ring: NewRing(cfg.Capacity),
		wake: make(chan struct{}, 1),
		host: host,
		cfg:  cfg,
		log:  log,
	}
}

// SetHost 设置引擎
func (b *Buffer) SetHost(h Host) {
	b.mu.Lock()
	b.host = h
	b.mu.Unlock()
}

// Push 缓存一组变更；缓冲满时丢弃最旧的一组
func (b *Buffer) Push(sub shadow.HandlerID, id shadow.DeviceID, g shadow.Group, deltas []shadow.Delta) error {
	if len(deltas) == 0 {
		return shadow.ErrNilArgument
	}
	if len(deltas) > shadow.MaxDeltas {
		return shadow.ErrBufferTooBig
	}
	cp := make([]shadow.Delta, len(deltas))
	for i, d := range deltas {
		cp[i] = shadow.Delta{PropertyID: d.PropertyID, Value: shadow.CloneValue(d.Value)}
	}

	b.mu.Lock()
	b.next++
	evicted, dropped := b.ring.Push(Entry{
		Token:       b.next,
		ReadyToSend: true,
		Subscriber:  sub,
		DeviceID:    id,
		Group:       g,
		Deltas:      cp,
	})
	b.stats.Pushed++
	if dropped {
		b.stats.Evicted++
	}
	first := b.ring.Len() == 1
	b.mu.Unlock()

	if dropped {
		b.log.Warn("fault buffer full, dropping oldest deltas",
			zap.Stringer("device", evicted.DeviceID),
			zap.Int("deltas", len(evicted.Deltas)))
	}
	if first {
		b.Arm()
	}
	return nil
}

// SendWaiting 将头部记录交给 Host 发送，标记为发送中
func (b *Buffer) SendWaiting(ctx context.Context) error {
	b.mu.Lock()
	head, ok := b.ring.Head()
	if !ok {
		b.mu.Unlock()
		return nil
	}
	b.inFlight = true
	b.inFlightTicks = 0
	b.stats.Sent++
	host := b.host
	b.mu.Unlock()

	if host == nil {
		b.SendFailed()
		return shadow.ErrInternal
	}
	if err := host.SendDelta(ctx, head); err != nil {
		b.SendFailed()
		return fmt.Errorf("send buffered delta: %w", err)
	}
	return nil
}

// Finished 云端确认后释放记录并清除退避
func (b *Buffer) Finished(token uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inFlight = false
	b.backoff = 0
	b.discoveryBackoff = 0
	b.stats.Acked++
	if !b.ring.Release(token) {
		b.log.Warn("finished buffer not in use", zap.Uint64("token", token))
	}
}

// SendFailed 发送失败，退避时间从初始值开始每次加一步，直到上限
func (b *Buffer) SendFailed() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendFailedLocked()
}

func (b *Buffer) sendFailedLocked() {
	b.inFlight = false
	b.backoffTicks = 0
	b.stats.Failed++
	switch {
	case b.backoff == 0:
		b.backoff = b.cfg.InitialBackoff
	case b.backoff < b.cfg.MaxBackoff:
		b.backoff += b.cfg.BackoffStep
		if b.backoff > b.cfg.MaxBackoff {
			b.backoff = b.cfg.MaxBackoff
		}
	}
}

// OnConnectionState 连接状态变化，断开视为一次发送失败
func (b *Buffer) OnConnectionState(connected bool) {
	b.mu.Lock()
	b.connected = connected
	if !connected {
		b.sendFailedLocked()
	}
	b.mu.Unlock()
}

// ForceBackoffDuringDiscovery 设备注册期间暂停发送
func (b *Buffer) ForceBackoffDuringDiscovery() {
	b.mu.Lock()
	b.discoveryBackoff = b.cfg.InitialBackoff
	b.mu.Unlock()
	b.Arm()
}

// Arm 唤醒周期工作器
func (b *Buffer) Arm() {
	b.mu.Lock()
	stopped := b.stopped
	b.mu.Unlock()
	if stopped {
		return
	}
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Stop 停止后不再唤醒工作器
func (b *Buffer) Stop() {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()
}

// Empty 缓冲是否为空
func (b *Buffer) Empty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ring.Len() == 0
}

// Len 缓存的记录数
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ring.Len()
}

// Backoff 当前失败退避时间
func (b *Buffer) Backoff() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.backoff
}

// InFlight 是否有消息等待确认
func (b *Buffer) InFlight() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inFlight
}

// Entries 缓存记录副本
func (b *Buffer) Entries() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ring.Entries()
}

// GetStats 获取计数
func (b *Buffer) GetStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.Pending = b.ring.Len()
	return s
}

// Run 等待唤醒后每个 Tick 执行一次，直到没有待发送内容
func (b *Buffer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.wake:
		}

		timer := time.NewTimer(b.cfg.Tick)
		for active := true; active; {
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			active = b.Tick(ctx)
			if active {
				timer.Reset(b.cfg.Tick)
			}
		}
	}
}

// Tick 执行一次周期处理，返回是否需要继续调度
func (b *Buffer) Tick(ctx context.Context) bool {
	b.mu.Lock()
	host := b.host
	connected := b.connected
	b.mu.Unlock()

	if host == nil || !connected || !host.TimeValid() || host.DeleteQueueBusy() {
		return true
	}

	b.mu.Lock()
	if b.discoveryBackoff > 0 {
		if b.discoveryBackoff == b.cfg.InitialBackoff {
			b.log.Info("fault buffer backing off for discovery", zap.Duration("left", b.discoveryBackoff))
		}
		b.discoveryBackoff -= b.cfg.Tick
		if b.discoveryBackoff < 0 {
			b.discoveryBackoff = 0
		}
		b.mu.Unlock()
		return true
	}

	b.backoffTicks++
	if time.Duration(b.backoffTicks)*b.cfg.Tick < b.backoff {
		if b.backoffTicks == 1 {
			b.log.Info("fault buffer backing off after send failure", zap.Duration("backoff", b.backoff))
		}
		b.mu.Unlock()
		return true
	}

	if b.inFlight {
		b.inFlightTicks++
		waited := time.Duration(b.inFlightTicks) * b.cfg.Tick
		if waited >= b.cfg.AckTimeout {
			b.log.Error("timed out waiting for ack of message in flight", zap.Duration("waited", waited))
			b.stats.Timeouts++
			b.sendFailedLocked()
		}
		b.mu.Unlock()
		return true
	}

	b.backoffTicks = 0
	head, ok := b.ring.Head()
	b.mu.Unlock()

	if !ok {
		if !host.SweepOutOfSync(ctx) {
			b.log.Info("fault buffer empty and nothing out of sync, stopping")
			return false
		}
		return true
	}
	if host.RecoveryActive() {
		b.log.Debug("comms handler busy, waiting to send")
		return true
	}
	if head.ReadyToSend {
		if err := host.RequestSend(); err != nil {
			b.log.Warn("request send failed", zap.Error(err))
		}
	}
	return true
}
