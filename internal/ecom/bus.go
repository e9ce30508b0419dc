package ecom

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/taoyao-code/enso-gateway/internal/shadow"
	"go.uber.org/zap"
)

// DefaultQueueDepth 处理器消息队列默认深度
const DefaultQueueDepth = 20

// unboundedFree 同步分发的处理器没有队列，视为始终有空间
const unboundedFree = math.MaxInt32

type route struct {
	fn    Handler
	queue *Queue
}

// Stats 总线计数
type Stats struct {
	Sent    uint64
	Dropped uint64
}

// Bus 按 HandlerID 路由消息，每个处理器可选同步回调或有界队列
type Bus struct {
	mu     sync.RWMutex
	routes [shadow.HandlerMax]route
	log    *zap.Logger

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// NewBus 创建消息总线
func NewBus(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{log: log}
}

// RegisterFunc 注册同步回调，消息在发送方的 goroutine 中处理
func (b *Bus) RegisterFunc(id shadow.HandlerID, h Handler) error {
	if id == shadow.InvalidHandler || id >= shadow.HandlerMax {
		return shadow.ErrOutOfRange
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.routes[id].fn != nil || b.routes[id].queue != nil {
		return shadow.ErrAlreadyRegistered
	}
	b.routes[id] = route{fn: h}
	return nil
}

// RegisterQueue 注册有界队列，由处理器自己的 goroutine 调用 Queue.Run 消费
func (b *Bus) RegisterQueue(id shadow.HandlerID, depth int) (*Queue, error) {
	if id == shadow.InvalidHandler || id >= shadow.HandlerMax {
		return nil, shadow.ErrOutOfRange
	}
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.routes[id].fn != nil || b.routes[id].queue != nil {
		return nil, shadow.ErrAlreadyRegistered
	}
	q := newQueue(id, depth, b.log)
	b.routes[id] = route{queue: q}
	return q, nil
}

// Unregister 注销处理器
func (b *Bus) Unregister(id shadow.HandlerID) {
	if id >= shadow.HandlerMax {
		return
	}
	b.mu.Lock()
	b.routes[id] = route{}
	b.mu.Unlock()
}

// Registered 处理器是否已注册
func (b *Bus) Registered(id shadow.HandlerID) bool {
	if id >= shadow.HandlerMax {
		return false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	r := b.routes[id]
	return r.fn != nil || r.queue != nil
}

// Send 投递消息；目标队列已满时返回 ErrWouldBlock，不阻塞调用方
func (b *Bus) Send(dest shadow.HandlerID, msg Message) error {
	if dest == shadow.InvalidHandler || dest >= shadow.HandlerMax {
		return shadow.ErrOutOfRange
	}
	b.mu.RLock()
	r := b.routes[dest]
	b.mu.RUnlock()

	switch {
	case r.fn != nil:
		b.sent.Add(1)
		if err := r.fn.OnMessage(context.Background(), msg); err != nil {
			b.log.Warn("handler returned error",
				zap.Stringer("dest", dest),
				zap.Stringer("type", msg.Type()),
				zap.Error(err))
		}
		return nil
	case r.queue != nil:
		if !r.queue.offer(msg) {
			b.dropped.Add(1)
			b.log.Warn("handler queue full",
				zap.Stringer("dest", dest),
				zap.Stringer("type", msg.Type()))
			return fmt.Errorf("%s queue: %w", dest, shadow.ErrWouldBlock)
		}
		b.sent.Add(1)
		return nil
	default:
		b.log.Debug("no handler registered", zap.Stringer("dest", dest), zap.Stringer("type", msg.Type()))
		return nil
	}
}

// SendUpdate 发送属性变更
func (b *Bus) SendUpdate(dest shadow.HandlerID, id shadow.DeviceID, g shadow.Group, deltas []shadow.Delta) error {
	if dest == shadow.InvalidHandler || dest >= shadow.HandlerMax {
		return shadow.ErrOutOfRange
	}
	if len(deltas) == 0 {
		b.log.Warn("empty update ignored", zap.Stringer("dest", dest), zap.Stringer("device", id))
		return nil
	}
	if len(deltas) > shadow.MaxDeltas {
		return shadow.ErrBufferTooBig
	}
	return b.Send(dest, DeltaMessage{Dest: dest, DeviceID: id, Group: g, Deltas: deltas})
}

// SendThingStatus 发送设备注册状态
func (b *Bus) SendThingStatus(dest shadow.HandlerID, id shadow.DeviceID, status shadow.DeviceStatus) error {
	return b.Send(dest, ThingStatusMessage{DeviceID: id, Status: status})
}

// SendPropertyDeleted 发送属性删除通知
func (b *Bus) SendPropertyDeleted(dest shadow.HandlerID, id shadow.DeviceID, propID uint32, cloudName string) error {
	return b.Send(dest, PropertyDeletedMessage{DeviceID: id, PropertyID: propID, CloudName: cloudName})
}

// SendLocalShadowStatus 发送本地影子状态
func (b *Bus) SendLocalShadowStatus(dest shadow.HandlerID, status shadow.LocalShadowStatus) error {
	return b.Send(dest, LocalShadowStatusMessage{Status: status})
}

// SendGatewayStatus 发送网关注册状态
func (b *Bus) SendGatewayStatus(dest shadow.HandlerID, registered bool) error {
	return b.Send(dest, GatewayStatusMessage{Registered: registered})
}

// SendDumpLocalShadow 请求 dest 导出持久化属性
func (b *Bus) SendDumpLocalShadow(dest shadow.HandlerID) error {
	return b.Send(dest, DumpLocalShadowMessage{})
}

// QueueFree 目标队列剩余容量
func (b *Bus) QueueFree(dest shadow.HandlerID) int {
	if dest >= shadow.HandlerMax {
		return 0
	}
	b.mu.RLock()
	q := b.routes[dest].queue
	b.mu.RUnlock()
	if q == nil {
		return unboundedFree
	}
	return q.Free()
}

// IsQueueFull 目标队列是否已满
func (b *Bus) IsQueueFull(dest shadow.HandlerID) bool {
	return b.QueueFree(dest) == 0
}

// Stats 发送与丢弃计数
func (b *Bus) Stats() Stats {
	return Stats{Sent: b.sent.Load(), Dropped: b.dropped.Load()}
}

var _ shadow.Publisher = (*Bus)(nil)
