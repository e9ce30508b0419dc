package ecom

import (
	"context"

	"github.com/taoyao-code/enso-gateway/internal/shadow"
)

// MessageType 消息类型
type MessageType uint8

const (
	TypeDelta MessageType = iota + 1
	TypeThingStatus
	TypeLocalShadowStatus
	TypePropertyDeleted
	TypeGatewayStatus
	TypePoll
	TypeConnect
	TypeDumpLocalShadow
)

func (t MessageType) String() string {
	switch t {
	case TypeDelta:
		return "delta"
	case TypeThingStatus:
		return "thing_status"
	case TypeLocalShadowStatus:
		return "local_shadow_status"
	case TypePropertyDeleted:
		return "property_deleted"
	case TypeGatewayStatus:
		return "gateway_status"
	case TypePoll:
		return "poll"
	case TypeConnect:
		return "connect"
	case TypeDumpLocalShadow:
		return "dump_local_shadow"
	default:
		return "unknown"
	}
}

// Message 处理器之间传递的消息
type Message interface {
	Type() MessageType
}

// DeltaMessage 属性变更通知，最多 shadow.MaxDeltas 个
type DeltaMessage struct {
	Dest     shadow.HandlerID
	DeviceID shadow.DeviceID
	Group    shadow.Group
	Deltas   []shadow.Delta
}

// ThingStatusMessage 设备注册状态变化
type ThingStatusMessage struct {
	DeviceID shadow.DeviceID
	Status   shadow.DeviceStatus
}

// LocalShadowStatusMessage 本地影子批量操作完成
type LocalShadowStatusMessage struct {
	Status shadow.LocalShadowStatus
}

// PropertyDeletedMessage 属性已删除
type PropertyDeletedMessage struct {
	DeviceID   shadow.DeviceID
	PropertyID uint32
	CloudName  string
}

// GatewayStatusMessage 网关注册状态
type GatewayStatusMessage struct {
	Registered bool
}

// PollMessage 请求一次轮询
type PollMessage struct{}

// ConnectMessage 请求连接
type ConnectMessage struct{}

// DumpLocalShadowMessage 请求重新导出持久化属性
type DumpLocalShadowMessage struct{}

func (DeltaMessage) Type() MessageType             { return TypeDelta }
func (ThingStatusMessage) Type() MessageType       { return TypeThingStatus }
func (LocalShadowStatusMessage) Type() MessageType { return TypeLocalShadowStatus }
func (PropertyDeletedMessage) Type() MessageType   { return TypePropertyDeleted }
func (GatewayStatusMessage) Type() MessageType     { return TypeGatewayStatus }
func (PollMessage) Type() MessageType              { return TypePoll }
func (ConnectMessage) Type() MessageType           { return TypeConnect }
func (DumpLocalShadowMessage) Type() MessageType   { return TypeDumpLocalShadow }

// Handler 消息处理器；返回错误只会被记录，不会中断分发
type Handler interface {
	OnMessage(ctx context.Context, msg Message) error
}

// HandlerFunc 函数适配器
type HandlerFunc func(ctx context.Context, msg Message) error

// OnMessage 调用 f
func (f HandlerFunc) OnMessage(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}
