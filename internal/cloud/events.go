package cloud

import (
	"context"
	"errors"
	"fmt"

	"github.com/taoyao-code/enso-gateway/internal/ecom"
	"github.com/taoyao-code/enso-gateway/internal/shadow"
	"go.uber.org/zap"
)

// OnConnected 通道连接成功
func (e *SyncEngine) OnConnected(ch Channel) {
	e.mu.Lock()
	e.stats.Reconnects++
	e.mu.Unlock()
	e.log.Info("channel connected", zap.Int("channel", ch.ID()))

	if ch.ID() != 0 {
		return
	}
	if err := e.subscribeGatewayTopics(e.ctx(), ch); err != nil {
		e.log.Error("subscribe gateway topics failed", zap.Error(err))
	}
	e.buffer.OnConnectionState(true)
	e.startRecovery(e.cfg.RecoveryShort)
	e.buffer.Arm()
}

// OnDisconnected 通道意外断开
func (e *SyncEngine) OnDisconnected(ch Channel, err error) {
	e.log.Warn("channel disconnected", zap.Int("channel", ch.ID()), zap.Error(err))
	e.channelDown(ch, err)
}

// OnReconnect 重连定时器到期
func (e *SyncEngine) OnReconnect(ch Channel) {
	if err := e.seq.Enqueue(PriorityHigh, Item{Kind: ItemConnect, Channel: ch.ID()}); err != nil {
		e.log.Warn("reconnect not queued", zap.Int("channel", ch.ID()), zap.Error(err))
	}
}

func (e *SyncEngine) channelDown(ch Channel, _ error) {
	e.mu.Lock()
	if s := e.slots[ch.ID()]; s != nil {
		s.pollFailures = 0
	}
	e.mu.Unlock()
	if ch.ID() != 0 {
		return
	}

	e.buffer.OnConnectionState(false)
	prop, err := e.store.GetProperty(e.cfg.Gateway, shadow.PropOnlineID)
	if err != nil {
		return
	}
	if err := e.store.SetPropertyValue(shadow.CommsHandler, e.cfg.Gateway, shadow.Reported,
		prop.ID, shadow.ZeroValue(prop.Type.ValueType)); err != nil && !errors.Is(err, shadow.ErrNoChange) {
		e.log.Warn("set offline failed", zap.Error(err))
	}
}

func (e *SyncEngine) ctx() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runCtx
}

// subscribeGatewayTopics 通道0上的网关级订阅；设备相关的4个订阅占用名额，
// 通配的 update/accepted、update/rejected 不计入
func (e *SyncEngine) subscribeGatewayTopics(ctx context.Context, ch Channel) error {
	e.mu.Lock()
	done := e.gatewaySubsDone
	e.mu.Unlock()
	if done {
		return nil
	}

	subs := []struct {
		topic   string
		h       MessageHandler
		counted bool
	}{
		{announceAcceptTopic(e.gwName), e.onAnnounceAccept, true},
		{announceRejectTopic(e.gwName), e.onAnnounceReject, true},
		{deleteAcceptedTopic(e.gwName), e.onShadowDeleted, true},
		{cancelAcceptTopic(e.gwName), e.onCancelAccept, true},
		{allAcceptedTopic, e.onUpdateAccepted, false},
		{allRejectedTopic, e.onUpdateRejected, false},
	}
	for _, s := range subs {
		if err := ch.Subscribe(ctx, s.topic, s.h); err != nil {
			return fmt.Errorf("subscribe %s: %w", s.topic, err)
		}
		if s.counted {
			e.mu.Lock()
			e.slots[0].subs++
			e.mu.Unlock()
		}
	}
	e.mu.Lock()
	e.gatewaySubsDone = true
	e.mu.Unlock()
	return nil
}

// ========== ECOM 消息 ==========

// OnMessage 处理本地影子发给云端处理器的消息
func (e *SyncEngine) OnMessage(ctx context.Context, msg ecom.Message) error {
	switch m := msg.(type) {
	case ecom.DeltaMessage:
		return e.onUpdate(m)
	case ecom.ThingStatusMessage:
		switch m.Status {
		case shadow.ThingDiscovered:
			return e.announce(ctx, m.DeviceID)
		case shadow.ThingDeleted:
			e.thingDeleted(ctx, m.DeviceID)
		}
		return nil
	case ecom.PropertyDeletedMessage:
		return e.propertyDeleted(ctx, m.DeviceID, m.CloudName)
	case ecom.GatewayStatusMessage:
		e.mu.Lock()
		e.registered = m.Registered
		e.mu.Unlock()
		e.log.Info("gateway registration status", zap.Bool("registered", m.Registered))
		return nil
	case ecom.LocalShadowStatusMessage:
		e.log.Info("local shadow status", zap.Uint8("status", uint8(m.Status)))
		return nil
	case ecom.PollMessage:
		if id, ok := e.nextPollChannel(); ok {
			return e.seq.Enqueue(PriorityLow, Item{Kind: ItemPoll, Channel: id})
		}
		return nil
	case ecom.ConnectMessage:
		return e.seq.Enqueue(PriorityHigh, Item{Kind: ItemConnect, Channel: 0})
	default:
		e.log.Debug("ignored message", zap.Stringer("type", msg.Type()))
		return nil
	}
}

// onUpdate 已注册设备的变更进入缓冲；未连接时保留未同步标志，由恢复流程补发
func (e *SyncEngine) onUpdate(m ecom.DeltaMessage) error {
	if !e.Connected() {
		e.log.Debug("not connected, delta left out of sync", zap.Stringer("device", m.DeviceID))
		return nil
	}
	if status, err := e.store.DeviceStatus(m.DeviceID); err != nil || status != shadow.ThingAccepted {
		e.log.Debug("device not announced, delta left out of sync", zap.Stringer("device", m.DeviceID))
		return nil
	}
	return e.buffer.Push(shadow.CommsHandler, m.DeviceID, m.Group, m.Deltas)
}
