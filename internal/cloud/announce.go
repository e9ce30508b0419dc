package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/taoyao-code/enso-gateway/internal/shadow"
	"go.uber.org/zap"
)

type announceRequest struct {
	DeviceID string          `json:"deviceId"`
	Parent   string          `json:"parent,omitempty"`
	Type     json.RawMessage `json:"type"`
}

type deviceEvent struct {
	DeviceID string `json:"deviceId"`
}

// findAvailableChannel 第一个订阅数未满的通道，需要时创建新通道并排队连接
func (e *SyncEngine) findAvailableChannel() (int, error) {
	e.mu.Lock()
	for i, s := range e.slots {
		if s == nil || s.ch == nil {
			e.mu.Unlock()
			if i > 0 {
				e.ensureChannel(i)
				e.log.Info("opening new channel", zap.Int("channel", i))
				if err := e.seq.Enqueue(PriorityHigh, Item{Kind: ItemConnect, Channel: i}); err != nil {
					return -1, err
				}
			}
			return i, nil
		}
		if s.closing {
			continue
		}
		if s.subs < e.cfg.MaxSubscriptions {
			e.mu.Unlock()
			return i, nil
		}
	}
	e.mu.Unlock()
	return -1, shadow.ErrPoolFull
}

// announce 在通道0发布注册请求，并为设备预留一个订阅名额
func (e *SyncEngine) announce(ctx context.Context, id shadow.DeviceID) error {
	ch := e.channel(0)
	if ch == nil || ch.State() != StateConnected {
		e.storeFailed("SetAnnounceInProgress", id, e.store.SetAnnounceInProgress(id, false))
		return shadow.ErrClientBusy
	}
	typ, err := e.store.GetPropertyValueByCloudName(id, shadow.Reported, shadow.TypeCloudName)
	if err != nil {
		e.log.Warn("device has no type property, not announced", zap.Stringer("device", id))
		return nil
	}
	raw, err := shadow.FormatJSON(typ)
	if err != nil {
		return err
	}
	connID, err := e.findAvailableChannel()
	if err != nil {
		e.storeFailed("SetAnnounceInProgress", id, e.store.SetAnnounceInProgress(id, false))
		e.log.Error("no channel available for device", zap.Stringer("device", id), zap.Error(err))
		return err
	}

	req := announceRequest{DeviceID: shadow.ThingName(id, e.cfg.Gateway), Type: raw}
	if id.IsChild {
		req.Parent = e.gwName
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}

	e.storeFailed("SetAnnounceInProgress", id, e.store.SetAnnounceInProgress(id, true))
	if err := ch.Publish(ctx, announceTopic(e.gwName), payload); err != nil {
		e.storeFailed("SetAnnounceInProgress", id, e.store.SetAnnounceInProgress(id, false))
		return fmt.Errorf("publish announce: %w", err)
	}
	if err := e.store.SetPropertyValue(shadow.CommsHandler, id, shadow.Reported,
		shadow.PropConnectionID, shadow.Int32(connID)); err != nil && !errors.Is(err, shadow.ErrNoChange) {
		e.log.Warn("set connection id failed", zap.Stringer("device", id), zap.Error(err))
	}

	e.mu.Lock()
	if prev, ok := e.conns[id]; ok && e.slots[prev] != nil && e.slots[prev].subs > 0 {
		e.slots[prev].subs--
	}
	e.conns[id] = connID
	e.slots[connID].subs++
	e.stats.Announces++
	e.mu.Unlock()

	e.storeFailed("SetAnnounceInProgress", id, e.store.SetAnnounceInProgress(id, false))
	e.buffer.ForceBackoffDuringDiscovery()
	e.log.Info("device announced", zap.String("thing", req.DeviceID), zap.Int("channel", connID))
	return nil
}

func (e *SyncEngine) parseDeviceEvent(payload []byte) (shadow.DeviceID, string, bool) {
	if err := e.validator.Validate(schemaDevice, payload); err != nil {
		e.invalid(err)
		return shadow.DeviceID{}, "", false
	}
	var ev deviceEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		e.invalid(err)
		return shadow.DeviceID{}, "", false
	}
	id, _, err := shadow.ParseThingName(ev.DeviceID)
	if err != nil {
		e.invalid(err)
		return shadow.DeviceID{}, "", false
	}
	return id, ev.DeviceID, true
}

func (e *SyncEngine) invalid(err error) {
	e.mu.Lock()
	e.stats.InvalidMessages++
	e.mu.Unlock()
	e.log.Warn("invalid cloud message", zap.Error(err))
}

func (e *SyncEngine) onAnnounceAccept(_ string, payload []byte) {
	id, thing, ok := e.parseDeviceEvent(payload)
	if !ok {
		return
	}
	if err := e.store.SetDeviceStatus(id, shadow.ThingAccepted); err != nil {
		e.log.Warn("announce accepted for unknown device", zap.String("thing", thing), zap.Error(err))
		return
	}
	e.storeFailed("SetAnnounceAccepted", id, e.store.SetAnnounceAccepted(id, true))

	e.mu.Lock()
	connID, known := e.conns[id]
	e.mu.Unlock()
	if !known {
		connID = 0
	}

	if err := e.seq.Enqueue(PriorityLow, Item{Kind: ItemSubscribe, Channel: connID, Thing: thing}); err != nil {
		e.log.Warn("subscribe not queued", zap.String("thing", thing), zap.Error(err))
		e.storeFailed("SetAnnounceAccepted", id, e.store.SetAnnounceAccepted(id, false))
		e.releaseSlot(id)
		e.startRecovery(e.cfg.RecoveryInitial)
		return
	}
	e.log.Info("announce accepted", zap.String("thing", thing))
	e.startRecovery(e.cfg.RecoveryShort)
}

func (e *SyncEngine) onAnnounceReject(_ string, payload []byte) {
	id, thing, ok := e.parseDeviceEvent(payload)
	if !ok {
		return
	}
	if err := e.store.SetDeviceStatus(id, shadow.ThingRejected); err != nil {
		e.log.Warn("announce rejected for unknown device", zap.String("thing", thing), zap.Error(err))
	}
	// 保持注册中标志，恢复流程不再重复注册，直到设备再次被发现
	e.storeFailed("SetAnnounceInProgress", id, e.store.SetAnnounceInProgress(id, true))
	e.releaseSlot(id)
	e.log.Warn("announce rejected", zap.String("thing", thing))
}

func (e *SyncEngine) onShadowDeleted(topic string, _ []byte) {
	e.log.Warn("gateway shadow deleted in cloud", zap.String("topic", topic))
}

func (e *SyncEngine) onCancelAccept(_ string, payload []byte) {
	_, thing, ok := e.parseDeviceEvent(payload)
	if !ok {
		return
	}
	e.mu.Lock()
	for i, t := range e.cancelQueue {
		if t == thing {
			e.cancelQueue = append(e.cancelQueue[:i], e.cancelQueue[i+1:]...)
			break
		}
	}
	left := len(e.cancelQueue)
	e.mu.Unlock()
	e.log.Info("device cancel accepted", zap.String("thing", thing), zap.Int("pending", left))
	if left == 0 {
		e.buffer.Arm()
	}
}

// releaseSlot 释放设备占用的订阅名额
func (e *SyncEngine) releaseSlot(id shadow.DeviceID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	connID, ok := e.conns[id]
	if !ok {
		return
	}
	delete(e.conns, id)
	if s := e.slots[connID]; s != nil && s.subs > 0 {
		s.subs--
	}
}

func (e *SyncEngine) subscribeDelta(ctx context.Context, it Item) {
	id, _, err := shadow.ParseThingName(it.Thing)
	if err != nil {
		return
	}
	ch := e.channel(it.Channel)
	if ch == nil {
		err = shadow.ErrClientBusy
	} else {
		err = ch.Subscribe(ctx, deltaTopic(it.Thing), e.onDelta)
	}
	if err != nil {
		e.log.Warn("subscribe delta failed, will announce again",
			zap.String("thing", it.Thing), zap.Int("channel", it.Channel), zap.Error(err))
		e.releaseSlot(id)
		e.storeFailed("SetAnnounceAccepted", id, e.store.SetAnnounceAccepted(id, false))
		e.startRecovery(e.cfg.RecoveryInitial)
		return
	}
	e.log.Debug("subscribed delta", zap.String("thing", it.Thing), zap.Int("channel", it.Channel))
}

// ========== 删除 ==========

// thingDeleted 退订设备并排队发送取消注册
func (e *SyncEngine) thingDeleted(ctx context.Context, id shadow.DeviceID) {
	thing := shadow.ThingName(id, e.cfg.Gateway)
	e.mu.Lock()
	connID, announced := e.conns[id]
	if !announced {
		e.mu.Unlock()
		e.log.Debug("deleted device was never announced", zap.String("thing", thing))
		return
	}
	e.unsubs[id] = &pendingUnsub{thing: thing, channel: connID, retries: maxUnsubscribeTries}
	e.cancelQueue = append(e.cancelQueue, thing)
	e.mu.Unlock()

	e.tryUnsubscribe(ctx, id)
	e.publishCancel(ctx, thing)
}

// tryUnsubscribe 一次退订尝试，返回是否已完成（成功或放弃）
func (e *SyncEngine) tryUnsubscribe(ctx context.Context, id shadow.DeviceID) bool {
	e.mu.Lock()
	u, ok := e.unsubs[id]
	if !ok {
		e.mu.Unlock()
		return true
	}
	u.retries--
	retries := u.retries
	e.mu.Unlock()

	ch := e.channel(u.channel)
	var err error = shadow.ErrClientBusy
	if ch != nil {
		err = ch.Unsubscribe(ctx, deltaTopic(u.thing))
	}
	if err != nil && retries > 0 {
		e.log.Warn("unsubscribe failed, will retry", zap.String("thing", u.thing), zap.Int("left", retries), zap.Error(err))
		return false
	}
	if err != nil {
		e.log.Error("unsubscribe failed, giving up", zap.String("thing", u.thing), zap.Error(err))
	}

	e.mu.Lock()
	delete(e.unsubs, id)
	e.mu.Unlock()
	e.releaseSlot(id)
	e.closeIfIdle(u.channel)
	return true
}

// closeIfIdle 非0通道订阅数归零时关闭
func (e *SyncEngine) closeIfIdle(id int) {
	if id == 0 {
		return
	}
	e.mu.Lock()
	s := e.slots[id]
	if s == nil || s.ch == nil || s.subs > 0 {
		e.mu.Unlock()
		return
	}
	s.closing = true
	s.disconnectRetries = e.cfg.DisconnectRetries
	e.mu.Unlock()
	e.tryDisconnect(id)
}

// tryDisconnect 关闭空闲通道，失败时由恢复流程重试
func (e *SyncEngine) tryDisconnect(id int) bool {
	e.mu.Lock()
	s := e.slots[id]
	if s == nil || !s.closing {
		e.mu.Unlock()
		return true
	}
	s.disconnectRetries--
	ch := s.ch
	left := s.disconnectRetries
	e.mu.Unlock()

	err := ch.Close()
	if err != nil && left > 0 {
		e.log.Warn("close idle channel failed, will retry", zap.Int("channel", id), zap.Error(err))
		return false
	}
	ch.Destroy()
	e.mu.Lock()
	e.slots[id] = nil
	e.mu.Unlock()
	e.log.Info("idle channel closed", zap.Int("channel", id))
	return true
}

func (e *SyncEngine) publishCancel(ctx context.Context, thing string) {
	ch := e.channel(0)
	if ch == nil || ch.State() != StateConnected {
		return
	}
	payload, _ := json.Marshal(deviceEvent{DeviceID: thing})
	if err := ch.Publish(ctx, cancelTopic(e.gwName), payload); err != nil {
		e.log.Warn("publish cancel failed", zap.String("thing", thing), zap.Error(err))
	}
}

// cancelLoop 定期重发未确认的取消注册
func (e *SyncEngine) cancelLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.CancelInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.mu.Lock()
			pending := append([]string(nil), e.cancelQueue...)
			e.mu.Unlock()
			for _, thing := range pending {
				e.publishCancel(ctx, thing)
			}
		}
	}
}

// propertyDeleted 云端影子中的属性置 null
func (e *SyncEngine) propertyDeleted(ctx context.Context, id shadow.DeviceID, cloudName string) error {
	ch := e.channel(0)
	if ch == nil || ch.State() != StateConnected {
		return shadow.ErrClientBusy
	}
	thing := shadow.ThingName(id, e.cfg.Gateway)
	return ch.Publish(ctx, updateTopic(thing), DeletedDocument(cloudName, uuid.NewString()))
}
