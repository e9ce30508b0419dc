package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/taoyao-code/enso-gateway/internal/faultbuffer"
	"github.com/taoyao-code/enso-gateway/internal/shadow"
	"go.uber.org/zap"
)

// SendDelta 在通道0上构建并发送影子更新，先普通属性后嵌套属性
func (e *SyncEngine) SendDelta(ctx context.Context, entry faultbuffer.Entry) error {
	ch := e.channel(0)
	if ch == nil || ch.State() != StateConnected {
		return shadow.ErrClientBusy
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return err
	}

	thing := shadow.ThingName(entry.DeviceID, e.cfg.Gateway)
	if err := ch.DeltaStart(thing, entry.Group); err != nil {
		return err
	}
	defer ch.DeltaFinish()

	type named struct {
		name string
		v    shadow.Value
	}
	var simple, nested []named
	for _, d := range entry.Deltas {
		p, err := e.store.GetProperty(entry.DeviceID, d.PropertyID)
		if err != nil || p.Type.Kind != shadow.Public {
			continue
		}
		if _, _, isNested := shadow.SplitNestedName(p.CloudName); isNested {
			nested = append(nested, named{p.CloudName, d.Value})
		} else {
			simple = append(simple, named{p.CloudName, d.Value})
		}
	}

	added := 0
	for _, n := range append(simple, nested...) {
		err := ch.DeltaAddProperty(n.name, n.v)
		if err == nil {
			added++
			continue
		}
		if _, isBlob := n.v.(shadow.Blob); isBlob && errors.Is(err, shadow.ErrBufferTooSmall) {
			e.mu.Lock()
			e.stats.OversizedSkipped++
			e.mu.Unlock()
			e.log.Warn("blob too large for shadow update, skipped", zap.String("thing", thing), zap.String("name", n.name))
			continue
		}
		e.countFailed()
		return fmt.Errorf("add %s: %w", n.name, err)
	}
	if added == 0 {
		e.buffer.Finished(entry.Token)
		return nil
	}

	token, err := ch.DeltaSend(ctx)
	if err != nil {
		e.countFailed()
		return err
	}
	e.mu.Lock()
	e.inflight[token] = entry.Token
	e.stats.DeltasSent++
	e.mu.Unlock()
	return nil
}

func (e *SyncEngine) countFailed() {
	e.mu.Lock()
	e.stats.DeltasFailed++
	e.mu.Unlock()
}

// RequestSend 排队发送缓冲头部
func (e *SyncEngine) RequestSend() error {
	return e.seq.Enqueue(PriorityHigh, Item{Kind: ItemDelta})
}

// SweepOutOfSync 将已注册设备的未同步属性重新发给云端处理器；上报值都已同步时才发送期望值
func (e *SyncEngine) SweepOutOfSync(context.Context) bool {
	space := e.pub.QueueFree(shadow.CommsHandler) - 2
	if space <= 0 {
		return true
	}
	sent := 0
	for _, g := range []shadow.Group{shadow.Reported, shadow.Desired} {
		for _, id := range e.store.OutOfSyncObjects(g) {
			if space <= 0 {
				break
			}
			if status, err := e.store.DeviceStatus(id); err != nil || status != shadow.ThingAccepted {
				continue
			}
			n, err := e.store.SendPropertiesByFilter(shadow.CommsHandler, id, g, shadow.FilterOutOfSync, space)
			if err != nil {
				e.log.Warn("out of sync sweep failed", zap.Stringer("device", id), zap.Error(err))
				continue
			}
			sent += n
			space -= n
		}
		if sent > 0 {
			break
		}
	}
	return sent > 0
}

// TimeValid 系统时间已校准
func (e *SyncEngine) TimeValid() bool {
	e.mu.Lock()
	f := e.timeValid
	e.mu.Unlock()
	return f()
}

// DeleteQueueBusy 有未确认的取消注册
func (e *SyncEngine) DeleteQueueBusy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.cancelQueue) > 0
}

// RecoveryActive 恢复流程运行中
func (e *SyncEngine) RecoveryActive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recoveryActive
}

type shadowAck struct {
	State struct {
		Reported map[string]json.RawMessage `json:"reported"`
		Desired  map[string]json.RawMessage `json:"desired"`
	} `json:"state"`
	ClientToken string `json:"clientToken"`
	Code        int    `json:"code"`
	Message     string `json:"message"`
}

func (e *SyncEngine) takeInflight(clientToken string) (uint64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.inflight[clientToken]
	delete(e.inflight, clientToken)
	return t, ok
}

// onUpdateAccepted 云端确认，释放缓冲并清除与确认值一致的未同步标志
func (e *SyncEngine) onUpdateAccepted(topic string, payload []byte) {
	thing, ok := thingFromTopic(topic, acceptedSuffix)
	if !ok {
		return
	}
	if err := e.validator.Validate(schemaAck, payload); err != nil {
		e.invalid(err)
		return
	}
	var ack shadowAck
	if err := json.Unmarshal(payload, &ack); err != nil {
		e.invalid(err)
		return
	}
	e.mu.Lock()
	e.stats.AcksAccepted++
	e.mu.Unlock()

	token, tracked := e.takeInflight(ack.ClientToken)
	id, _, err := shadow.ParseThingName(thing)
	if err != nil {
		if tracked {
			e.buffer.Finished(token)
		}
		e.invalid(err)
		return
	}

	var persist []shadow.Delta
	cleared := false
	for name, raw := range flatten(ack.State.Reported) {
		p, err := e.store.GetPropertyByCloudName(id, name)
		if err != nil {
			continue
		}
		v, err := shadow.ParseJSON(p.Type.ValueType, raw)
		if err != nil {
			continue
		}
		ok, p, err := e.store.ClearReportedOutOfSync(id, name, v)
		if err != nil || !ok {
			continue
		}
		cleared = true
		if p.Type.Persistent {
			persist = append(persist, shadow.Delta{PropertyID: p.ID, Value: p.Reported})
		}
	}
	// 未同步标志清除后才释放缓冲，周期扫描不会重发已确认的值
	if tracked {
		e.buffer.Finished(token)
	}
	for start := 0; start < len(persist); start += shadow.MaxDeltas {
		end := start + shadow.MaxDeltas
		if end > len(persist) {
			end = len(persist)
		}
		if err := e.pub.SendUpdate(shadow.StorageHandler, id, shadow.Reported, persist[start:end]); err != nil {
			e.log.Warn("persist sync state failed", zap.Stringer("device", id), zap.Error(err))
		}
	}
	if cleared {
		e.setRecoveryInterval(e.cfg.RecoveryShort)
	}
}

// onUpdateRejected 云端拒绝，缓冲进入退避
func (e *SyncEngine) onUpdateRejected(topic string, payload []byte) {
	var ack shadowAck
	if err := json.Unmarshal(payload, &ack); err == nil {
		e.takeInflight(ack.ClientToken)
	}
	e.mu.Lock()
	e.stats.AcksRejected++
	e.mu.Unlock()
	e.log.Warn("shadow update rejected", zap.String("topic", topic), zap.Int("code", ack.Code), zap.String("message", ack.Message))
	e.buffer.SendFailed()
}

// flatten 嵌套对象展开为 parent_child
func flatten(state map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(state))
	for name, raw := range state {
		var children map[string]json.RawMessage
		if len(raw) > 0 && raw[0] == '{' && json.Unmarshal(raw, &children) == nil {
			for child, craw := range children {
				out[shadow.JoinNestedName(name, child)] = craw
			}
			continue
		}
		out[name] = raw
	}
	return out
}

// onDelta 云端期望值变化：静默写入后按每批6个通知订阅者
func (e *SyncEngine) onDelta(topic string, payload []byte) {
	thing, ok := thingFromTopic(topic, deltaSuffix)
	if !ok {
		return
	}
	if err := e.validator.Validate(schemaDelta, payload); err != nil {
		e.invalid(err)
		return
	}
	var doc struct {
		State map[string]json.RawMessage `json:"state"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		e.invalid(err)
		return
	}
	id, _, err := shadow.ParseThingName(thing)
	if err != nil {
		e.invalid(err)
		return
	}
	e.mu.Lock()
	e.stats.InboundDeltas++
	e.mu.Unlock()

	var deltas []shadow.Delta
	for name, raw := range flatten(doc.State) {
		p, err := e.store.GetPropertyByCloudName(id, name)
		if err != nil {
			e.log.Debug("delta for unknown property", zap.String("thing", thing), zap.String("name", name))
			continue
		}
		v, err := shadow.ParseJSON(p.Type.ValueType, raw)
		if err != nil {
			e.log.Warn("delta value not converted", zap.String("name", name), zap.Error(err))
			continue
		}
		err = e.store.SetPropertyValueByCloudName(shadow.CommsHandler, id, shadow.Desired, name, v, false)
		switch {
		case err == nil:
			deltas = append(deltas, shadow.Delta{PropertyID: p.ID, Value: v})
		case errors.Is(err, shadow.ErrNoChange), shadow.IsNotFound(err):
		default:
			e.log.Warn("set desired value failed", zap.String("name", name), zap.Error(err))
		}
	}
	for start := 0; start < len(deltas); start += shadow.MaxDeltas {
		end := start + shadow.MaxDeltas
		if end > len(deltas) {
			end = len(deltas)
		}
		if err := e.store.NotifyDirectly(shadow.CommsHandler, id, shadow.Desired, deltas[start:end]); err != nil {
			e.log.Warn("notify desired failed", zap.Stringer("device", id), zap.Error(err))
		}
	}
}
