package cloud

import (
	"context"
	"time"

	"github.com/taoyao-code/enso-gateway/internal/shadow"
	"go.uber.org/zap"
)

func (e *SyncEngine) setRecoveryInterval(d time.Duration) {
	e.mu.Lock()
	e.recoveryInterval = d
	e.mu.Unlock()
}

// startRecovery 设置间隔并在恢复定时器未运行时启动
func (e *SyncEngine) startRecovery(interval time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recoveryInterval = interval
	e.recoveryActive = true
	if e.recoveryTimer == nil && e.running {
		e.recoveryTimer = time.AfterFunc(interval, e.runRecovery)
	}
}

func (e *SyncEngine) rescheduleRecovery() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		e.recoveryTimer = nil
		return
	}
	e.recoveryTimer = time.AfterFunc(e.recoveryInterval, e.runRecovery)
}

func (e *SyncEngine) runRecovery() {
	if e.RecoverOnce(e.ctx()) {
		e.mu.Lock()
		e.recoveryTimer = nil
		e.recoveryActive = false
		e.mu.Unlock()
		e.buffer.Arm()
		return
	}
	e.rescheduleRecovery()
}

// RecoverOnce 执行一次恢复：关闭空闲通道、重试退订、注册一个未注册的对象。
// 全部完成时返回 true
func (e *SyncEngine) RecoverOnce(ctx context.Context) bool {
	if e.buffer.InFlight() {
		e.mu.Lock()
		e.updateWaits++
		force := e.updateWaits > e.cfg.MaxUpdateWaits
		if force {
			e.updateWaits = 0
		}
		e.mu.Unlock()
		if !force {
			return false
		}
		e.log.Warn("update in progress too long, clearing")
		e.buffer.SendFailed()
	}
	e.mu.Lock()
	e.updateWaits = 0
	e.mu.Unlock()

	if !e.channelConnected(0) {
		return false
	}

	finished := true
	e.mu.Lock()
	var closing []int
	for i, s := range e.slots {
		if s != nil && s.closing {
			closing = append(closing, i)
		}
	}
	var unsubs []shadow.DeviceID
	for id := range e.unsubs {
		unsubs = append(unsubs, id)
	}
	e.mu.Unlock()

	for _, id := range closing {
		if !e.tryDisconnect(id) {
			finished = false
		}
	}
	for _, id := range unsubs {
		if !e.tryUnsubscribe(ctx, id) {
			finished = false
		}
	}

	if obj, ok := e.store.NextObjectNeedingAnnounce(); ok {
		finished = false
		if status, err := e.store.DeviceStatus(obj.ID); err == nil && status == shadow.ThingRejected {
			return finished
		}
		if err := e.pub.SendThingStatus(shadow.CommsHandler, obj.ID, shadow.ThingDiscovered); err != nil {
			e.storeFailed("SetAnnounceInProgress", obj.ID, e.store.SetAnnounceInProgress(obj.ID, false))
			e.log.Warn("announce from recovery failed", zap.Stringer("device", obj.ID), zap.Error(err))
		}
	}
	return finished
}
