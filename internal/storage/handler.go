package storage

import (
	"context"

	"github.com/taoyao-code/enso-gateway/internal/ecom"
	"github.com/taoyao-code/enso-gateway/internal/shadow"
	"go.uber.org/zap"
)

// Handler 存储处理器：把持久化属性的变更、删除写入日志
type Handler struct {
	m     *Manager
	store *shadow.Store
	log   *zap.Logger
}

// NewHandler 创建存储处理器
func NewHandler(m *Manager, store *shadow.Store) *Handler {
	return &Handler{m: m, store: store, log: m.log}
}

// OnMessage 处理发给存储处理器的消息
func (h *Handler) OnMessage(ctx context.Context, msg ecom.Message) error {
	switch m := msg.(type) {
	case ecom.DeltaMessage:
		return h.onUpdate(ctx, m)

	case ecom.PropertyDeletedMessage:
		if err := h.m.WriteRecord(ctx, PropertyTombstone(m.DeviceID, m.PropertyID)); err != nil {
			h.log.Error("write property tombstone failed", zap.Stringer("device", m.DeviceID), zap.Error(err))
			return err
		}
		return nil

	case ecom.ThingStatusMessage:
		if m.Status != shadow.ThingDeleted {
			return nil
		}
		if err := h.m.WriteRecord(ctx, DeviceTombstone(m.DeviceID)); err != nil {
			h.log.Error("write device tombstone failed", zap.Stringer("device", m.DeviceID), zap.Error(err))
			return err
		}
		return nil

	case ecom.LocalShadowStatusMessage:
		if m.Status != shadow.DumpCompleted {
			h.log.Error("unexpected local shadow status", zap.Uint8("status", uint8(m.Status)))
			return nil
		}
		return h.m.LocalShadowDumpComplete(ctx)

	default:
		h.log.Warn("unknown message", zap.Stringer("type", msg.Type()))
		return nil
	}
}

// onUpdate 每个变更写一条记录，写完检查是否需要整理
func (h *Handler) onUpdate(ctx context.Context, m ecom.DeltaMessage) error {
	for _, d := range m.Deltas {
		p, err := h.store.GetProperty(m.DeviceID, d.PropertyID)
		if err != nil {
			continue
		}
		r := Record{
			DeviceID:   m.DeviceID,
			PropertyID: d.PropertyID,
			Type:       p.Type,
			Group:      m.Group,
			CloudName:  p.CloudName,
			Value:      d.Value,
		}
		if err := h.m.WriteRecord(ctx, r); err != nil {
			return err
		}
	}
	if err := h.m.CheckSizeAndConsolidate(ctx); err != nil {
		h.log.Error("check size and consolidate failed", zap.Error(err))
		return err
	}
	return nil
}
