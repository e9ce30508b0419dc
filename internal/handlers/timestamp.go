package handlers

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/taoyao-code/enso-gateway/internal/ecom"
	"github.com/taoyao-code/enso-gateway/internal/shadow"
	"go.uber.org/zap"
)

// timeCheckTrialsWarn 连续多少次校时失败后告警
const timeCheckTrialsWarn = 20

// Clock 系统时钟
type Clock func() time.Time

// Now 按系统时钟生成时间戳属性值
func (c Clock) Now() shadow.Timestamp {
	sec := c().Unix()
	if sec < 0 {
		sec = 0
	}
	return shadow.Timestamp{Seconds: uint32(sec), Valid: sec > shadow.TimeValidAfter}
}

// Timestamps 系统时间校准后修正启动期间写入的无效时间戳
type Timestamps struct {
	store    *shadow.Store
	clock    Clock
	interval time.Duration
	log      *zap.Logger

	mu         sync.RWMutex
	valid      bool
	atStart    uint32
	adjustment uint32
}

// NewTimestamps 创建时间戳处理器，clock 为空时使用 time.Now
func NewTimestamps(store *shadow.Store, clock Clock, log *zap.Logger) *Timestamps {
	if clock == nil {
		clock = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	now := clock.Now()
	return &Timestamps{
		store:    store,
		clock:    clock,
		interval: time.Second,
		log:      log.Named("timestamp"),
		valid:    now.Valid,
		atStart:  now.Seconds,
	}
}

// TimeValid 系统时间是否已校准
func (t *Timestamps) TimeValid() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.valid
}

// Adjustment 校准后与启动时刻的差值（秒）
func (t *Timestamps) Adjustment() uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.adjustment
}

// Run 时间无效时每秒检查一次，直到校准或 ctx 结束
func (t *Timestamps) Run(ctx context.Context) {
	if t.TimeValid() {
		return
	}
	t.log.Warn("invalid time, starting periodic check")

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	trials := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if t.Check() {
				return
			}
			trials++
			if trials == timeCheckTrialsWarn {
				t.log.Warn("time still invalid", zap.Int("trials", trials))
			}
		}
	}
}

// Check 检查一次系统时间；刚变为有效时向自己发送全部时间戳属性
func (t *Timestamps) Check() bool {
	now := t.clock.Now()
	t.mu.Lock()
	if t.valid {
		t.mu.Unlock()
		return true
	}
	if !now.Valid {
		t.mu.Unlock()
		return false
	}
	t.adjustment = now.Seconds - t.atStart
	t.valid = true
	adj := t.adjustment
	t.mu.Unlock()

	t.log.Info("time now valid", zap.Uint32("adjustment", adj))
	count := 0
	for _, obj := range t.store.Objects() {
		n, err := t.store.SendPropertiesByFilter(shadow.TimestampHandler, obj.ID, shadow.Reported, shadow.FilterTimestamps, 0)
		if err != nil && !shadow.IsNotFound(err) {
			t.log.Error("send timestamp properties failed", zap.Stringer("device", obj.ID), zap.Error(err))
			continue
		}
		count += n
	}
	t.log.Info("timestamp properties to test", zap.Int("messages", count))
	return true
}

// OnMessage 修正上报组中的无效时间戳
func (t *Timestamps) OnMessage(_ context.Context, msg ecom.Message) error {
	switch m := msg.(type) {
	case ecom.DeltaMessage:
		return t.correct(m)
	case ecom.LocalShadowStatusMessage:
		return nil
	default:
		t.log.Error("unexpected message", zap.Stringer("type", msg.Type()))
		return nil
	}
}

func (t *Timestamps) correct(m ecom.DeltaMessage) error {
	if m.Group == shadow.Desired {
		t.log.Error("desired update for timestamp handler ignored",
			zap.Stringer("device", m.DeviceID), zap.Int("deltas", len(m.Deltas)))
		return nil
	}
	adj := t.Adjustment()
	if adj == 0 {
		t.log.Error("timestamp correction requested with zero adjustment")
	}

	var errs []error
	for _, d := range m.Deltas {
		ts, ok := d.Value.(shadow.Timestamp)
		if !ok || ts.Valid {
			continue
		}
		ts.Seconds += adj
		ts.Valid = true
		err := t.store.SetPropertyValue(shadow.TimestampHandler, m.DeviceID, shadow.Reported, d.PropertyID, ts)
		if err != nil && !errors.Is(err, shadow.ErrNoChange) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
