// Package monitor 通过 WebSocket 推送本地影子的属性变更
package monitor

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/taoyao-code/enso-gateway/internal/shadow"
)

// EventType 推送事件类型
type EventType string

const (
	EventDelta    EventType = "delta"
	EventSnapshot EventType = "snapshot"
	EventHello    EventType = "hello"
)

// Event 推送给客户端的一条消息
type Event struct {
	Type       EventType                  `json:"type"`
	Thing      string                     `json:"thing,omitempty"`
	Group      string                     `json:"group,omitempty"`
	Properties map[string]json.RawMessage `json:"properties,omitempty"`
	Things     []string                   `json:"things,omitempty"`
	Timestamp  time.Time                  `json:"ts"`
}

// Lookup 查询属性元数据
type Lookup interface {
	Objects() []shadow.Object
	GetProperty(id shadow.DeviceID, propID uint32) (shadow.Property, error)
	Properties(id shadow.DeviceID) ([]shadow.Property, error)
	SubscribeToDevice(id shadow.DeviceID, g shadow.Group, handler shadow.HandlerID, private bool) error
}

func encodeValue(v shadow.Value) json.RawMessage {
	b, err := shadow.FormatJSON(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}

// deltaEvent 按云端名称展开变更；属性已被删除时用ID代替名称
func deltaEvent(store Lookup, thing string, id shadow.DeviceID, g shadow.Group, deltas []shadow.Delta) Event {
	props := make(map[string]json.RawMessage, len(deltas))
	for _, d := range deltas {
		name := "#" + strconv.FormatUint(uint64(d.PropertyID), 10)
		if p, err := store.GetProperty(id, d.PropertyID); err == nil {
			name = p.CloudName
		}
		props[name] = encodeValue(d.Value)
	}
	return Event{
		Type:       EventDelta,
		Thing:      thing,
		Group:      g.String(),
		Properties: props,
		Timestamp:  time.Now(),
	}
}

// snapshotEvent 对象的全部公有属性当前值
func snapshotEvent(store Lookup, thing string, id shadow.DeviceID, g shadow.Group) (Event, error) {
	ps, err := store.Properties(id)
	if err != nil {
		return Event{}, err
	}
	props := make(map[string]json.RawMessage, len(ps))
	for _, p := range ps {
		if p.Type.Kind != shadow.Public {
			continue
		}
		props[p.CloudName] = encodeValue(p.Value(g))
	}
	return Event{
		Type:       EventSnapshot,
		Thing:      thing,
		Group:      g.String(),
		Properties: props,
		Timestamp:  time.Now(),
	}, nil
}
