package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"github.com/taoyao-code/enso-gateway/internal/cloud"
	"github.com/taoyao-code/enso-gateway/internal/faultbuffer"
	"github.com/taoyao-code/enso-gateway/internal/shadow"
	"go.uber.org/zap"
)

// ShadowReader 本地影子只读视图
type ShadowReader interface {
	Objects() []shadow.Object
	FindObject(id shadow.DeviceID) (shadow.Object, bool)
	Properties(id shadow.DeviceID) ([]shadow.Property, error)
	DeviceStatus(id shadow.DeviceID) (shadow.DeviceStatus, error)
}

// CloudStatus 云端同步状态
type CloudStatus interface {
	GetStats() cloud.Stats
	ChannelStates() []cloud.State
	Subscriptions() []int
	Connected() bool
	Registered() bool
}

// BufferStatus 发送缓冲状态
type BufferStatus interface {
	GetStats() faultbuffer.Stats
	Entries() []faultbuffer.Entry
}

// ShadowHandler 本地影子查询接口
type ShadowHandler struct {
	store   ShadowReader
	cloud   CloudStatus
	buffer  BufferStatus
	gateway shadow.DeviceID
	logger  *zap.Logger
}

// NewShadowHandler 创建处理器；cloud、buffer 可为空
func NewShadowHandler(store ShadowReader, cloud CloudStatus, buffer BufferStatus, gateway shadow.DeviceID, logger *zap.Logger) *ShadowHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ShadowHandler{store: store, cloud: cloud, buffer: buffer, gateway: gateway, logger: logger}
}

// ObjectView 对象摘要
type ObjectView struct {
	Thing              string `json:"thing"`
	Status             string `json:"status"`
	AnnounceAccepted   bool   `json:"announce_accepted"`
	AnnounceInProgress bool   `json:"announce_in_progress"`
	ReportedOutOfSync  bool   `json:"reported_out_of_sync"`
	DesiredOutOfSync   bool   `json:"desired_out_of_sync"`
}

// PropertyView 属性及两组值
type PropertyView struct {
	ID                uint32          `json:"id"`
	Name              string          `json:"name"`
	Type              string          `json:"type"`
	Public            bool            `json:"public"`
	Persistent        bool            `json:"persistent"`
	Buffered          bool            `json:"buffered"`
	Reported          json.RawMessage `json:"reported"`
	Desired           json.RawMessage `json:"desired"`
	ReportedOutOfSync bool            `json:"reported_out_of_sync"`
	DesiredOutOfSync  bool            `json:"desired_out_of_sync"`
}

func (h *ShadowHandler) objectView(o shadow.Object) ObjectView {
	v := ObjectView{
		Thing:              shadow.ThingName(o.ID, h.gateway),
		AnnounceAccepted:   o.AnnounceAccepted,
		AnnounceInProgress: o.AnnounceInProgress,
		ReportedOutOfSync:  o.ReportedOutOfSync,
		DesiredOutOfSync:   o.DesiredOutOfSync,
	}
	if st, err := h.store.DeviceStatus(o.ID); err == nil {
		v.Status = st.String()
	}
	return v
}

// jsonValue 无法编码的值（如 NaN）输出 null
func jsonValue(v shadow.Value) json.RawMessage {
	if v == nil {
		return json.RawMessage("null")
	}
	b, err := shadow.FormatJSON(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}

// PropertyViewOf 转换属性快照
func PropertyViewOf(p shadow.Property) PropertyView {
	return PropertyView{
		ID:                p.ID,
		Name:              p.CloudName,
		Type:              p.Type.ValueType.String(),
		Public:            p.Type.Kind == shadow.Public,
		Persistent:        p.Type.Persistent,
		Buffered:          p.Type.Buffered,
		Reported:          jsonValue(p.Reported),
		Desired:           jsonValue(p.Desired),
		ReportedOutOfSync: p.Type.ReportedOutOfSync,
		DesiredOutOfSync:  p.Type.DesiredOutOfSync,
	}
}

// ListObjects GET /api/shadow
func (h *ShadowHandler) ListObjects(c *gin.Context) {
	objs := h.store.Objects()
	out := make([]ObjectView, 0, len(objs))
	for _, o := range objs {
		out = append(out, h.objectView(o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Thing < out[j].Thing })
	c.JSON(http.StatusOK, gin.H{"objects": out, "count": len(out)})
}

// GetObject GET /api/shadow/:thing
func (h *ShadowHandler) GetObject(c *gin.Context) {
	id, _, err := shadow.ParseThingName(c.Param("thing"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	obj, ok := h.store.FindObject(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": shadow.ErrObjectNotFound.Error()})
		return
	}
	props, err := h.store.Properties(id)
	if err != nil {
		code := http.StatusInternalServerError
		if shadow.IsNotFound(err) {
			code = http.StatusNotFound
		}
		c.JSON(code, gin.H{"error": err.Error()})
		return
	}

	views := make([]PropertyView, 0, len(props))
	for _, p := range props {
		views = append(views, PropertyViewOf(p))
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })
	c.JSON(http.StatusOK, gin.H{"object": h.objectView(obj), "properties": views})
}

// CloudState GET /api/cloud
func (h *ShadowHandler) CloudState(c *gin.Context) {
	if h.cloud == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": errors.New("cloud sync disabled").Error()})
		return
	}
	states := h.cloud.ChannelStates()
	names := make([]string, len(states))
	for i, s := range states {
		names[i] = s.String()
	}
	resp := gin.H{
		"connected":     h.cloud.Connected(),
		"registered":    h.cloud.Registered(),
		"channels":      names,
		"subscriptions": h.cloud.Subscriptions(),
		"stats":         h.cloud.GetStats(),
	}
	if h.buffer != nil {
		resp["buffer"] = gin.H{
			"stats":   h.buffer.GetStats(),
			"entries": len(h.buffer.Entries()),
		}
	}
	c.JSON(http.StatusOK, resp)
}
