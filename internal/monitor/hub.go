package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/taoyao-code/enso-gateway/internal/ecom"
	"github.com/taoyao-code/enso-gateway/internal/shadow"
	"go.uber.org/zap"
)

// Hub 维护 WebSocket 客户端并转发本地影子变更
type Hub struct {
	store     Lookup
	gateway   shadow.DeviceID
	log       *zap.Logger
	onClients func(int)
	writeWait time.Duration

	mu         sync.Mutex
	clients    map[*Client]struct{}
	subscribed map[shadow.DeviceID]struct{}

	upgrader websocket.Upgrader
}

// NewHub 创建 Hub；gateway 用于生成 thing 名称
func NewHub(store Lookup, gateway shadow.DeviceID, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		store:      store,
		gateway:    gateway,
		log:        log,
		writeWait:  writeWait,
		clients:    make(map[*Client]struct{}),
		subscribed: make(map[shadow.DeviceID]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// OnClients 客户端数量变化回调
func (h *Hub) OnClients(fn func(int)) {
	h.mu.Lock()
	h.onClients = fn
	h.mu.Unlock()
}

// SetWriteTimeout 单条消息写超时
func (h *Hub) SetWriteTimeout(d time.Duration) {
	if d > 0 {
		h.writeWait = d
	}
}

// Resubscribe 订阅尚未订阅的对象，返回新订阅数量
func (h *Hub) Resubscribe() int {
	objs := h.store.Objects()
	live := make(map[shadow.DeviceID]struct{}, len(objs))

	n := 0
	for _, o := range objs {
		live[o.ID] = struct{}{}
		h.mu.Lock()
		_, done := h.subscribed[o.ID]
		h.mu.Unlock()
		if done {
			continue
		}
		if err := h.subscribe(o.ID); err != nil {
			h.log.Warn("monitor subscribe failed", zap.Stringer("device", o.ID), zap.Error(err))
			continue
		}
		h.mu.Lock()
		h.subscribed[o.ID] = struct{}{}
		h.mu.Unlock()
		n++
	}

	h.mu.Lock()
	for id := range h.subscribed {
		if _, ok := live[id]; !ok {
			delete(h.subscribed, id)
		}
	}
	h.mu.Unlock()
	return n
}

func (h *Hub) subscribe(id shadow.DeviceID) error {
	for _, g := range []shadow.Group{shadow.Reported, shadow.Desired} {
		if err := h.store.SubscribeToDevice(id, g, shadow.MonitorHandler, false); err != nil {
			return err
		}
	}
	return nil
}

// Run 周期性补订新对象，ctx 取消后关闭所有客户端
func (h *Hub) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	h.Resubscribe()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.Close()
			return
		case <-ticker.C:
			h.Resubscribe()
		}
	}
}

// OnMessage 实现 ecom.Handler
func (h *Hub) OnMessage(_ context.Context, msg ecom.Message) error {
	switch m := msg.(type) {
	case ecom.DeltaMessage:
		h.Broadcast(deltaEvent(h.store, shadow.ThingName(m.DeviceID, h.gateway), m.DeviceID, m.Group, m.Deltas))
	case ecom.PropertyDeletedMessage:
		h.log.Debug("monitor property deleted", zap.Stringer("device", m.DeviceID), zap.String("name", m.CloudName))
	default:
	}
	return nil
}

// Broadcast 向所有客户端发送事件，发送队列已满的客户端被断开
func (h *Hub) Broadcast(ev Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		h.log.Warn("monitor encode failed", zap.Error(err))
		return
	}

	h.mu.Lock()
	var dropped int
	for c := range h.clients {
		select {
		case c.send <- b:
		default:
			h.removeLocked(c)
			dropped++
		}
	}
	n, fn := len(h.clients), h.onClients
	h.mu.Unlock()

	if dropped > 0 {
		h.log.Warn("monitor slow clients dropped", zap.Int("count", dropped))
		if fn != nil {
			fn(n)
		}
	}
}

// Clients 当前客户端数量
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close 断开全部客户端
func (h *Hub) Close() {
	h.mu.Lock()
	for c := range h.clients {
		h.removeLocked(c)
	}
	fn := h.onClients
	h.mu.Unlock()
	if fn != nil {
		fn(0)
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n, fn := len(h.clients), h.onClients
	h.mu.Unlock()

	h.log.Info("monitor client connected", zap.String("remote", c.remote), zap.Int("clients", n))
	if fn != nil {
		fn(n)
	}
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		h.removeLocked(c)
	}
	n, fn := len(h.clients), h.onClients
	h.mu.Unlock()

	if ok {
		h.log.Info("monitor client disconnected", zap.String("remote", c.remote), zap.Int("clients", n))
		if fn != nil {
			fn(n)
		}
	}
}

// removeLocked 调用方持有 h.mu
func (h *Hub) removeLocked(c *Client) {
	delete(h.clients, c)
	close(c.send)
}

// things 当前全部对象名称
func (h *Hub) things() []string {
	objs := h.store.Objects()
	out := make([]string, 0, len(objs))
	for _, o := range objs {
		out = append(out, shadow.ThingName(o.ID, h.gateway))
	}
	return out
}

// snapshot 向单个客户端发送对象快照；thing 为空时发送全部对象
func (h *Hub) snapshot(c *Client, thing string) {
	var ids []shadow.DeviceID
	if thing == "" {
		for _, o := range h.store.Objects() {
			ids = append(ids, o.ID)
		}
	} else {
		id, _, err := shadow.ParseThingName(thing)
		if err != nil {
			c.enqueueEvent(Event{Type: EventHello, Things: h.things(), Timestamp: time.Now()})
			return
		}
		ids = append(ids, id)
	}

	for _, id := range ids {
		for _, g := range []shadow.Group{shadow.Reported, shadow.Desired} {
			ev, err := snapshotEvent(h.store, shadow.ThingName(id, h.gateway), id, g)
			if err != nil {
				h.log.Debug("monitor snapshot skipped", zap.Stringer("device", id), zap.Error(err))
				break
			}
			if !c.enqueueEvent(ev) {
				return
			}
		}
	}
}

// ServeWS 升级为 WebSocket 连接
func (h *Hub) ServeWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("monitor upgrade failed", zap.Error(err))
		return
	}

	client := newClient(h, conn, c.ClientIP())
	h.register(client)
	client.enqueueEvent(Event{Type: EventHello, Things: h.things(), Timestamp: time.Now()})

	go client.writePump()
	go client.readPump()
}

// RegisterRoutes 注册 WebSocket 路由，path 为空时使用 /ws/shadow
func (h *Hub) RegisterRoutes(r gin.IRouter, path string) {
	if path == "" {
		path = "/ws/shadow"
	}
	r.GET(path, h.ServeWS)
}
