package monitor

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 256
)

// Client 单个 WebSocket 连接
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	remote string
}

// request 客户端请求
type request struct {
	Type  string `json:"type"`
	Thing string `json:"thing,omitempty"`
}

func newClient(h *Hub, conn *websocket.Conn, remote string) *Client {
	return &Client{hub: h, conn: conn, send: make(chan []byte, sendBuffer), remote: remote}
}

// enqueueEvent 非阻塞入队；客户端已断开或队列已满返回 false
func (c *Client) enqueueEvent(ev Event) (ok bool) {
	b, err := json.Marshal(ev)
	if err != nil {
		return false
	}
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	if _, live := c.hub.clients[c]; !live {
		return false
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("monitor read error", zap.String("remote", c.remote), zap.Error(err))
			}
			return
		}

		var req request
		if err := json.Unmarshal(data, &req); err != nil {
			c.hub.log.Debug("monitor bad request", zap.String("remote", c.remote), zap.Error(err))
			continue
		}
		switch req.Type {
		case string(EventSnapshot):
			c.hub.snapshot(c, req.Thing)
		case "ping":
			c.enqueueEvent(Event{Type: EventHello, Things: c.hub.things(), Timestamp: time.Now()})
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
