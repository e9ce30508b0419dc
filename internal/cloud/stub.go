package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/taoyao-code/enso-gateway/internal/shadow"
	"go.uber.org/zap"
)

// ErrBrokerDown 模拟云端不可达
var ErrBrokerDown = errors.New("stub broker unavailable")

// Published 一条经过内存代理的消息
type Published struct {
	Channel int
	Topic   string
	Payload []byte
}

// Responder 根据网关发布的消息生成云端应答
type Responder func(p Published) []Published

// Broker 内存 MQTT 代理，按主题过滤把消息投递给订阅的通道
type Broker struct {
	mu               sync.Mutex
	channels         map[int]*StubChannel
	published        []Published
	down             bool
	failConnects     int
	failUnsubscribes int
	failSubscribes   int
	connects         int
	responder        Responder
}

// NewBroker 创建内存代理
func NewBroker() *Broker {
	return &Broker{channels: make(map[int]*StubChannel)}
}

// SetResponder 设置自动应答
func (b *Broker) SetResponder(r Responder) {
	b.mu.Lock()
	b.responder = r
	b.mu.Unlock()
}

// SetDown 代理不可达时所有连接失败
func (b *Broker) SetDown(down bool) {
	b.mu.Lock()
	b.down = down
	b.mu.Unlock()
}

// FailNextConnects 接下来 n 次连接失败
func (b *Broker) FailNextConnects(n int) {
	b.mu.Lock()
	b.failConnects = n
	b.mu.Unlock()
}

// FailNextUnsubscribes 接下来 n 次取消订阅失败
func (b *Broker) FailNextUnsubscribes(n int) {
	b.mu.Lock()
	b.failUnsubscribes = n
	b.mu.Unlock()
}

// FailNextSubscribes 接下来 n 次订阅失败
func (b *Broker) FailNextSubscribes(n int) {
	b.mu.Lock()
	b.failSubscribes = n
	b.mu.Unlock()
}

// Connects 成功连接次数
func (b *Broker) Connects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connects
}

// Published 网关发布过的消息副本
func (b *Broker) Published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Published(nil), b.published...)
}

// PublishedTo 发布到指定主题的消息
func (b *Broker) PublishedTo(topic string) []Published {
	var out []Published
	for _, p := range b.Published() {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

// Deliver 云端向订阅了 topic 的通道投递消息，通道 Poll 时处理
func (b *Broker) Deliver(topic string, payload []byte) int {
	b.mu.Lock()
	var targets []*StubChannel
	for _, c := range b.channels {
		targets = append(targets, c)
	}
	b.mu.Unlock()

	n := 0
	for _, c := range targets {
		if c.enqueue(topic, payload) {
			n++
		}
	}
	return n
}

// Drop 模拟通道掉线
func (b *Broker) Drop(channel int, err error) {
	b.mu.Lock()
	c := b.channels[channel]
	delete(b.channels, channel)
	b.mu.Unlock()
	if c != nil {
		c.lost(err)
	}
}

func (b *Broker) connect(c *StubChannel) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		return ErrBrokerDown
	}
	if b.failConnects > 0 {
		b.failConnects--
		return ErrBrokerDown
	}
	b.channels[c.id] = c
	b.connects++
	return nil
}

func (b *Broker) disconnect(c *StubChannel) {
	b.mu.Lock()
	if b.channels[c.id] == c {
		delete(b.channels, c.id)
	}
	b.mu.Unlock()
}

func (b *Broker) publish(p Published) {
	b.mu.Lock()
	b.published = append(b.published, p)
	r := b.responder
	b.mu.Unlock()

	if r == nil {
		return
	}
	for _, reply := range r(p) {
		b.Deliver(reply.Topic, reply.Payload)
	}
}

func (b *Broker) takeFailure(counter *int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if *counter > 0 {
		*counter--
		return true
	}
	return false
}

// StubChannel 连接内存代理的通道
type StubChannel struct {
	*link
	broker *Broker
	will   *Published

	subMu sync.Mutex
	subs  map[string]MessageHandler
	inbox []Published
}

// NewStubChannel 创建内存通道
func NewStubChannel(id int, broker *Broker, events Events, backoff Backoff, newToken func() string, log *zap.Logger) *StubChannel {
	c := &StubChannel{
		link:   newLink(id, events, backoff, newToken, log),
		broker: broker,
		subs:   make(map[string]MessageHandler),
	}
	c.self = c
	return c
}

// SetWill 设置遗嘱，掉线时由代理发布
func (c *StubChannel) SetWill(topic string, payload []byte) {
	c.will = &Published{Channel: c.id, Topic: topic, Payload: payload}
}

func (c *StubChannel) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.setState(StateConnecting)
	if err := c.broker.connect(c); err != nil {
		c.connectFailed(err)
		return err
	}
	c.connected()
	return nil
}

func (c *StubChannel) DeltaSend(ctx context.Context) (string, error) {
	topic, payload, token, err := c.pending()
	if err != nil {
		return "", err
	}
	if err := c.Publish(ctx, topic, payload); err != nil {
		return "", err
	}
	return token, nil
}

// Poll 处理已投递的入站消息
func (c *StubChannel) Poll(ctx context.Context) error {
	if c.State() != StateConnected {
		return shadow.ErrClientBusy
	}
	c.subMu.Lock()
	inbox := c.inbox
	c.inbox = nil
	c.subMu.Unlock()

	for _, m := range inbox {
		if err := ctx.Err(); err != nil {
			return err
		}
		if h := c.handlerFor(m.Topic); h != nil {
			h(m.Topic, m.Payload)
		}
	}
	return nil
}

func (c *StubChannel) Publish(_ context.Context, topic string, payload []byte) error {
	if c.State() != StateConnected {
		return shadow.ErrClientBusy
	}
	c.broker.publish(Published{Channel: c.id, Topic: topic, Payload: append([]byte(nil), payload...)})
	return nil
}

func (c *StubChannel) Subscribe(_ context.Context, topic string, h MessageHandler) error {
	if c.State() != StateConnected {
		return shadow.ErrClientBusy
	}
	if c.broker.takeFailure(&c.broker.failSubscribes) {
		return shadow.ErrTimeout
	}
	c.subMu.Lock()
	c.subs[topic] = h
	c.subMu.Unlock()
	return nil
}

func (c *StubChannel) Unsubscribe(_ context.Context, topic string) error {
	if c.State() != StateConnected {
		return shadow.ErrClientBusy
	}
	if c.broker.takeFailure(&c.broker.failUnsubscribes) {
		return shadow.ErrTimeout
	}
	c.subMu.Lock()
	delete(c.subs, topic)
	c.subMu.Unlock()
	return nil
}

// Subscriptions 当前订阅的主题数
func (c *StubChannel) Subscriptions() int {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	return len(c.subs)
}

func (c *StubChannel) Close() error {
	c.stopRetry()
	c.broker.disconnect(c)
	c.setState(StateDisconnected)
	return nil
}

func (c *StubChannel) Destroy() {
	_ = c.Close()
	c.destroy()
}

func (c *StubChannel) lost(err error) {
	if c.will != nil {
		c.broker.publish(*c.will)
	}
	c.link.lost(err)
}

func (c *StubChannel) enqueue(topic string, payload []byte) bool {
	if c.State() != StateConnected || c.handlerFor(topic) == nil {
		return false
	}
	c.subMu.Lock()
	c.inbox = append(c.inbox, Published{Channel: c.id, Topic: topic, Payload: append([]byte(nil), payload...)})
	c.subMu.Unlock()
	return true
}

func (c *StubChannel) handlerFor(topic string) MessageHandler {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if h, ok := c.subs[topic]; ok {
		return h
	}
	for filter, h := range c.subs {
		if matchTopic(filter, topic) {
			return h
		}
	}
	return nil
}

// matchTopic MQTT 主题过滤，支持 + 和 #
func matchTopic(filter, topic string) bool {
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")
	for i, f := range fp {
		if f == "#" {
			return true
		}
		if i >= len(tp) {
			return false
		}
		if f != "+" && f != tp[i] {
			return false
		}
	}
	return len(fp) == len(tp)
}

// AutoResponder 模拟云端：接受所有注册与取消请求，按原样确认影子更新
func AutoResponder(gateway string) Responder {
	return func(p Published) []Published {
		switch p.Topic {
		case announceTopic(gateway):
			return []Published{{Topic: announceAcceptTopic(gateway), Payload: deviceIDOnly(p.Payload)}}
		case cancelTopic(gateway):
			return []Published{{Topic: cancelAcceptTopic(gateway), Payload: deviceIDOnly(p.Payload)}}
		}
		if thing, ok := thingFromTopic(p.Topic, updateSuffix); ok {
			return []Published{{Topic: shadowPrefix + thing + acceptedSuffix, Payload: p.Payload}}
		}
		return nil
	}
}

func deviceIDOnly(payload []byte) []byte {
	var req struct {
		DeviceID string `json:"deviceId"`
	}
	_ = json.Unmarshal(payload, &req)
	b, _ := json.Marshal(req)
	return b
}
