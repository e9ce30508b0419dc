package cloud

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/taoyao-code/enso-gateway/internal/shadow"
	"go.uber.org/zap"
)

// State 通道连接状态
type State int32

const (
	StateDisconnected State = iota // 未连接
	StateConnecting                // 连接中
	StateConnected                 // 已连接
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// MessageHandler 订阅消息回调
type MessageHandler func(topic string, payload []byte)

// Channel 一条到云端的 MQTT 连接，通道0承载网关级订阅和所有发布
type Channel interface {
	ID() int
	State() State
	// Open 发起连接；失败时按 1s 起倍增到 32s 的间隔由一次性定时器重试
	Open(ctx context.Context) error
	DeltaStart(thing string, g shadow.Group) error
	DeltaAddProperty(name string, v shadow.Value) error
	// DeltaSend 发布当前文档并返回其 clientToken
	DeltaSend(ctx context.Context) (string, error)
	DeltaFinish()
	// Poll 让出时间处理入站消息
	Poll(ctx context.Context) error
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, h MessageHandler) error
	Unsubscribe(ctx context.Context, topic string) error
	Close() error
	Destroy()
}

// Events 通道状态回调
type Events interface {
	OnConnected(ch Channel)
	OnDisconnected(ch Channel, err error)
	// OnReconnect 重连定时器到期且通道仍未连接
	OnReconnect(ch Channel)
}

// Backoff 重连间隔
type Backoff struct {
	Min time.Duration
	Max time.Duration
}

// DefaultBackoff 1s 起倍增，上限 32s
func DefaultBackoff() Backoff {
	return Backoff{Min: time.Second, Max: 32 * time.Second}
}

// link 各通道实现共享的状态、文档与重连定时器
type link struct {
	id     int
	state  atomic.Int32
	events Events
	log    *zap.Logger
	self   Channel

	mu        sync.Mutex
	doc       *Document
	thing     string
	backoff   Backoff
	wait      time.Duration
	retry     *time.Timer
	destroyed bool
	newToken  func() string
}

func newLink(id int, events Events, backoff Backoff, newToken func() string, log *zap.Logger) *link {
	if backoff.Min <= 0 {
		backoff.Min = DefaultBackoff().Min
	}
	if backoff.Max < backoff.Min {
		backoff.Max = DefaultBackoff().Max
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &link{
		id:       id,
		events:   events,
		log:      log.With(zap.Int("channel", id)),
		doc:      NewDocument(DocumentSize),
		backoff:  backoff,
		wait:     backoff.Min,
		newToken: newToken,
	}
}

func (l *link) ID() int { return l.id }

func (l *link) State() State { return State(l.state.Load()) }

func (l *link) setState(s State) {
	old := State(l.state.Swap(int32(s)))
	if old != s {
		l.log.Debug("channel state changed", zap.Stringer("from", old), zap.Stringer("to", s))
	}
}

func (l *link) DeltaStart(thing string, g shadow.Group) error {
	if thing == "" {
		return shadow.ErrNilArgument
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.thing = thing
	l.doc.Start(g, l.newToken())
	return nil
}

func (l *link) DeltaAddProperty(name string, v shadow.Value) error {
	if name == "" || v == nil {
		return shadow.ErrNilArgument
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.doc.Add(name, v)
}

func (l *link) DeltaFinish() {
	l.mu.Lock()
	l.thing = ""
	l.doc.Reset()
	l.mu.Unlock()
}

// pending 当前待发送文档
func (l *link) pending() (topic string, payload []byte, token string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.doc.Started() || l.thing == "" {
		return "", nil, "", shadow.ErrInternal
	}
	if l.doc.Empty() {
		return "", nil, "", shadow.ErrNoChange
	}
	return updateTopic(l.thing), l.doc.Bytes(), l.doc.Token(), nil
}

// connected 连接成功，重连间隔复位
func (l *link) connected() {
	l.mu.Lock()
	l.wait = l.backoff.Min
	if l.retry != nil {
		l.retry.Stop()
		l.retry = nil
	}
	l.mu.Unlock()
	l.setState(StateConnected)
	if l.events != nil {
		l.events.OnConnected(l.self)
	}
}

// connectFailed 连接失败，按当前间隔安排重试并倍增间隔
func (l *link) connectFailed(err error) {
	l.setState(StateDisconnected)
	l.mu.Lock()
	wait := l.wait
	l.wait *= 2
	if l.wait > l.backoff.Max {
		l.wait = l.backoff.Max
	}
	l.armRetryLocked(wait)
	l.mu.Unlock()
	l.log.Warn("connect failed", zap.Duration("retry_in", wait), zap.Error(err))
}

// lost 连接断开，从最小间隔重新开始重连
func (l *link) lost(err error) {
	l.setState(StateDisconnected)
	l.mu.Lock()
	l.wait = l.backoff.Min
	l.armRetryLocked(l.wait)
	l.mu.Unlock()
	if l.events != nil {
		l.events.OnDisconnected(l.self, err)
	}
}

// armRetryLocked 每次失败重新创建一次性定时器
func (l *link) armRetryLocked(wait time.Duration) {
	if l.destroyed {
		return
	}
	if l.retry != nil {
		l.retry.Stop()
	}
	l.retry = time.AfterFunc(wait, func() {
		if l.State() == StateConnected {
			return
		}
		if l.events != nil {
			l.events.OnReconnect(l.self)
		}
	})
}

func (l *link) stopRetry() {
	l.mu.Lock()
	if l.retry != nil {
		l.retry.Stop()
		l.retry = nil
	}
	l.mu.Unlock()
}

func (l *link) destroy() {
	l.mu.Lock()
	l.destroyed = true
	if l.retry != nil {
		l.retry.Stop()
		l.retry = nil
	}
	l.mu.Unlock()
}

// RetryWait 下一次连接失败后的重试间隔
func (l *link) RetryWait() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.wait
}
