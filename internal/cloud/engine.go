package cloud

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/taoyao-code/enso-gateway/internal/faultbuffer"
	"github.com/taoyao-code/enso-gateway/internal/shadow"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config 云端同步配置
type Config struct {
	Gateway           shadow.DeviceID `mapstructure:"-"`
	MaxChannels       int             `mapstructure:"max_channels"`
	MaxSubscriptions  int             `mapstructure:"max_subscriptions"`
	MinDeltaInterval  time.Duration   `mapstructure:"min_delta_interval"`
	PollInterval      time.Duration   `mapstructure:"poll_interval"`
	PollYieldTimeout  time.Duration   `mapstructure:"poll_yield_timeout"`
	MaxPollFailures   int             `mapstructure:"max_poll_failures"`
	RecoveryInitial   time.Duration   `mapstructure:"recovery_initial"`
	RecoveryShort     time.Duration   `mapstructure:"recovery_short"`
	CancelInterval    time.Duration   `mapstructure:"cancel_interval"`
	DisconnectRetries int             `mapstructure:"disconnect_retries"`
	MaxUpdateWaits    int             `mapstructure:"max_update_waits"`
	Backoff           Backoff         `mapstructure:"-"`
	Sequencer         SequencerConfig `mapstructure:"sequencer"`
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		MaxChannels:       5,
		MaxSubscriptions:  47,
		MinDeltaInterval:  25 * time.Millisecond,
		PollInterval:      400 * time.Millisecond,
		PollYieldTimeout:  100 * time.Millisecond,
		MaxPollFailures:   10,
		RecoveryInitial:   30 * time.Second,
		RecoveryShort:     2500 * time.Millisecond,
		CancelInterval:    30 * time.Second,
		DisconnectRetries: 3,
		MaxUpdateWaits:    60,
		Backoff:           DefaultBackoff(),
		Sequencer:         DefaultSequencerConfig(),
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.MaxChannels <= 0 {
		c.MaxChannels = def.MaxChannels
	}
	if c.MaxSubscriptions <= 0 {
		c.MaxSubscriptions = def.MaxSubscriptions
	}
	if c.MinDeltaInterval <= 0 {
		c.MinDeltaInterval = def.MinDeltaInterval
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.PollYieldTimeout <= 0 {
		c.PollYieldTimeout = def.PollYieldTimeout
	}
	if c.MaxPollFailures <= 0 {
		c.MaxPollFailures = def.MaxPollFailures
	}
	if c.RecoveryInitial <= 0 {
		c.RecoveryInitial = def.RecoveryInitial
	}
	if c.RecoveryShort <= 0 {
		c.RecoveryShort = def.RecoveryShort
	}
	if c.CancelInterval <= 0 {
		c.CancelInterval = def.CancelInterval
	}
	if c.DisconnectRetries <= 0 {
		c.DisconnectRetries = def.DisconnectRetries
	}
	if c.MaxUpdateWaits <= 0 {
		c.MaxUpdateWaits = def.MaxUpdateWaits
	}
}

// ChannelFactory 创建第 id 个通道
type ChannelFactory func(id int, events Events) Channel

// StubFactory 使用内存代理的通道
func StubFactory(broker *Broker, backoff Backoff, log *zap.Logger) ChannelFactory {
	return func(id int, events Events) Channel {
		return NewStubChannel(id, broker, events, backoff, uuid.NewString, log)
	}
}

// MQTTFactory 使用 paho 的通道
func MQTTFactory(cfg MQTTConfig, backoff Backoff, log *zap.Logger) ChannelFactory {
	return func(id int, events Events) Channel {
		return NewMQTTChannel(id, cfg, events, backoff, uuid.NewString, log)
	}
}

// Stats 同步计数
type Stats struct {
	DeltasSent       uint64 `json:"deltas_sent"`
	DeltasFailed     uint64 `json:"deltas_failed"`
	AcksAccepted     uint64 `json:"acks_accepted"`
	AcksRejected     uint64 `json:"acks_rejected"`
	Announces        uint64 `json:"announces"`
	Reconnects       uint64 `json:"reconnects"`
	InboundDeltas    uint64 `json:"inbound_deltas"`
	InvalidMessages  uint64 `json:"invalid_messages"`
	PollFailures     uint64 `json:"poll_failures"`
	OversizedSkipped uint64 `json:"oversized_skipped"`
	EnqueueFailures  uint64 `json:"enqueue_failures"`
	StoreErrors      uint64 `json:"store_errors"`
}

// slot 通道及其订阅计数
type slot struct {
	ch                Channel
	subs              int
	pollFailures      int
	closing           bool
	disconnectRetries int
}

// pendingUnsub 等待退订的事物
type pendingUnsub struct {
	thing   string
	channel int
	retries int
}

// SyncEngine 本地影子与云端影子之间的同步引擎
type SyncEngine struct {
	cfg       Config
	gwName    string
	store     *shadow.Store
	pub       shadow.Publisher
	buffer    *faultbuffer.Buffer
	seq       *Sequencer
	factory   ChannelFactory
	limiter   *rate.Limiter
	validator *Validator
	log       *zap.Logger

	mu               sync.Mutex
	slots            []*slot
	pollCursor       int
	conns            map[shadow.DeviceID]int
	unsubs           map[shadow.DeviceID]*pendingUnsub
	inflight         map[string]uint64
	cancelQueue      []string
	registered       bool
	gatewaySubsDone  bool
	updateWaits      int
	recoveryInterval time.Duration
	recoveryActive   bool
	recoveryTimer    *time.Timer
	timeValid        func() bool
	stats            Stats

	running bool
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewSyncEngine 创建同步引擎，并将自身设置为缓冲的 Host
func NewSyncEngine(cfg Config, store *shadow.Store, pub shadow.Publisher, buffer *faultbuffer.Buffer,
	factory ChannelFactory, log *zap.Logger) (*SyncEngine, error) {
	if store == nil || pub == nil || buffer == nil || factory == nil {
		return nil, shadow.ErrNilArgument
	}
	if !cfg.Gateway.Valid() {
		return nil, fmt.Errorf("gateway id: %w", shadow.ErrOutOfRange)
	}
	cfg.applyDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	validator, err := NewValidator()
	if err != nil {
		return nil, err
	}

	e := &SyncEngine{
		cfg:              cfg,
		gwName:           cfg.Gateway.String(),
		store:            store,
		pub:              pub,
		buffer:           buffer,
		factory:          factory,
		limiter:          rate.NewLimiter(rate.Every(cfg.MinDeltaInterval), 1),
		validator:        validator,
		log:              log.Named("cloud"),
		slots:            make([]*slot, cfg.MaxChannels),
		conns:            make(map[shadow.DeviceID]int),
		unsubs:           make(map[shadow.DeviceID]*pendingUnsub),
		inflight:         make(map[string]uint64),
		recoveryInterval: cfg.RecoveryShort,
		timeValid:        func() bool { return true },
		runCtx:           context.Background(),
	}
	e.seq = NewSequencer(cfg.Sequencer, e, e.log)
	buffer.SetHost(e)
	return e, nil
}

// SetTimeSource 设置系统时间是否有效的判断
func (e *SyncEngine) SetTimeSource(valid func() bool) {
	if valid == nil {
		return
	}
	e.mu.Lock()
	e.timeValid = valid
	e.mu.Unlock()
}

// GatewayName 网关事物名
func (e *SyncEngine) GatewayName() string { return e.gwName }

// Start 打开通道0并启动队列、缓冲、轮询与取消注册协程
func (e *SyncEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("sync engine already running")
	}
	e.running = true
	runCtx, cancel := context.WithCancel(ctx)
	e.runCtx = runCtx
	e.cancel = cancel
	e.mu.Unlock()

	if err := e.seq.Enqueue(PriorityHigh, Item{Kind: ItemConnect, Channel: 0}); err != nil {
		return err
	}

	e.wg.Add(4)
	go func() {
		defer e.wg.Done()
		e.seq.Run(runCtx)
	}()
	go func() {
		defer e.wg.Done()
		e.buffer.Run(runCtx)
	}()
	go e.pollLoop(runCtx)
	go e.cancelLoop(runCtx)

	e.log.Info("cloud sync engine started", zap.String("gateway", e.gwName))
	return nil
}

// Stop 停止所有协程并销毁通道
func (e *SyncEngine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.cancel()
	if e.recoveryTimer != nil {
		e.recoveryTimer.Stop()
		e.recoveryTimer = nil
	}
	e.recoveryActive = false
	e.mu.Unlock()

	e.buffer.Stop()
	e.wg.Wait()

	e.mu.Lock()
	slots := e.slots
	e.slots = make([]*slot, e.cfg.MaxChannels)
	e.mu.Unlock()
	for _, s := range slots {
		if s != nil && s.ch != nil {
			s.ch.Destroy()
		}
	}
	e.log.Info("cloud sync engine stopped")
}

// IsRunning 是否运行中
func (e *SyncEngine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// GetStats 获取计数
func (e *SyncEngine) GetStats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Sequencer 操作队列
func (e *SyncEngine) Sequencer() *Sequencer { return e.seq }

// ChannelStates 各通道状态，未创建的通道为 Disconnected
func (e *SyncEngine) ChannelStates() []State {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]State, len(e.slots))
	for i, s := range e.slots {
		if s != nil && s.ch != nil {
			out[i] = s.ch.State()
		}
	}
	return out
}

// Subscriptions 各通道订阅计数
func (e *SyncEngine) Subscriptions() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]int, len(e.slots))
	for i, s := range e.slots {
		if s != nil {
			out[i] = s.subs
		}
	}
	return out
}

// Connected 通道0是否已连接
func (e *SyncEngine) Connected() bool {
	return e.channelConnected(0)
}

// Registered 云端是否已确认网关注册
func (e *SyncEngine) Registered() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registered
}

func (e *SyncEngine) channel(id int) Channel {
	e.mu.Lock()
	defer e.mu.Unlock()
	if id < 0 || id >= len(e.slots) || e.slots[id] == nil {
		return nil
	}
	return e.slots[id].ch
}

func (e *SyncEngine) channelConnected(id int) bool {
	ch := e.channel(id)
	return ch != nil && ch.State() == StateConnected
}

// ensureChannel 返回 id 对应的通道，不存在时创建（不连接）
func (e *SyncEngine) ensureChannel(id int) Channel {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.slots[id]
	if s == nil {
		s = &slot{}
		e.slots[id] = s
	}
	if s.ch == nil {
		s.ch = e.factory(id, e)
		if id == 0 {
			if w, ok := s.ch.(interface{ SetWill(string, []byte) }); ok {
				w.SetWill(offlineTopic(e.gwName), []byte(offlinePayload))
			}
		}
	}
	return s.ch
}

// Execute 执行排队操作，只在队列协程中调用
func (e *SyncEngine) Execute(ctx context.Context, it Item) {
	switch it.Kind {
	case ItemConnect:
		ch := e.ensureChannel(it.Channel)
		if ch.State() == StateConnected {
			return
		}
		if err := ch.Open(ctx); err != nil {
			e.log.Warn("channel open failed", zap.Int("channel", it.Channel), zap.Error(err))
		}
	case ItemDisconnect:
		ch := e.channel(it.Channel)
		if ch == nil {
			return
		}
		if err := ch.Close(); err != nil {
			e.log.Warn("channel close failed", zap.Int("channel", it.Channel), zap.Error(err))
		}
		e.channelDown(ch, nil)
	case ItemPoll:
		e.poll(ctx, it.Channel)
	case ItemDelta:
		if err := e.buffer.SendWaiting(ctx); err != nil {
			e.log.Warn("send waiting delta failed", zap.Error(err))
		}
	case ItemSubscribe:
		e.subscribeDelta(ctx, it)
	}
}

func (e *SyncEngine) poll(ctx context.Context, id int) {
	ch := e.channel(id)
	if ch == nil || ch.State() != StateConnected {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, e.cfg.PollYieldTimeout)
	err := ch.Poll(pctx)
	cancel()

	e.mu.Lock()
	s := e.slots[id]
	if err == nil {
		s.pollFailures = 0
		e.mu.Unlock()
		return
	}
	e.stats.PollFailures++
	s.pollFailures++
	restart := s.pollFailures > e.cfg.MaxPollFailures
	if restart {
		s.pollFailures = 0
	}
	e.mu.Unlock()

	e.log.Warn("poll failed", zap.Int("channel", id), zap.Error(err))
	if restart {
		e.log.Error("too many poll failures, reconnecting", zap.Int("channel", id))
		e.requestReset(id)
	}
}

// requestReset 排队断开并重连通道；序列器已满时稍后重试
func (e *SyncEngine) requestReset(id int) {
	for _, kind := range []ItemKind{ItemDisconnect, ItemConnect} {
		err := e.seq.Enqueue(PriorityHigh, Item{Kind: kind, Channel: id})
		if err == nil {
			continue
		}
		e.enqueueFailed(kind, id, err)
		e.mu.Lock()
		running := e.running
		e.mu.Unlock()
		if running {
			time.AfterFunc(e.cfg.RecoveryShort, func() { e.requestReset(id) })
		}
		return
	}
}

func (e *SyncEngine) enqueueFailed(kind ItemKind, id int, err error) {
	e.mu.Lock()
	e.stats.EnqueueFailures++
	e.mu.Unlock()
	e.log.Error("sequencer item not queued",
		zap.Stringer("kind", kind), zap.Int("channel", id), zap.Error(err))
}

// storeFailed 记录影子状态写入失败
func (e *SyncEngine) storeFailed(op string, id shadow.DeviceID, err error) {
	if err == nil {
		return
	}
	e.mu.Lock()
	e.stats.StoreErrors++
	e.mu.Unlock()
	e.log.Warn("shadow state update failed",
		zap.String("op", op), zap.Stringer("device", id), zap.Error(err))
}

// pollLoop 每个轮询周期给下一个已连接通道排一次 Poll
func (e *SyncEngine) pollLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if id, ok := e.nextPollChannel(); ok {
				if err := e.seq.Enqueue(PriorityLow, Item{Kind: ItemPoll, Channel: id}); err != nil {
					e.log.Debug("poll not queued", zap.Error(err))
				}
			}
		}
	}
}

func (e *SyncEngine) nextPollChannel() (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.slots)
	for i := 0; i < n; i++ {
		e.pollCursor = (e.pollCursor + 1) % n
		s := e.slots[e.pollCursor]
		if s != nil && s.ch != nil && s.ch.State() == StateConnected {
			return e.pollCursor, true
		}
	}
	return 0, false
}
