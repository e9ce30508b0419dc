package cloud

import (
	"context"
	"sync"
	"time"

	"github.com/taoyao-code/enso-gateway/internal/shadow"
	"go.uber.org/zap"
)

// ItemKind 排队操作类型
type ItemKind uint8

const (
	ItemPoll ItemKind = iota
	ItemDelta
	ItemSubscribe
	ItemConnect
	ItemDisconnect
)

func (k ItemKind) String() string {
	switch k {
	case ItemPoll:
		return "poll"
	case ItemDelta:
		return "delta"
	case ItemSubscribe:
		return "subscribe"
	case ItemConnect:
		return "connect"
	case ItemDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// Priority 队列优先级
type Priority uint8

const (
	PriorityHigh Priority = iota
	PriorityLow
	priorityCount
)

// Item 一个排队的云端操作
type Item struct {
	Kind    ItemKind
	Channel int
	Thing   string
}

// Executor 执行排队操作
type Executor interface {
	Execute(ctx context.Context, it Item)
}

// SequencerConfig 队列配置
type SequencerConfig struct {
	Capacity        int           `mapstructure:"capacity"`
	MaxWaitingPolls int           `mapstructure:"max_waiting_polls"`
	IdleWait        time.Duration `mapstructure:"idle_wait"`
}

// DefaultSequencerConfig 每个优先级50项，等待中的轮询超过10个后丢弃新轮询
func DefaultSequencerConfig() SequencerConfig {
	return SequencerConfig{
		Capacity:        50,
		MaxWaitingPolls: 10,
		IdleWait:        100 * time.Millisecond,
	}
}

// SequencerStats 队列计数
type SequencerStats struct {
	Enqueued      uint64 `json:"enqueued"`
	Executed      uint64 `json:"executed"`
	Rejected      uint64 `json:"rejected"`
	PollsCoalesce uint64 `json:"polls_coalesced"`
}

// Sequencer 两级优先级队列，由单个协程按高优先级优先、同级先进先出的顺序执行
type Sequencer struct {
	mu           sync.Mutex
	queues       [priorityCount][]Item
	waitingPolls int
	stats        SequencerStats

	wake chan struct{}
	exec Executor
	cfg  SequencerConfig
	log  *zap.Logger
}

// NewSequencer 创建队列
func NewSequencer(cfg SequencerConfig, exec Executor, log *zap.Logger) *Sequencer {
	def := DefaultSequencerConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.MaxWaitingPolls <= 0 {
		cfg.MaxWaitingPolls = def.MaxWaitingPolls
	}
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = def.IdleWait
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sequencer{
		wake: make(chan struct{}, 1),
		exec: exec,
		cfg:  cfg,
		log:  log,
	}
}

// Enqueue 排队；队列满返回 ErrWouldBlock，轮询积压时新轮询被接受但丢弃
func (s *Sequencer) Enqueue(p Priority, it Item) error {
	if p >= priorityCount {
		return shadow.ErrOutOfRange
	}
	s.mu.Lock()
	if it.Kind == ItemPoll {
		if s.waitingPolls > s.cfg.MaxWaitingPolls {
			s.stats.PollsCoalesce++
			s.mu.Unlock()
			return nil
		}
	}
	if len(s.queues[p]) >= s.cfg.Capacity {
		s.stats.Rejected++
		s.mu.Unlock()
		s.log.Warn("sequencer queue full", zap.Stringer("kind", it.Kind), zap.Uint8("priority", uint8(p)))
		return shadow.ErrWouldBlock
	}
	if it.Kind == ItemPoll {
		s.waitingPolls++
	}
	s.queues[p] = append(s.queues[p], it)
	s.stats.Enqueued++
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Next 取出下一项
func (s *Sequencer) Next() (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for p := range s.queues {
		if len(s.queues[p]) == 0 {
			continue
		}
		it := s.queues[p][0]
		s.queues[p] = s.queues[p][1:]
		if it.Kind == ItemPoll && s.waitingPolls > 0 {
			s.waitingPolls--
		}
		return it, true
	}
	return Item{}, false
}

// Len 排队中的项数
func (s *Sequencer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[PriorityHigh]) + len(s.queues[PriorityLow])
}

// WaitingPolls 等待执行的轮询数
func (s *Sequencer) WaitingPolls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waitingPolls
}

// GetStats 获取计数
func (s *Sequencer) GetStats() SequencerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Run 执行队列直到 ctx 取消，队列为空时等待 IdleWait
func (s *Sequencer) Run(ctx context.Context) {
	idle := time.NewTimer(s.cfg.IdleWait)
	defer idle.Stop()
	for {
		if ctx.Err() != nil {
			return
		}
		if it, ok := s.Next(); ok {
			s.exec.Execute(ctx, it)
			s.mu.Lock()
			s.stats.Executed++
			s.mu.Unlock()
			continue
		}

		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(s.cfg.IdleWait)
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-idle.C:
		}
	}
}
