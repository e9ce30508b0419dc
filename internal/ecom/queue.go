package ecom

import (
	"context"

	"github.com/taoyao-code/enso-gateway/internal/shadow"
	"go.uber.org/zap"
)

// Queue 处理器独占的有界消息队列
type Queue struct {
	id  shadow.HandlerID
	ch  chan Message
	log *zap.Logger
}

func newQueue(id shadow.HandlerID, depth int, log *zap.Logger) *Queue {
	return &Queue{id: id, ch: make(chan Message, depth), log: log}
}

func (q *Queue) offer(msg Message) bool {
	select {
	case q.ch <- msg:
		return true
	default:
		return false
	}
}

// Free 剩余容量
func (q *Queue) Free() int {
	return cap(q.ch) - len(q.ch)
}

// Len 排队中的消息数
func (q *Queue) Len() int {
	return len(q.ch)
}

// C 只读通道，供需要自行 select 的处理器使用
func (q *Queue) C() <-chan Message {
	return q.ch
}

// Run 依次处理消息直到 ctx 取消
func (q *Queue) Run(ctx context.Context, h Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-q.ch:
			if err := h.OnMessage(ctx, msg); err != nil {
				q.log.Warn("handler returned error",
					zap.Stringer("handler", q.id),
					zap.Stringer("type", msg.Type()),
					zap.Error(err))
			}
		}
	}
}
