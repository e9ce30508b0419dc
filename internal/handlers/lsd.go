package handlers

import (
	"context"

	"github.com/taoyao-code/enso-gateway/internal/ecom"
	"github.com/taoyao-code/enso-gateway/internal/shadow"
	"go.uber.org/zap"
)

// Dumper 导出全部持久化属性
type Dumper interface {
	DumpPersistent(ctx context.Context, dest shadow.HandlerID) (int, error)
}

// LocalShadow 本地影子处理器，按存储层请求把持久化属性重新导出到存储处理器
type LocalShadow struct {
	store Dumper
	log   *zap.Logger
}

// NewLocalShadow 创建本地影子处理器
func NewLocalShadow(store Dumper, log *zap.Logger) *LocalShadow {
	if log == nil {
		log = zap.NewNop()
	}
	return &LocalShadow{store: store, log: log.Named("lsd")}
}

func (l *LocalShadow) OnMessage(ctx context.Context, msg ecom.Message) error {
	if _, ok := msg.(ecom.DumpLocalShadowMessage); !ok {
		l.log.Error("unexpected message", zap.Stringer("type", msg.Type()))
		return nil
	}
	n, err := l.store.DumpPersistent(ctx, shadow.StorageHandler)
	if err != nil {
		return err
	}
	l.log.Info("local shadow dumped", zap.Int("messages", n))
	return nil
}
