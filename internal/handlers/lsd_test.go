package handlers

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/taoyao-code/enso-gateway/internal/ecom"
	"github.com/taoyao-code/enso-gateway/internal/shadow"
)

type fakeDumper struct {
	calls int
	dest  shadow.HandlerID
	err   error
}

func (d *fakeDumper) DumpPersistent(_ context.Context, dest shadow.HandlerID) (int, error) {
	d.calls++
	d.dest = dest
	return 3, d.err
}

func TestLocalShadow_OnMessage(t *testing.T) {
	ctx := context.Background()

	t.Run("导出到存储处理器", func(t *testing.T) {
		d := &fakeDumper{}
		l := NewLocalShadow(d, nil)
		assert.NoError(t, l.OnMessage(ctx, ecom.DumpLocalShadowMessage{}))
		assert.Equal(t, 1, d.calls)
		assert.Equal(t, shadow.StorageHandler, d.dest)
	})

	t.Run("其他消息忽略", func(t *testing.T) {
		d := &fakeDumper{}
		l := NewLocalShadow(d, nil)
		assert.NoError(t, l.OnMessage(ctx, ecom.PollMessage{}))
		assert.Zero(t, d.calls)
	})

	t.Run("导出失败返回错误", func(t *testing.T) {
		d := &fakeDumper{err: errors.New("boom")}
		l := NewLocalShadow(d, nil)
		assert.Error(t, l.OnMessage(ctx, ecom.DumpLocalShadowMessage{}))
	})
}
