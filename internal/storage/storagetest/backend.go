// Package storagetest 各日志后端共用的行为测试
package storagetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taoyao-code/enso-gateway/internal/storage"
)

// RunBackendTests 校验后端满足 storage.Backend 的约定；调用方保证 b 为空
func RunBackendTests(t *testing.T, b storage.Backend) {
	t.Helper()
	ctx := context.Background()

	t.Run("日志不存在", func(t *testing.T) {
		ok, err := b.Exists(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)

		size, err := b.Size(ctx, "missing")
		require.NoError(t, err)
		assert.Zero(t, size)

		_, err = b.Read(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrNotExist)

		assert.NoError(t, b.Remove(ctx, "missing"))
	})

	t.Run("追加写入", func(t *testing.T) {
		require.NoError(t, b.Append(ctx, "log", []byte("abc")))
		require.NoError(t, b.Append(ctx, "log", []byte{0, 1, 2}))

		ok, err := b.Exists(ctx, "log")
		require.NoError(t, err)
		assert.True(t, ok)

		size, err := b.Size(ctx, "log")
		require.NoError(t, err)
		assert.Equal(t, int64(6), size)

		data, err := b.Read(ctx, "log")
		require.NoError(t, err)
		assert.Equal(t, []byte{'a', 'b', 'c', 0, 1, 2}, data)
	})

	t.Run("创建空日志", func(t *testing.T) {
		require.NoError(t, b.Create(ctx, "log"))
		ok, err := b.Exists(ctx, "log")
		require.NoError(t, err)
		assert.True(t, ok, "空日志仍然存在")

		size, err := b.Size(ctx, "log")
		require.NoError(t, err)
		assert.Zero(t, size)
	})

	t.Run("重命名替换目标", func(t *testing.T) {
		require.NoError(t, b.Append(ctx, "from", []byte("new")))
		require.NoError(t, b.Append(ctx, "to", []byte("old-content")))
		require.NoError(t, b.Rename(ctx, "from", "to"))

		ok, err := b.Exists(ctx, "from")
		require.NoError(t, err)
		assert.False(t, ok)

		data, err := b.Read(ctx, "to")
		require.NoError(t, err)
		assert.Equal(t, []byte("new"), data)
	})

	t.Run("重命名不存在的日志", func(t *testing.T) {
		assert.Error(t, b.Rename(ctx, "nothing", "to"))
	})

	t.Run("删除", func(t *testing.T) {
		require.NoError(t, b.Remove(ctx, "to"))
		require.NoError(t, b.Remove(ctx, "log"))
		ok, err := b.Exists(ctx, "to")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}
