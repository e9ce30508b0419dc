package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taoyao-code/enso-gateway/internal/storage/storagetest"
)

func openTemp(t *testing.T) (*Backend, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shadow.db")
	b, err := Open(path)
	require.NoError(t, err)
	return b, path
}

func TestBackend(t *testing.T) {
	b, _ := openTemp(t)
	t.Cleanup(func() { _ = b.Close() })
	storagetest.RunBackendTests(t, b)
}

func TestBackend_Reopen(t *testing.T) {
	ctx := context.Background()
	b, path := openTemp(t)
	require.NoError(t, b.Append(ctx, "StoreLog_Current", []byte{1, 2}))
	require.NoError(t, b.Append(ctx, "StoreLog_Current", []byte{3}))
	require.NoError(t, b.Close())

	b, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	data, err := b.Read(ctx, "StoreLog_Current")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)
	assert.NoError(t, b.Ping(ctx))
}
