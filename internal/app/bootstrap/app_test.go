package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	cfgpkg "github.com/taoyao-code/enso-gateway/internal/config"
	"go.uber.org/zap"
)

func TestRun_MemoryStorageStubCloud(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	body := "http:\n  addr: 127.0.0.1:0\n" +
		"storage:\n  backend: memory\n  dir: " + dir + "\n" +
		"cloud:\n  mode: stub\n" +
		"logging:\n  file:\n    filename: \"\"\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := cfgpkg.Load(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, cfg, zap.NewNop()) }()

	time.Sleep(300 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
