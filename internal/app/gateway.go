package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/taoyao-code/enso-gateway/internal/handlers"
	"go.uber.org/zap"
)

const maxCertBundle = 64 << 10

// LoadCatalog 读取网关属性目录，path 为空时使用内置目录
func LoadCatalog(path string) (handlers.Catalog, error) {
	if path == "" {
		return handlers.DefaultCatalog()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return handlers.Catalog{}, fmt.Errorf("read catalog: %w", err)
	}
	return handlers.ParseCatalog(data)
}

// CertUpdater 下载云端下发的证书包，写入 dir 下等待下次连接时使用
type CertUpdater struct {
	dir    string
	client *http.Client
	log    *zap.Logger
}

// NewCertUpdater 创建证书下载器
func NewCertUpdater(dir string, log *zap.Logger) *CertUpdater {
	return &CertUpdater{
		dir:    dir,
		client: &http.Client{Timeout: 30 * time.Second},
		log:    log,
	}
}

// Path 证书包保存位置
func (u *CertUpdater) Path() string {
	return filepath.Join(u.dir, "cert_update.pem")
}

// Update 下载 url 指向的证书包，先写临时文件再重命名
func (u *CertUpdater) Update(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch certs: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch certs: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxCertBundle+1))
	if err != nil {
		return fmt.Errorf("read certs: %w", err)
	}
	if len(data) > maxCertBundle {
		return fmt.Errorf("cert bundle exceeds %d bytes", maxCertBundle)
	}

	if err := os.MkdirAll(u.dir, 0o700); err != nil {
		return err
	}
	tmp := u.Path() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, u.Path()); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	u.log.Info("certificate bundle saved", zap.String("path", u.Path()), zap.Int("bytes", len(data)))
	return nil
}
