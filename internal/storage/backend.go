package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// ErrNotExist 日志不存在
var ErrNotExist = errors.New("log does not exist")

// Backend 日志存储后端：按名称追加写入的字节流
type Backend interface {
	// Name 后端名称
	Name() string
	Exists(ctx context.Context, name string) (bool, error)
	// Size 日志字节数，不存在时为 0
	Size(ctx context.Context, name string) (int64, error)
	Append(ctx context.Context, name string, data []byte) error
	// Read 读取整个日志，不存在时返回 ErrNotExist
	Read(ctx context.Context, name string) ([]byte, error)
	// Create 创建空日志，已存在时清空
	Create(ctx context.Context, name string) error
	// Rename 原子重命名，目标已存在时被替换
	Rename(ctx context.Context, from, to string) error
	Remove(ctx context.Context, name string) error
	Close() error
}

// ========== 文件目录 ==========

// FileBackend 目录下每个日志一个文件
type FileBackend struct {
	dir string
	mu  sync.Mutex
}

// NewFileBackend 创建目录后端，目录不存在时创建
func NewFileBackend(dir string) (*FileBackend, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &FileBackend{dir: dir}, nil
}

func (b *FileBackend) Name() string { return "file" }

func (b *FileBackend) path(name string) string { return filepath.Join(b.dir, name) }

func (b *FileBackend) Exists(_ context.Context, name string) (bool, error) {
	_, err := os.Stat(b.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (b *FileBackend) Size(_ context.Context, name string) (int64, error) {
	st, err := os.Stat(b.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

func (b *FileBackend) Append(_ context.Context, name string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, err := os.OpenFile(b.path(name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (b *FileBackend) Read(_ context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(b.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotExist
	}
	return data, err
}

func (b *FileBackend) Create(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return os.WriteFile(b.path(name), nil, 0o644)
}

func (b *FileBackend) Rename(_ context.Context, from, to string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	err := os.Rename(b.path(from), b.path(to))
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotExist
	}
	return err
}

func (b *FileBackend) Remove(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	err := os.Remove(b.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (b *FileBackend) Close() error { return nil }

// ========== 内存 ==========

// MemoryBackend 内存后端，重启后内容丢失
type MemoryBackend struct {
	mu   sync.Mutex
	logs map[string][]byte
}

// NewMemoryBackend 创建内存后端
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{logs: make(map[string][]byte)}
}

func (b *MemoryBackend) Name() string { return "memory" }

func (b *MemoryBackend) Exists(_ context.Context, name string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.logs[name]
	return ok, nil
}

func (b *MemoryBackend) Size(_ context.Context, name string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.logs[name])), nil
}

func (b *MemoryBackend) Append(_ context.Context, name string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logs[name] = append(b.logs[name], data...)
	return nil
}

func (b *MemoryBackend) Read(_ context.Context, name string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.logs[name]
	if !ok {
		return nil, ErrNotExist
	}
	return append([]byte(nil), data...), nil
}

func (b *MemoryBackend) Create(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logs[name] = []byte{}
	return nil
}

func (b *MemoryBackend) Rename(_ context.Context, from, to string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.logs[from]
	if !ok {
		return ErrNotExist
	}
	b.logs[to] = data
	delete(b.logs, from)
	return nil
}

func (b *MemoryBackend) Remove(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.logs, name)
	return nil
}

// Names 当前存在的日志
func (b *MemoryBackend) Names() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.logs))
	for name := range b.logs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (b *MemoryBackend) Close() error { return nil }
