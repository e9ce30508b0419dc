package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/taoyao-code/enso-gateway/internal/storage"
)

// LogStore 每个日志保存为一个字符串键，追加写使用 APPEND
type LogStore struct {
	client *Client
	prefix string
}

var _ storage.Backend = (*LogStore)(nil)

// NewLogStore 创建日志后端，prefix 为空时使用 "enso:"
func NewLogStore(client *Client, prefix string) *LogStore {
	if prefix == "" {
		prefix = "enso:"
	}
	return &LogStore{client: client, prefix: prefix}
}

func (s *LogStore) key(name string) string { return s.prefix + "log:" + name }

func (s *LogStore) Name() string { return "redis" }

func (s *LogStore) Exists(ctx context.Context, name string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(name)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *LogStore) Size(ctx context.Context, name string) (int64, error) {
	return s.client.StrLen(ctx, s.key(name)).Result()
}

func (s *LogStore) Append(ctx context.Context, name string, data []byte) error {
	return s.client.Append(ctx, s.key(name), string(data)).Err()
}

func (s *LogStore) Read(ctx context.Context, name string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotExist
	}
	return data, err
}

func (s *LogStore) Create(ctx context.Context, name string) error {
	return s.client.Set(ctx, s.key(name), "", 0).Err()
}

// Rename RENAME 在服务端原子完成并覆盖目标
func (s *LogStore) Rename(ctx context.Context, from, to string) error {
	err := s.client.Rename(ctx, s.key(from), s.key(to)).Err()
	if err != nil && strings.Contains(err.Error(), "no such key") {
		return fmt.Errorf("%s: %w", from, storage.ErrNotExist)
	}
	return err
}

func (s *LogStore) Remove(ctx context.Context, name string) error {
	return s.client.Del(ctx, s.key(name)).Err()
}

// Close 连接由调用方关闭
func (s *LogStore) Close() error { return nil }
