package gormrepo

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/taoyao-code/enso-gateway/internal/storage"
	"github.com/taoyao-code/enso-gateway/internal/storage/models"
)

// Repository 基于 GORM 的日志后端。
// 使用 isTx 标记区分事务上下文，避免嵌套事务重复 Begin/Commit。
type Repository struct {
	db   *gorm.DB
	isTx bool
}

var _ storage.Backend = (*Repository)(nil)

// New 返回使用给定 *gorm.DB 的日志后端，并迁移表结构
func New(ctx context.Context, db *gorm.DB) (*Repository, error) {
	if err := db.WithContext(ctx).AutoMigrate(&models.LogFile{}, &models.LogChunk{}); err != nil {
		return nil, fmt.Errorf("migrate shadow log tables: %w", err)
	}
	return &Repository{db: db}, nil
}

// WithTx 复用现有事务或开启新事务执行 fn。
func (r *Repository) WithTx(ctx context.Context, fn func(*Repository) error) error {
	if r.isTx {
		return fn(r)
	}

	tx := r.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return tx.Error
	}

	child := &Repository{db: tx, isTx: true}
	if err := fn(child); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit().Error
}

func (r *Repository) Name() string { return "postgres" }

// Ping 健康检查
func (r *Repository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (r *Repository) Exists(ctx context.Context, name string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.LogFile{}).Where("name = ?", name).Count(&n).Error
	return n > 0, err
}

func (r *Repository) Size(ctx context.Context, name string) (int64, error) {
	var size int64
	err := r.db.WithContext(ctx).Model(&models.LogChunk{}).
		Select("COALESCE(SUM(LENGTH(data)), 0)").
		Where("name = ?", name).
		Scan(&size).Error
	return size, err
}

// ensure 插入日志行，已存在时不变
func (r *Repository) ensure(ctx context.Context, name string) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.LogFile{Name: name}).Error
}

func (r *Repository) Append(ctx context.Context, name string, data []byte) error {
	return r.WithTx(ctx, func(tx *Repository) error {
		if err := tx.ensure(ctx, name); err != nil {
			return err
		}
		if data == nil {
			data = []byte{}
		}
		return tx.db.WithContext(ctx).Create(&models.LogChunk{Name: name, Data: data}).Error
	})
}

func (r *Repository) Read(ctx context.Context, name string) ([]byte, error) {
	var file models.LogFile
	err := r.db.WithContext(ctx).Where("name = ?", name).Take(&file).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotExist
	}
	if err != nil {
		return nil, err
	}

	var chunks []models.LogChunk
	if err := r.db.WithContext(ctx).Where("name = ?", name).Order("seq").Find(&chunks).Error; err != nil {
		return nil, err
	}
	out := []byte{}
	for _, c := range chunks {
		out = append(out, c.Data...)
	}
	return out, nil
}

func (r *Repository) Create(ctx context.Context, name string) error {
	return r.WithTx(ctx, func(tx *Repository) error {
		if err := tx.ensure(ctx, name); err != nil {
			return err
		}
		return tx.db.WithContext(ctx).Where("name = ?", name).Delete(&models.LogChunk{}).Error
	})
}

// Rename 在一个事务内替换目标
func (r *Repository) Rename(ctx context.Context, from, to string) error {
	return r.WithTx(ctx, func(tx *Repository) error {
		ok, err := tx.Exists(ctx, from)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s: %w", from, storage.ErrNotExist)
		}
		if err := tx.remove(ctx, to); err != nil {
			return err
		}
		if err := tx.ensure(ctx, to); err != nil {
			return err
		}
		if err := tx.db.WithContext(ctx).Model(&models.LogChunk{}).
			Where("name = ?", from).Update("name", to).Error; err != nil {
			return err
		}
		return tx.db.WithContext(ctx).Where("name = ?", from).Delete(&models.LogFile{}).Error
	})
}

func (r *Repository) Remove(ctx context.Context, name string) error {
	return r.WithTx(ctx, func(tx *Repository) error { return tx.remove(ctx, name) })
}

func (r *Repository) remove(ctx context.Context, name string) error {
	if err := r.db.WithContext(ctx).Where("name = ?", name).Delete(&models.LogChunk{}).Error; err != nil {
		return err
	}
	return r.db.WithContext(ctx).Where("name = ?", name).Delete(&models.LogFile{}).Error
}

// Close 连接池由调用方关闭
func (r *Repository) Close() error { return nil }
