package models

import (
	"time"
)

// 注意：
// - 不使用 gorm.Model，显式声明每个字段，避免隐式 DeletedAt
// - 日志内容按追加顺序分块保存，读取时按 seq 拼接

// LogFile 映射 shadow_logs 表，每个持久化日志一行
type LogFile struct {
	Name      string    `gorm:"column:name;type:text;primaryKey"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (LogFile) TableName() string { return "shadow_logs" }

// LogChunk 映射 shadow_log_chunks 表，一次追加写入一行
type LogChunk struct {
	Seq       int64     `gorm:"column:seq;primaryKey;autoIncrement"`
	Name      string    `gorm:"column:name;type:text;not null;index:idx_shadow_chunks_name_seq,priority:1"`
	Data      []byte    `gorm:"column:data;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (LogChunk) TableName() string { return "shadow_log_chunks" }
