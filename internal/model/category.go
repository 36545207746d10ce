package model

import (
	"time"
)

// Category 消费分类表
// 分类只影响统计展示，不参与余额计算：
// 只改分类的编辑不会触碰余额快照链
type Category struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Name      string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"name"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (Category) TableName() string {
	return "category"
}
