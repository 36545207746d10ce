package model

import (
	"time"
)

// Account 记账账户表
// 一个租户下可以有多个账户（现金、银行卡、信用卡等）
// 账户是余额快照链的分区键：排序、级联调整、加锁都以账户为边界
type Account struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Name      string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"name"` // 账户显示名称
	Currency  string    `gorm:"type:varchar(8);not null;default:CNY" json:"currency"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Account) TableName() string {
	return "account"
}
