package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================================
// 交易方向常量
// ============================================================================
//
// 金额一律存无符号数值，方向用显式枚举表示，
// 避免"带符号数在零值处语义不明"的问题（+0 / -0 到底是收入还是支出？）

const (
	DirectionCredit = "CREDIT" // 入账（收入、退款）
	DirectionDebit  = "DEBIT"  // 出账（消费、转出）
)

// Transaction 交易记录表
// 记账的源事实：哪个账户、什么时间、多少钱、什么方向
//
// 【重要】ID 由雪花算法生成，单调递增。
// 余额快照链的排序键是 (occurred_at, id)，同一时刻的多笔交易
// 靠 ID 决出确定顺序——这依赖 ID 的单调性，不能换成随机 UUID
type Transaction struct {
	ID          int64           `gorm:"primaryKey" json:"id"` // 雪花ID，业务侧生成
	AccountID   int64           `gorm:"index:idx_account_occurred;not null" json:"account_id"`
	OccurredAt  time.Time       `gorm:"index:idx_account_occurred;not null" json:"occurred_at"`        // 交易发生时间
	Amount      decimal.Decimal `gorm:"type:decimal(18,2);not null" json:"amount"`                     // 无符号金额
	Direction   string          `gorm:"type:varchar(8);not null" json:"direction"`                     // CREDIT / DEBIT
	CategoryID  int64           `gorm:"index" json:"category_id"`                                      // 分类，0 表示未分类
	Description string          `gorm:"type:varchar(256)" json:"description"`                          // 摘要（银行流水描述）
	ImportNo    string          `gorm:"type:varchar(64);index;default:''" json:"import_no,omitempty"` // 来源对账单批次，手工录入为空
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Transaction) TableName() string {
	return "transaction"
}

// SignedAmount 带符号金额：入账为正，出账为负
func (t *Transaction) SignedAmount() decimal.Decimal {
	if t.Direction == DirectionCredit {
		return t.Amount
	}
	return t.Amount.Neg()
}
