package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// LedgerEntry 余额快照表
// 每笔交易对应一条快照，记录该交易入账之后账户的余额
//
// 【重要】快照链设计原则：
// 1. 与交易严格一一对应 —— transaction_id 唯一索引兜底
// 2. balance 只由余额引擎（BalanceService）写入，其他组件只读
// 3. 排序键是 (occurred_at, transaction_id)，不是单独的时间戳 ——
//    同一天导入的多笔交易时间戳相同，必须靠交易ID决出全序
// 4. 历史交易变动时，只对排序键之后的快照做同一增量的批量调整，
//    不做全量重算
type LedgerEntry struct {
	ID            int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	AccountID     int64           `gorm:"index:idx_entry_order;not null" json:"account_id"`
	OccurredAt    time.Time       `gorm:"index:idx_entry_order;not null" json:"occurred_at"` // 自交易复制，用于排序
	TransactionID int64           `gorm:"uniqueIndex;index:idx_entry_order;not null" json:"transaction_id"`
	Balance       decimal.Decimal `gorm:"type:decimal(18,2);not null" json:"balance"` // 该笔交易入账后的账户余额
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (LedgerEntry) TableName() string {
	return "ledger_entry"
}
