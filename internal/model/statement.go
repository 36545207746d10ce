package model

import (
	"time"
)

const (
	ImportStatusProcessing = "PROCESSING"
	ImportStatusCompleted  = "COMPLETED"
	ImportStatusAborted    = "ABORTED" // 首条就拿不到锁等强信号，整批放弃
)

var validImportTransitions = map[string][]string{
	ImportStatusProcessing: {ImportStatusCompleted, ImportStatusAborted},
}

func CanTransitionImportTo(currentStatus, targetStatus string) bool {
	for _, s := range validImportTransitions[currentStatus] {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// StatementImport 对账单导入批次表
// 一次 CSV 上传对应一条记录，记录逐行处理的结果，
// 便于排查"哪几行没导进来、为什么"
type StatementImport struct {
	ID           int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	ImportNo     string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"import_no"` // 批次号
	AccountID    int64      `gorm:"index;not null" json:"account_id"`
	Status       string     `gorm:"type:varchar(20);index;not null" json:"status"`
	TotalLines   int        `gorm:"not null;default:0" json:"total_lines"`
	ImportedRows int        `gorm:"not null;default:0" json:"imported_rows"`
	SkippedRows  int        `gorm:"not null;default:0" json:"skipped_rows"`
	FailReason   string     `gorm:"type:varchar(256)" json:"fail_reason,omitempty"`
	FinishedAt   *time.Time `json:"finished_at"`
	CreatedAt    time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (StatementImport) TableName() string {
	return "statement_import"
}
