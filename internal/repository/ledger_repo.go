package repository

import (
	"context"
	"errors"
	"time"

	"fintracker/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ============================================================================
// 余额快照存储
// ============================================================================
//
// 【排序键】
//
// 所有"前驱/后继"判断都用复合键 (occurred_at, transaction_id) 的
// 字典序，绝不能只比时间戳：同一天导入的交易时间戳全相同，
// 只按时间戳级联调整会漏调或重调。交易 ID 单调递增，
// 同一时刻的多笔交易由 ID 决出稳定全序
//
// 【级联调整】
//
// BulkAdjustSubsequent 必须是单条 UPDATE ... SET balance = balance + ?，
// 不允许读出来逐行改——逐行改会在存储层内部重新引入
// 锁机制好不容易消掉的丢失更新

// LedgerStore 余额快照存储接口
// 生产实现走 GORM + MySQL；内存实现用于单元测试
type LedgerStore interface {
	// LatestEntryForUpdate 锁定账户最新一条快照并返回，没有快照返回 nil
	// 这是每次变更的第一个读操作，行级写锁在整个事务期间持有，
	// 是跨进程互斥的真正兜底（进程内账户锁只是优化）
	LatestEntryForUpdate(ctx context.Context, accountID int64) (*model.LedgerEntry, error)

	// PrecedingEntry 返回排序键严格小于 (occurredAt, transactionID) 的
	// 最后一条快照，没有返回 nil
	PrecedingEntry(ctx context.Context, accountID int64, occurredAt time.Time, transactionID int64) (*model.LedgerEntry, error)

	// SubsequentEntries 返回排序键严格大于给定键的所有快照，升序
	SubsequentEntries(ctx context.Context, accountID int64, occurredAt time.Time, transactionID int64) ([]*model.LedgerEntry, error)

	// BulkAdjustSubsequent 给排序键严格大于给定键的所有快照的余额
	// 加上 delta，返回受影响行数。单条原子语句
	BulkAdjustSubsequent(ctx context.Context, accountID int64, occurredAt time.Time, transactionID int64, delta decimal.Decimal) (int64, error)

	// EntryForTransaction 按交易查快照，没有返回 nil
	EntryForTransaction(ctx context.Context, transactionID int64) (*model.LedgerEntry, error)

	// LatestEntry 账户最新一条快照（不加锁），没有返回 nil
	LatestEntry(ctx context.Context, accountID int64) (*model.LedgerEntry, error)

	// Create 插入快照
	Create(ctx context.Context, entry *model.LedgerEntry) error

	// AdjustEntryBalance 给单条快照的余额加 delta（金额修正的快路径）
	AdjustEntryBalance(ctx context.Context, entryID int64, delta decimal.Decimal) error

	// DeleteForTransaction 删除交易对应的快照
	DeleteForTransaction(ctx context.Context, transactionID int64) error

	// BalanceAtOrBefore 指定时点的余额：排序键不超过 (at, +∞) 的
	// 最后一条快照的余额；没有历史返回零，不报错
	BalanceAtOrBefore(ctx context.Context, accountID int64, at time.Time) (decimal.Decimal, error)

	// EntriesForAccount 账户全部快照，按排序键升序
	EntriesForAccount(ctx context.Context, accountID int64) ([]*model.LedgerEntry, error)
}

// LedgerRepository LedgerStore 的 GORM 实现
// 传入的 db 可以是事务句柄：变更路径都在 db.Transaction 内
// 用事务句柄重建仓储，与仓储层其他写法保持一致
type LedgerRepository struct {
	db *gorm.DB
}

var _ LedgerStore = (*LedgerRepository)(nil)

func NewLedgerRepository(db *gorm.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// afterKey 排序键严格大于 (occurredAt, transactionID) 的行
func afterKey(db *gorm.DB, accountID int64, occurredAt time.Time, transactionID int64) *gorm.DB {
	return db.
		Where("account_id = ?", accountID).
		Where("occurred_at > ? OR (occurred_at = ? AND transaction_id > ?)",
			occurredAt, occurredAt, transactionID)
}

func (r *LedgerRepository) LatestEntryForUpdate(ctx context.Context, accountID int64) (*model.LedgerEntry, error) {
	var entry model.LedgerEntry
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("account_id = ?", accountID).
		Order("occurred_at DESC, transaction_id DESC").
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

func (r *LedgerRepository) PrecedingEntry(ctx context.Context, accountID int64, occurredAt time.Time, transactionID int64) (*model.LedgerEntry, error) {
	var entry model.LedgerEntry
	err := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Where("occurred_at < ? OR (occurred_at = ? AND transaction_id < ?)",
			occurredAt, occurredAt, transactionID).
		Order("occurred_at DESC, transaction_id DESC").
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

func (r *LedgerRepository) SubsequentEntries(ctx context.Context, accountID int64, occurredAt time.Time, transactionID int64) ([]*model.LedgerEntry, error) {
	var entries []*model.LedgerEntry
	err := afterKey(r.db.WithContext(ctx).Model(&model.LedgerEntry{}), accountID, occurredAt, transactionID).
		Order("occurred_at ASC, transaction_id ASC").
		Find(&entries).Error
	return entries, err
}

func (r *LedgerRepository) BulkAdjustSubsequent(ctx context.Context, accountID int64, occurredAt time.Time, transactionID int64, delta decimal.Decimal) (int64, error) {
	result := afterKey(r.db.WithContext(ctx).Model(&model.LedgerEntry{}), accountID, occurredAt, transactionID).
		UpdateColumn("balance", gorm.Expr("balance + ?", delta))
	return result.RowsAffected, result.Error
}

func (r *LedgerRepository) EntryForTransaction(ctx context.Context, transactionID int64) (*model.LedgerEntry, error) {
	var entry model.LedgerEntry
	err := r.db.WithContext(ctx).
		Where("transaction_id = ?", transactionID).
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

func (r *LedgerRepository) LatestEntry(ctx context.Context, accountID int64) (*model.LedgerEntry, error) {
	var entry model.LedgerEntry
	err := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("occurred_at DESC, transaction_id DESC").
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

func (r *LedgerRepository) Create(ctx context.Context, entry *model.LedgerEntry) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *LedgerRepository) AdjustEntryBalance(ctx context.Context, entryID int64, delta decimal.Decimal) error {
	return r.db.WithContext(ctx).
		Model(&model.LedgerEntry{}).
		Where("id = ?", entryID).
		UpdateColumn("balance", gorm.Expr("balance + ?", delta)).Error
}

func (r *LedgerRepository) DeleteForTransaction(ctx context.Context, transactionID int64) error {
	return r.db.WithContext(ctx).
		Where("transaction_id = ?", transactionID).
		Delete(&model.LedgerEntry{}).Error
}

func (r *LedgerRepository) BalanceAtOrBefore(ctx context.Context, accountID int64, at time.Time) (decimal.Decimal, error) {
	var entry model.LedgerEntry
	err := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Where("occurred_at <= ?", at).
		Order("occurred_at DESC, transaction_id DESC").
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// 没有历史是正常状态（新账户），返回零
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	return entry.Balance, nil
}

func (r *LedgerRepository) EntriesForAccount(ctx context.Context, accountID int64) ([]*model.LedgerEntry, error) {
	var entries []*model.LedgerEntry
	err := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("occurred_at ASC, transaction_id ASC").
		Find(&entries).Error
	return entries, err
}
