package repository

import (
	"context"
	"errors"
	"time"

	"fintracker/internal/model"

	"gorm.io/gorm"
)

type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) Create(ctx context.Context, tx *gorm.DB, trans *model.Transaction) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(trans).Error
}

func (r *TransactionRepository) GetByID(ctx context.Context, id int64) (*model.Transaction, error) {
	var trans model.Transaction
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&trans).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &trans, nil
}

// Save 全字段更新
func (r *TransactionRepository) Save(ctx context.Context, tx *gorm.DB, trans *model.Transaction) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Save(trans).Error
}

func (r *TransactionRepository) Delete(ctx context.Context, tx *gorm.DB, id int64) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Where("id = ?", id).Delete(&model.Transaction{}).Error
}

// ListFilter 列表过滤条件，零值字段表示不过滤
type ListFilter struct {
	AccountID  int64
	CategoryID int64
	From       time.Time
	To         time.Time
}

func (r *TransactionRepository) List(ctx context.Context, filter ListFilter, page, pageSize int) ([]*model.Transaction, int64, error) {
	var transactions []*model.Transaction
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Transaction{})
	if filter.AccountID != 0 {
		query = query.Where("account_id = ?", filter.AccountID)
	}
	if filter.CategoryID != 0 {
		query = query.Where("category_id = ?", filter.CategoryID)
	}
	if !filter.From.IsZero() {
		query = query.Where("occurred_at >= ?", filter.From)
	}
	if !filter.To.IsZero() {
		query = query.Where("occurred_at <= ?", filter.To)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("occurred_at DESC, id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&transactions).Error

	return transactions, total, err
}

func (r *TransactionRepository) CountByAccount(ctx context.Context, accountID int64) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).
		Model(&model.Transaction{}).
		Where("account_id = ?", accountID).
		Count(&total).Error
	return total, err
}

// SumByCategory 按分类聚合某时间段的出账金额，消费洞察用
type CategorySum struct {
	CategoryID int64  `json:"category_id"`
	Total      string `json:"total"` // DECIMAL 求和结果，保持精确字符串
	Count      int64  `json:"count"`
}

func (r *TransactionRepository) SumByCategory(ctx context.Context, accountID int64, direction string, from, to time.Time) ([]*CategorySum, error) {
	var sums []*CategorySum
	err := r.db.WithContext(ctx).
		Model(&model.Transaction{}).
		Select("category_id, CAST(SUM(amount) AS CHAR) AS total, COUNT(*) AS count").
		Where("account_id = ? AND direction = ? AND occurred_at >= ? AND occurred_at <= ?",
			accountID, direction, from, to).
		Group("category_id").
		Order("SUM(amount) DESC").
		Find(&sums).Error
	return sums, err
}
