package repository

import (
	"context"
	"errors"
	"time"

	"fintracker/internal/model"

	"gorm.io/gorm"
)

var ErrImportStatusInvalid = errors.New("导入批次状态不合法")

type ImportRepository struct {
	db *gorm.DB
}

func NewImportRepository(db *gorm.DB) *ImportRepository {
	return &ImportRepository{db: db}
}

func (r *ImportRepository) Create(ctx context.Context, imp *model.StatementImport) error {
	return r.db.WithContext(ctx).Create(imp).Error
}

func (r *ImportRepository) GetByImportNo(ctx context.Context, importNo string) (*model.StatementImport, error) {
	var imp model.StatementImport
	err := r.db.WithContext(ctx).Where("import_no = ?", importNo).First(&imp).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &imp, nil
}

// Finish 收尾：校验状态机后写入终态和统计
func (r *ImportRepository) Finish(ctx context.Context, importNo, fromStatus, toStatus string, imported, skipped int, failReason string) error {
	if !model.CanTransitionImportTo(fromStatus, toStatus) {
		return ErrImportStatusInvalid
	}

	now := time.Now()
	result := r.db.WithContext(ctx).
		Model(&model.StatementImport{}).
		Where("import_no = ? AND status = ?", importNo, fromStatus).
		Updates(map[string]interface{}{
			"status":        toStatus,
			"imported_rows": imported,
			"skipped_rows":  skipped,
			"fail_reason":   failReason,
			"finished_at":   &now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrImportStatusInvalid
	}
	return nil
}

func (r *ImportRepository) ListByAccount(ctx context.Context, accountID int64, limit int) ([]*model.StatementImport, error) {
	var imports []*model.StatementImport
	err := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC").
		Limit(limit).
		Find(&imports).Error
	return imports, err
}
