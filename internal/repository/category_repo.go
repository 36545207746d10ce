package repository

import (
	"context"
	"errors"

	"fintracker/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type CategoryRepository struct {
	db *gorm.DB
}

func NewCategoryRepository(db *gorm.DB) *CategoryRepository {
	return &CategoryRepository{db: db}
}

func (r *CategoryRepository) List(ctx context.Context) ([]*model.Category, error) {
	var categories []*model.Category
	err := r.db.WithContext(ctx).Order("name ASC").Find(&categories).Error
	return categories, err
}

func (r *CategoryRepository) GetByName(ctx context.Context, name string) (*model.Category, error) {
	var category model.Category
	err := r.db.WithContext(ctx).Where("name = ?", name).First(&category).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &category, nil
}

func (r *CategoryRepository) GetOrCreate(ctx context.Context, tx *gorm.DB, name string) (*model.Category, error) {
	if tx == nil {
		tx = r.db
	}

	category := &model.Category{Name: name}
	err := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoNothing: true,
		}).
		Create(category).Error
	if err != nil {
		return nil, err
	}

	var out model.Category
	if err := tx.WithContext(ctx).Where("name = ?", name).First(&out).Error; err != nil {
		return nil, err
	}
	return &out, nil
}
