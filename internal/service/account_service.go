package service

import (
	"context"

	"fintracker/internal/model"
	"fintracker/internal/repository"
	"fintracker/internal/tenant"
)

type AccountService struct {
	registry *tenant.Registry
}

func NewAccountService(registry *tenant.Registry) *AccountService {
	return &AccountService{registry: registry}
}

func (s *AccountService) Create(ctx context.Context, tenantID, name, currency string) (*model.Account, error) {
	db, err := s.registry.DB(tenantID)
	if err != nil {
		return nil, err
	}
	if currency == "" {
		currency = "CNY"
	}
	return repository.NewAccountRepository(db).GetOrCreate(ctx, name, currency)
}

func (s *AccountService) Get(ctx context.Context, tenantID string, id int64) (*model.Account, error) {
	db, err := s.registry.DB(tenantID)
	if err != nil {
		return nil, err
	}
	return repository.NewAccountRepository(db).GetByID(ctx, id)
}

func (s *AccountService) List(ctx context.Context, tenantID string) ([]*model.Account, error) {
	db, err := s.registry.DB(tenantID)
	if err != nil {
		return nil, err
	}
	return repository.NewAccountRepository(db).List(ctx)
}
