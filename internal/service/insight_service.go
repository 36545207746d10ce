package service

import (
	"context"
	"time"

	"fintracker/internal/model"
	"fintracker/internal/repository"
	"fintracker/internal/tenant"
)

// InsightService 消费洞察
// 只读已提交数据，不加任何锁，可与记账并发
type InsightService struct {
	registry *tenant.Registry
	balance  *BalanceService
}

func NewInsightService(registry *tenant.Registry, balance *BalanceService) *InsightService {
	return &InsightService{
		registry: registry,
		balance:  balance,
	}
}

type SpendInsight struct {
	AccountID  int64                     `json:"account_id"`
	From       time.Time                 `json:"from"`
	To         time.Time                 `json:"to"`
	Balance    string                    `json:"balance_at_end"` // 区间末的账户余额
	ByCategory []*repository.CategorySum `json:"by_category"`
}

// SpendByCategory 某账户某时间段的出账按分类汇总
func (s *InsightService) SpendByCategory(ctx context.Context, tenantID string, accountID int64, from, to time.Time) (*SpendInsight, error) {
	db, err := s.registry.DB(tenantID)
	if err != nil {
		return nil, err
	}

	sums, err := repository.NewTransactionRepository(db).SumByCategory(ctx, accountID, model.DirectionDebit, from, to)
	if err != nil {
		return nil, err
	}

	balance, err := s.balance.BalanceAtOrBefore(ctx, tenantID, accountID, to)
	if err != nil {
		return nil, err
	}

	return &SpendInsight{
		AccountID:  accountID,
		From:       from,
		To:         to,
		Balance:    balance.String(),
		ByCategory: sums,
	}, nil
}
