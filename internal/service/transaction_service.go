package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"fintracker/internal/model"
	"fintracker/internal/repository"
	"fintracker/internal/tenant"
	"fintracker/pkg/idgen"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrInvalidDirection = errors.New("交易方向必须是 CREDIT 或 DEBIT")
	ErrInvalidAmount    = errors.New("金额必须大于等于0")
)

// TransactionService 交易CRUD
// 每次变更和对应的记账动作在同一个事务里、同一把账户锁下执行：
// 不存在"交易进了、快照没进"的窗口
type TransactionService struct {
	registry *tenant.Registry
	balance  *BalanceService
}

func NewTransactionService(registry *tenant.Registry, balance *BalanceService) *TransactionService {
	return &TransactionService{
		registry: registry,
		balance:  balance,
	}
}

type CreateTransactionRequest struct {
	AccountID   int64
	OccurredAt  time.Time
	Amount      decimal.Decimal
	Direction   string
	CategoryID  int64
	Description string
}

func validateDirection(direction string) error {
	if direction != model.DirectionCredit && direction != model.DirectionDebit {
		return ErrInvalidDirection
	}
	return nil
}

// Create 新建交易并同步记账
func (s *TransactionService) Create(ctx context.Context, tenantID string, req *CreateTransactionRequest) (*model.Transaction, error) {
	if err := validateDirection(req.Direction); err != nil {
		return nil, err
	}
	if req.Amount.IsNegative() {
		return nil, ErrInvalidAmount
	}

	txn := &model.Transaction{
		ID:          idgen.NextID(),
		AccountID:   req.AccountID,
		OccurredAt:  req.OccurredAt,
		Amount:      req.Amount,
		Direction:   req.Direction,
		CategoryID:  req.CategoryID,
		Description: req.Description,
	}

	err := s.balance.MutateUnderLock(ctx, tenantID, []int64{req.AccountID}, func(tx *gorm.DB) error {
		if err := repository.NewTransactionRepository(tx).Create(ctx, tx, txn); err != nil {
			return fmt.Errorf("创建交易失败: %w", err)
		}
		return s.balance.CreateBalanceForTransaction(ctx, tx, txn)
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

type UpdateTransactionRequest struct {
	AccountID   int64
	OccurredAt  time.Time
	Amount      decimal.Decimal
	Direction   string
	CategoryID  int64
	Description string
}

// Update 编辑交易并维护快照链
// 先无锁读一次拿到涉及的账户，锁住新旧两个账户后在事务里
// 重新加载；要是这中间交易被并发挪到了别的账户，说明锁错了对象，
// 返回可重试错误让调用方重来
func (s *TransactionService) Update(ctx context.Context, tenantID string, id int64, req *UpdateTransactionRequest) (*model.Transaction, error) {
	if err := validateDirection(req.Direction); err != nil {
		return nil, err
	}
	if req.Amount.IsNegative() {
		return nil, ErrInvalidAmount
	}

	db, err := s.registry.DB(tenantID)
	if err != nil {
		return nil, err
	}

	peek, err := repository.NewTransactionRepository(db).GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	var updated *model.Transaction
	err = s.balance.MutateUnderLock(ctx, tenantID, []int64{peek.AccountID, req.AccountID}, func(tx *gorm.DB) error {
		transactionRepo := repository.NewTransactionRepository(tx)

		old, err := transactionRepo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if old.AccountID != peek.AccountID {
			log.Printf("[Transaction] 加锁期间交易被并发移动: txn=%d", id)
			return ErrLedgerBusy
		}

		newTxn := *old
		newTxn.AccountID = req.AccountID
		newTxn.OccurredAt = req.OccurredAt
		newTxn.Amount = req.Amount
		newTxn.Direction = req.Direction
		newTxn.CategoryID = req.CategoryID
		newTxn.Description = req.Description

		if err := transactionRepo.Save(ctx, tx, &newTxn); err != nil {
			return fmt.Errorf("更新交易失败: %w", err)
		}
		if err := s.balance.UpdateBalanceForTransaction(ctx, tx, old, &newTxn); err != nil {
			return err
		}

		updated = &newTxn
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Delete 删除交易并回退其对快照链的影响
func (s *TransactionService) Delete(ctx context.Context, tenantID string, id int64) error {
	db, err := s.registry.DB(tenantID)
	if err != nil {
		return err
	}

	peek, err := repository.NewTransactionRepository(db).GetByID(ctx, id)
	if err != nil {
		return err
	}

	return s.balance.MutateUnderLock(ctx, tenantID, []int64{peek.AccountID}, func(tx *gorm.DB) error {
		transactionRepo := repository.NewTransactionRepository(tx)

		txn, err := transactionRepo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if txn.AccountID != peek.AccountID {
			log.Printf("[Transaction] 加锁期间交易被并发移动: txn=%d", id)
			return ErrLedgerBusy
		}

		if err := s.balance.DeleteBalanceForTransaction(ctx, tx, txn); err != nil {
			return err
		}
		if err := transactionRepo.Delete(ctx, tx, id); err != nil {
			return fmt.Errorf("删除交易失败: %w", err)
		}
		return nil
	})
}

func (s *TransactionService) Get(ctx context.Context, tenantID string, id int64) (*model.Transaction, error) {
	db, err := s.registry.DB(tenantID)
	if err != nil {
		return nil, err
	}
	return repository.NewTransactionRepository(db).GetByID(ctx, id)
}

func (s *TransactionService) List(ctx context.Context, tenantID string, filter repository.ListFilter, page, pageSize int) ([]*model.Transaction, int64, error) {
	db, err := s.registry.DB(tenantID)
	if err != nil {
		return nil, 0, err
	}
	return repository.NewTransactionRepository(db).List(ctx, filter, page, pageSize)
}

// BackfillLedger 给缺快照的交易补记账（异步）
// 快照缺失意味着一一对应不变式曾被破坏（错误日志里能找到现场），
// 修复动作走异步接口逐笔提交；记账本身幂等，重复提交无害。
// 返回提交的笔数
func (s *TransactionService) BackfillLedger(ctx context.Context, tenantID string, accountID int64) (int, error) {
	db, err := s.registry.DB(tenantID)
	if err != nil {
		return 0, err
	}

	var missing []*model.Transaction
	err = db.WithContext(ctx).
		Model(&model.Transaction{}).
		Joins("LEFT JOIN ledger_entry ON ledger_entry.transaction_id = transaction.id").
		Where("transaction.account_id = ? AND ledger_entry.id IS NULL", accountID).
		Find(&missing).Error
	if err != nil {
		return 0, err
	}

	for i, txn := range missing {
		if err := s.balance.CreateBalanceAsync(ctx, tenantID, txn); err != nil {
			return i, err
		}
	}
	return len(missing), nil
}
