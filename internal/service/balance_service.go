package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"fintracker/internal/config"
	"fintracker/internal/infrastructure/cache"
	"fintracker/internal/infrastructure/lock"
	"fintracker/internal/job"
	"fintracker/internal/model"
	"fintracker/internal/repository"
	"fintracker/internal/tenant"

	"github.com/go-redis/redis/v8"
	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ============================================================================
// 余额引擎
// ============================================================================
//
// 维护每个账户的余额快照链：一笔交易一条快照，快照记录该笔交易
// 入账后的账户余额。交易的增删改（包括把交易插到历史位置、
// 在账户之间移动）都通过"局部级联调整"维持链的一致性，
// 不做全量重算
//
// 【为什么单条原子 SQL 不够，还要串行化？】
//
// 每次变更都是先读（找前驱快照算基准余额）后写（插入+批量调整），
// 写依赖读的结果。同账户两个并发 Create 各自读到同一个前驱余额，
// 链就错了——经典的 read-modify-write 竞争。所以同一账户的变更
// 必须互斥：进程内靠账户锁排队，跨进程靠变更事务里第一个读
// 对最新快照行加 FOR UPDATE 兜底。不同账户互不影响，并行执行
//
// 【失败语义】
//
// 变更的所有步骤在一个数据库事务里，任何一步失败整体回滚，
// 不存在"交易进了、快照没进"的中间态。引擎内部不重试：
// 是否安全重提交只有调用方知道

// ErrLedgerBusy 持久锁竞争超过存储层时限，可重试
var ErrLedgerBusy = errors.New("账本繁忙，请重试")

type BalanceService struct {
	registry *tenant.Registry
	locks    *lock.AccountLockManager
	rdb      *redis.Client
	worker   *job.LedgerWorker
	cacheTTL time.Duration
}

func NewBalanceService(registry *tenant.Registry, locks *lock.AccountLockManager, rdb *redis.Client, worker *job.LedgerWorker, cfg *config.Config) *BalanceService {
	ttl := time.Duration(cfg.Business.BalanceCacheTTL) * time.Second
	return &BalanceService{
		registry: registry,
		locks:    locks,
		rdb:      rdb,
		worker:   worker,
		cacheTTL: ttl,
	}
}

// ============================================================
// 同步接口：调用方已持有账户锁并处于事务中（交易CRUD、导入批次）
// ============================================================

// CreateBalanceForTransaction 为新交易建快照并级联调整后继
func (s *BalanceService) CreateBalanceForTransaction(ctx context.Context, tx *gorm.DB, txn *model.Transaction) error {
	return s.applyCreate(ctx, repository.NewLedgerRepository(tx), txn)
}

// UpdateBalanceForTransaction 交易编辑后的快照维护，按变更内容分派
func (s *BalanceService) UpdateBalanceForTransaction(ctx context.Context, tx *gorm.DB, oldTxn, newTxn *model.Transaction) error {
	return s.applyUpdate(ctx, repository.NewLedgerRepository(tx), oldTxn, newTxn)
}

// DeleteBalanceForTransaction 删除交易对应的快照并回退其影响
func (s *BalanceService) DeleteBalanceForTransaction(ctx context.Context, tx *gorm.DB, txn *model.Transaction) error {
	return s.applyDelete(ctx, repository.NewLedgerRepository(tx), txn)
}

// ============================================================
// 异步接口：自带锁、租户上下文和事务，给不在事务里的调用方用
// ============================================================
//
// 租户ID在提交时捕获，worker 执行开头重新建立，
// 不依赖任何隐式传播。失败只记日志，不自动重排

func (s *BalanceService) CreateBalanceAsync(ctx context.Context, tenantID string, txn *model.Transaction) error {
	t := *txn // 拷贝，worker 不共享调用方内存
	return s.worker.Submit(ctx, job.LedgerTask{
		TenantID: tenantID,
		Name:     fmt.Sprintf("create-balance txn=%d", t.ID),
		Run: func(ctx context.Context) error {
			return s.MutateUnderLock(ctx, tenantID, []int64{t.AccountID}, func(tx *gorm.DB) error {
				return s.CreateBalanceForTransaction(ctx, tx, &t)
			})
		},
	})
}

func (s *BalanceService) UpdateBalanceAsync(ctx context.Context, tenantID string, oldTxn, newTxn *model.Transaction) error {
	o, n := *oldTxn, *newTxn
	return s.worker.Submit(ctx, job.LedgerTask{
		TenantID: tenantID,
		Name:     fmt.Sprintf("update-balance txn=%d", n.ID),
		Run: func(ctx context.Context) error {
			return s.MutateUnderLock(ctx, tenantID, []int64{o.AccountID, n.AccountID}, func(tx *gorm.DB) error {
				return s.UpdateBalanceForTransaction(ctx, tx, &o, &n)
			})
		},
	})
}

func (s *BalanceService) DeleteBalanceAsync(ctx context.Context, tenantID string, txn *model.Transaction) error {
	t := *txn
	return s.worker.Submit(ctx, job.LedgerTask{
		TenantID: tenantID,
		Name:     fmt.Sprintf("delete-balance txn=%d", t.ID),
		Run: func(ctx context.Context) error {
			return s.MutateUnderLock(ctx, tenantID, []int64{t.AccountID}, func(tx *gorm.DB) error {
				return s.DeleteBalanceForTransaction(ctx, tx, &t)
			})
		},
	})
}

// MutateUnderLock 账户变更的标准外壳：
// 进程内账户锁（多账户按全局顺序）→ 租户库事务 → 释放锁 → 失效缓存
// ctx 取消只在获锁前生效，事务一旦开始就跑到底或整体回滚
func (s *BalanceService) MutateUnderLock(ctx context.Context, tenantID string, accountIDs []int64, fn func(tx *gorm.DB) error) error {
	keys := make([]lock.AccountKey, 0, len(accountIDs))
	for _, id := range accountIDs {
		keys = append(keys, lock.AccountKey{TenantID: tenantID, AccountID: id})
	}

	held, err := s.locks.AcquireOrdered(ctx, keys...)
	if err != nil {
		return err
	}
	defer s.locks.ReleaseAll(held)

	db, err := s.registry.DB(tenantID)
	if err != nil {
		return err
	}

	ctx = tenant.WithTenant(ctx, tenantID)
	err = db.Transaction(func(tx *gorm.DB) error {
		return fn(tx)
	})
	if err != nil {
		return classifyStorageErr(err)
	}

	s.invalidateBalanceCache(ctx, tenantID, accountIDs)
	return nil
}

// classifyStorageErr 把存储层的锁等待超时翻译成可重试错误
// 1205 = ER_LOCK_WAIT_TIMEOUT
func classifyStorageErr(err error) error {
	if err == nil {
		return nil
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == 1205 {
		return fmt.Errorf("%w: %v", ErrLedgerBusy, err)
	}
	return err
}

func (s *BalanceService) invalidateBalanceCache(ctx context.Context, tenantID string, accountIDs []int64) {
	if s.rdb == nil {
		return
	}
	for _, id := range accountIDs {
		if err := s.rdb.Del(ctx, cache.BalanceCacheKey(tenantID, id)).Err(); err != nil {
			log.Printf("[Balance] 失效余额缓存失败: tenant=%s account=%d err=%v", tenantID, id, err)
		}
	}
}

// ============================================================
// 变更算法（要求调用方已持锁、已在事务中）
// ============================================================

// applyCreate 新交易入链
//
// 1. 锁定账户最新快照（持久锁锚点，事务内第一个读）
// 2. 幂等检查：交易已有快照则告警跳过，不重复记账
// 3. 取前驱快照，基准余额 = 前驱余额（无前驱则为零，隐含零期初）
// 4. 插入新快照，余额 = 基准 ± 金额
// 5. 排序键之后的所有快照批量加同一增量
//
// 第5步保证整条链的一致性，不只是插入点附近：
// 每个严格靠后的快照收到的增量完全相同，与中间隔多少条无关
func (s *BalanceService) applyCreate(ctx context.Context, store repository.LedgerStore, txn *model.Transaction) error {
	if txn.AccountID == 0 || txn.OccurredAt.IsZero() {
		// 缺关键字段的交易根本无法入链，字段校验是保存路径的责任
		log.Printf("[Balance] 交易缺少账户或时间，跳过记账: txn=%d", txn.ID)
		return nil
	}

	if _, err := store.LatestEntryForUpdate(ctx, txn.AccountID); err != nil {
		return fmt.Errorf("锁定账户快照失败: %w", err)
	}

	existing, err := store.EntryForTransaction(ctx, txn.ID)
	if err != nil {
		return fmt.Errorf("查询交易快照失败: %w", err)
	}
	if existing != nil {
		log.Printf("[Balance] 交易已有快照，跳过重复记账: txn=%d", txn.ID)
		return nil
	}

	preceding, err := store.PrecedingEntry(ctx, txn.AccountID, txn.OccurredAt, txn.ID)
	if err != nil {
		return fmt.Errorf("查询前驱快照失败: %w", err)
	}

	base := decimal.Zero
	if preceding != nil {
		base = preceding.Balance
	}

	signed := txn.SignedAmount()
	entry := &model.LedgerEntry{
		AccountID:     txn.AccountID,
		OccurredAt:    txn.OccurredAt,
		TransactionID: txn.ID,
		Balance:       base.Add(signed),
	}
	if err := store.Create(ctx, entry); err != nil {
		return fmt.Errorf("插入快照失败: %w", err)
	}

	if _, err := store.BulkAdjustSubsequent(ctx, txn.AccountID, txn.OccurredAt, txn.ID, signed); err != nil {
		return fmt.Errorf("级联调整失败: %w", err)
	}
	return nil
}

// applyDelete 交易出链：先把它的影响从后继中减掉，再删快照
// 排序键取自被删快照本身；严格排序天然把这条快照排除在"后继"之外
func (s *BalanceService) applyDelete(ctx context.Context, store repository.LedgerStore, txn *model.Transaction) error {
	if _, err := store.LatestEntryForUpdate(ctx, txn.AccountID); err != nil {
		return fmt.Errorf("锁定账户快照失败: %w", err)
	}

	entry, err := store.EntryForTransaction(ctx, txn.ID)
	if err != nil {
		return fmt.Errorf("查询交易快照失败: %w", err)
	}
	if entry == nil {
		// 一一对应不变式已经被更早的问题破坏，这里不掩盖，记错误日志待查
		log.Printf("[Balance] 错误：待删交易没有对应快照: txn=%d account=%d", txn.ID, txn.AccountID)
		return nil
	}

	signed := txn.SignedAmount()
	if _, err := store.BulkAdjustSubsequent(ctx, entry.AccountID, entry.OccurredAt, entry.TransactionID, signed.Neg()); err != nil {
		return fmt.Errorf("级联回退失败: %w", err)
	}

	if err := store.DeleteForTransaction(ctx, txn.ID); err != nil {
		return fmt.Errorf("删除快照失败: %w", err)
	}
	return nil
}

// applyUpdate 按变更内容分派
//
//   - 换账户：旧账户出链 + 新账户入链（调用方必须同时持两把账户锁）
//   - 改时间：排序键变了，链中位置必须重算，同账户出链再入链
//   - 只改金额/方向：位置不变，走原地增量 —— 自身快照加 netDelta，
//     后继批量加 netDelta。比出链入链便宜，是单字段修正的常态
//   - 只改分类/摘要等：与余额无关，不碰账本
func (s *BalanceService) applyUpdate(ctx context.Context, store repository.LedgerStore, oldTxn, newTxn *model.Transaction) error {
	accountChanged := oldTxn.AccountID != newTxn.AccountID
	timeChanged := !oldTxn.OccurredAt.Equal(newTxn.OccurredAt)
	amountChanged := !oldTxn.Amount.Equal(newTxn.Amount) || oldTxn.Direction != newTxn.Direction

	switch {
	case accountChanged, timeChanged:
		if err := s.applyDelete(ctx, store, oldTxn); err != nil {
			return err
		}
		return s.applyCreate(ctx, store, newTxn)

	case amountChanged:
		return s.applyAmountDelta(ctx, store, oldTxn, newTxn)

	default:
		return nil
	}
}

func (s *BalanceService) applyAmountDelta(ctx context.Context, store repository.LedgerStore, oldTxn, newTxn *model.Transaction) error {
	if _, err := store.LatestEntryForUpdate(ctx, newTxn.AccountID); err != nil {
		return fmt.Errorf("锁定账户快照失败: %w", err)
	}

	entry, err := store.EntryForTransaction(ctx, newTxn.ID)
	if err != nil {
		return fmt.Errorf("查询交易快照失败: %w", err)
	}
	if entry == nil {
		log.Printf("[Balance] 错误：金额修正的交易没有对应快照: txn=%d account=%d", newTxn.ID, newTxn.AccountID)
		return nil
	}

	netDelta := newTxn.SignedAmount().Sub(oldTxn.SignedAmount())
	if netDelta.IsZero() {
		return nil
	}

	if err := store.AdjustEntryBalance(ctx, entry.ID, netDelta); err != nil {
		return fmt.Errorf("调整自身快照失败: %w", err)
	}
	if _, err := store.BulkAdjustSubsequent(ctx, entry.AccountID, entry.OccurredAt, entry.TransactionID, netDelta); err != nil {
		return fmt.Errorf("级联调整失败: %w", err)
	}
	return nil
}

// ============================================================
// 查询门面：只读，不加锁，可与变更并发
// ============================================================

// LatestBalance 账户最新余额，没有任何快照时返回零
// 走租户前缀的 Redis 缓存，变更后失效
func (s *BalanceService) LatestBalance(ctx context.Context, tenantID string, accountID int64) (decimal.Decimal, error) {
	if s.rdb != nil {
		cached, err := s.rdb.Get(ctx, cache.BalanceCacheKey(tenantID, accountID)).Result()
		if err == nil {
			if d, parseErr := decimal.NewFromString(cached); parseErr == nil {
				return d, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			log.Printf("[Balance] 读余额缓存失败: tenant=%s account=%d err=%v", tenantID, accountID, err)
		}
	}

	db, err := s.registry.DB(tenantID)
	if err != nil {
		return decimal.Zero, err
	}

	entry, err := repository.NewLedgerRepository(db).LatestEntry(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}

	balance := decimal.Zero
	if entry != nil {
		balance = entry.Balance
	}

	if s.rdb != nil {
		if err := s.rdb.Set(ctx, cache.BalanceCacheKey(tenantID, accountID), balance.String(), s.cacheTTL).Err(); err != nil {
			log.Printf("[Balance] 写余额缓存失败: tenant=%s account=%d err=%v", tenantID, accountID, err)
		}
	}
	return balance, nil
}

// BalanceAtOrBefore 指定时点余额，没有历史返回零而不是报错
func (s *BalanceService) BalanceAtOrBefore(ctx context.Context, tenantID string, accountID int64, at time.Time) (decimal.Decimal, error) {
	db, err := s.registry.DB(tenantID)
	if err != nil {
		return decimal.Zero, err
	}
	return repository.NewLedgerRepository(db).BalanceAtOrBefore(ctx, accountID, at)
}

// History 账户全部快照升序，画余额曲线用
func (s *BalanceService) History(ctx context.Context, tenantID string, accountID int64) ([]*model.LedgerEntry, error) {
	db, err := s.registry.DB(tenantID)
	if err != nil {
		return nil, err
	}
	return repository.NewLedgerRepository(db).EntriesForAccount(ctx, accountID)
}
