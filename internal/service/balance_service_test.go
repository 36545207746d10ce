package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"fintracker/internal/infrastructure/lock"
	"fintracker/internal/model"
	"fintracker/internal/repository"

	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTxn(id, accountID int64, amount string, direction string, occurredAt time.Time) *model.Transaction {
	return &model.Transaction{
		ID:         id,
		AccountID:  accountID,
		Amount:     decimal.RequireFromString(amount),
		Direction:  direction,
		OccurredAt: occurredAt,
	}
}

func day(d int) time.Time {
	return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC)
}

// assertChainConsistent 按排序键重放账户全部交易，
// 累计签名金额必须逐条复现存储的快照余额
func assertChainConsistent(t *testing.T, store repository.LedgerStore, accountID int64, txns map[int64]*model.Transaction) {
	t.Helper()

	entries, err := store.EntriesForAccount(context.Background(), accountID)
	require.NoError(t, err)

	running := decimal.Zero
	for _, e := range entries {
		txn, ok := txns[e.TransactionID]
		require.True(t, ok, "快照对应的交易不存在: txn=%d", e.TransactionID)
		running = running.Add(txn.SignedAmount())
		assert.True(t, running.Equal(e.Balance),
			"txn=%d 重算余额=%s 存储余额=%s", e.TransactionID, running, e.Balance)
	}

	// 快照与交易一一对应
	count := 0
	for _, txn := range txns {
		if txn.AccountID == accountID {
			count++
		}
	}
	assert.Equal(t, count, len(entries), "快照数与交易数不一致")
}

func entryBalance(t *testing.T, store repository.LedgerStore, txnID int64) decimal.Decimal {
	t.Helper()
	e, err := store.EntryForTransaction(context.Background(), txnID)
	require.NoError(t, err)
	require.NotNil(t, e, "交易没有快照: txn=%d", txnID)
	return e.Balance
}

func TestCreateFirstEntry(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryLedgerStore()
	svc := &BalanceService{}

	t1 := newTxn(1, 100, "50", model.DirectionDebit, day(5))
	require.NoError(t, svc.applyCreate(ctx, store, t1))

	assert.True(t, entryBalance(t, store, 1).Equal(decimal.RequireFromString("-50")))
}

func TestCreateAppends(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryLedgerStore()
	svc := &BalanceService{}

	t1 := newTxn(1, 100, "50", model.DirectionDebit, day(5))
	t2 := newTxn(2, 100, "200", model.DirectionCredit, day(10))
	require.NoError(t, svc.applyCreate(ctx, store, t1))
	require.NoError(t, svc.applyCreate(ctx, store, t2))

	assert.True(t, entryBalance(t, store, 1).Equal(decimal.RequireFromString("-50")))
	assert.True(t, entryBalance(t, store, 2).Equal(decimal.RequireFromString("150")))
}

func TestBackdatedCreateCascades(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryLedgerStore()
	svc := &BalanceService{}

	t1 := newTxn(1, 100, "50", model.DirectionDebit, day(5))
	t2 := newTxn(2, 100, "200", model.DirectionCredit, day(10))
	t3 := newTxn(3, 100, "30", model.DirectionCredit, day(3))
	require.NoError(t, svc.applyCreate(ctx, store, t1))
	require.NoError(t, svc.applyCreate(ctx, store, t2))
	require.NoError(t, svc.applyCreate(ctx, store, t3))

	// 更早的贷方入链，之后每条快照整体抬高 30
	assert.True(t, entryBalance(t, store, 3).Equal(decimal.RequireFromString("30")))
	assert.True(t, entryBalance(t, store, 1).Equal(decimal.RequireFromString("-20")))
	assert.True(t, entryBalance(t, store, 2).Equal(decimal.RequireFromString("180")))

	txns := map[int64]*model.Transaction{1: t1, 2: t2, 3: t3}
	assertChainConsistent(t, store, 100, txns)
}

func TestAmountUpdateShiftsSubsequent(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryLedgerStore()
	svc := &BalanceService{}

	t1 := newTxn(1, 100, "50", model.DirectionDebit, day(5))
	t2 := newTxn(2, 100, "200", model.DirectionCredit, day(10))
	t3 := newTxn(3, 100, "30", model.DirectionCredit, day(3))
	require.NoError(t, svc.applyCreate(ctx, store, t1))
	require.NoError(t, svc.applyCreate(ctx, store, t2))
	require.NoError(t, svc.applyCreate(ctx, store, t3))

	// 借方 50 改 80：净增量 -30，自身和后继同步下移，前驱不动
	t1b := newTxn(1, 100, "80", model.DirectionDebit, day(5))
	require.NoError(t, svc.applyUpdate(ctx, store, t1, t1b))

	assert.True(t, entryBalance(t, store, 3).Equal(decimal.RequireFromString("30")))
	assert.True(t, entryBalance(t, store, 1).Equal(decimal.RequireFromString("-50")))
	assert.True(t, entryBalance(t, store, 2).Equal(decimal.RequireFromString("150")))

	txns := map[int64]*model.Transaction{1: t1b, 2: t2, 3: t3}
	assertChainConsistent(t, store, 100, txns)
}

func TestDeleteRemovesEntry(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryLedgerStore()
	svc := &BalanceService{}

	t1 := newTxn(1, 100, "80", model.DirectionDebit, day(5))
	t2 := newTxn(2, 100, "200", model.DirectionCredit, day(10))
	t3 := newTxn(3, 100, "30", model.DirectionCredit, day(3))
	require.NoError(t, svc.applyCreate(ctx, store, t1))
	require.NoError(t, svc.applyCreate(ctx, store, t2))
	require.NoError(t, svc.applyCreate(ctx, store, t3))

	require.NoError(t, svc.applyDelete(ctx, store, t2))

	gone, err := store.EntryForTransaction(ctx, 2)
	require.NoError(t, err)
	assert.Nil(t, gone)

	// T2 是链尾，删除不影响其余快照
	assert.True(t, entryBalance(t, store, 3).Equal(decimal.RequireFromString("30")))
	assert.True(t, entryBalance(t, store, 1).Equal(decimal.RequireFromString("-50")))

	txns := map[int64]*model.Transaction{1: t1, 3: t3}
	assertChainConsistent(t, store, 100, txns)
}

func TestDeleteMiddleEntryCascades(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryLedgerStore()
	svc := &BalanceService{}

	t1 := newTxn(1, 100, "100", model.DirectionCredit, day(1))
	t2 := newTxn(2, 100, "40", model.DirectionDebit, day(2))
	t3 := newTxn(3, 100, "10", model.DirectionCredit, day(3))
	require.NoError(t, svc.applyCreate(ctx, store, t1))
	require.NoError(t, svc.applyCreate(ctx, store, t2))
	require.NoError(t, svc.applyCreate(ctx, store, t3))

	// 删中间的借方，后继全部加回 40
	require.NoError(t, svc.applyDelete(ctx, store, t2))

	assert.True(t, entryBalance(t, store, 1).Equal(decimal.RequireFromString("100")))
	assert.True(t, entryBalance(t, store, 3).Equal(decimal.RequireFromString("110")))
}

func TestDeleteOnlyTransactionEmptiesLedger(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryLedgerStore()
	svc := &BalanceService{}

	t1 := newTxn(1, 100, "100", model.DirectionCredit, day(1))
	require.NoError(t, svc.applyCreate(ctx, store, t1))
	require.NoError(t, svc.applyDelete(ctx, store, t1))

	// 唯一的交易删掉后链清空，最新余额回到零
	entries, err := store.EntriesForAccount(ctx, 100)
	require.NoError(t, err)
	assert.Empty(t, entries)

	latest, err := store.LatestEntry(ctx, 100)
	require.NoError(t, err)
	assert.Nil(t, latest)

	b, err := store.BalanceAtOrBefore(ctx, 100, day(30))
	require.NoError(t, err)
	assert.True(t, b.IsZero())
}

func TestCreateIdempotent(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryLedgerStore()
	svc := &BalanceService{}

	t1 := newTxn(1, 100, "100", model.DirectionCredit, day(1))
	t2 := newTxn(2, 100, "50", model.DirectionCredit, day(2))
	require.NoError(t, svc.applyCreate(ctx, store, t1))
	require.NoError(t, svc.applyCreate(ctx, store, t2))

	// 重复提交同一笔交易：跳过，不重复记账，不扰动后继
	require.NoError(t, svc.applyCreate(ctx, store, t1))

	assert.True(t, entryBalance(t, store, 1).Equal(decimal.RequireFromString("100")))
	assert.True(t, entryBalance(t, store, 2).Equal(decimal.RequireFromString("150")))

	entries, err := store.EntriesForAccount(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestCreateMissingFieldsSkipped(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryLedgerStore()
	svc := &BalanceService{}

	// 缺账户和缺时间都不入链，也不报错
	noAccount := newTxn(1, 0, "10", model.DirectionCredit, day(1))
	require.NoError(t, svc.applyCreate(ctx, store, noAccount))

	noTime := &model.Transaction{ID: 2, AccountID: 100, Amount: decimal.NewFromInt(10), Direction: model.DirectionCredit}
	require.NoError(t, svc.applyCreate(ctx, store, noTime))

	entries, err := store.EntriesForAccount(ctx, 100)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDeleteMissingEntrySkipped(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryLedgerStore()
	svc := &BalanceService{}

	t1 := newTxn(1, 100, "100", model.DirectionCredit, day(1))
	require.NoError(t, svc.applyCreate(ctx, store, t1))

	// 没有快照的交易：记日志跳过，已有的链不受影响
	ghost := newTxn(99, 100, "10", model.DirectionDebit, day(2))
	require.NoError(t, svc.applyDelete(ctx, store, ghost))

	assert.True(t, entryBalance(t, store, 1).Equal(decimal.RequireFromString("100")))
}

func TestUpdateNonFinancialFieldsNoop(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryLedgerStore()
	svc := &BalanceService{}

	t1 := newTxn(1, 100, "100", model.DirectionCredit, day(1))
	require.NoError(t, svc.applyCreate(ctx, store, t1))

	t1b := newTxn(1, 100, "100", model.DirectionCredit, day(1))
	t1b.Description = "改个摘要"
	t1b.CategoryID = 7
	require.NoError(t, svc.applyUpdate(ctx, store, t1, t1b))

	assert.True(t, entryBalance(t, store, 1).Equal(decimal.RequireFromString("100")))
}

func TestUpdateMovesAcrossAccounts(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryLedgerStore()
	svc := &BalanceService{}

	a1 := newTxn(1, 100, "100", model.DirectionCredit, day(1))
	a2 := newTxn(2, 100, "40", model.DirectionDebit, day(2))
	b1 := newTxn(3, 200, "500", model.DirectionCredit, day(1))
	require.NoError(t, svc.applyCreate(ctx, store, a1))
	require.NoError(t, svc.applyCreate(ctx, store, a2))
	require.NoError(t, svc.applyCreate(ctx, store, b1))

	// a2 搬到账户 200：原账户出链、目标账户入链
	a2moved := newTxn(2, 200, "40", model.DirectionDebit, day(2))
	require.NoError(t, svc.applyUpdate(ctx, store, a2, a2moved))

	assert.True(t, entryBalance(t, store, 1).Equal(decimal.RequireFromString("100")))
	assert.True(t, entryBalance(t, store, 3).Equal(decimal.RequireFromString("500")))
	assert.True(t, entryBalance(t, store, 2).Equal(decimal.RequireFromString("460")))

	assertChainConsistent(t, store, 100, map[int64]*model.Transaction{1: a1})
	assertChainConsistent(t, store, 200, map[int64]*model.Transaction{2: a2moved, 3: b1})
}

func TestUpdateTimeRelocatesEntry(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryLedgerStore()
	svc := &BalanceService{}

	t1 := newTxn(1, 100, "100", model.DirectionCredit, day(1))
	t2 := newTxn(2, 100, "40", model.DirectionDebit, day(5))
	t3 := newTxn(3, 100, "10", model.DirectionCredit, day(10))
	require.NoError(t, svc.applyCreate(ctx, store, t1))
	require.NoError(t, svc.applyCreate(ctx, store, t2))
	require.NoError(t, svc.applyCreate(ctx, store, t3))

	// t2 提前到链首之前，整条链按新位置重排
	t2b := newTxn(2, 100, "40", model.DirectionDebit, time.Date(2023, 12, 20, 0, 0, 0, 0, time.UTC))
	require.NoError(t, svc.applyUpdate(ctx, store, t2, t2b))

	assert.True(t, entryBalance(t, store, 2).Equal(decimal.RequireFromString("-40")))
	assert.True(t, entryBalance(t, store, 1).Equal(decimal.RequireFromString("60")))
	assert.True(t, entryBalance(t, store, 3).Equal(decimal.RequireFromString("70")))

	assertChainConsistent(t, store, 100, map[int64]*model.Transaction{1: t1, 2: t2b, 3: t3})
}

func TestOrderKeyTieDeterministic(t *testing.T) {
	ctx := context.Background()
	at := day(5)

	// 同一时间戳靠交易ID打破平局：无论入链顺序，最终链一致
	buildChain := func(order []*model.Transaction) []*model.LedgerEntry {
		store := repository.NewMemoryLedgerStore()
		svc := &BalanceService{}
		for _, txn := range order {
			require.NoError(t, svc.applyCreate(ctx, store, txn))
		}
		entries, err := store.EntriesForAccount(ctx, 100)
		require.NoError(t, err)
		return entries
	}

	tA := newTxn(10, 100, "100", model.DirectionCredit, at)
	tB := newTxn(20, 100, "30", model.DirectionDebit, at)

	forward := buildChain([]*model.Transaction{tA, tB})
	reverse := buildChain([]*model.Transaction{tB, tA})

	require.Len(t, forward, 2)
	require.Len(t, reverse, 2)
	for i := range forward {
		assert.Equal(t, forward[i].TransactionID, reverse[i].TransactionID)
		assert.True(t, forward[i].Balance.Equal(reverse[i].Balance),
			"位置 %d: %s != %s", i, forward[i].Balance, reverse[i].Balance)
	}
	// ID 小的在前
	assert.Equal(t, int64(10), forward[0].TransactionID)
	assert.True(t, forward[0].Balance.Equal(decimal.RequireFromString("100")))
	assert.True(t, forward[1].Balance.Equal(decimal.RequireFromString("70")))
}

func TestBalanceAtOrBeforeEmpty(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryLedgerStore()

	// 时点早于一切历史：零余额而不是报错
	b, err := store.BalanceAtOrBefore(ctx, 100, day(1))
	require.NoError(t, err)
	assert.True(t, b.IsZero())
}

func TestBalanceAtOrBeforePicksLatestEntry(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryLedgerStore()
	svc := &BalanceService{}

	require.NoError(t, svc.applyCreate(ctx, store, newTxn(1, 100, "100", model.DirectionCredit, day(1))))
	require.NoError(t, svc.applyCreate(ctx, store, newTxn(2, 100, "40", model.DirectionDebit, day(10))))

	b, err := store.BalanceAtOrBefore(ctx, 100, day(5))
	require.NoError(t, err)
	assert.True(t, b.Equal(decimal.RequireFromString("100")))
}

// TestConcurrentCreatesSerialized 两个账户各两个 worker 并发建快照：
// 账户间并行互不影响，账户内靠账户锁串行，最终链必须可重算复现
func TestConcurrentCreatesSerialized(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryLedgerStore()
	svc := &BalanceService{}
	locks := lock.NewAccountLockManager()

	const perWorker = 50

	var mu sync.Mutex
	txns := make(map[int64]*model.Transaction)

	var wg sync.WaitGroup
	runWorker := func(accountID, idBase int64) {
		defer wg.Done()
		for i := int64(0); i < perWorker; i++ {
			txn := newTxn(idBase+i, accountID, "10", model.DirectionCredit,
				day(1).Add(time.Duration(i)*time.Minute))
			if i%3 == 0 {
				txn.Direction = model.DirectionDebit
				txn.Amount = decimal.NewFromInt(4)
			}

			key := lock.AccountKey{TenantID: "acme", AccountID: accountID}
			require.NoError(t, locks.Acquire(ctx, key))
			err := svc.applyCreate(ctx, store, txn)
			locks.Release(key)
			require.NoError(t, err)

			mu.Lock()
			txns[txn.ID] = txn
			mu.Unlock()
		}
	}

	wg.Add(4)
	go runWorker(100, 1000)
	go runWorker(100, 2000)
	go runWorker(200, 3000)
	go runWorker(200, 4000)
	wg.Wait()

	assertChainConsistent(t, store, 100, txns)
	assertChainConsistent(t, store, 200, txns)

	entriesA, err := store.EntriesForAccount(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, entriesA, 2*perWorker)
	entriesB, err := store.EntriesForAccount(ctx, 200)
	require.NoError(t, err)
	assert.Len(t, entriesB, 2*perWorker)
}

func TestClassifyStorageErr(t *testing.T) {
	assert.NoError(t, classifyStorageErr(nil))

	// 非锁超时错误原样透传
	busy := classifyStorageErr(assert.AnError)
	assert.Equal(t, assert.AnError, busy)

	// 1205 锁等待超时翻译成可重试错误，包装过的也要认出来
	timeout := &mysql.MySQLError{Number: 1205, Message: "Lock wait timeout exceeded; try restarting transaction"}
	assert.ErrorIs(t, classifyStorageErr(timeout), ErrLedgerBusy)
	assert.ErrorIs(t, classifyStorageErr(fmt.Errorf("更新失败: %w", timeout)), ErrLedgerBusy)

	// 别的 MySQL 错误码不算忙
	dup := &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}
	assert.NotErrorIs(t, classifyStorageErr(dup), ErrLedgerBusy)
}
