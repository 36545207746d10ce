package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireMutualExclusion(t *testing.T) {
	m := NewAccountLockManager()
	key := AccountKey{TenantID: "acme", AccountID: 1}
	ctx := context.Background()

	var inCritical int32
	var maxSeen int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				require.NoError(t, m.Acquire(ctx, key))
				n := atomic.AddInt32(&inCritical, 1)
				if n > atomic.LoadInt32(&maxSeen) {
					atomic.StoreInt32(&maxSeen, n)
				}
				atomic.AddInt32(&inCritical, -1)
				m.Release(key)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxSeen, "临界区出现并发持有")
}

func TestDifferentAccountsDoNotBlock(t *testing.T) {
	m := NewAccountLockManager()
	ctx := context.Background()

	keyA := AccountKey{TenantID: "acme", AccountID: 1}
	keyB := AccountKey{TenantID: "acme", AccountID: 2}

	require.NoError(t, m.Acquire(ctx, keyA))
	defer m.Release(keyA)

	// 持有 A 的情况下 B 必须立刻可得
	ctxB, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	require.NoError(t, m.Acquire(ctxB, keyB))
	m.Release(keyB)
}

func TestTenantIsolatesKeys(t *testing.T) {
	m := NewAccountLockManager()
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, AccountKey{TenantID: "acme", AccountID: 1}))
	defer m.Release(AccountKey{TenantID: "acme", AccountID: 1})

	// 同账户ID不同租户互不干扰
	ctxB, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	require.NoError(t, m.Acquire(ctxB, AccountKey{TenantID: "globex", AccountID: 1}))
	m.Release(AccountKey{TenantID: "globex", AccountID: 1})
}

func TestAcquireContextCancel(t *testing.T) {
	m := NewAccountLockManager()
	key := AccountKey{TenantID: "acme", AccountID: 1}
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, key))

	ctxWait, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := m.Acquire(ctxWait, key)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	m.Release(key)

	// 取消的等待者不能泄漏计数，锁释放后必须可以再次获取
	require.NoError(t, m.Acquire(ctx, key))
	m.Release(key)
}

func TestLockEvictedWhenIdle(t *testing.T) {
	m := NewAccountLockManager()
	key := AccountKey{TenantID: "acme", AccountID: 1}
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, key))
	m.Release(key)

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Empty(t, m.locks, "空闲锁未从 map 摘除")
}

func TestFIFOFairness(t *testing.T) {
	m := NewAccountLockManager()
	key := AccountKey{TenantID: "acme", AccountID: 1}
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, key))

	// 依次排队三个等待者，释放后应按排队顺序拿到锁
	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup
	ready := make(chan struct{})

	for i := 1; i <= 3; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			ready <- struct{}{}
			require.NoError(t, m.Acquire(ctx, key))
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			m.Release(key)
		}(i)
		<-ready
		// 等 goroutine 真正阻塞在锁上再排下一个
		time.Sleep(20 * time.Millisecond)
	}

	m.Release(key)
	wg.Wait()

	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestAcquireOrderedDedupAndSort(t *testing.T) {
	m := NewAccountLockManager()
	ctx := context.Background()

	// 乱序带重复：同键只锁一次，否则自己卡死自己
	held, err := m.AcquireOrdered(ctx,
		AccountKey{TenantID: "acme", AccountID: 5},
		AccountKey{TenantID: "acme", AccountID: 2},
		AccountKey{TenantID: "acme", AccountID: 5},
	)
	require.NoError(t, err)
	require.Len(t, held, 2)
	assert.Equal(t, int64(2), held[0].AccountID)
	assert.Equal(t, int64(5), held[1].AccountID)

	m.ReleaseAll(held)

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Empty(t, m.locks)
}

func TestAcquireOrderedRollsBackOnCancel(t *testing.T) {
	m := NewAccountLockManager()
	ctx := context.Background()

	blocker := AccountKey{TenantID: "acme", AccountID: 9}
	require.NoError(t, m.Acquire(ctx, blocker))

	// 第二把锁被占着，整批获取失败后第一把必须被回滚释放
	ctxWait, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err := m.AcquireOrdered(ctxWait,
		AccountKey{TenantID: "acme", AccountID: 1},
		blocker,
	)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	quick, cancel2 := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel2()
	require.NoError(t, m.Acquire(quick, AccountKey{TenantID: "acme", AccountID: 1}))
	m.Release(AccountKey{TenantID: "acme", AccountID: 1})

	m.Release(blocker)
}

func TestAcquireOrderedNoDeadlockUnderInversion(t *testing.T) {
	m := NewAccountLockManager()
	ctx := context.Background()

	a := AccountKey{TenantID: "acme", AccountID: 1}
	b := AccountKey{TenantID: "acme", AccountID: 2}

	// 两个方向相反的换账户编辑并发跑，统一排序后不会死锁
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		first, second := a, b
		if i == 1 {
			first, second = b, a
		}
		wg.Add(1)
		go func(k1, k2 AccountKey) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				held, err := m.AcquireOrdered(ctx, k1, k2)
				require.NoError(t, err)
				m.ReleaseAll(held)
			}
		}(first, second)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("疑似死锁")
	}
}
