package lock

import (
	"context"
	"sort"
	"sync"
)

// ============================================================================
// 进程内账户锁
// ============================================================================
//
// 【为什么数据库行锁之外还要一层进程内锁？】
//
// 余额引擎的每次变更都是"先读（找前驱快照）后写（插入+批量调整）"，
// 读写之间不能插入同账户的其他变更。行锁在事务开始后才生效，
// 进程内锁让同进程的竞争者在碰数据库之前就排好队：
//   - 省掉一次注定要等锁的数据库往返
//   - 按 FIFO 排队，导入 worker 持续灌入时交互请求不会饿死
//
// 跨进程的互斥最终由"锁定账户最新快照行"的 FOR UPDATE 兜底，
// 进程内锁只是优化，不承担正确性
//
// 【公平性实现】
//
// 锁本体是容量为 1 的 channel。阻塞在 channel 发送上的 goroutine
// 由运行时按先来后到唤醒，天然 FIFO。ctx 只在获锁前生效：
// 一旦拿到锁，变更要么整体完成要么整体回滚，不存在中途取消

// AccountKey 锁的键：租户 + 账户
// 不用字符串拼接，结构体做 map key 既省拼接又不会有分隔符歧义
type AccountKey struct {
	TenantID  string
	AccountID int64
}

func (k AccountKey) less(other AccountKey) bool {
	if k.TenantID != other.TenantID {
		return k.TenantID < other.TenantID
	}
	return k.AccountID < other.AccountID
}

type accountLock struct {
	sem  chan struct{}
	refs int // 持有者+等待者计数，归零时从 map 中摘除
}

// AccountLockManager 按 (租户, 账户) 维度的锁管理器
type AccountLockManager struct {
	mu    sync.Mutex
	locks map[AccountKey]*accountLock
}

func NewAccountLockManager() *AccountLockManager {
	return &AccountLockManager{
		locks: make(map[AccountKey]*accountLock),
	}
}

func (m *AccountLockManager) get(key AccountKey) *accountLock {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[key]
	if !ok {
		l = &accountLock{sem: make(chan struct{}, 1)}
		m.locks[key] = l
	}
	l.refs++
	return l
}

func (m *AccountLockManager) put(key AccountKey) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[key]
	if !ok {
		return
	}
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
}

// Acquire 获取单个账户锁，阻塞直到拿到或 ctx 取消
// ctx 取消只可能发生在获锁之前，拿到锁之后由调用方保证释放
func (m *AccountLockManager) Acquire(ctx context.Context, key AccountKey) error {
	l := m.get(key)

	select {
	case l.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		m.put(key)
		return ctx.Err()
	}
}

// Release 释放账户锁
func (m *AccountLockManager) Release(key AccountKey) {
	m.mu.Lock()
	l, ok := m.locks[key]
	m.mu.Unlock()
	if !ok {
		return
	}

	<-l.sem
	m.put(key)
}

// AcquireOrdered 按全局固定顺序获取多个账户锁
//
// 【关键点】换账户的编辑要同时锁旧账户和新账户。
// 两个并发的"对掉账户"编辑如果各自按自己的顺序加锁会死锁，
// 所以统一按 (租户, 账户ID) 升序加锁。键先去重：
// 锁不可重入，同一个键锁两次会把自己卡死
func (m *AccountLockManager) AcquireOrdered(ctx context.Context, keys ...AccountKey) ([]AccountKey, error) {
	uniq := make([]AccountKey, 0, len(keys))
	seen := make(map[AccountKey]bool, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			uniq = append(uniq, k)
		}
	}
	sort.Slice(uniq, func(i, j int) bool { return uniq[i].less(uniq[j]) })

	acquired := make([]AccountKey, 0, len(uniq))
	for _, k := range uniq {
		if err := m.Acquire(ctx, k); err != nil {
			// 回滚已拿到的锁，倒序释放
			for i := len(acquired) - 1; i >= 0; i-- {
				m.Release(acquired[i])
			}
			return nil, err
		}
		acquired = append(acquired, k)
	}
	return acquired, nil
}

// ReleaseAll 倒序释放 AcquireOrdered 拿到的锁
func (m *AccountLockManager) ReleaseAll(keys []AccountKey) {
	for i := len(keys) - 1; i >= 0; i-- {
		m.Release(keys[i])
	}
}
