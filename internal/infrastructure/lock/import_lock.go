package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ============================================================================
// 导入分布式锁
// ============================================================================
//
// 【为什么导入要加分布式锁？】
//
// 同一份对账单被重复上传（用户连点、网关重试）时，可能有两个
// worker 同时处理同一账户的导入。账本本身的正确性由账户行锁保证，
// 但两个 worker 会把同一批交易各导一遍。按 (租户, 账户) 维度的
// Redis 锁让同一账户同一时刻只有一个导入批次在跑
//
// 加锁：SET key value NX EX timeout
//   - NX: key 不存在才能设置成功（互斥）
//   - EX: 过期时间（worker 崩溃时锁自动释放，防死锁）
//   - value: 持锁批次标识，释放时校验，防止误删别人的锁
//
// 释放：Lua 脚本保证"校验+删除"原子执行

var ErrLockFailed = errors.New("获取分布式锁失败")

// DistributedLock Redis 分布式锁
type DistributedLock struct {
	client     *redis.Client
	key        string
	value      string // 持锁者标识，释放时校验
	expiration time.Duration
}

func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock 尝试获取锁（非阻塞）
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	success, err := l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
	if err != nil {
		return false, err
	}
	return success, nil
}

// Lock 阻塞式获取锁（带重试）
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return ErrLockFailed
}

// Unlock 释放锁
// 先校验 value 再删除，整个动作用 Lua 脚本原子执行：
// 锁过期后被别人抢走时，不能把别人的锁删掉
func (l *DistributedLock) Unlock(ctx context.Context) error {
	script := `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
	_, err := l.client.Eval(ctx, script, []string{l.key}, l.value).Result()
	return err
}

// NewImportLock 创建导入锁（按租户+账户维度）
// value 用批次号，便于排查是哪次导入持有锁
func NewImportLock(client *redis.Client, tenantID string, accountID int64, importNo string) *DistributedLock {
	key := fmt.Sprintf("import:lock:%s:%d", tenantID, accountID)
	return NewDistributedLock(client, key, importNo, 5*time.Minute)
}
