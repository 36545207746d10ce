package cache

import (
	"context"
	"fmt"
	"log"
	"time"

	"fintracker/internal/config"

	"github.com/go-redis/redis/v8"
)

var RedisClient *redis.Client

func InitRedis(cfg *config.RedisConfig) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatalf("连接 Redis 失败: %v", err)
	}

	RedisClient = client
	log.Println("Redis 连接成功")
	return client
}

// BalanceCacheKey 最新余额缓存 key
// key 必须带租户前缀，杜绝跨租户串数据
func BalanceCacheKey(tenantID string, accountID int64) string {
	return fmt.Sprintf("balance:latest:%s:%d", tenantID, accountID)
}
