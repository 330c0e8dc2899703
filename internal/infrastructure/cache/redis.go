package cache

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"storycredits/internal/config"

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

// ============================================================
// 余额缓存
// ============================================================

// BalanceCache 余额的短 TTL 缓存
//
// 只服务于"积分够不够"的预检查路径——该检查本身就只是 UI 提示，
// 不做任何预留或加锁，所以允许读到略旧的值；
// 真正的扣减永远走数据库事务，不看缓存
type BalanceCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewBalanceCache(client *redis.Client) *BalanceCache {
	return &BalanceCache{
		client: client,
		ttl:    30 * time.Second,
	}
}

func balanceKey(userID string) string {
	return fmt.Sprintf("credits:balance:%s", userID)
}

// Get 读取缓存的余额，未命中返回 (0, false, nil)
func (c *BalanceCache) Get(ctx context.Context, userID string) (int64, bool, error) {
	val, err := c.client.Get(ctx, balanceKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, false, nil
		}
		return 0, false, err
	}
	balance, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, err
	}
	return balance, true, nil
}

func (c *BalanceCache) Set(ctx context.Context, userID string, balance int64) error {
	return c.client.Set(ctx, balanceKey(userID), strconv.FormatInt(balance, 10), c.ttl).Err()
}

// Invalidate 余额变更提交后删除缓存，失败只记日志（缓存本来就允许略旧）
func (c *BalanceCache) Invalidate(ctx context.Context, userID string) {
	if err := c.client.Del(ctx, balanceKey(userID)).Err(); err != nil {
		log.Printf("[BalanceCache] 删除缓存失败: userID=%s, err=%v", userID, err)
	}
}
