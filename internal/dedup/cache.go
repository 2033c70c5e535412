package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"storage-bridge/internal/models"
)

const keyPrefix = "storage-bridge:dedup:"

// Cache 基于Redis的重复消息抑制缓存
// 键是 (测点, 秒级时间戳)，broker重发同一秒的同一测点时抑制重复写入。
// 只是尽力而为的优化：Redis不可用时放行（fail-open），
// at-least-once语义允许重复行，但绝不允许因为去重把消息弄丢
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewCache 创建去重缓存
func NewCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Cache{
		client: client,
		ttl:    ttl,
		logger: logger,
	}
}

// Seen 判断读数是否在TTL窗口内出现过，并把它登记进缓存
func (c *Cache) Seen(ctx context.Context, reading *models.SensorReading) bool {
	if reading.PointKey == "" {
		// 无测点标识的读数不参与去重
		return false
	}

	key := fmt.Sprintf("%s%s:%s", keyPrefix, reading.PointKey,
		reading.Time.UTC().Format("2006-01-02T15:04:05"))

	ok, err := c.client.SetNX(ctx, key, 1, c.ttl).Result()
	if err != nil {
		c.logger.Warn("Dedup cache unavailable, passing message through",
			zap.Error(err),
		)
		return false
	}
	// SetNX失败说明键已存在，即TTL窗口内见过同一(测点,秒)
	return !ok
}
