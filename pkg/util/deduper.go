package util

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Deduper 基于 Redis 的幂等去重，用于 at-least-once 投递的消费端
type Deduper struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewDeduper(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *Deduper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deduper{rdb: rdb, ttl: ttl, logger: logger}
}

func dedupKey(handler, id string) string {
	return fmt.Sprintf("dedup:%s:%s", handler, id)
}

// Seen reports whether MarkDone was already called for handler + id.
// 只有处理成功后才写入标记，失败的处理可以重试
func (d *Deduper) Seen(ctx context.Context, handler, id string) bool {
	err := d.rdb.Get(ctx, dedupKey(handler, id)).Err()
	switch {
	case err == nil:
		return true
	case errors.Is(err, redis.Nil):
		return false
	}
	d.logger.Warn("Redis dedup lookup failed, assuming unseen",
		zap.String("handler", handler),
		zap.String("id", id),
		zap.Error(err),
	)
	return false
}

// MarkDone 记录处理成功
func (d *Deduper) MarkDone(ctx context.Context, handler, id string) error {
	return d.rdb.Set(ctx, dedupKey(handler, id), 1, d.ttl).Err()
}
