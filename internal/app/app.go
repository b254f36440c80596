// Package app builds the long-lived components shared by the worker and the CLI.
package app

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"trackersync/config"
	"trackersync/internal/eventhandler"
	"trackersync/internal/model"
	"trackersync/internal/repository"
	"trackersync/internal/repository/sqlite"
	"trackersync/internal/tracker"
	"trackersync/internal/tracker/github"
	"trackersync/internal/tracker/jira"
	"trackersync/pkg/db"
	"trackersync/pkg/mq"
	"trackersync/pkg/outbox"
	"trackersync/pkg/redis"
	"trackersync/pkg/resilience"
	"trackersync/pkg/util"
)

// OpenStore 按 db.driver 打开存储；postgres 会先执行迁移
func OpenStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (*repository.Store, error) {
	switch cfg.DB.Driver {
	case "postgres":
		pool, err := db.NewConnection(ctx, cfg.DB, logger)
		if err != nil {
			return nil, err
		}
		if err := repository.Migrate(ctx, pool, logger); err != nil {
			pool.Close()
			return nil, err
		}
		return repository.NewPostgresStore(pool, logger), nil
	case "sqlite":
		return sqlite.Open(cfg.DB.Path, logger)
	}
	return nil, fmt.Errorf("unsupported db driver %q", cfg.DB.Driver)
}

// Trackers 创建源端和目标端客户端，各自带独立的重试与熔断策略
func Trackers(cfg config.Config, logger *zap.Logger) (tracker.Client, tracker.Client, error) {
	gh, err := github.NewClient(cfg.Source, logger.Named("github"))
	if err != nil {
		return nil, nil, fmt.Errorf("source tracker: %w", err)
	}
	jr, err := jira.NewClient(cfg.Target, logger.Named("jira"))
	if err != nil {
		return nil, nil, fmt.Errorf("target tracker: %w", err)
	}

	source := tracker.NewResilient(gh, resilience.New(gh.Name(), cfg.Resilience, tracker.IsTransient, logger))
	target := tracker.NewResilient(jr, resilience.New(jr.Name(), cfg.Resilience, tracker.IsTransient, logger))
	return source, target, nil
}

// Registry 所有领域事件的解码表
func Registry() *outbox.Registry {
	reg := outbox.NewRegistry()
	model.RegisterEvents(reg)
	return reg
}

// Dispatcher 按配置创建 outbox 投递器（未订阅任何处理器）
func Dispatcher(store *repository.Store, cfg config.Config, logger *zap.Logger) *outbox.Dispatcher {
	return outbox.NewDispatcher(store.Outbox, Registry(), logger).
		WithMaxRetries(cfg.Outbox.MaxRetries).
		WithInterval(cfg.Outbox.Interval).
		WithBatchSize(cfg.Outbox.BatchSize).
		WithLease(cfg.Outbox.Lease).
		WithRetention(cfg.Outbox.Retention, cfg.Outbox.PurgeInterval)
}

// Messaging 可选的 MQ 发布端和 Redis 去重器；Close 释放已打开的连接
type Messaging struct {
	Publisher *mq.Publisher
	Deduper   *util.Deduper
	redis     *goredis.Client
}

// OpenMessaging 未启用的部分保持 nil
func OpenMessaging(cfg config.Config, logger *zap.Logger) (*Messaging, error) {
	m := &Messaging{}
	if cfg.Redis.Enabled {
		rdb, err := redis.NewRedisClient(cfg.Redis)
		if err != nil {
			return nil, err
		}
		m.redis = rdb
		m.Deduper = util.NewDeduper(rdb, cfg.Redis.DedupTTL, logger)
	}
	if cfg.MQ.Enabled {
		pub, err := mq.NewPublisher(cfg.MQ.URL, cfg.MQ.Exchange)
		if err != nil {
			m.Close()
			return nil, err
		}
		m.Publisher = pub
		logger.Info("MQ publisher connected", zap.String("exchange", cfg.MQ.Exchange))
	}
	return m, nil
}

// Subscribers 组装 outbox 订阅者：日志、冲突告警，启用 MQ 时再加发布
func (m *Messaging) Subscribers(store *repository.Store, cfg config.Config, logger *zap.Logger) []outbox.Subscriber {
	subs := []outbox.Subscriber{
		eventhandler.NewLogHandler(logger),
		eventhandler.NewConflictAlertHandler(store.Conflicts, cfg.Alert.ConflictThreshold, logger),
	}
	if m.Publisher != nil {
		var dedup eventhandler.Deduper
		if m.Deduper != nil {
			dedup = m.Deduper
		}
		subs = append(subs, eventhandler.NewPublishHandler(m.Publisher, dedup, logger))
	}
	return subs
}

func (m *Messaging) Close() {
	if m.Publisher != nil {
		m.Publisher.Close()
	}
	if m.redis != nil {
		_ = m.redis.Close()
	}
}
