package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"trackersync/pkg/logger"
	"trackersync/pkg/metrics"
	"trackersync/pkg/trace"
)

// Subscriber 接收解码后的事件，必须幂等（投递语义为 at-least-once）
type Subscriber interface {
	Name() string
	Handle(ctx context.Context, e *Event, payload any) error
}

// Result 一轮处理的统计
type Result struct {
	Claimed   int
	Processed int
	Failed    int
	Skipped   int
}

// Dispatcher 负责从 outbox 中读取事件并投递给订阅者
type Dispatcher struct {
	store       Store
	registry    *Registry
	subscribers []Subscriber
	logger      *zap.Logger
	now         func() time.Time

	maxRetries    int
	interval      time.Duration
	batchSize     int
	lease         time.Duration
	retention     time.Duration
	purgeInterval time.Duration
}

// NewDispatcher 创建新的 Dispatcher
func NewDispatcher(store Store, registry *Registry, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:         store,
		registry:      registry,
		logger:        logger,
		now:           time.Now,
		maxRetries:    3,                  // 默认最大重试3次
		interval:      30 * time.Second,   // 默认每30秒扫描一次
		batchSize:     100,                // 默认每次处理100个事件
		lease:         time.Minute,        // 领取后租约
		retention:     7 * 24 * time.Hour, // 已处理事件保留7天
		purgeInterval: time.Hour,
	}
}

// WithMaxRetries 设置最大重试次数
func (d *Dispatcher) WithMaxRetries(maxRetries int) *Dispatcher {
	d.maxRetries = maxRetries
	return d
}

// WithInterval 设置扫描间隔
func (d *Dispatcher) WithInterval(interval time.Duration) *Dispatcher {
	d.interval = interval
	return d
}

// WithBatchSize 设置批次大小
func (d *Dispatcher) WithBatchSize(batchSize int) *Dispatcher {
	d.batchSize = batchSize
	return d
}

// WithLease 设置领取租约时长
func (d *Dispatcher) WithLease(lease time.Duration) *Dispatcher {
	d.lease = lease
	return d
}

// WithRetention 设置已处理事件的保留时间和清理间隔
func (d *Dispatcher) WithRetention(retention, purgeInterval time.Duration) *Dispatcher {
	d.retention = retention
	if purgeInterval > 0 {
		d.purgeInterval = purgeInterval
	}
	return d
}

// WithClock 替换时钟（测试用）
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Subscribe 注册订阅者，按注册顺序投递
func (d *Dispatcher) Subscribe(subscribers ...Subscriber) *Dispatcher {
	d.subscribers = append(d.subscribers, subscribers...)
	return d
}

// MaxRetries 当前的重试上限，死信视图使用同一个值
func (d *Dispatcher) MaxRetries() int {
	return d.maxRetries
}

// Start 启动 Dispatcher，阻塞直到 ctx 取消
// 投递循环和清理循环互相独立，任意一轮 panic 都不会结束另一个
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("Starting Outbox Dispatcher",
		zap.Int("max_retries", d.maxRetries),
		zap.Duration("interval", d.interval),
		zap.Int("batch_size", d.batchSize),
		zap.Duration("retention", d.retention),
		zap.Int("subscribers", len(d.subscribers)),
	)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	purgeTicker := time.NewTicker(d.purgeInterval)
	defer purgeTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Outbox Dispatcher stopped")
			return
		case <-ticker.C:
			d.guard("dispatch", func() {
				if _, err := d.ProcessBatch(ctx); err != nil {
					d.logger.Error("Outbox dispatch cycle failed", zap.Error(err))
				}
			})
		case <-purgeTicker.C:
			d.guard("purge", func() {
				if _, err := d.Purge(ctx); err != nil {
					d.logger.Error("Outbox purge failed", zap.Error(err))
				}
			})
		}
	}
}

func (d *Dispatcher) guard(task string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Outbox task panic recovered", zap.String("task", task), zap.Any("panic", r))
		}
	}()
	fn()
}

// ProcessBatch 执行一轮投递
// 同一个 aggregate 的事件一旦失败，本轮后续事件全部跳过，保持 aggregate 内 FIFO
func (d *Dispatcher) ProcessBatch(ctx context.Context) (Result, error) {
	now := d.now().UTC()
	events, err := d.store.ClaimUnprocessed(ctx, now, d.batchSize, d.maxRetries, now.Add(d.lease))
	if err != nil {
		return Result{}, fmt.Errorf("failed to get pending events: %w", err)
	}

	res := Result{Claimed: len(events)}
	if len(events) == 0 {
		return res, nil // 没有待处理的事件
	}

	d.logger.Debug("Processing pending events", zap.Int("count", len(events)))

	blocked := make(map[uuid.UUID]bool)
	var skipped []uuid.UUID
	defer func() {
		// 跳过的事件没有尝试投递，不必等租约过期
		if err := d.store.ReleaseLocks(context.WithoutCancel(ctx), skipped); err != nil {
			d.logger.Warn("Failed to release skipped events", zap.Int("count", len(skipped)), zap.Error(err))
		}
	}()
	for _, event := range events {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if blocked[event.AggregateID] {
			res.Skipped++
			skipped = append(skipped, event.ID)
			metrics.IncrementOutboxEvent(event.EventType, "skipped")
			continue
		}

		if err := d.deliver(ctx, event); err != nil {
			blocked[event.AggregateID] = true
			res.Failed++
			metrics.IncrementOutboxEvent(event.EventType, "failed")
			d.logger.Warn("Failed to deliver event",
				zap.String("event_id", event.ID.String()),
				zap.String("event_type", event.EventType),
				zap.Int("retry_count", event.RetryCount+1),
				zap.Error(err),
			)
			if err := d.store.MarkFailed(ctx, event.ID, err.Error()); err != nil {
				d.logger.Error("Failed to mark event as failed",
					zap.String("event_id", event.ID.String()),
					zap.Error(err),
				)
			}
			continue
		}

		if err := d.store.MarkProcessed(ctx, event.ID, d.now().UTC()); err != nil {
			// 投递已经成功，下一轮会重复投递，订阅者负责去重
			d.logger.Error("Failed to mark event as processed",
				zap.String("event_id", event.ID.String()),
				zap.Error(err),
			)
			continue
		}
		res.Processed++
		metrics.IncrementOutboxEvent(event.EventType, "processed")
	}

	return res, nil
}

// deliver 解码并投递给所有订阅者，任意一个失败即视为整条事件失败
func (d *Dispatcher) deliver(ctx context.Context, event *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()

	payload, err := d.registry.Decode(event)
	if err != nil {
		return err
	}

	ctx = trace.WithContext(ctx, event.ID.String())
	for _, s := range d.subscribers {
		if err := s.Handle(ctx, event, payload); err != nil {
			return fmt.Errorf("%s: %w", s.Name(), err)
		}
	}

	logger.WithTrace(ctx, d.logger).Debug("Event delivered",
		zap.String("event_type", event.EventType),
		zap.String("aggregate_id", event.AggregateID.String()),
	)
	return nil
}

// Purge 删除超过保留期的已处理事件
func (d *Dispatcher) Purge(ctx context.Context) (int64, error) {
	cutoff := d.now().UTC().Add(-d.retention)
	n, err := d.store.DeleteProcessedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.AddOutboxPurged(n)
		d.logger.Info("Purged processed outbox events", zap.Int64("count", n), zap.Time("cutoff", cutoff))
	}
	return n, nil
}

// FailedEvents 超过重试上限的事件
func (d *Dispatcher) FailedEvents(ctx context.Context) ([]*Event, error) {
	return d.store.FailedEvents(ctx, d.maxRetries)
}
