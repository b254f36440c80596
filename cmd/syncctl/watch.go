package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"trackersync/pkg/mq"
	"trackersync/pkg/redis"
	"trackersync/pkg/util"
)

const watchHandlerName = "syncctl.watch"

// watchCmd 订阅 exchange 打印领域事件；启用 Redis 时同一条消息只打印一次，
// 投递次数也记在 Redis 里。反复失败的消息转入 <exchange>.dlq。
func watchCmd() *cobra.Command {
	var (
		routingKey    string
		queue         string
		maxDeliveries int
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print domain events published to RabbitMQ",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer log.Sync()
			if cfg.MQ.URL == "" {
				return errors.New("mq.url is not configured")
			}

			var (
				dedup   *util.Deduper
				counter mq.DeliveryCounter
			)
			if cfg.Redis.Enabled {
				rdb, err := redis.NewRedisClient(cfg.Redis)
				if err != nil {
					return err
				}
				defer rdb.Close()
				dedup = util.NewDeduper(rdb, cfg.Redis.DedupTTL, log)
				counter = util.NewRetryCounter(rdb, cfg.Redis.DedupTTL)
			}

			consumer, err := mq.NewConsumer(cfg.MQ.URL, cfg.MQ.Exchange, queue, routingKey, log)
			if err != nil {
				return err
			}
			defer consumer.Close()
			if err := consumer.EnableDeadLetter(counter, maxDeliveries); err != nil {
				return err
			}

			consumer.SetHandler(func(ctx context.Context, msg mq.Message) error {
				if dedup != nil && dedup.Seen(ctx, watchHandlerName, msg.ID) {
					return nil
				}
				if err := printEvent(msg); err != nil {
					return err
				}
				if dedup != nil {
					if err := dedup.MarkDone(ctx, watchHandlerName, msg.ID); err != nil {
						log.Debug("Failed to mark event printed", zap.String("message_id", msg.ID), zap.Error(err))
					}
				}
				return nil
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			log.Info("Watching domain events", zap.String("exchange", cfg.MQ.Exchange), zap.String("routing_key", routingKey))
			if err := consumer.StartConsuming(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&routingKey, "routing-key", "#", "topic pattern, e.g. conflict.*")
	cmd.Flags().StringVar(&queue, "queue", "", "durable queue name (empty for a temporary queue)")
	cmd.Flags().IntVar(&maxDeliveries, "max-deliveries", 3, "failed deliveries before a message goes to the dead letter queue")
	return cmd
}

func printEvent(msg mq.Message) error {
	if opts.json {
		return printJSON(msg)
	}
	fmt.Printf("%s  %-28s %s  %s\n", msg.Timestamp.UTC().Format("2006-01-02T15:04:05Z"),
		msg.RoutingKey, msg.ID, string(msg.Body))
	return nil
}
