package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"trackersync/config"
	"trackersync/internal/app"
	"trackersync/internal/httpserver"
	"trackersync/internal/service"
	"trackersync/pkg/logger"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	log.Info("Starting trackersync worker...",
		zap.String("db_driver", cfg.DB.Driver),
		zap.Bool("mq_enabled", cfg.MQ.Enabled),
		zap.Bool("redis_enabled", cfg.Redis.Enabled),
		zap.String("port", cfg.Server.Port),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Store
	store, err := app.OpenStore(ctx, *cfg, log)
	if err != nil {
		log.Fatal("Failed to open store", zap.Error(err))
	}
	defer store.Close()
	log.Info("Store opened")

	// Trackers
	source, target, err := app.Trackers(*cfg, log)
	if err != nil {
		log.Fatal("Failed to init trackers", zap.Error(err))
	}

	// Services
	engine := service.NewConflictEngine(store, log)
	orch := service.NewOrchestrator(store, engine, source, target, log)
	if n, err := orch.FailAbandoned(ctx); err != nil {
		log.Fatal("Failed to recover abandoned operations", zap.Error(err))
	} else if n > 0 {
		log.Warn("Recovered abandoned sync operations", zap.Int("count", n))
	}
	scheduler := service.NewScheduler(store, orch, cfg.Scheduler, log)

	// Outbox
	messaging, err := app.OpenMessaging(*cfg, log)
	if err != nil {
		log.Fatal("Failed to init messaging", zap.Error(err))
	}
	defer messaging.Close()
	dispatcher := app.Dispatcher(store, *cfg, log).Subscribe(messaging.Subscribers(store, *cfg, log)...)

	// HTTP
	router := httpserver.NewRouter(orch, engine, store, log)
	srv := router.Server(":" + cfg.Server.Port)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		dispatcher.Start(gctx)
		return nil
	})
	g.Go(func() error {
		if err := scheduler.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		scheduler.Stop()
		return nil
	})
	g.Go(func() error {
		log.Info("HTTP server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down trackersync worker gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		} else {
			log.Info("HTTP server stopped")
		}
		return orch.Shutdown(shutdownCtx)
	})

	log.Info("trackersync worker is fully initialized and running")

	if err := g.Wait(); err != nil {
		log.Error("Worker stopped with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("trackersync worker shutdown complete")
}
