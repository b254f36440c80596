package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"trackersync/internal/model"
	"trackersync/internal/repository"
)

// SchedulerConfig 调度器配置
type SchedulerConfig struct {
	PollSpec           string        `yaml:"poll_spec"`
	CleanupSpec        string        `yaml:"cleanup_spec"`
	MinInterval        time.Duration `yaml:"min_interval"`
	OperationRetention time.Duration `yaml:"operation_retention"`
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		PollSpec:           "@every 15m",
		CleanupSpec:        "0 2 * * *",
		MinInterval:        30 * time.Minute,
		OperationRetention: 30 * 24 * time.Hour,
	}
}

// SyncStarter is the part of the orchestrator the scheduler needs.
type SyncStarter interface {
	StartSync(ctx context.Context, projectID uuid.UUID, direction model.Direction) (uuid.UUID, error)
}

// Scheduler starts due syncs and cleans up old operations on cron schedules.
type Scheduler struct {
	projects   repository.ProjectRepository
	operations repository.OperationRepository
	starter    SyncStarter
	cfg        SchedulerConfig
	logger     *zap.Logger
	now        func() time.Time

	cron *cron.Cron
}

// NewScheduler 创建调度器
func NewScheduler(store *repository.Store, starter SyncStarter, cfg SchedulerConfig, logger *zap.Logger) *Scheduler {
	def := DefaultSchedulerConfig()
	if cfg.PollSpec == "" {
		cfg.PollSpec = def.PollSpec
	}
	if cfg.CleanupSpec == "" {
		cfg.CleanupSpec = def.CleanupSpec
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = def.MinInterval
	}
	if cfg.OperationRetention <= 0 {
		cfg.OperationRetention = def.OperationRetention
	}
	return &Scheduler{
		projects:   store.Projects,
		operations: store.Operations,
		starter:    starter,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// WithClock 测试时注入时钟
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// IsEligible reports whether a project is due: never synced, or last synced at least minInterval ago.
func IsEligible(p *model.Project, now time.Time, minInterval time.Duration) bool {
	if !p.IsActive {
		return false
	}
	if p.LastSyncUTC == nil {
		return true
	}
	return now.Sub(*p.LastSyncUTC) >= minInterval
}

// EligibleProjects 过滤出到期的项目
func EligibleProjects(projects []*model.Project, now time.Time, minInterval time.Duration) []*model.Project {
	var out []*model.Project
	for _, p := range projects {
		if IsEligible(p, now, minInterval) {
			out = append(out, p)
		}
	}
	return out
}

// PollOnce starts a sync for every due project and returns how many were started.
func (s *Scheduler) PollOnce(ctx context.Context) (int, error) {
	projects, err := s.projects.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active projects: %w", err)
	}
	due := EligibleProjects(projects, s.now(), s.cfg.MinInterval)
	started := 0
	for _, p := range due {
		opID, err := s.starter.StartSync(ctx, p.ID, p.Direction)
		switch {
		case errors.Is(err, model.ErrAlreadyInProgress):
			s.logger.Info("Sync already in progress, skipping", zap.String("project_id", p.ID.String()))
		case err != nil:
			s.logger.Error("Failed to start scheduled sync", zap.String("project_id", p.ID.String()), zap.Error(err))
		default:
			started++
			s.logger.Info("Scheduled sync started",
				zap.String("project_id", p.ID.String()),
				zap.String("operation_id", opID.String()),
			)
		}
	}
	s.logger.Info("Scheduler poll completed",
		zap.Int("active_projects", len(projects)),
		zap.Int("due", len(due)),
		zap.Int("started", started),
	)
	return started, nil
}

// CleanupOnce deletes finished operations older than the retention window.
func (s *Scheduler) CleanupOnce(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.cfg.OperationRetention)
	n, err := s.operations.DeleteFinishedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old operations: %w", err)
	}
	s.logger.Info("Old sync operations cleaned up",
		zap.Int64("deleted", n),
		zap.Time("cutoff", cutoff),
	)
	return n, nil
}

// Start registers both tasks and starts the cron runner. Each task recovers its own panics
// and is skipped while its previous run is still going.
func (s *Scheduler) Start(ctx context.Context) error {
	clog := cronLogger{s.logger.Sugar()}
	s.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(clog),
	)

	poll := cron.NewChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)).Then(cron.FuncJob(func() {
		if _, err := s.PollOnce(ctx); err != nil {
			s.logger.Error("Scheduler poll failed", zap.Error(err))
		}
	}))
	if _, err := s.cron.AddJob(s.cfg.PollSpec, poll); err != nil {
		return fmt.Errorf("invalid poll schedule %q: %w", s.cfg.PollSpec, err)
	}

	cleanup := cron.NewChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)).Then(cron.FuncJob(func() {
		if _, err := s.CleanupOnce(ctx); err != nil {
			s.logger.Error("Operation cleanup failed", zap.Error(err))
		}
	}))
	if _, err := s.cron.AddJob(s.cfg.CleanupSpec, cleanup); err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", s.cfg.CleanupSpec, err)
	}

	s.cron.Start()
	s.logger.Info("Scheduler started",
		zap.String("poll_spec", s.cfg.PollSpec),
		zap.String("cleanup_spec", s.cfg.CleanupSpec),
		zap.Duration("min_interval", s.cfg.MinInterval),
	)
	return nil
}

// Stop 停止调度并等待正在执行的任务结束
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.logger.Info("Scheduler stopped")
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
