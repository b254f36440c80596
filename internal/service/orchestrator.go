package service

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"trackersync/internal/model"
	"trackersync/internal/repository"
	"trackersync/internal/tracker"
	"trackersync/pkg/logger"
	"trackersync/pkg/metrics"
	"trackersync/pkg/trace"
)

// abandonedMessage 进程重启后遗留的 InProgress 记录
const abandonedMessage = "sync abandoned: worker restarted"

// 终态写库的重试上限与总时长
const (
	resultSaveRetries = 5
	resultSaveTimeout = 30 * time.Second
)

// ErrShuttingDown is returned by StartSync after Shutdown has been called.
var ErrShuttingDown = errors.New("orchestrator is shutting down")

// Orchestrator runs at most one sync session per project. Sessions run detached from the
// caller's context and always end in a terminal SyncOperation state.
type Orchestrator struct {
	store  *repository.Store
	engine *ConflictEngine
	source tracker.Client
	target tracker.Client
	logger *zap.Logger
	now    func() time.Time

	sessions *registry
	baseCtx  context.Context
	stop     context.CancelFunc

	// saveBackOff 终态写库失败时的重试节奏
	saveBackOff func() backoff.BackOff
}

// NewOrchestrator 创建编排器
func NewOrchestrator(store *repository.Store, engine *ConflictEngine, source, target tracker.Client, logger *zap.Logger) *Orchestrator {
	ctx, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		store:       store,
		engine:      engine,
		source:      source,
		target:      target,
		logger:      logger,
		now:         time.Now,
		sessions:    newRegistry(),
		baseCtx:     ctx,
		stop:        stop,
		saveBackOff: resultSaveBackOff,
	}
}

func resultSaveBackOff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 200 * time.Millisecond
	exp.MaxInterval = 5 * time.Second
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithMaxRetries(exp, resultSaveRetries)
}

// WithClock 测试时注入时钟
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// StartSync persists an InProgress operation and launches the run in the background.
// DirectionNone means the project's configured direction.
func (o *Orchestrator) StartSync(ctx context.Context, projectID uuid.UUID, direction model.Direction) (uuid.UUID, error) {
	if err := o.baseCtx.Err(); err != nil {
		return uuid.Nil, ErrShuttingDown
	}

	p, err := o.store.Projects.Get(ctx, projectID)
	if err != nil {
		return uuid.Nil, err
	}
	if !p.IsActive {
		return uuid.Nil, fmt.Errorf("project %s: %w", projectID, model.ErrInactive)
	}
	if direction == model.DirectionNone {
		direction = p.Direction
	}

	runCtx, cancel := context.WithCancel(o.baseCtx)
	err = o.sessions.tryAcquire(p.ID, cancel)
	if errors.Is(err, model.ErrAlreadyInProgress) && o.flushUnsaved(ctx, p.ID) {
		err = o.sessions.tryAcquire(p.ID, cancel)
	}
	if err != nil {
		cancel()
		if errors.Is(err, ErrShuttingDown) {
			return uuid.Nil, err
		}
		return uuid.Nil, fmt.Errorf("project %s: %w", projectID, err)
	}

	op := model.StartOperation(p.ID, direction, o.now())
	if err := o.store.Operations.Save(ctx, op); err != nil {
		o.sessions.release(p.ID)
		o.sessions.done()
		cancel()
		// 另一个进程已经持有该项目的 InProgress 记录
		if errors.Is(err, model.ErrDuplicate) {
			return uuid.Nil, fmt.Errorf("project %s: %w", projectID, model.ErrAlreadyInProgress)
		}
		return uuid.Nil, err
	}
	o.sessions.attach(p.ID, op.ID)

	o.logger.Info("Sync started",
		zap.String("project_id", p.ID.String()),
		zap.String("operation_id", op.ID.String()),
		zap.String("direction", direction.String()),
	)

	go o.run(runCtx, cancel, p, op)
	return op.ID, nil
}

// flushUnsaved 重新写入上次未能落库的终态；成功后项目可以开始新的同步
func (o *Orchestrator) flushUnsaved(ctx context.Context, projectID uuid.UUID) bool {
	op, _ := o.sessions.parked(projectID)
	if op == nil {
		return false
	}
	if err := o.store.Operations.Save(ctx, op); err != nil {
		o.logger.Warn("Sync result still not saved",
			zap.String("project_id", projectID.String()),
			zap.String("operation_id", op.ID.String()),
			zap.Error(err),
		)
		return false
	}
	if !o.sessions.unpark(projectID, op.ID) {
		return false
	}
	o.logger.Info("Saved pending sync result",
		zap.String("project_id", projectID.String()),
		zap.String("operation_id", op.ID.String()),
		zap.String("status", string(op.Status)),
	)
	return true
}

// StopSync signals the running session of the project. It returns false when none is running.
func (o *Orchestrator) StopSync(projectID uuid.UUID) bool {
	ok := o.sessions.cancel(projectID)
	if ok {
		o.logger.Info("Sync cancellation requested", zap.String("project_id", projectID.String()))
	}
	return ok
}

func (o *Orchestrator) IsSyncInProgress(projectID uuid.UUID) bool {
	return o.sessions.has(projectID)
}

func (o *Orchestrator) GetSyncStatus(ctx context.Context, operationID uuid.UUID) (*model.SyncOperation, error) {
	return o.store.Operations.Get(ctx, operationID)
}

// Wait blocks until every detached session has reached a terminal state.
func (o *Orchestrator) Wait() {
	o.sessions.wait()
}

// Shutdown cancels all sessions and waits for them to record their terminal state.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.stop()
	o.sessions.close()

	done := make(chan struct{})
	go func() {
		o.sessions.wait()
		close(done)
	}()
	select {
	case <-done:
		o.logger.Info("All sync sessions stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for sync sessions: %w", ctx.Err())
	}
}

// FailAbandoned marks InProgress operations that no session of this process owns as Failed.
// Called once at startup so a crashed run does not block its project forever.
func (o *Orchestrator) FailAbandoned(ctx context.Context) (int, error) {
	ops, err := o.store.Operations.ListByStatus(ctx, model.StatusInProgress)
	if err != nil {
		return 0, err
	}
	running := o.sessions.running()
	n := 0
	for _, op := range ops {
		if running[op.ID] {
			continue
		}
		if err := op.Fail(abandonedMessage, op.ItemsProcessed, op.ErrorCount, o.now()); err != nil {
			continue
		}
		if err := o.store.Operations.Save(ctx, op); err != nil {
			return n, err
		}
		n++
		o.logger.Warn("Marked abandoned sync operation failed",
			zap.String("operation_id", op.ID.String()),
			zap.String("project_id", op.ProjectID.String()),
		)
	}
	return n, nil
}

func (o *Orchestrator) run(ctx context.Context, cancel context.CancelFunc, p *model.Project, op *model.SyncOperation) {
	defer o.sessions.done()
	defer cancel()

	ctx = trace.WithContext(ctx, op.ID.String())
	log := logger.WithTrace(ctx, o.logger).With(
		zap.String("project_id", p.ID.String()),
		zap.String("operation_id", op.ID.String()),
	)
	r := newSyncRun(o, p, op, log)

	var runErr error
	defer func() {
		if rec := recover(); rec != nil {
			runErr = fmt.Errorf("panic: %v", rec)
			log.Error("Sync run panicked", zap.Any("panic", rec), zap.ByteString("stack", debug.Stack()))
		}
		// 终态写入之后才释放，保证 IsSyncInProgress 为 false 时记录已是终态
		if err := o.finish(ctx, log, op, r, runErr); err != nil {
			o.sessions.park(p.ID, op, err)
			return
		}
		o.sessions.release(p.ID)
	}()

	runErr = r.execute(ctx)
}

// finish 写入终态；使用不可取消的 context，取消后的记录也必须落库。
// 返回非 nil 表示重试后终态仍未保存，数据库里该操作还是 InProgress。
func (o *Orchestrator) finish(ctx context.Context, log *zap.Logger, op *model.SyncOperation, r *syncRun, runErr error) error {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resultSaveTimeout)
	defer cancel()
	now := o.now()

	var err error
	switch {
	case ctx.Err() != nil && (runErr == nil || errors.Is(runErr, context.Canceled)):
		err = op.Fail(model.CancelledMessage, r.processed, r.errors, now)
	case runErr != nil:
		err = op.Fail(runErr.Error(), r.processed, r.errors, now)
	default:
		err = op.Complete(r.processed, r.errors, r.summary(), now)
	}
	if err != nil {
		log.Error("Sync operation already finished", zap.Error(err))
		return nil
	}

	if op.Status == model.StatusCompleted && op.ErrorCount == 0 {
		o.advanceProjectSync(saveCtx, log, op)
	}

	if err := o.saveResult(saveCtx, log, op); err != nil {
		log.Error("Sync result not saved, project stays blocked until it is",
			zap.String("status", string(op.Status)),
			zap.Error(err),
		)
		return err
	}
	metrics.RecordSyncRun(string(op.Outcome()), op.Direction.String(), op.Duration())

	log.Info("Sync finished",
		zap.String("status", string(op.Status)),
		zap.String("outcome", string(op.Outcome())),
		zap.Int("items_processed", op.ItemsProcessed),
		zap.Int("error_count", op.ErrorCount),
		zap.Duration("duration", op.Duration()),
		zap.String("error", op.ErrorMessage),
	)
	return nil
}

func (o *Orchestrator) saveResult(ctx context.Context, log *zap.Logger, op *model.SyncOperation) error {
	save := func() error {
		return o.store.Operations.Save(ctx, op)
	}
	notify := func(err error, wait time.Duration) {
		log.Warn("Retrying sync result save", zap.Duration("backoff", wait), zap.Error(err))
	}
	return backoff.RetryNotify(save, backoff.WithContext(o.saveBackOff(), ctx), notify)
}

// advanceProjectSync 只有无错误完成时才推进项目的 LastSyncUTC（推进到本次开始时间）
func (o *Orchestrator) advanceProjectSync(ctx context.Context, log *zap.Logger, op *model.SyncOperation) {
	p, err := o.store.Projects.Get(ctx, op.ProjectID)
	if err != nil {
		log.Error("Failed to reload project", zap.Error(err))
		return
	}
	p.MarkSynced(op.StartUTC)
	if err := o.store.Projects.Save(ctx, p); err != nil {
		log.Error("Failed to advance project last sync", zap.Error(err))
	}
}
