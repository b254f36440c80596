package service

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"trackersync/internal/model"
	"trackersync/internal/repository"
	"trackersync/internal/repository/sqlite"
	"trackersync/internal/tracker"
	"trackersync/internal/tracker/trackertest"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type env struct {
	st     *repository.Store
	clk    *clock
	source *trackertest.Fake
	target *trackertest.Fake
	engine *ConflictEngine
	orch   *Orchestrator
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "sync.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(st.Close)

	clk := &clock{t: t0}
	e := &env{
		st:     st,
		clk:    clk,
		source: trackertest.New("redmine", "RM-", clk.Now),
		target: trackertest.New("azure", "T-", clk.Now),
	}
	e.engine = NewConflictEngine(st, zap.NewNop()).WithClock(clk.Now)
	e.orch = NewOrchestrator(st, e.engine, e.source, e.target, zap.NewNop()).WithClock(clk.Now)
	t.Cleanup(func() { _ = e.orch.Shutdown(context.Background()) })
	return e
}

func (e *env) project(t *testing.T, direction model.Direction) *model.Project {
	t.Helper()
	p, err := model.NewProject("Contoso sync", direction, e.clk.Now())
	require.NoError(t, err)
	p.MapSource(42, e.clk.Now())
	require.NoError(t, p.MapTarget("Contoso", e.clk.Now()))
	require.NoError(t, e.st.Projects.Save(context.Background(), p))
	return p
}

// syncNow runs one sync to completion and returns the stored operation.
func (e *env) syncNow(t *testing.T, projectID uuid.UUID) *model.SyncOperation {
	t.Helper()
	ctx := context.Background()
	id, err := e.orch.StartSync(ctx, projectID, model.DirectionNone)
	require.NoError(t, err)
	e.orch.Wait()
	op, err := e.orch.GetSyncStatus(ctx, id)
	require.NoError(t, err)
	return op
}

// edit 修改远程条目并设置更新时间
func edit(t *testing.T, f *trackertest.Fake, container, id string, at time.Time, changes map[string]string) {
	t.Helper()
	it := f.Item(container, id)
	require.NotNil(t, it)
	for k, v := range changes {
		it.Fields[k] = v
	}
	it.UpdatedUTC = at
	f.Put(container, it)
}

func TestStartSyncPreconditions(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	_, err := e.orch.StartSync(ctx, uuid.New(), model.DirectionNone)
	assert.ErrorIs(t, err, model.ErrNotFound)

	p := e.project(t, model.DirectionBidirectional)
	p.Deactivate(e.clk.Now())
	require.NoError(t, e.st.Projects.Save(ctx, p))
	_, err = e.orch.StartSync(ctx, p.ID, model.DirectionNone)
	assert.ErrorIs(t, err, model.ErrInactive)
}

func TestBidirectionalSync(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	p := e.project(t, model.DirectionBidirectional)
	e.source.Put("42", remoteItem("1", t0.Add(-time.Hour), map[string]string{"title": "Login fails", "status": "open"}))

	// 第一次：source 新条目在 target 创建
	op := e.syncNow(t, p.ID)
	assert.Equal(t, model.StatusCompleted, op.Status)
	assert.Equal(t, model.OutcomeSucceeded, op.Outcome())
	assert.Equal(t, 1, op.ItemsProcessed)
	assert.Equal(t, 0, op.ErrorCount)
	assert.False(t, e.orch.IsSyncInProgress(p.ID))

	created := e.target.Items("Contoso")
	require.Len(t, created, 1)
	assert.Equal(t, "T-1", created[0].ID)
	assert.Equal(t, "Login fails", created[0].Fields["title"])

	local, err := e.st.WorkItems.GetBySourceID(ctx, p.ID, "1")
	require.NoError(t, err)
	require.NotNil(t, local.TargetID)
	assert.Equal(t, "T-1", *local.TargetID)
	assert.False(t, local.IsPendingSync())

	stored, err := e.st.Projects.Get(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastSyncUTC)
	assert.True(t, stored.LastSyncUTC.Equal(op.StartUTC))

	// 第二次：只有 target 改了，较新的一方自动获胜
	edit(t, e.target, "Contoso", "T-1", t0.Add(30*time.Minute), map[string]string{"title": "Login fails on Safari"})
	e.clk.Set(t0.Add(time.Hour))
	op = e.syncNow(t, p.ID)
	assert.Equal(t, model.OutcomeSucceeded, op.Outcome())
	assert.Equal(t, 1, op.ItemsProcessed)
	assert.Equal(t, "Login fails on Safari", e.source.Item("42", "1").Fields["title"])

	conflicts, err := e.engine.ConflictsForProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, conflicts, "auto resolved mismatches are not recorded")

	// 第三次：两端都在上次同步后修改，需要人工处理
	edit(t, e.source, "42", "1", t0.Add(90*time.Minute), map[string]string{"title": "A"})
	edit(t, e.target, "Contoso", "T-1", t0.Add(100*time.Minute), map[string]string{"title": "B"})
	e.clk.Set(t0.Add(2 * time.Hour))
	op = e.syncNow(t, p.ID)
	assert.Equal(t, model.OutcomeSucceeded, op.Outcome())

	open, err := e.engine.UnresolvedConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, model.ConflictConcurrentModification, open[0].Type)
	assert.Equal(t, "A", e.source.Item("42", "1").Fields["title"])
	assert.Equal(t, "B", e.target.Item("Contoso", "T-1").Fields["title"])

	st, err := e.orch.ProjectStatus(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, st.UnresolvedConflicts)
	assert.Len(t, st.RecentOperations, 3)
	assert.False(t, st.InProgress)

	// 人工选择 source，下一次同步推送到 target
	resolved, res, err := e.engine.ApplyResolution(ctx, open[0].ID, StrategyPreferSource, "alice")
	require.NoError(t, err)
	assert.True(t, resolved.IsResolved)
	assert.Equal(t, SideSource, res.Winner)

	_, _, err = e.engine.ApplyResolution(ctx, open[0].ID, StrategyPreferTarget, "bob")
	assert.ErrorIs(t, err, model.ErrAlreadyResolved)

	e.clk.Set(t0.Add(3 * time.Hour))
	op = e.syncNow(t, p.ID)
	assert.Equal(t, model.OutcomeSucceeded, op.Outcome())
	assert.Equal(t, "A", e.target.Item("Contoso", "T-1").Fields["title"])
}

func TestOneWaySyncAuthoritativeSideWins(t *testing.T) {
	e := newEnv(t)
	p := e.project(t, model.DirectionFromSource)
	e.source.Put("42", remoteItem("1", t0.Add(-time.Hour), map[string]string{"title": "Payment retry"}))
	e.source.Put("42", remoteItem("2", t0.Add(-time.Hour), map[string]string{"title": "Login fails"}))
	e.target.FailNext("create_item", tracker.Transient("azure.create_item", errors.New("timeout")))

	// 有错误的运行不推进项目时间，下次会重新拉取全部条目
	op := e.syncNow(t, p.ID)
	assert.Equal(t, model.OutcomePartial, op.Outcome())
	require.NotNil(t, e.target.Item("Contoso", "T-1"))

	// target 较新，但单向同步时 source 仍然获胜
	edit(t, e.target, "Contoso", "T-1", t0.Add(20*time.Minute), map[string]string{"title": "edited in target"})
	e.clk.Set(t0.Add(time.Hour))
	op = e.syncNow(t, p.ID)
	assert.Equal(t, model.OutcomeSucceeded, op.Outcome())
	assert.Equal(t, 2, op.ItemsProcessed)

	assert.Equal(t, "Login fails", e.target.Item("Contoso", "T-1").Fields["title"])
	assert.Equal(t, "Payment retry", e.target.Item("Contoso", "T-2").Fields["title"])
	assert.Zero(t, e.source.Calls("update_item"), "source is never written in from_source mode")
}

func TestValidationFailureBlocksItem(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	p := e.project(t, model.DirectionFromSource)
	m, err := p.AddFieldMapping("status", "System.State", "map:open=To Do,closed=Done")
	require.NoError(t, err)
	require.NoError(t, e.st.Projects.SaveFieldMapping(ctx, m))
	e.source.Put("42", remoteItem("1", t0.Add(-time.Hour), map[string]string{"title": "x", "status": "blocked"}))

	op := e.syncNow(t, p.ID)
	assert.Equal(t, model.StatusCompleted, op.Status)
	assert.Equal(t, model.OutcomePartial, op.Outcome())
	assert.Equal(t, 1, op.ErrorCount)
	assert.Contains(t, op.Details, "status")
	assert.Empty(t, e.target.Items("Contoso"))

	stored, err := e.st.Projects.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.LastSyncUTC, "a run with errors does not advance the project")

	conflicts, err := e.engine.ConflictsForProject(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, model.ConflictValidationError, conflicts[0].Type)

	// 冲突未解决前条目不再推送
	e.clk.Set(t0.Add(time.Hour))
	op = e.syncNow(t, p.ID)
	assert.Equal(t, model.OutcomeSucceeded, op.Outcome())
	assert.Empty(t, e.target.Items("Contoso"))
	assert.Zero(t, e.target.Calls("create_item"))
}

func TestCommentsMirrorWithoutEcho(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	p := e.project(t, model.DirectionBidirectional)
	e.source.Put("42", remoteItem("7", t0.Add(-time.Hour), map[string]string{"title": "Crash on save"}))
	e.source.PutComment("7", &tracker.Comment{ID: "c-1", Body: "Repro attached", Author: "alice", CreatedUTC: t0.Add(-time.Hour)})

	e.syncNow(t, p.ID)
	mirrored := e.target.Comments("T-1")
	require.Len(t, mirrored, 1)
	assert.Equal(t, "[alice] Repro attached", mirrored[0].Body)

	local, err := e.st.WorkItems.GetBySourceID(ctx, p.ID, "7")
	require.NoError(t, err)
	require.Len(t, local.Comments, 1)
	require.NotNil(t, local.Comments[0].TargetID)
	assert.Equal(t, mirrored[0].ID, *local.Comments[0].TargetID)

	// target 改动触发再次处理，已镜像的评论不会回传
	edit(t, e.target, "Contoso", "T-1", t0.Add(10*time.Minute), map[string]string{"priority": "high"})
	e.clk.Set(t0.Add(time.Hour))
	e.syncNow(t, p.ID)
	assert.Len(t, e.source.Comments("7"), 1)
	assert.Len(t, e.target.Comments("T-1"), 1)
}

func TestStartSyncSingleFlight(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	p := e.project(t, model.DirectionBidirectional)

	release := make(chan struct{})
	e.source.OnCall(func(ctx context.Context, op string) {
		select {
		case <-release:
		case <-ctx.Done():
		}
	})

	const callers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		started []uuid.UUID
		busy    int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := e.orch.StartSync(ctx, p.ID, model.DirectionNone)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				started = append(started, id)
			case errors.Is(err, model.ErrAlreadyInProgress):
				busy++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	require.Len(t, started, 1)
	assert.Equal(t, callers-1, busy)
	assert.True(t, e.orch.IsSyncInProgress(p.ID))

	st, err := e.orch.ProjectStatus(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, st.CurrentOperationID)
	assert.Equal(t, started[0], *st.CurrentOperationID)

	close(release)
	e.orch.Wait()
	assert.False(t, e.orch.IsSyncInProgress(p.ID))

	ops, err := e.st.Operations.ListRecent(ctx, p.ID, 10)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, model.StatusCompleted, ops[0].Status)
}

func TestStopSyncRecordsCancellation(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	p := e.project(t, model.DirectionBidirectional)

	entered := make(chan struct{})
	var once sync.Once
	e.source.OnCall(func(ctx context.Context, op string) {
		once.Do(func() { close(entered) })
		<-ctx.Done()
	})

	id, err := e.orch.StartSync(ctx, p.ID, model.DirectionNone)
	require.NoError(t, err)
	<-entered

	assert.True(t, e.orch.StopSync(p.ID))
	e.orch.Wait()

	op, err := e.orch.GetSyncStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, op.Status)
	assert.Equal(t, model.CancelledMessage, op.ErrorMessage)
	assert.Equal(t, model.OutcomeCancelled, op.Outcome())
	require.NotNil(t, op.EndUTC)
	assert.False(t, e.orch.IsSyncInProgress(p.ID))
	assert.False(t, e.orch.StopSync(p.ID))

	stored, err := e.st.Projects.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.LastSyncUTC)

	// 取消后可以立即开始新的同步
	e.source.OnCall(nil)
	op = e.syncNow(t, p.ID)
	assert.Equal(t, model.StatusCompleted, op.Status)
}

func TestRemoteListFailureIsItemError(t *testing.T) {
	e := newEnv(t)
	p := e.project(t, model.DirectionBidirectional)
	e.source.FailNext("list_changed", tracker.Transient("redmine.list_changed", errors.New("502 bad gateway")))

	op := e.syncNow(t, p.ID)
	assert.Equal(t, model.StatusCompleted, op.Status)
	assert.Equal(t, 1, op.ErrorCount)
	assert.Contains(t, op.Details, "list source items")
}

func TestShutdownStopsSessions(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	p := e.project(t, model.DirectionBidirectional)
	entered := make(chan struct{})
	var once sync.Once
	e.source.OnCall(func(ctx context.Context, op string) {
		once.Do(func() { close(entered) })
		<-ctx.Done()
	})

	id, err := e.orch.StartSync(ctx, p.ID, model.DirectionNone)
	require.NoError(t, err)
	<-entered

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, e.orch.Shutdown(sctx))

	op, err := e.orch.GetSyncStatus(ctx, id)
	require.NoError(t, err)
	assert.True(t, op.WasCancelled())

	_, err = e.orch.StartSync(ctx, p.ID, model.DirectionNone)
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestInProgressRowFromAnotherProcess(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	p := e.project(t, model.DirectionBidirectional)
	stale := model.StartOperation(p.ID, model.DirectionBidirectional, t0.Add(-time.Hour))
	require.NoError(t, e.st.Operations.Save(ctx, stale))

	_, err := e.orch.StartSync(ctx, p.ID, model.DirectionNone)
	assert.ErrorIs(t, err, model.ErrAlreadyInProgress)
	assert.False(t, e.orch.IsSyncInProgress(p.ID))

	n, err := e.orch.FailAbandoned(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := e.orch.GetSyncStatus(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, abandonedMessage, got.ErrorMessage)

	op := e.syncNow(t, p.ID)
	assert.Equal(t, model.StatusCompleted, op.Status)
}

func TestStopSyncDuringPushRecordsCancellation(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	p := e.project(t, model.DirectionBidirectional)
	local := model.NewWorkItem(p.ID, model.Fields{Title: "Written offline", Status: "open"}, e.clk.Now())
	require.NoError(t, e.st.WorkItems.Save(ctx, local))

	// 拉取阶段没有变化，唯一的待推送条目在创建时被取消
	entered := make(chan struct{})
	var once sync.Once
	e.target.OnCall(func(ctx context.Context, op string) {
		if op != "create_item" {
			return
		}
		once.Do(func() { close(entered) })
		<-ctx.Done()
	})

	id, err := e.orch.StartSync(ctx, p.ID, model.DirectionNone)
	require.NoError(t, err)
	<-entered
	require.True(t, e.orch.StopSync(p.ID))
	e.orch.Wait()

	op, err := e.orch.GetSyncStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, op.Status)
	assert.Equal(t, model.CancelledMessage, op.ErrorMessage)
	assert.Equal(t, model.OutcomeCancelled, op.Outcome())
	assert.Equal(t, 0, op.ErrorCount)
	assert.Equal(t, 1, op.ItemsProcessed)
	assert.Empty(t, e.target.Items("Contoso"))

	stored, err := e.st.Projects.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.LastSyncUTC)

	// 条目仍待同步，下一次运行会推送
	e.target.OnCall(nil)
	op = e.syncNow(t, p.ID)
	assert.Equal(t, model.OutcomeSucceeded, op.Outcome())
	assert.Len(t, e.target.Items("Contoso"), 1)
}

func TestStopSyncBetweenPhasesRecordsCancellation(t *testing.T) {
	e := newEnv(t)
	p := e.project(t, model.DirectionBidirectional)
	e.source.Put("42", remoteItem("1", t0.Add(-time.Hour), map[string]string{"title": "Login fails"}))

	// target 端拉取是最后一次远程调用，在这里取消时 source 条目已处理完
	e.target.OnCall(func(ctx context.Context, op string) {
		if op == "list_changed" {
			e.orch.StopSync(p.ID)
		}
	})

	op := e.syncNow(t, p.ID)
	assert.Equal(t, model.StatusFailed, op.Status)
	assert.Equal(t, model.CancelledMessage, op.ErrorMessage)
	assert.Equal(t, 0, op.ErrorCount)
	assert.Equal(t, 1, op.ItemsProcessed)
}

// flakyOperations 让终态写入失败，InProgress 写入不受影响
type flakyOperations struct {
	repository.OperationRepository
	failures atomic.Int32
}

func (f *flakyOperations) Save(ctx context.Context, op *model.SyncOperation) error {
	if op.Status != model.StatusInProgress && f.failures.Add(-1) >= 0 {
		return errors.New("database is locked")
	}
	return f.OperationRepository.Save(ctx, op)
}

func withFlakyOperations(e *env, failures int32) *flakyOperations {
	f := &flakyOperations{OperationRepository: e.st.Operations}
	f.failures.Store(failures)
	e.st.Operations = f
	e.orch.saveBackOff = func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2)
	}
	return f
}

func TestResultSaveIsRetried(t *testing.T) {
	e := newEnv(t)
	p := e.project(t, model.DirectionBidirectional)
	withFlakyOperations(e, 2)

	op := e.syncNow(t, p.ID)
	assert.Equal(t, model.StatusCompleted, op.Status)
	assert.False(t, e.orch.IsSyncInProgress(p.ID))
}

func TestUnsavedResultKeepsProjectBlocked(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	p := e.project(t, model.DirectionBidirectional)
	flaky := withFlakyOperations(e, 100)

	first, err := e.orch.StartSync(ctx, p.ID, model.DirectionNone)
	require.NoError(t, err)
	e.orch.Wait()

	// 数据库里仍是 InProgress，会话保留并在状态里可见
	assert.True(t, e.orch.IsSyncInProgress(p.ID))
	assert.False(t, e.orch.StopSync(p.ID))
	stored, err := e.orch.GetSyncStatus(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInProgress, stored.Status)

	st, err := e.orch.ProjectStatus(ctx, p.ID)
	require.NoError(t, err)
	assert.Contains(t, st.ResultSaveError, "database is locked")
	require.NotNil(t, st.CurrentOperationID)
	assert.Equal(t, first, *st.CurrentOperationID)

	_, err = e.orch.StartSync(ctx, p.ID, model.DirectionNone)
	assert.ErrorIs(t, err, model.ErrAlreadyInProgress)

	// 数据库恢复后，下一次 StartSync 先补写终态再开始
	flaky.failures.Store(0)
	second, err := e.orch.StartSync(ctx, p.ID, model.DirectionNone)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	e.orch.Wait()

	stored, err = e.orch.GetSyncStatus(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, stored.Status)
	stored, err = e.orch.GetSyncStatus(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, stored.Status)
	assert.False(t, e.orch.IsSyncInProgress(p.ID))
}

func TestStartSyncRacingShutdown(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	projects := make([]*model.Project, 6)
	for i := range projects {
		p, err := model.NewProject("Unmapped", model.DirectionBidirectional, t0)
		require.NoError(t, err)
		require.NoError(t, e.st.Projects.Save(ctx, p))
		projects[i] = p
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		started []uuid.UUID
	)
	for _, p := range projects {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			opID, err := e.orch.StartSync(ctx, id, model.DirectionNone)
			switch {
			case err == nil:
				mu.Lock()
				started = append(started, opID)
				mu.Unlock()
			case !errors.Is(err, ErrShuttingDown):
				t.Errorf("unexpected error: %v", err)
			}
		}(p.ID)
	}

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, e.orch.Shutdown(sctx))
	wg.Wait()

	// Shutdown 返回后不再有新会话；已开始的都已是终态
	e.orch.Wait()
	for _, id := range started {
		op, err := e.orch.GetSyncStatus(ctx, id)
		require.NoError(t, err)
		assert.NotEqual(t, model.StatusInProgress, op.Status)
	}
	_, err := e.orch.StartSync(ctx, projects[0].ID, model.DirectionNone)
	assert.ErrorIs(t, err, ErrShuttingDown)
}
