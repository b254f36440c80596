package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"trackersync/internal/model"
)

type recordingStarter struct {
	mu      sync.Mutex
	busy    map[uuid.UUID]bool
	started []uuid.UUID
}

func (s *recordingStarter) StartSync(_ context.Context, projectID uuid.UUID, _ model.Direction) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy[projectID] {
		return uuid.Nil, model.ErrAlreadyInProgress
	}
	s.started = append(s.started, projectID)
	return uuid.New(), nil
}

func TestIsEligible(t *testing.T) {
	now := t0
	p := &model.Project{IsActive: true}
	assert.True(t, IsEligible(p, now, 30*time.Minute), "never synced")

	last := now.Add(-29 * time.Minute)
	p.LastSyncUTC = &last
	assert.False(t, IsEligible(p, now, 30*time.Minute))

	last = now.Add(-30 * time.Minute)
	assert.True(t, IsEligible(p, now, 30*time.Minute), "boundary is inclusive")

	p.IsActive = false
	assert.False(t, IsEligible(p, now, 30*time.Minute))
}

func TestPollOnceStartsDueProjects(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	save := func(name string, lastSync *time.Duration, active bool) *model.Project {
		p, err := model.NewProject(name, model.DirectionBidirectional, t0)
		require.NoError(t, err)
		if lastSync != nil {
			p.MarkSynced(t0.Add(-*lastSync))
		}
		if !active {
			p.Deactivate(t0)
		}
		require.NoError(t, e.st.Projects.Save(ctx, p))
		return p
	}
	tenMin, fortyFive := 10*time.Minute, 45*time.Minute
	fresh := save("never synced", nil, true)
	recent := save("recently synced", &tenMin, true)
	stale := save("stale", &fortyFive, true)
	save("inactive", nil, false)
	running := save("running", &fortyFive, true)

	starter := &recordingStarter{busy: map[uuid.UUID]bool{running.ID: true}}
	s := NewScheduler(e.st, starter, SchedulerConfig{}, zap.NewNop()).WithClock(e.clk.Now)

	n, err := s.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []uuid.UUID{fresh.ID, stale.ID}, starter.started)
	assert.NotContains(t, starter.started, recent.ID)
}

func TestCleanupOnceKeepsInProgress(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	p := e.project(t, model.DirectionBidirectional)
	other, err := model.NewProject("Unmapped", model.DirectionBidirectional, t0)
	require.NoError(t, err)
	require.NoError(t, e.st.Projects.Save(ctx, other))

	old := model.StartOperation(p.ID, model.DirectionBidirectional, t0.Add(-40*24*time.Hour))
	require.NoError(t, old.Complete(3, 0, "ok", t0.Add(-40*24*time.Hour+time.Minute)))
	stuck := model.StartOperation(other.ID, model.DirectionBidirectional, t0.Add(-40*24*time.Hour))
	recent := model.StartOperation(p.ID, model.DirectionBidirectional, t0.Add(-24*time.Hour))
	require.NoError(t, recent.Fail("boom", 0, 0, t0.Add(-24*time.Hour)))
	for _, op := range []*model.SyncOperation{old, stuck, recent} {
		require.NoError(t, e.st.Operations.Save(ctx, op))
	}

	s := NewScheduler(e.st, e.orch, SchedulerConfig{}, zap.NewNop()).WithClock(e.clk.Now)
	n, err := s.CleanupOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = e.st.Operations.Get(ctx, old.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = e.st.Operations.Get(ctx, stuck.ID)
	assert.NoError(t, err)
	_, err = e.st.Operations.Get(ctx, recent.ID)
	assert.NoError(t, err)
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	e := newEnv(t)
	s := NewScheduler(e.st, e.orch, SchedulerConfig{PollSpec: "every now and then"}, zap.NewNop())
	assert.Error(t, s.Start(context.Background()))
}

func TestSchedulerStartStop(t *testing.T) {
	e := newEnv(t)
	s := NewScheduler(e.st, e.orch, DefaultSchedulerConfig(), zap.NewNop())
	require.NoError(t, s.Start(context.Background()))
	s.Stop()
}
