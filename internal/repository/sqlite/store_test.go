package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"trackersync/internal/model"
	"trackersync/internal/repository"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *repository.Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(st.Close)
	return st
}

func newProject(t *testing.T, st *repository.Store) *model.Project {
	t.Helper()
	p, err := model.NewProject("Payments", model.DirectionBidirectional, t0)
	require.NoError(t, err)
	p.MapSource(42, t0)
	require.NoError(t, p.MapTarget("PAY", t0))
	require.NoError(t, st.Projects.Save(context.Background(), p))
	return p
}

func TestProjectSaveWritesOutboxInSameTransaction(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	p := newProject(t, st)

	assert.Empty(t, p.PendingEvents(), "events are cleared after commit")

	got, err := st.Projects.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Payments", got.Name)
	require.NotNil(t, got.SourceID)
	assert.Equal(t, int64(42), *got.SourceID)
	assert.Equal(t, "PAY", got.TargetContainer())
	assert.True(t, got.IsActive)

	events, err := st.Outbox.ClaimUnprocessed(ctx, t0, 10, 3, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, model.EventProjectCreated, events[0].EventType)
	assert.Equal(t, model.EventProjectMappingUpdated, events[1].EventType)
	assert.Equal(t, p.ID, events[0].AggregateID)

	// leased rows are not handed out twice
	again, err := st.Outbox.ClaimUnprocessed(ctx, t0, 10, 3, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestProjectGetMissing(t *testing.T) {
	st := newTestStore(t)
	_, err := st.Projects.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestDuplicateSourceMappingRejected(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	newProject(t, st)

	other, err := model.NewProject("Other", model.DirectionFromSource, t0)
	require.NoError(t, err)
	other.MapSource(42, t0)
	err = st.Projects.Save(ctx, other)
	assert.ErrorIs(t, err, model.ErrDuplicate)
	assert.NotEmpty(t, other.PendingEvents(), "failed save keeps the buffer")
}

func TestWorkItemPendingSync(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	p := newProject(t, st)

	w := model.NewWorkItem(p.ID, model.Fields{Title: "Refund flow", Status: "open"}, t0)
	w.LinkSource("17", t0)
	c := w.AddComment("looks good", "alice", t0)
	c.LinkSource("900", t0)
	w.AddAttachment("trace.log", "text/plain", "https://files/trace.log", 512, t0)
	require.NoError(t, st.WorkItems.Save(ctx, w))

	n, err := st.WorkItems.CountPendingSync(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := st.WorkItems.GetBySourceID(ctx, p.ID, "17")
	require.NoError(t, err)
	assert.Equal(t, "Refund flow", got.Fields.Title)
	require.Len(t, got.Comments, 1)
	assert.NotNil(t, got.CommentBySourceID("900"))
	require.Len(t, got.Attachments, 1)
	assert.Equal(t, int64(512), got.Attachments[0].Size)

	got.MarkSynced(model.DirectionFromSource, t0.Add(time.Minute))
	require.NoError(t, st.WorkItems.Save(ctx, got))

	pending, err := st.WorkItems.ListPendingSync(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)

	got.Edit(model.Fields{Title: "Refund flow v2", Status: "open"}, t0.Add(2*time.Minute))
	require.NoError(t, st.WorkItems.Save(ctx, got))

	pending, err = st.WorkItems.ListPendingSync(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, got.ID, pending[0].ID)
	assert.Len(t, pending[0].Comments, 1)
}

func TestSingleInProgressOperationPerProject(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	p := newProject(t, st)

	first := model.StartOperation(p.ID, model.DirectionBidirectional, t0)
	require.NoError(t, st.Operations.Save(ctx, first))

	second := model.StartOperation(p.ID, model.DirectionBidirectional, t0)
	assert.ErrorIs(t, st.Operations.Save(ctx, second), model.ErrDuplicate)

	require.NoError(t, first.Complete(3, 0, "ok", t0.Add(time.Minute)))
	require.NoError(t, st.Operations.Save(ctx, first))
	require.NoError(t, st.Operations.Save(ctx, second))

	running, err := st.Operations.ListByStatus(ctx, model.StatusInProgress)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, second.ID, running[0].ID)
}

func TestDeleteFinishedBeforeKeepsInProgress(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	p := newProject(t, st)

	old := model.StartOperation(p.ID, model.DirectionFromSource, t0.Add(-40*24*time.Hour))
	require.NoError(t, old.Fail("boom", 0, 1, t0.Add(-40*24*time.Hour)))
	require.NoError(t, st.Operations.Save(ctx, old))

	stuck := model.StartOperation(p.ID, model.DirectionFromSource, t0.Add(-35*24*time.Hour))
	require.NoError(t, st.Operations.Save(ctx, stuck))

	recent := model.StartOperation(p.ID, model.DirectionFromSource, t0)
	require.NoError(t, recent.Complete(1, 0, "", t0))
	require.NoError(t, st.Operations.Save(ctx, recent))

	n, err := st.Operations.DeleteFinishedBefore(ctx, t0.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	ops, err := st.Operations.ListRecent(ctx, p.ID, 10)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, recent.ID, ops[0].ID)
	assert.Equal(t, stuck.ID, ops[1].ID)
}

func TestConflictResolvedOnlyOnce(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	p := newProject(t, st)
	w := model.NewWorkItem(p.ID, model.Fields{Title: "a"}, t0)
	require.NoError(t, st.WorkItems.Save(ctx, w))

	c := model.NewConflict(w, model.ConflictFieldMismatch, []byte(`{"id":"1"}`), nil, "title differs", t0)
	require.NoError(t, st.Conflicts.Create(ctx, c))

	n, err := st.Conflicts.CountUnresolved(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	first, err := st.Conflicts.Get(ctx, c.ID)
	require.NoError(t, err)
	stale, err := st.Conflicts.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"1"}`, string(first.SourceData))
	assert.Nil(t, first.TargetData)

	require.NoError(t, first.Resolve("kept source", "bob", t0.Add(time.Hour)))
	require.NoError(t, st.Conflicts.MarkResolved(ctx, first))

	// a second resolver working from a stale copy loses
	require.NoError(t, stale.Resolve("kept target", "carol", t0.Add(2*time.Hour)))
	assert.ErrorIs(t, st.Conflicts.MarkResolved(ctx, stale), model.ErrAlreadyResolved)

	got, err := st.Conflicts.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, got.IsResolved)
	assert.Equal(t, "kept source", got.Resolution)
	assert.Equal(t, "bob", got.ResolvedBy)

	open, err := st.Conflicts.ListUnresolved(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestOutboxFailedViewAndPurge(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	newProject(t, st)

	events, err := st.Outbox.ClaimUnprocessed(ctx, t0, 10, 3, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, events, 3)
	bad := events[0]

	for i := 0; i < 3; i++ {
		require.NoError(t, st.Outbox.MarkFailed(ctx, bad.ID, "publish failed"))
	}
	require.NoError(t, st.Outbox.MarkProcessed(ctx, events[1].ID, t0))

	failed, err := st.Outbox.FailedEvents(ctx, 3)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, bad.ID, failed[0].ID)
	require.NotNil(t, failed[0].LastError)
	assert.Equal(t, "publish failed", *failed[0].LastError)

	// parked events are not claimed again
	claimed, err := st.Outbox.ClaimUnprocessed(ctx, t0.Add(2*time.Minute), 10, 3, t0.Add(3*time.Minute))
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, events[2].ID, claimed[0].ID)

	require.NoError(t, st.Outbox.ResetRetries(ctx, bad.ID))
	got, err := st.Outbox.GetEvent(ctx, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.RetryCount)

	n, err := st.Outbox.DeleteProcessedBefore(ctx, t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestOutboxReleaseLocksMakesEventsClaimable(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	newProject(t, st)

	events, err := st.Outbox.ClaimUnprocessed(ctx, t0, 10, 3, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, events, 3)

	again, err := st.Outbox.ClaimUnprocessed(ctx, t0, 10, 3, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, st.Outbox.MarkProcessed(ctx, events[0].ID, t0))
	require.NoError(t, st.Outbox.ReleaseLocks(ctx, []uuid.UUID{events[0].ID, events[1].ID}))
	require.NoError(t, st.Outbox.ReleaseLocks(ctx, nil))

	again, err = st.Outbox.ClaimUnprocessed(ctx, t0, 10, 3, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, events[1].ID, again[0].ID)
}
