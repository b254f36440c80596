package outbox

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type itemChanged struct {
	ItemID uuid.UUID `json:"item_id"`
	Seq    int       `json:"seq"`
}

func (e itemChanged) EventType() string      { return "item.changed" }
func (e itemChanged) AggregateID() uuid.UUID { return e.ItemID }

// memStore 内存实现，语义与 SQL 实现一致
type memStore struct {
	mu     sync.Mutex
	events map[uuid.UUID]*Event
}

func newMemStore() *memStore {
	return &memStore{events: make(map[uuid.UUID]*Event)}
}

func (s *memStore) add(e *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.events[e.ID] = &cp
}

func (s *memStore) sorted(filter func(*Event) bool) []*Event {
	var out []*Event
	for _, e := range s.events {
		if filter(e) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedUTC.Equal(out[j].CreatedUTC) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedUTC.Before(out[j].CreatedUTC)
	})
	return out
}

func (s *memStore) ClaimUnprocessed(_ context.Context, now time.Time, limit, maxRetries int, lockedUntil time.Time) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.sorted(func(e *Event) bool {
		return !e.IsProcessed && e.RetryCount < maxRetries && (e.LockedUntil == nil || !e.LockedUntil.After(now))
	})
	if len(out) > limit {
		out = out[:limit]
	}
	for _, e := range out {
		lu := lockedUntil
		s.events[e.ID].LockedUntil = &lu
	}
	return out, nil
}

func (s *memStore) MarkProcessed(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return ErrEventNotFound
	}
	e.IsProcessed = true
	e.ProcessedUTC = &at
	e.LockedUntil = nil
	return nil
}

func (s *memStore) MarkFailed(_ context.Context, id uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return ErrEventNotFound
	}
	e.RetryCount++
	e.LastError = &reason
	e.LockedUntil = nil
	return nil
}

func (s *memStore) FailedEvents(_ context.Context, maxRetries int) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sorted(func(e *Event) bool { return !e.IsProcessed && e.RetryCount >= maxRetries }), nil
}

func (s *memStore) DeleteProcessedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, e := range s.events {
		if e.IsProcessed && e.ProcessedUTC.Before(cutoff) {
			delete(s.events, id)
			n++
		}
	}
	return n, nil
}

func (s *memStore) ResetRetries(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok || e.IsProcessed {
		return ErrEventNotFound
	}
	e.RetryCount = 0
	e.LockedUntil = nil
	return nil
}

func (s *memStore) ReleaseLocks(_ context.Context, ids []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if e, ok := s.events[id]; ok && !e.IsProcessed {
			e.LockedUntil = nil
		}
	}
	return nil
}

func (s *memStore) GetEvent(_ context.Context, id uuid.UUID) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	cp := *e
	return &cp, nil
}

type recordingSubscriber struct {
	mu      sync.Mutex
	seen    []itemChanged
	failFor map[uuid.UUID]bool
	panics  bool
}

func (r *recordingSubscriber) Name() string { return "recording" }

func (r *recordingSubscriber) Handle(_ context.Context, _ *Event, payload any) error {
	if r.panics {
		panic("boom")
	}
	evt := payload.(itemChanged)
	if r.failFor[evt.ItemID] {
		return errors.New("downstream unavailable")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, evt)
	return nil
}

type fixture struct {
	store *memStore
	sub   *recordingSubscriber
	disp  *Dispatcher
	now   time.Time
}

func newFixture(t *testing.T, batchSize int) *fixture {
	t.Helper()
	reg := NewRegistry()
	Register[itemChanged](reg, "item.changed")

	f := &fixture{
		store: newMemStore(),
		sub:   &recordingSubscriber{failFor: map[uuid.UUID]bool{}},
		now:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	f.disp = NewDispatcher(f.store, reg, zap.NewNop()).
		WithBatchSize(batchSize).
		WithMaxRetries(3).
		WithClock(func() time.Time { return f.now }).
		Subscribe(f.sub)
	return f
}

func (f *fixture) enqueue(t *testing.T, itemID uuid.UUID, seq int, created time.Time) *Event {
	t.Helper()
	e, err := NewEvent(itemChanged{ItemID: itemID, Seq: seq}, created)
	require.NoError(t, err)
	f.store.add(e)
	return e
}

func TestProcessBatchOldestFirstAcrossCycles(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	f.enqueue(t, uuid.New(), 3, f.now.Add(-1*time.Minute))
	f.enqueue(t, uuid.New(), 1, f.now.Add(-3*time.Minute))
	f.enqueue(t, uuid.New(), 2, f.now.Add(-2*time.Minute))

	res, err := f.disp.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	require.Len(t, f.sub.seen, 2)
	assert.Equal(t, 1, f.sub.seen[0].Seq)
	assert.Equal(t, 2, f.sub.seen[1].Seq)

	res, err = f.disp.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	require.Len(t, f.sub.seen, 3)
	assert.Equal(t, 3, f.sub.seen[2].Seq)

	res, err = f.disp.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Claimed, "processed events are never reselected")
}

func TestFailedEventsParkAfterMaxRetries(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	broken := uuid.New()
	f.sub.failFor[broken] = true
	evt := f.enqueue(t, broken, 1, f.now.Add(-time.Minute))

	for i := 0; i < 3; i++ {
		res, err := f.disp.ProcessBatch(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Failed)
	}

	res, err := f.disp.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Claimed, "parked event is no longer polled")

	stored, err := f.store.GetEvent(ctx, evt.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsProcessed)
	assert.Equal(t, 3, stored.RetryCount)
	require.NotNil(t, stored.LastError)
	assert.Contains(t, *stored.LastError, "downstream unavailable")

	failed, err := f.disp.FailedEvents(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, evt.ID, failed[0].ID)

	// 运维重放后重新投递
	delete(f.sub.failFor, broken)
	replay := NewReplayService(f.store, f.disp.MaxRetries(), zap.NewNop())
	n, err := replay.ReplayFailedEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	res, err = f.disp.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)

	assert.ErrorIs(t, replay.ReplayEvent(ctx, evt.ID), ErrEventProcessed)
}

func TestProcessBatchKeepsAggregateOrderOnFailure(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	f.sub.failFor[a] = true

	f.enqueue(t, a, 1, f.now.Add(-3*time.Minute))
	f.enqueue(t, b, 2, f.now.Add(-2*time.Minute))
	second := f.enqueue(t, a, 3, f.now.Add(-1*time.Minute))

	res, err := f.disp.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Claimed: 3, Processed: 1, Failed: 1, Skipped: 1}, res)

	stored, err := f.store.GetEvent(ctx, second.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.RetryCount, "skipped events do not burn a retry")
	assert.False(t, stored.IsProcessed)
	assert.Nil(t, stored.LockedUntil, "skipped events are released for the next cycle")

	// 失败原因消除后，下一轮（租约未到期）两条 a 事件按顺序投递
	delete(f.sub.failFor, a)
	res, err = f.disp.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Claimed: 2, Processed: 2}, res)
}

func TestProcessBatchUnknownTypeAndPanicCountAsFailures(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	unknown := &Event{ID: uuid.New(), EventType: "nobody.listens", AggregateID: uuid.New(), Payload: []byte(`{}`), CreatedUTC: f.now.Add(-time.Minute)}
	f.store.add(unknown)
	res, err := f.disp.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	f.sub.panics = true
	f.enqueue(t, uuid.New(), 1, f.now.Add(-time.Second))
	res, err = f.disp.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Failed)
}

func TestPurgeRemovesOnlyOldProcessedEvents(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	f.disp.WithRetention(7*24*time.Hour, time.Hour)

	old := f.enqueue(t, uuid.New(), 1, f.now.Add(-10*24*time.Hour))
	fresh := f.enqueue(t, uuid.New(), 2, f.now.Add(-time.Hour))
	pending := f.enqueue(t, uuid.New(), 3, f.now.Add(-9*24*time.Hour))
	require.NoError(t, f.store.MarkProcessed(ctx, old.ID, f.now.Add(-8*24*time.Hour)))
	require.NoError(t, f.store.MarkProcessed(ctx, fresh.ID, f.now.Add(-time.Hour)))

	n, err := f.disp.Purge(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = f.store.GetEvent(ctx, old.ID)
	assert.ErrorIs(t, err, ErrEventNotFound)
	_, err = f.store.GetEvent(ctx, pending.ID)
	assert.NoError(t, err)
}

func TestRegistryDecode(t *testing.T) {
	reg := NewRegistry()
	Register[itemChanged](reg, "item.changed")
	id := uuid.New()
	e, err := NewEvent(itemChanged{ItemID: id, Seq: 7}, time.Now())
	require.NoError(t, err)

	v, err := reg.Decode(e)
	require.NoError(t, err)
	assert.Equal(t, itemChanged{ItemID: id, Seq: 7}, v)
	assert.Equal(t, []string{"item.changed"}, reg.Types())

	e.EventType = "other"
	_, err = reg.Decode(e)
	assert.ErrorIs(t, err, ErrUnknownEventType)
}
