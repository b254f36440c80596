package service

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trackersync/internal/model"
)

func TestRegistryCloseRejectsAcquire(t *testing.T) {
	r := newRegistry()
	running := uuid.New()
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.tryAcquire(running, cancel))
	assert.ErrorIs(t, r.tryAcquire(running, func() {}), model.ErrAlreadyInProgress)

	r.close()
	assert.Error(t, ctx.Err())
	assert.ErrorIs(t, r.tryAcquire(uuid.New(), func() {}), ErrShuttingDown)

	done := make(chan struct{})
	go func() {
		r.wait()
		close(done)
	}()
	r.release(running)
	r.done()
	<-done
}

func TestRegistryParkAndUnpark(t *testing.T) {
	r := newRegistry()
	projectID := uuid.New()
	require.NoError(t, r.tryAcquire(projectID, func() {}))
	op := model.StartOperation(projectID, model.DirectionBidirectional, t0)
	r.attach(projectID, op.ID)

	parked, _ := r.parked(projectID)
	assert.Nil(t, parked)

	r.park(projectID, op, assert.AnError)
	r.done()
	parked, saveErr := r.parked(projectID)
	assert.Same(t, op, parked)
	assert.ErrorIs(t, saveErr, assert.AnError)
	assert.False(t, r.cancel(projectID))
	assert.True(t, r.has(projectID))

	assert.False(t, r.unpark(projectID, uuid.New()))
	assert.True(t, r.unpark(projectID, op.ID))
	assert.False(t, r.has(projectID))
}
